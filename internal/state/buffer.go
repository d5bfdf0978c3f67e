package state

// OutputBuffer retains the most recent max bytes appended to it. When an
// append overflows the cap the oldest bytes are discarded. It is not safe
// for concurrent use; the store serializes access.
type OutputBuffer struct {
	data []byte
	max  int
}

// NewOutputBuffer creates a buffer bounded to max bytes.
func NewOutputBuffer(max int) *OutputBuffer {
	return &OutputBuffer{max: max}
}

// Append adds p, discarding the oldest bytes once the cap is exceeded.
func (b *OutputBuffer) Append(p []byte) {
	if b.max <= 0 || len(p) == 0 {
		return
	}
	if len(p) >= b.max {
		b.data = append(b.data[:0], p[len(p)-b.max:]...)
		return
	}
	if overflow := len(b.data) + len(p) - b.max; overflow > 0 {
		b.data = append(b.data[:0], b.data[overflow:]...)
	}
	b.data = append(b.data, p...)
}

// Len returns the number of retained bytes.
func (b *OutputBuffer) Len() int { return len(b.data) }

// String returns the retained bytes as a string.
func (b *OutputBuffer) String() string { return string(b.data) }
