package identity

import (
	"errors"
	"regexp"
	"strings"
)

// Worker certificates carry their identity in the subject common name as
// "worker:<id>". The same convention is enforced at both ends: here when a
// CSR is signed, and by the session layer when a certificate is presented.
const cnPrefix = "worker:"

var workerIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

var (
	// ErrCNPrefix rejects common names outside the worker namespace.
	ErrCNPrefix = errors.New("CN must start with 'worker:'")

	// ErrWorkerIDFormat rejects empty or malformed worker IDs.
	ErrWorkerIDFormat = errors.New("worker id must be nonempty and match [A-Za-z0-9_-]")
)

// BuildWorkerCN returns the certificate common name for a worker ID.
func BuildWorkerCN(id string) string {
	return cnPrefix + id
}

// ParseWorkerCN extracts and validates the worker ID from a certificate
// common name.
func ParseWorkerCN(cn string) (string, error) {
	if !strings.HasPrefix(cn, cnPrefix) {
		return "", ErrCNPrefix
	}
	id := strings.TrimPrefix(cn, cnPrefix)
	if !workerIDPattern.MatchString(id) {
		return "", ErrWorkerIDFormat
	}
	return id, nil
}
