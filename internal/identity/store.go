// Package identity holds the control plane's CA material and bootstrap
// tokens, and signs worker certificates during enrollment.
package identity

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskrun/taskrun/internal/common/logger"
)

// ErrNoCA is returned when signing is requested before CA material is
// loaded. Enrollment surfaces it as 503.
var ErrNoCA = errors.New("no CA configured")

// sweepInterval is how often consumed and expired tokens are purged.
const sweepInterval = 10 * time.Minute

// Store holds the CA certificate and key in memory together with the
// outstanding bootstrap tokens. Tokens are keyed by the hex digest of their
// plaintext; the plaintext itself is never stored.
type Store struct {
	mu     sync.RWMutex
	caCert *x509.Certificate
	caKey  crypto.Signer
	caPEM  []byte
	tokens map[string]*BootstrapToken

	logger      *logger.Logger
	sweepTicker *time.Ticker
	stopSweep   chan struct{}
	closed      bool
}

// NewStore creates an empty identity store and starts the token sweeper.
// Call Close to stop the sweeper.
func NewStore(log *logger.Logger) *Store {
	s := &Store{
		tokens:    make(map[string]*BootstrapToken),
		logger:    log.WithFields(zap.String("component", "identity_store")),
		stopSweep: make(chan struct{}),
	}

	s.sweepTicker = time.NewTicker(sweepInterval)
	go s.sweepLoop()

	return s
}

// Close stops the token sweeper. It is safe to call Close multiple times.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true

	s.sweepTicker.Stop()
	close(s.stopSweep)
}

// LoadCAFiles reads and installs the CA certificate and key from PEM files.
func (s *Store) LoadCAFiles(certFile, keyFile string) error {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return fmt.Errorf("failed to read CA key: %w", err)
	}
	return s.LoadCA(certPEM, keyPEM)
}

// LoadCA parses and installs CA material from PEM blocks.
func (s *Store) LoadCA(certPEM, keyPEM []byte) error {
	cert, err := parseCACert(certPEM)
	if err != nil {
		return err
	}
	key, err := parseCAKey(keyPEM)
	if err != nil {
		return err
	}

	pub, ok := cert.PublicKey.(interface{ Equal(k crypto.PublicKey) bool })
	if !ok || !pub.Equal(key.Public()) {
		return errors.New("CA key does not match CA certificate")
	}

	s.mu.Lock()
	s.caCert = cert
	s.caKey = key
	s.caPEM = append([]byte(nil), certPEM...)
	s.mu.Unlock()

	s.logger.Info("CA material loaded",
		zap.String("subject", cert.Subject.CommonName),
		zap.Time("not_after", cert.NotAfter))
	return nil
}

// HasCA reports whether CA material has been loaded.
func (s *Store) HasCA() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.caCert != nil
}

// CACertPEM returns the CA certificate in PEM form, or nil when no CA is
// configured.
func (s *Store) CACertPEM() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.caPEM == nil {
		return nil
	}
	return append([]byte(nil), s.caPEM...)
}

// CAPool returns a certificate pool holding the CA, suitable for verifying
// worker client certificates.
func (s *Store) CAPool() (*x509.CertPool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.caPEM == nil {
		return nil, ErrNoCA
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(s.caPEM) {
		return nil, errors.New("failed to parse CA certificate")
	}
	return pool, nil
}

// IssueBootstrapToken mints a single-use enrollment token. The returned
// plaintext is the only copy; the stored record holds its digest.
func (s *Store) IssueBootstrapToken(validity time.Duration) (string, *BootstrapToken, error) {
	plaintext, err := generateToken()
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate token: %w", err)
	}

	now := time.Now().UTC()
	token := &BootstrapToken{
		TokenHash: hashToken(plaintext),
		CreatedAt: now,
		ExpiresAt: now.Add(validity),
	}

	s.mu.Lock()
	s.tokens[token.TokenHash] = token
	s.mu.Unlock()

	s.logger.Info("Issued bootstrap token",
		zap.Time("expires_at", token.ExpiresAt))

	record := *token
	return plaintext, &record, nil
}

// ConsumeToken validates a token plaintext and marks it consumed. The
// lookup, validity check, and consumption happen under one lock, so a token
// can never sign two certificates.
func (s *Store) ConsumeToken(plaintext string) error {
	digest := hashToken(plaintext)
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[digest]
	if !ok || !token.IsValid(now) {
		return ErrInvalidToken
	}
	token.Consumed = true
	return nil
}

// TokenCount returns the number of stored token records.
func (s *Store) TokenCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens)
}

// sweepLoop periodically removes consumed and expired token records.
func (s *Store) sweepLoop() {
	for {
		select {
		case <-s.sweepTicker.C:
			if n := s.sweepExpired(time.Now().UTC()); n > 0 {
				s.logger.Debug("Swept bootstrap tokens", zap.Int("removed", n))
			}
		case <-s.stopSweep:
			return
		}
	}
}

// sweepExpired removes token records that can never be consumed again.
func (s *Store) sweepExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for digest, token := range s.tokens {
		if token.Consumed || now.After(token.ExpiresAt) {
			delete(s.tokens, digest)
			removed++
		}
	}
	return removed
}
