package enrollment

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskrun/taskrun/internal/common/config"
	"github.com/taskrun/taskrun/internal/common/logger"
	"github.com/taskrun/taskrun/internal/identity"
	v1 "github.com/taskrun/taskrun/pkg/api/v1"
)

func makeCSR(t *testing.T, cn string) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: cn},
	}, key)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}))
}

func newTestRouter(t *testing.T, withCA bool) (*gin.Engine, *identity.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ident := identity.NewStore(logger.Default())
	t.Cleanup(ident.Close)
	if withCA {
		certPEM, keyPEM, err := identity.GenerateCA("taskrun-test-ca", 24*time.Hour)
		require.NoError(t, err)
		require.NoError(t, ident.LoadCA(certPEM, keyPEM))
	}

	handlers := NewHandlers(ident, config.IdentityConfig{CertValidityDays: 7, TokenValidity: 3600}, logger.Default())
	router := gin.New()
	handlers.RegisterRoutes(router)
	handlers.RegisterAdminRoutes(router.Group("/api/v1"))
	return router, ident
}

func post(t *testing.T, router *gin.Engine, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func issueToken(t *testing.T, router *gin.Engine) string {
	t.Helper()
	rec := post(t, router, "/api/v1/enroll/tokens", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp v1.IssueTokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func TestEnroll_HappyPath(t *testing.T) {
	router, _ := newTestRouter(t, true)
	token := issueToken(t, router)

	rec := post(t, router, "/v1/enroll", v1.EnrollRequest{
		BootstrapToken: token,
		CSR:            makeCSR(t, "worker:w7"),
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp v1.EnrollResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.CACert)

	block, _ := pem.Decode([]byte(resp.WorkerCert))
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.Equal(t, "worker:w7", cert.Subject.CommonName)

	expiresAt, err := time.Parse(time.RFC3339, resp.ExpiresAt)
	require.NoError(t, err)
	wantExpiry := time.Now().Add(7 * 24 * time.Hour)
	assert.WithinDuration(t, wantExpiry, expiresAt, time.Hour)
}

func TestEnroll_TokenReuseRejected(t *testing.T) {
	router, _ := newTestRouter(t, true)
	token := issueToken(t, router)

	rec := post(t, router, "/v1/enroll", v1.EnrollRequest{
		BootstrapToken: token,
		CSR:            makeCSR(t, "worker:w7"),
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = post(t, router, "/v1/enroll", v1.EnrollRequest{
		BootstrapToken: token,
		CSR:            makeCSR(t, "worker:w8"),
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestEnroll_UnknownToken(t *testing.T) {
	router, _ := newTestRouter(t, true)

	rec := post(t, router, "/v1/enroll", v1.EnrollRequest{
		BootstrapToken: "not-a-token",
		CSR:            makeCSR(t, "worker:w7"),
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var resp v1.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Error)
}

func TestEnroll_CNPolicyViolation(t *testing.T) {
	router, _ := newTestRouter(t, true)
	token := issueToken(t, router)

	rec := post(t, router, "/v1/enroll", v1.EnrollRequest{
		BootstrapToken: token,
		CSR:            makeCSR(t, "agent-7"),
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp v1.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp.Error, "CN must start with 'worker:'")
}

func TestEnroll_BadCSRBurnsToken(t *testing.T) {
	router, _ := newTestRouter(t, true)
	token := issueToken(t, router)

	rec := post(t, router, "/v1/enroll", v1.EnrollRequest{
		BootstrapToken: token,
		CSR:            "not a pem block",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// The token was consumed by the failed attempt.
	rec = post(t, router, "/v1/enroll", v1.EnrollRequest{
		BootstrapToken: token,
		CSR:            makeCSR(t, "worker:w7"),
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestEnroll_MissingFields(t *testing.T) {
	router, _ := newTestRouter(t, true)

	rec := post(t, router, "/v1/enroll", map[string]string{"bootstrap_token": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnroll_NoCAConfigured(t *testing.T) {
	router, ident := newTestRouter(t, false)
	plaintext, _, err := ident.IssueBootstrapToken(time.Hour)
	require.NoError(t, err)

	rec := post(t, router, "/v1/enroll", v1.EnrollRequest{
		BootstrapToken: plaintext,
		CSR:            makeCSR(t, "worker:w7"),
	})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	// The CA outage must not burn the token.
	require.NoError(t, ident.ConsumeToken(plaintext))
}

func TestIssueToken_CustomTTL(t *testing.T) {
	router, _ := newTestRouter(t, true)

	rec := post(t, router, "/api/v1/enroll/tokens", v1.IssueTokenRequest{TTL: "2h"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp v1.IssueTokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.WithinDuration(t, time.Now().Add(2*time.Hour), resp.ExpiresAt, time.Minute)

	rec = post(t, router, "/api/v1/enroll/tokens", v1.IssueTokenRequest{TTL: "soon"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
