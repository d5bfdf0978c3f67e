// Package enrollment exposes the bootstrap flow that turns a one-shot token
// and a CSR into a CA-signed worker certificate. The endpoint lives on the
// admin surface because the caller, by definition, has no client certificate
// yet.
package enrollment

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taskrun/taskrun/internal/common/config"
	"github.com/taskrun/taskrun/internal/common/logger"
	"github.com/taskrun/taskrun/internal/identity"
	"github.com/taskrun/taskrun/internal/metrics"
	v1 "github.com/taskrun/taskrun/pkg/api/v1"
)

// Handlers serves token redemption and, on the admin group, token issuance.
type Handlers struct {
	ident *identity.Store
	cfg   config.IdentityConfig
	log   *logger.Logger
}

// NewHandlers creates the enrollment handlers.
func NewHandlers(ident *identity.Store, cfg config.IdentityConfig, log *logger.Logger) *Handlers {
	return &Handlers{
		ident: ident,
		cfg:   cfg,
		log:   log.WithFields(zap.String("component", "enrollment")),
	}
}

// RegisterRoutes mounts the public enrollment endpoint.
func (h *Handlers) RegisterRoutes(router gin.IRouter) {
	router.POST("/v1/enroll", h.enroll)
}

// RegisterAdminRoutes mounts token issuance on the operator API group.
func (h *Handlers) RegisterAdminRoutes(rg *gin.RouterGroup) {
	rg.POST("/enroll/tokens", h.issueToken)
}

// enroll redeems a bootstrap token for a signed worker certificate. The
// token is consumed before signing; a CSR rejected afterwards still burns
// it, which errs on the side of forcing the operator to mint a new one.
func (h *Handlers) enroll(c *gin.Context) {
	var req v1.EnrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		metrics.RecordEnrollment("bad_request")
		c.JSON(http.StatusBadRequest, v1.ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	if !h.ident.HasCA() {
		metrics.RecordEnrollment("no_ca")
		c.JSON(http.StatusServiceUnavailable, v1.ErrorResponse{Error: "no CA configured"})
		return
	}

	if err := h.ident.ConsumeToken(req.BootstrapToken); err != nil {
		metrics.RecordEnrollment("invalid_token")
		h.log.Warn("enrollment rejected", zap.String("reason", "invalid token"))
		c.JSON(http.StatusUnauthorized, v1.ErrorResponse{Error: err.Error()})
		return
	}

	signed, err := h.ident.SignCSR([]byte(req.CSR), h.cfg.CertValidityDays)
	if err != nil {
		if errors.Is(err, identity.ErrNoCA) {
			metrics.RecordEnrollment("no_ca")
			c.JSON(http.StatusServiceUnavailable, v1.ErrorResponse{Error: err.Error()})
			return
		}
		metrics.RecordEnrollment("bad_csr")
		h.log.Warn("enrollment rejected", zap.String("reason", "csr"), zap.Error(err))
		c.JSON(http.StatusBadRequest, v1.ErrorResponse{Error: err.Error()})
		return
	}

	metrics.RecordEnrollment("issued")
	h.log.Info("worker certificate issued",
		zap.String("worker_id", signed.WorkerID),
		zap.Time("expires_at", signed.ExpiresAt))
	c.JSON(http.StatusOK, v1.EnrollResponse{
		WorkerCert: string(signed.CertPEM),
		CACert:     string(h.ident.CACertPEM()),
		ExpiresAt:  signed.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// issueToken mints a bootstrap token. The plaintext in the response is the
// only copy that will ever exist.
func (h *Handlers) issueToken(c *gin.Context) {
	var req v1.IssueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, v1.ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	validity := h.cfg.TokenValidityDuration()
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, v1.ErrorResponse{Error: "invalid ttl: " + req.TTL})
			return
		}
		validity = d
	}

	plaintext, token, err := h.ident.IssueBootstrapToken(validity)
	if err != nil {
		c.JSON(http.StatusInternalServerError, v1.ErrorResponse{Error: "failed to issue token"})
		return
	}
	c.JSON(http.StatusOK, v1.IssueTokenResponse{Token: plaintext, ExpiresAt: token.ExpiresAt})
}
