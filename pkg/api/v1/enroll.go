package v1

import "time"

// EnrollRequest redeems a bootstrap token for a signed worker certificate
type EnrollRequest struct {
	BootstrapToken string `json:"bootstrap_token" binding:"required"`
	CSR            string `json:"csr" binding:"required"`
}

// EnrollResponse carries the signed certificate chain
type EnrollResponse struct {
	WorkerCert string `json:"worker_cert"`
	CACert     string `json:"ca_cert"`
	ExpiresAt  string `json:"expires_at"`
}

// IssueTokenRequest mints a one-shot bootstrap token
type IssueTokenRequest struct {
	// TTL is a Go duration string, e.g. "1h". Empty uses the server default.
	TTL string `json:"ttl,omitempty"`
}

// IssueTokenResponse returns the plaintext token exactly once
type IssueTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// StatusResponse summarizes control-plane state for dashboards
type StatusResponse struct {
	Uptime           string             `json:"uptime"`
	ConnectedWorkers int                `json:"connected_workers"`
	TasksByStatus    map[TaskStatus]int `json:"tasks_by_status"`
}

// ErrorResponse is the error body returned by HTTP handlers
type ErrorResponse struct {
	Error string `json:"error"`
}
