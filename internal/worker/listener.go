package worker

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/taskrun/taskrun/internal/common/config"
	"github.com/taskrun/taskrun/internal/common/httpmw"
	"github.com/taskrun/taskrun/internal/common/logger"
	"github.com/taskrun/taskrun/internal/identity"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Workers are not browsers; origin checks do not apply.
		return true
	},
}

// Listener terminates worker mTLS connections on a dedicated port and hands
// each authenticated connection to a Session. Client certificates are
// required and verified against the CA held by the identity store; the
// certificate CN carries the worker identity.
type Listener struct {
	cfg      config.WorkerConfig
	service  *Service
	identity *identity.Store
	log      *logger.Logger
	server   *http.Server
}

// NewListener creates the worker listener.
func NewListener(cfg config.WorkerConfig, service *Service, ident *identity.Store, log *logger.Logger) *Listener {
	return &Listener{
		cfg:      cfg,
		service:  service,
		identity: ident,
		log:      log.WithFields(zap.String("component", "worker-listener")),
	}
}

// tlsConfig builds the mutual TLS configuration from the server keypair and
// the CA pool. Fails when either is not configured.
func (l *Listener) tlsConfig() (*tls.Config, error) {
	if l.cfg.CertFile == "" || l.cfg.KeyFile == "" {
		return nil, fmt.Errorf("worker listener requires worker.certFile and worker.keyFile")
	}
	cert, err := tls.LoadX509KeyPair(l.cfg.CertFile, l.cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load server keypair: %w", err)
	}
	pool, err := l.identity.CAPool()
	if err != nil {
		return nil, fmt.Errorf("build client CA pool: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
	}, nil
}

// Router returns the gin engine serving the session endpoint. Split out so
// tests can drive the handler without TLS.
func (l *Listener) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(l.log, "worker"))
	router.GET("/v1/session", l.handleSession)
	return router
}

// Start begins serving in a background goroutine. Startup errors (bad
// keypair, missing CA) are returned synchronously; later serve errors are
// reported on the returned channel.
func (l *Listener) Start() (<-chan error, error) {
	tlsCfg, err := l.tlsConfig()
	if err != nil {
		return nil, err
	}

	l.server = &http.Server{
		Addr:      fmt.Sprintf("%s:%d", l.cfg.Host, l.cfg.Port),
		Handler:   l.Router(),
		TLSConfig: tlsCfg,
	}

	errCh := make(chan error, 1)
	go func() {
		l.log.Info("worker listener starting", zap.String("addr", l.server.Addr))
		// Certificates come from TLSConfig, not files.
		if err := l.server.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh, nil
}

// Shutdown stops accepting connections and drains in-flight handlers. Open
// sessions end when their connections are closed.
func (l *Listener) Shutdown(ctx context.Context) error {
	if l.server == nil {
		return nil
	}
	return l.server.Shutdown(ctx)
}

// handleSession authenticates the peer certificate, upgrades the connection,
// and runs the session until it ends.
func (l *Listener) handleSession(c *gin.Context) {
	workerID, err := peerWorkerID(c.Request)
	if err != nil {
		l.log.Warn("session rejected", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		l.log.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	l.log.Info("worker connection established", zap.String("worker_id", workerID))
	session := NewSession(workerID, conn, l.service, l.log)
	session.Run()
}

// peerWorkerID extracts the worker identity from the verified client
// certificate. The TLS layer has already validated the chain; this only
// parses the CN.
func peerWorkerID(r *http.Request) (string, error) {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return "", fmt.Errorf("no client certificate presented")
	}
	cn := r.TLS.PeerCertificates[0].Subject.CommonName
	id, err := identity.ParseWorkerCN(cn)
	if err != nil {
		return "", fmt.Errorf("client certificate CN %q: %w", cn, err)
	}
	return id, nil
}
