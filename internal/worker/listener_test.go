package worker

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskrun/taskrun/internal/common/config"
	"github.com/taskrun/taskrun/internal/common/logger"
	"github.com/taskrun/taskrun/internal/identity"
	"github.com/taskrun/taskrun/internal/state"
	"github.com/taskrun/taskrun/internal/stream"
	v1 "github.com/taskrun/taskrun/pkg/api/v1"
	"github.com/taskrun/taskrun/pkg/wire"
	"github.com/taskrun/taskrun/pkg/workerclient"
)

// mtlsEnv is a live worker listener behind real mutual TLS: the identity
// store's CA verifies worker certificates, and a self-signed server
// certificate stands in for the deployment's server keypair.
type mtlsEnv struct {
	store      state.Store
	ident      *identity.Store
	serverPool *x509.CertPool
	wsURL      string
}

func newMTLSEnv(t *testing.T) *mtlsEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.Default()

	store := state.NewMemoryStore()
	streamBus := stream.NewStreamBus(8, 50*time.Millisecond, log)
	uiBus := stream.NewUiBus(64, log)
	t.Cleanup(streamBus.Close)
	t.Cleanup(uiBus.Close)
	service := NewService(store, streamBus, uiBus, log)

	ident := identity.NewStore(log)
	t.Cleanup(ident.Close)
	caPEM, caKeyPEM, err := identity.GenerateCA("taskrun test ca", time.Hour)
	require.NoError(t, err)
	require.NoError(t, ident.LoadCA(caPEM, caKeyPEM))

	listener := NewListener(config.WorkerConfig{}, service, ident, log)
	clientCAs, err := ident.CAPool()
	require.NoError(t, err)

	serverCert, serverCertPEM := selfSignedServerCert(t)
	srv := httptest.NewUnstartedServer(listener.Router())
	srv.TLS = &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{serverCert},
		ClientCAs:    clientCAs,
		ClientAuth:   tls.RequireAndVerifyClientCert,
	}
	srv.StartTLS()
	t.Cleanup(srv.Close)

	serverPool := x509.NewCertPool()
	require.True(t, serverPool.AppendCertsFromPEM(serverCertPEM))

	return &mtlsEnv{
		store:      store,
		ident:      ident,
		serverPool: serverPool,
		wsURL:      "wss" + strings.TrimPrefix(srv.URL, "https"),
	}
}

// issueWorkerCert walks the enrollment signing path for a worker id and
// returns a TLS client certificate.
func issueWorkerCert(t *testing.T, ident *identity.Store, id string) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: "worker:" + id},
	}, key)
	require.NoError(t, err)
	csrPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrDER})

	signed, err := ident.SignCSR(csrPEM, 1)
	require.NoError(t, err)
	require.Equal(t, id, signed.WorkerID)

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	cert, err := tls.X509KeyPair(signed.CertPEM, keyPEM)
	require.NoError(t, err)
	return cert
}

func selfSignedServerCert(t *testing.T) (tls.Certificate, []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "taskrun test server"},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, certPEM
}

func (e *mtlsEnv) dialWorker(t *testing.T, id string, helloID string, handlers workerclient.Handlers) *workerclient.Client {
	t.Helper()
	cert := issueWorkerCert(t, e.ident, id)
	client, err := workerclient.New(workerclient.Config{
		ServerURL: e.wsURL,
		TLS: &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
			RootCAs:      e.serverPool,
		},
		Info: wire.WorkerInfo{
			WorkerID: helloID,
			Hostname: "testhost",
			Version:  "0.1.0",
			Agents:   []wire.AgentSpec{{Name: "echo"}},
		},
		HeartbeatInterval: time.Minute,
		MaxConcurrentRuns: 2,
	}, handlers)
	require.NoError(t, err)
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { client.Close() })
	return client
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("condition not reached in time")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestListener_MTLSRoundTrip(t *testing.T) {
	env := newMTLSEnv(t)

	assigns := make(chan wire.RunAssignment, 1)
	client := env.dialWorker(t, "w1", "w1", workerclient.Handlers{
		OnAssign: func(a wire.RunAssignment) { assigns <- a },
	})

	// Hello registers the worker under the certificate identity.
	waitForCondition(t, func() bool {
		_, err := env.store.GetWorker("w1")
		return err == nil
	})

	// Server-to-worker delivery through the registry outbound channel.
	msg, err := wire.NewRunAssignment(wire.RunAssignment{
		RunID: "r1", TaskID: "t1", AgentName: "echo", IssuedAtMS: wire.NowMS(),
	})
	require.NoError(t, err)
	require.NoError(t, env.store.TrySend("w1", msg))
	select {
	case a := <-assigns:
		assert.Equal(t, "r1", a.RunID)
		assert.Equal(t, "t1", a.TaskID)
	case <-time.After(2 * time.Second):
		t.Fatal("assignment never reached the worker")
	}

	// Load reports flow back into the registry.
	require.NoError(t, client.SetLoad(wire.WorkerBusy, 1))
	waitForCondition(t, func() bool {
		w, err := env.store.GetWorker("w1")
		return err == nil && w.Status == v1.WorkerStatusBusy && w.ActiveRuns == 1
	})

	// Closing the connection deregisters the worker.
	client.Close()
	waitForCondition(t, func() bool {
		_, err := env.store.GetWorker("w1")
		return err != nil
	})
}

func TestListener_RequiresClientCert(t *testing.T) {
	env := newMTLSEnv(t)

	dialer := gorillaws.Dialer{
		TLSClientConfig:  &tls.Config{MinVersion: tls.VersionTLS12, RootCAs: env.serverPool},
		HandshakeTimeout: 2 * time.Second,
	}
	conn, _, err := dialer.Dial(env.wsURL+"/v1/session", nil)
	if conn != nil {
		conn.Close()
	}
	require.Error(t, err)
	assert.Equal(t, 0, env.store.WorkerCount())
}

func TestListener_HelloCertMismatchClosesSession(t *testing.T) {
	env := newMTLSEnv(t)

	// Certificate names w1 but the hello claims a different identity.
	client := env.dialWorker(t, "w1", "imposter", workerclient.Handlers{})

	select {
	case <-client.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session with mismatched hello was not closed")
	}
	assert.Equal(t, 0, env.store.WorkerCount())
}
