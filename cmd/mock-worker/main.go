// Package main implements a simulated worker for exercising the control
// plane end to end. It enrolls with a bootstrap token (or loads an existing
// certificate), connects over the worker protocol, and plays a scripted
// scenario for every run it is assigned.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/taskrun/taskrun/internal/common/logger"
	"github.com/taskrun/taskrun/pkg/wire"
	"github.com/taskrun/taskrun/pkg/workerclient"
)

func main() {
	var (
		serverURL = flag.String("server", "wss://localhost:8443", "worker listener URL")
		workerID  = flag.String("id", "mock-1", "worker id; must match the certificate CN")
		certFile  = flag.String("cert", "mock-worker.crt", "worker certificate PEM path")
		keyFile   = flag.String("key", "mock-worker.key", "worker key PEM path")
		caFile    = flag.String("ca", "mock-worker-ca.crt", "CA bundle PEM path")
		enrollURL = flag.String("enroll-url", "", "admin base URL for enrollment, e.g. http://localhost:8080")
		token     = flag.String("token", "", "bootstrap token; enrolls first and writes the keypair to -cert/-key/-ca")
		agents    = flag.String("agents", "echo", "comma-separated agent names to advertise")
		scenario  = flag.String("scenario", "happy", "default scenario: happy, fail, slow, chatty")
		maxRuns   = flag.Uint("max-runs", 2, "maximum concurrent runs to advertise")
		heartbeat = flag.Duration("heartbeat", 15*time.Second, "heartbeat interval")
	)
	flag.Parse()

	log := logger.Default().WithFields(zap.String("component", "mock-worker"))

	if *token != "" {
		if *enrollURL == "" {
			log.Fatal("-token requires -enroll-url")
		}
		log.Info("enrolling", zap.String("url", *enrollURL), zap.String("worker_id", *workerID))
		if err := enroll(*enrollURL, *token, *workerID, *certFile, *keyFile, *caFile); err != nil {
			log.Fatal("enrollment failed", zap.Error(err))
		}
		log.Info("enrolled", zap.String("cert", *certFile))
	}

	hostname, _ := os.Hostname()
	info := wire.WorkerInfo{
		WorkerID: *workerID,
		Hostname: hostname,
		Version:  "mock-0.1.0",
		Agents:   agentSpecs(*agents),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := newRunner(*scenario, log)
	client, err := workerclient.New(workerclient.Config{
		ServerURL:         *serverURL,
		CertFile:          *certFile,
		KeyFile:           *keyFile,
		CAFile:            *caFile,
		Info:              info,
		HeartbeatInterval: *heartbeat,
		MaxConcurrentRuns: uint32(*maxRuns),
		Logger:            log,
	}, workerclient.Handlers{
		OnAssign:   r.handleAssign,
		OnCancel:   r.handleCancel,
		OnContinue: r.handleContinue,
	})
	if err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}
	r.client = client

	if err := client.Connect(ctx); err != nil {
		log.Fatal("connect failed", zap.Error(err))
	}
	log.Info("mock worker running",
		zap.String("server", *serverURL),
		zap.String("worker_id", *workerID),
		zap.String("scenario", *scenario))

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		client.Close()
	case <-client.Done():
		log.Warn("session ended by server")
	}
}

// agentSpecs expands the comma-separated flag into the advertised agent set,
// all backed by the same mock model.
func agentSpecs(list string) []wire.AgentSpec {
	var specs []wire.AgentSpec
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		specs = append(specs, wire.AgentSpec{
			Name: name,
			Backends: []wire.ModelBackend{{
				Provider:          "mock",
				ModelName:         "mock-default",
				ContextWindow:     8192,
				SupportsStreaming: true,
			}},
		})
	}
	return specs
}
