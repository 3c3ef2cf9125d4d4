package http

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"callcoach-server/pkg/config"
	"callcoach-server/pkg/session"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	logger   *logrus.Logger
	registry *session.Registry
	hub      *ViewerHub
	server   *Server
	ts       *httptest.Server
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testSessionConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.MetricsTick = 5 * time.Millisecond
	cfg.EvaluationTick = 10 * time.Millisecond
	cfg.SnapshotInterval = 0
	cfg.GracePeriod = 20 * time.Millisecond
	cfg.PublishTimeout = 200 * time.Millisecond
	// media frames in these tests are sent in short bursts
	cfg.Extractor.StaleAfter = 5 * time.Second
	return cfg
}

func newTestEnv(t *testing.T, twilioCfg config.TwilioConfig) *testEnv {
	t.Helper()

	logger := quietLogger()
	hub := NewViewerHub(logger)
	ctx, cancel := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(ctx)
	}()
	require.Eventually(t, hub.IsRunning, time.Second, 5*time.Millisecond)

	registry := session.NewRegistry(testSessionConfig(), hub, logger)
	server := NewServer(logger, &Config{Port: 0}, registry)
	server.SetViewerHub(hub)
	server.SetTwilioWebhooks(NewTwilioWebhooks(logger, twilioCfg, registry))
	server.SetMediaStreamHandler(NewMediaStreamHandler(logger, registry, 8000))

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		ts.Close()
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		registry.Shutdown(shutdownCtx)
		cancel()
		<-hubDone
	})

	return &testEnv{
		logger:   logger,
		registry: registry,
		hub:      hub,
		server:   server,
		ts:       ts,
	}
}

func (e *testEnv) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(e.ts.URL, "http") + path
}
