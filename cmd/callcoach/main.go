package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callcoach-server/pkg/coaching"
	"callcoach-server/pkg/config"
	httpserver "callcoach-server/pkg/http"
	"callcoach-server/pkg/messaging"
	"callcoach-server/pkg/metrics"
	"callcoach-server/pkg/session"
	"callcoach-server/pkg/util"
	"callcoach-server/pkg/version"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Shutdown order: stop taking calls, end sessions so the final notices go
// out, then close the outbound connections
const (
	priorityHTTP = iota
	prioritySessions
	priorityMessaging
)

var logger = logrus.New()

func main() {
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	logger.SetOutput(os.Stdout)

	if err := run(); err != nil {
		logger.WithError(err).Fatal("Call coaching server stopped with error")
	}
	logger.Info("Call coaching server stopped")
}

func run() error {
	cfg, err := config.Load(logger)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.ApplyLogging(logger); err != nil {
		return fmt.Errorf("failed to apply logging configuration: %w", err)
	}
	logger.WithFields(logrus.Fields{
		"version": version.Version,
		"level":   logger.GetLevel().String(),
	}).Info("Starting call coaching server")

	metrics.Init(logger)
	metrics.EnableMetrics(cfg.HTTP.EnableMetrics)

	rules, err := cfg.CoachingRules()
	if err != nil {
		return fmt.Errorf("failed to build coaching rules: %w", err)
	}
	for _, rule := range rules {
		logger.WithFields(logrus.Fields{
			"rule":      rule.Type,
			"threshold": rule.Threshold,
			"cooldown":  rule.Cooldown,
		}).Debug("Coaching rule enabled")
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown := util.NewGracefulShutdown(logger, cfg.HTTP.ShutdownTimeout+cfg.Session.GracePeriod)

	viewers := httpserver.NewViewerHub(logger)
	sinks := []session.Sink{viewers}

	var amqpClient *messaging.AMQPClient
	if cfg.Messaging.Enabled {
		amqpClient = messaging.NewAMQPClient(logger, messaging.ConfigFrom(cfg.Messaging))
		if err := amqpClient.Connect(); err != nil {
			// Coaching still works without downstream consumers
			logger.WithError(err).Warn("AMQP unavailable; suggestions go to viewers only")
		}
		sinks = append(sinks, amqpClient)
		shutdown.Register(util.ShutdownResource{
			Name:     "amqp",
			Shutdown: amqpClient.Shutdown,
			Priority: priorityMessaging,
		})
	}

	registry := session.NewRegistry(sessionConfig(cfg, rules), session.NewFanoutSink(sinks...), logger)
	shutdown.Register(util.ShutdownResource{
		Name:     "sessions",
		Shutdown: registry.Shutdown,
		Priority: prioritySessions,
	})

	server := httpserver.NewServer(logger, httpserver.ConfigFrom(cfg.HTTP), registry)
	server.SetViewerHub(viewers)
	server.SetTwilioWebhooks(httpserver.NewTwilioWebhooks(logger, cfg.Twilio, registry))
	server.SetMediaStreamHandler(httpserver.NewMediaStreamHandler(logger, registry, cfg.Audio.SampleRate))
	if amqpClient != nil {
		server.SetAMQPClient(amqpClient)
	}
	shutdown.Register(util.ShutdownResource{
		Name:     "http",
		Shutdown: server.Shutdown,
		Priority: priorityHTTP,
	})

	// The viewer hub outlives the sessions so call-ended notices still reach displays
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()

	g, gctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		viewers.Run(hubCtx)
		return nil
	})
	g.Go(func() error {
		return server.ListenAndServe()
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down call coaching server")

		err := shutdown.Shutdown(context.Background())
		stopHub()
		return err
	})

	return g.Wait()
}

func sessionConfig(cfg *config.Config, rules []coaching.Rule) session.Config {
	sc := session.DefaultConfig()
	sc.Extractor = cfg.Audio.ExtractorConfig()
	sc.Rules = rules
	sc.MetricsTick = cfg.Session.MetricsTick
	sc.EvaluationTick = cfg.Session.EvaluationTick
	sc.SnapshotInterval = cfg.Session.SnapshotInterval
	sc.GracePeriod = cfg.Session.GracePeriod
	sc.InboxSize = cfg.Session.InboxSize
	sc.OutboxSize = cfg.Session.OutboxSize
	if cfg.Messaging.PublishTimeout > 0 {
		sc.PublishTimeout = cfg.Messaging.PublishTimeout
	}
	return sc
}
