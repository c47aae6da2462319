package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"speakerid-server/pkg/checkpoint"
	"speakerid-server/pkg/config"
	"speakerid-server/pkg/incremental"
	"speakerid-server/pkg/messaging"
	"speakerid-server/pkg/metrics"
	"speakerid-server/pkg/session"
	"speakerid-server/pkg/stt"
)

var logger = logrus.New()

func main() {
	cfg, err := config.Load(logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	cfg.SetupLogger(logger)
	metrics.Init(logger)

	// External speech collaborators. Production deployments register real
	// backends here; the defaults are the built-in mock providers.
	registry := stt.NewRegistry(logger)
	registry.RegisterTranscriber(stt.NewMockTranscriber(logger))

	diarizer, err := stt.NewDiarizer(logger, cfg.STT.DiarizerVariant, nil)
	if err != nil {
		logger.WithError(err).Fatal("Failed to construct diarizer")
	}
	registry.RegisterDiarizer(diarizer)

	transcriber, err := registry.Transcriber(cfg.STT.TranscriberProvider)
	if err != nil {
		logger.WithError(err).Fatal("No transcriber available")
	}
	extractor := stt.NewMockExtractor(logger, cfg.STT.EmbeddingDim)

	var analyzer checkpoint.Analyzer = &checkpoint.NoopAnalyzer{}
	if cfg.Checkpoint.Enabled {
		analyzer = checkpoint.NewOpenAIAnalyzer(logger, cfg.Checkpoint.OpenAIAPIKey, cfg.Checkpoint.Model)
	}

	var publisher messaging.Publisher = &messaging.NoopPublisher{}
	if cfg.Messaging.AMQPUrl != "" {
		amqpPublisher := messaging.NewAMQPPublisher(logger, messaging.AMQPConfig{
			URL:       cfg.Messaging.AMQPUrl,
			QueueName: cfg.Messaging.AMQPQueueName,
		})
		if err := amqpPublisher.Connect(); err != nil {
			logger.WithError(err).Warn("AMQP unavailable, identity events disabled")
		} else {
			publisher = amqpPublisher
		}
	}
	defer publisher.Close()

	store := session.NewStore(logger, cfg.Incremental.MaxSessions)
	processor := incremental.NewProcessor(logger, cfg.Incremental, store,
		transcriber, diarizer, extractor, analyzer, publisher)

	if cfg.Metrics.Enabled {
		go func() {
			logger.WithField("addr", cfg.Metrics.ListenAddr).Info("Serving metrics")
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.Metrics.ListenAddr, mux); err != nil {
				logger.WithError(err).Error("Metrics listener stopped")
			}
		}()
	}

	// The store never sweeps itself; this ticker is the external scheduler
	// that triggers staleness eviction.
	sweepTicker := time.NewTicker(cfg.Incremental.SessionStaleAfter / 4)
	defer sweepTicker.Stop()
	stopSweep := make(chan struct{})
	go func() {
		for {
			select {
			case <-sweepTicker.C:
				if removed := processor.SweepStale(); len(removed) > 0 {
					logger.WithField("removed", len(removed)).Info("Stale session sweep completed")
				}
			case <-stopSweep:
				return
			}
		}
	}()

	logger.WithFields(logrus.Fields{
		"diarizer":     diarizer.Name(),
		"transcriber":  transcriber.Name(),
		"max_sessions": cfg.Incremental.MaxSessions,
	}).Info("Speaker identity engine started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigChan
	logger.WithField("signal", sig.String()).Info("Received shutdown signal, cleaning up...")
	close(stopSweep)
}
