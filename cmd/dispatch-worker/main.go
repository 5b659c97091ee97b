package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/mailconnect/internal/config"
	"github.com/example/mailconnect/internal/dispatch"
	"github.com/example/mailconnect/internal/kafka/consumer"
	"github.com/example/mailconnect/internal/kafka/producer"
	kafkapublisher "github.com/example/mailconnect/internal/kafka/publisher"
	"github.com/example/mailconnect/internal/logger"
	"github.com/example/mailconnect/internal/providers/factory"
	"github.com/example/mailconnect/internal/worker"
)

// Upper bound for a single JSON send request on the wire.
const maxRecordBytes = 40 << 20

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadWorker()
	if err != nil {
		fail("config load", err)
	}

	baseLogger, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		fail("logger init", err)
	}
	log := baseLogger.With().Str("service", "dispatch-worker").Logger()

	backends, err := factory.Build(cfg.Providers, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise delivery providers")
	}
	dispatcher, err := dispatch.FromConfig(cfg.Dispatch, backends, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise dispatcher")
	}

	prod, err := producer.New(cfg.Kafka.Brokers, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create kafka producer")
	}
	defer func() {
		if err := prod.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close kafka producer")
		}
	}()

	cons, err := consumer.New(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, log, cfg.Retry.CommitOnSuccessOnly)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create kafka consumer")
	}
	defer func() {
		if err := cons.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close kafka consumer")
		}
	}()

	resultPublisher := kafkapublisher.NewResultPublisher(prod, cfg.Topics.Result, log)
	var healthOut worker.HealthPublisher
	if hp := kafkapublisher.NewHealthPublisher(prod, cfg.Topics.Health, log); hp != nil {
		healthOut = hp
	}
	var deadLetters worker.DLQPublisher
	if dp := kafkapublisher.NewDLQPublisher(prod, cfg.Topics.DLQ, log); dp != nil {
		deadLetters = dp
	}

	engine, err := worker.NewEngine(worker.Config{
		MsgMaxBytes:       maxRecordBytes,
		MaxAttempts:       cfg.Retry.MaxAttempts,
		BaseBackoff:       time.Duration(cfg.Retry.BaseBackoffSeconds) * time.Second,
		MaxBackoff:        time.Duration(cfg.Retry.MaxBackoffSeconds) * time.Second,
		WorkerConcurrency: cfg.Retry.WorkerConcurrency,
	}, worker.Dependencies{
		Dispatcher:  dispatcher,
		Publisher:   resultPublisher,
		DeadLetters: deadLetters,
		Logger:      log,
		Now:         time.Now,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise worker engine")
	}

	pollEvery := time.Duration(cfg.Dispatch.HealthPollSeconds) * time.Second
	reporter := worker.NewHealthReporter(dispatcher.Registry(), healthOut, pollEvery, log)
	go reporter.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := cons.Consume(ctx, []string{cfg.Topics.Request}, worker.KafkaHandler(engine, cons)); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
		close(errCh)
	}()

	log.Info().
		Str("request_topic", cfg.Topics.Request).
		Str("result_topic", cfg.Topics.Result).
		Str("dlq_topic", cfg.Topics.DLQ).
		Int("providers", len(backends)).
		Msg("dispatch worker started")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("consumer terminated with error")
		}
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := engine.Drain(drainCtx); err != nil {
		log.Warn().Err(err).Msg("in-flight dispatches did not finish before shutdown")
	}
}

func fail(stage string, err error) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	logger.Fatal().Err(err).Str("stage", stage).Msg("dispatch worker init failed")
}
