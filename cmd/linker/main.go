package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Ramsey-B/linker/config"
	"github.com/Ramsey-B/linker/pkg/startup"
	"github.com/Ramsey-B/linker/pkg/tracing"
	"github.com/Ramsey-B/linker/pkg/tracing/exporters"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// no logger yet
		zap.NewExample().Fatal("failed to load configuration", zap.Error(err))
	}

	zapLogger, err := newZapLogger(cfg)
	if err != nil {
		zap.NewExample().Fatal("failed to build logger", zap.Error(err))
	}
	defer func() { _ = zapLogger.Sync() }()
	logger := zapadapter.NewZapEctoLogger(zapLogger, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OTLPEnabled {
		exporter, err := exporters.NewOTLPExporter(ctx, cfg.OTLP())
		if err != nil {
			logger.WithError(err).Error("Failed to create OTLP exporter, tracing disabled")
		} else {
			provider := tracing.Init(cfg.AppName, exporter)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = provider.Shutdown(shutdownCtx)
			}()
		}
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("Linker exited with an error")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger ectologger.Logger) error {
	app, err := newApp(cfg, logger)
	if err != nil {
		return err
	}

	s := startup.NewStartup(logger, cfg.StartupMaxAttempts)
	for _, dep := range app.dependencies() {
		s.AddDependency(dep)
	}

	if err := s.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = s.Stop(stopCtx)
		return err
	}
	app.health.SetReady(true)
	logger.WithField("port", cfg.Port).Info("Linker started")

	<-ctx.Done()
	logger.Info("Shutting down...")
	app.health.SetReady(false)

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.Stop(stopCtx)
}

func newZapLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zapCfg := zap.NewProductionConfig()
	if cfg.PrettyLogs {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.EncoderConfig.TimeKey = "timestamp"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapCfg.Build(zap.Fields(zap.String("service", cfg.AppName)))
}
