package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tjkoyama/atmrelay/internal/api"
	"github.com/tjkoyama/atmrelay/internal/config"
	"github.com/tjkoyama/atmrelay/internal/ledger"
	"github.com/tjkoyama/atmrelay/internal/ledgerarchive"
	"github.com/tjkoyama/atmrelay/internal/quote"
	"github.com/tjkoyama/atmrelay/internal/simprovider"
	"github.com/tjkoyama/atmrelay/internal/sink"
	"github.com/tjkoyama/atmrelay/internal/supervisor"
	"github.com/tjkoyama/atmrelay/internal/telemetry"
)

// version is overridden at build time with -ldflags.
var version = "dev"

func main() {
	cfg := config.Load()

	logger, err := telemetry.New(telemetry.Config{
		FilePath: cfg.LogFilePath,
		Level:    cfg.LogLevel,
		Console:  true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "atmrelay: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("atmrelay starting", zap.String("version", version), zap.Bool("simulation", cfg.Simulation))

	if err := cfg.Validate(); err != nil {
		logger.Error("environment validation failed", zap.Error(err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	store, err := ledger.NewStore(ctx, cfg.MongoURI, logger)
	if err != nil {
		logger.Error("operational ledger connection failed; continuing without it", zap.Error(err))
	}
	var recorder *ledger.Recorder
	if store != nil {
		defer store.Close(context.Background())
		if err := store.Migrate(ctx); err != nil {
			logger.Warn("ledger index creation failed", zap.Error(err))
		}
		recorder = ledger.NewRecorder(store, logger)
		recorder.RecordStartupValidation(ctx, true, "")

		go ledger.RunRetention(ctx, store, cfg.LedgerRetentionDays, logger)

		if cfg.S3Bucket != "" {
			s3Client, err := ledgerarchive.NewS3Client(ctx, cfg.S3Region)
			if err != nil {
				logger.Warn("s3 client init failed; ledger archival disabled", zap.Error(err))
			} else {
				archiver := ledgerarchive.New(store.DB(), s3Client, cfg.S3Bucket, cfg.S3Prefix,
					cfg.ArchiveIntervalHours, cfg.ArchiveAfterHours, logger)
				go archiver.Run(ctx)
			}
		}
	}

	provider := simprovider.New(simprovider.Config{
		Seed:         cfg.Seed,
		BasePrice:    18000,
		TickInterval: cfg.TickInterval,
	}, logger)

	sinkClient := sink.New(cfg.GatewayURL, 1024, logger)

	sup := supervisor.New(supervisor.Config{
		HeartbeatInterval:      cfg.HeartbeatInterval,
		SnapshotInterval:       cfg.SnapshotInterval,
		ContractUpdateInterval: cfg.ContractUpdateInterval,
		StrikeInterval:         cfg.StrikeInterval,
		WindowSize:             cfg.WindowSize,
		OptionType:             quote.Call,
		Simulation:             cfg.Simulation,
		Version:                version,
	}, provider, sinkClient, recorder, logger)

	mux := http.NewServeMux()
	api.NewServer(sup).Register(mux)
	httpSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.HTTPHost, cfg.HTTPPort),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		httpSrv.Shutdown(shutdownCtx)
	}()

	go func() {
		logger.Info("introspection server listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("introspection server error", zap.Error(err))
		}
	}()

	if err := sup.Start(ctx); err != nil {
		logger.Error("supervisor start failed", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("atmrelay stopped")
}
