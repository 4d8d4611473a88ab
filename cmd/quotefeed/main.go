// Command quotefeed connects to the configured quote sources, aggregates and
// compresses their streams and serves the result over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Aidin1998/quotefeed/internal/config"
	"github.com/Aidin1998/quotefeed/internal/pipeline"
	"github.com/Aidin1998/quotefeed/internal/server"
	"github.com/Aidin1998/quotefeed/pkg/logger"
	"github.com/Aidin1998/quotefeed/pkg/metrics"
	"github.com/Aidin1998/quotefeed/pkg/tracing"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (searched in ., ./configs and /etc/quotefeed when empty)")
	printConfig := flag.Bool("print-config", false, "print the effective configuration and exit")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Warning: failed to load .env: %v", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *printConfig {
		out, err := cfg.Dump()
		if err != nil {
			log.Fatalf("Failed to render configuration: %v", err)
		}
		fmt.Print(string(out))
		return
	}

	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	if err := run(cfg, zapLogger); err != nil {
		zapLogger.Fatal("quotefeed stopped with error", zap.Error(err))
	}
	zapLogger.Info("quotefeed exited properly")
}

func run(cfg *config.Config, zapLogger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, shutdownTracing, err := tracing.Setup(cfg.Tracing.ServiceName, cfg.Tracing.Enabled, nil)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			zapLogger.Warn("Failed to flush traces", zap.Error(err))
		}
	}()

	reg := metrics.NewRegistry()
	p, err := pipeline.New(cfg, zapLogger, reg, pipeline.WithTracerProvider(tp))
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}
	defer func() {
		if err := p.Close(); err != nil {
			zapLogger.Error("Failed to stop pipeline cleanly", zap.Error(err))
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := p.Start(gctx); err != nil {
			return fmt.Errorf("failed to start pipeline: %w", err)
		}
		<-gctx.Done()
		return nil
	})
	if cfg.Server.Enabled {
		if cfg.Environment == "production" {
			gin.SetMode(gin.ReleaseMode)
		}
		api := server.New(cfg.Server, p.ServerDeps(reg), zapLogger)
		g.Go(func() error {
			return api.Run(gctx)
		})
	}

	zapLogger.Info("quotefeed started",
		zap.String("environment", cfg.Environment),
		zap.Int("sources", len(cfg.EnabledSources())),
		zap.Int("pollers", len(cfg.Pollers)))
	err = g.Wait()
	zapLogger.Info("Shutting down")
	return err
}
