// Command doccache is a caching document conversion server. It fronts
// LibreOffice with a fingerprint-keyed artifact cache so repeated requests
// for the same document skip the conversion entirely.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"github.com/wolfeidau/doccache/server"
	"github.com/wolfeidau/doccache/telemetry"
)

var version = "dev"

var cli struct {
	Address           string           `help:"Address to listen on." default:":8080"`
	Storage           string           `help:"Storage directory path." default:"./cache" type:"path"`
	Retention         time.Duration    `help:"How long converted artifacts stay cached." default:"24h"`
	ConversionTimeout time.Duration    `help:"Maximum duration of a single conversion." default:"90s"`
	Concurrency       int64            `help:"Maximum simultaneous converter processes." default:"2"`
	MaxDownloadBytes  int64            `help:"Maximum size of a fetched source document in bytes." default:"268435456"`
	SweepInterval     time.Duration    `help:"How often expired cache entries are swept." default:"5m"`
	SofficeBinary     string           `help:"Path to the LibreOffice binary (default: search PATH)."`
	AuthToken         string           `help:"Bearer token required on API requests (empty disables auth)." env:"DOCCACHE_AUTH_TOKEN"`
	OTLPEndpoint      string           `help:"OTLP gRPC endpoint for metrics export (empty disables)." env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	LogLevel          string           `help:"Log level." enum:"debug,info,warn,error" default:"info"`
	LogFormat         string           `help:"Log format." enum:"text,json" default:"text"`
	Version           kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	kong.Parse(&cli,
		kong.Name("doccache"),
		kong.Description("Caching document conversion server."),
		kong.Vars{"version": version},
	)

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger, err := buildLogger()
	if err != nil {
		return err
	}

	shutdownMetrics, err := telemetry.InitMetrics(context.Background(), telemetry.MetricsConfig{
		ServiceName:      "doccache",
		ServiceVersion:   version,
		OTLPEndpoint:     cli.OTLPEndpoint,
		EnablePrometheus: true,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}

	srv, err := server.New(server.Config{
		Address:           cli.Address,
		StoragePath:       cli.Storage,
		Retention:         cli.Retention,
		ConversionTimeout: cli.ConversionTimeout,
		Concurrency:       cli.Concurrency,
		MaxDownloadBytes:  cli.MaxDownloadBytes,
		SweepInterval:     cli.SweepInterval,
		SofficeBinary:     cli.SofficeBinary,
		AuthToken:         cli.AuthToken,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	// Handle shutdown signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"version", version,
		"address", srv.Address(),
		"storage", cli.Storage,
		"retention", cli.Retention,
	)

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		err := srv.Shutdown(shutdownCtx)
		if merr := shutdownMetrics(shutdownCtx); merr != nil && err == nil {
			err = merr
		}
		return err
	case err := <-errCh:
		return err
	}
}

func buildLogger() (*slog.Logger, error) {
	var level slog.Level
	switch cli.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", cli.LogLevel)
	}

	var handler slog.Handler
	switch cli.LogFormat {
	case "text":
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: level})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", cli.LogFormat)
	}

	return slog.New(handler), nil
}
