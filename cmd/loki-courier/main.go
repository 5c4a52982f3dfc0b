// Command loki-courier reads log records from stdin and ships them to a
// Loki push endpoint. Each stdin line becomes one record: raw text in
// line mode, or a {"level","message","metadata"} object in json mode.
package main

import (
	"bufio"
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	courier "github.com/szibis/loki-courier"
	"github.com/szibis/loki-courier/internal/config"
	"github.com/szibis/loki-courier/internal/logging"
)

// jsonRecord is the json input format, one object per line.
type jsonRecord struct {
	Level    string            `json:"level"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata"`
}

func main() {
	cfg, err := config.ParseFlags()
	if err != nil {
		os.Exit(2)
	}

	if cfg.ShowHelp {
		config.PrintUsage()
		os.Exit(0)
	}

	if cfg.ShowVersion {
		config.PrintVersion()
		os.Exit(0)
	}

	if err := cfg.Validate(); err != nil {
		logging.Fatal("invalid configuration", logging.F("error", err.Error()))
	}

	client, err := courier.New(courier.Config{
		Endpoint:          cfg.Endpoint,
		App:               cfg.App,
		Environment:       cfg.Environment,
		ExtraLabels:       cfg.ExtraLabels,
		BatchSize:         cfg.BatchSize,
		MaxBatchBytes:     int(cfg.MaxBatchBytes),
		FlushInterval:     cfg.FlushInterval,
		MaxBufferSize:     cfg.MaxBufferSize,
		MaxRetries:        cfg.MaxRetries,
		RetryBackoff:      cfg.RetryBackoff,
		RetryQueueSize:    cfg.RetryQueueSize,
		Timeout:           cfg.Timeout,
		Compression:       cfg.Compression,
		AuthHeader:        cfg.AuthHeader,
		BearerToken:       cfg.BearerToken,
		BasicAuthUsername: cfg.BasicAuthUsername,
		BasicAuthPassword: cfg.BasicAuthPassword,
		Headers:           cfg.Headers,
		TLS: courier.TLSConfig{
			Enabled:            cfg.TLSEnabled,
			CertFile:           cfg.TLSCertFile,
			KeyFile:            cfg.TLSKeyFile,
			CAFile:             cfg.TLSCAFile,
			InsecureSkipVerify: cfg.TLSInsecureSkipVerify,
			ServerName:         cfg.TLSServerName,
		},
	})
	if err != nil {
		logging.Fatal("failed to create client", logging.F("error", err.Error()))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	// Metrics endpoint
	var statsServer *http.Server
	if cfg.StatsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		statsServer = &http.Server{
			Addr:              cfg.StatsAddr,
			Handler:           mux,
			ReadHeaderTimeout: time.Minute,
		}
		g.Go(func() error {
			logging.Info("stats endpoint started", logging.F("addr", cfg.StatsAddr, "path", "/metrics"))
			if err := statsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	// Periodic stats logging
	if cfg.StatsLogInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(cfg.StatsLogInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					logStats(client)
				}
			}
		})
	}

	// Stdin reader. Runs outside the errgroup: a blocking read on stdin
	// cannot be cancelled, and on signal exit the process terminates
	// without waiting for it.
	stdinDone := make(chan struct{})
	go func() {
		defer close(stdinDone)
		readInput(gctx, client, cfg.InputFormat)
	}()

	logging.Info("loki-courier started", logging.F(
		"endpoint", cfg.Endpoint,
		"app", cfg.App,
		"env", cfg.Environment,
		"input_format", cfg.InputFormat,
		"batch_size", cfg.BatchSize,
		"flush_interval", cfg.FlushInterval.String(),
	))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logging.Info("received signal, shutting down", logging.F("signal", sig.String()))
	case <-stdinDone:
		logging.Info("input closed, shutting down")
	}

	cancel()

	if statsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = statsServer.Shutdown(shutdownCtx)
		shutdownCancel()
	}

	client.Stop(10 * time.Second)
	_ = g.Wait()

	logStats(client)
	logging.Info("shutdown complete")
}

// readInput ships stdin records until EOF or context cancellation.
func readInput(ctx context.Context, client *courier.Client, format string) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Text()
		if line == "" {
			continue
		}

		switch format {
		case "json":
			var rec jsonRecord
			if err := json.Unmarshal([]byte(line), &rec); err != nil {
				logging.Warn("skipping malformed json record", logging.F("error", err.Error()))
				continue
			}
			metadata := make([]courier.Field, 0, len(rec.Metadata))
			for k, v := range rec.Metadata {
				metadata = append(metadata, courier.Field{Key: k, Value: v})
			}
			client.Log(rec.Level, rec.Message, metadata...)
		default:
			client.Info(line)
		}
	}

	if err := scanner.Err(); err != nil {
		logging.Error("stdin read failed", logging.F("error", err.Error()))
	}
}

func logStats(client *courier.Client) {
	s := client.Stats()
	logging.Info("courier stats", logging.F(
		"sent", s.Sent,
		"errors", s.Errors,
		"dropped", s.Dropped,
		"flushes", s.Flushes,
		"pending", s.Pending,
		"retrying", s.Retrying,
	))
}
