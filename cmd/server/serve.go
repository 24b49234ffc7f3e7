package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/amanullahtanweer/audiosocket-captioner/internal/config"
	"github.com/amanullahtanweer/audiosocket-captioner/internal/metrics"
	"github.com/amanullahtanweer/audiosocket-captioner/internal/server"
	"github.com/amanullahtanweer/audiosocket-captioner/internal/sink"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept AudioSocket calls and publish live captions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func serve(ctx context.Context, c *config.Config) error {
	var collectors *metrics.Collectors
	if c.Metrics.Enabled {
		collectors = metrics.NewCollectors(prometheus.DefaultRegisterer)
		metricsSrv := startMetrics(c.Metrics.Address)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	sinks, err := openSinks(ctx, c, collectors)
	if err != nil {
		return err
	}
	defer func() {
		if err := sinks.Close(); err != nil {
			logger.Warn("Failed to close sinks", "err", err)
		}
	}()

	if err := checkBackend(ctx, c); err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Host:       c.Server.Host,
		Port:       c.Server.Port,
		SampleRate: c.Server.SampleRate,
		OutputDir:  c.Transcription.OutputDir,
		SaveAudio:  c.Transcription.SaveAudio,
	}, newFactory(c, sinks, collectors), logger)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")
	srv.Stop()
	return <-errCh
}

func startMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("Metrics server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", "err", err)
		}
	}()
	return srv
}

// openSinks connects every configured caption destination.
func openSinks(ctx context.Context, c *config.Config, collectors *metrics.Collectors) (*sink.Multi, error) {
	sinks := sink.NewMulti(collectors)

	if c.Redis.Enabled() {
		client, err := sink.DialRedis(ctx, c.Redis.Addr, c.Redis.Password, c.Redis.DB)
		if err != nil {
			sinks.Close()
			return nil, err
		}
		sinks.Add(sink.NewRedisSink(client, sink.RedisConfig{
			StreamPrefix:  c.Redis.StreamPrefix,
			ChannelPrefix: c.Redis.ChannelPrefix,
			MaxLen:        c.Redis.MaxLen,
			TTL:           c.Redis.SessionTTL,
		}))
		logger.Info("Publishing captions to Redis", "addr", c.Redis.Addr)
	}

	if c.Postgres.Enabled() {
		pg, err := sink.OpenPostgres(ctx, c.Postgres.DSN)
		if err != nil {
			sinks.Close()
			return nil, err
		}
		if c.Postgres.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				pg.Close()
				sinks.Close()
				return nil, err
			}
		}
		sinks.Add(pg)
		logger.Info("Storing captions in Postgres")
	}

	if c.Transcription.SaveEvents || c.Transcription.SaveTranscripts {
		files, err := sink.NewFileSink(c.Transcription.OutputDir, c.Transcription.SaveEvents, c.Transcription.SaveTranscripts)
		if err != nil {
			sinks.Close()
			return nil, err
		}
		sinks.Add(files)
		logger.Info("Writing transcripts", "dir", c.Transcription.OutputDir)
	}

	if sinks.Len() == 0 {
		logger.Warn("No caption sinks configured, captions will only be logged")
	}
	return sinks, nil
}
