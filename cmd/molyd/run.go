package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/DeepnessLab/moly"
	"github.com/DeepnessLab/moly/internal/kvutil"
	"github.com/DeepnessLab/moly/internal/logging"
	"github.com/DeepnessLab/moly/internal/metrics"
	"github.com/DeepnessLab/moly/internal/natsutil"
	"github.com/DeepnessLab/moly/source"
	"github.com/DeepnessLab/moly/transport"
)

const connectTimeout = 30 * time.Second

func run(cfg moly.Config) error {
	logger, err := logging.NewZapFromConfig(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()
	wg, ctx := errgroup.WithContext(ctx)

	natsURL := cfg.Transport.URL
	if cfg.Transport.Embedded {
		ns, err := natsutil.StartServer(natsutil.ServerOptions{
			Port:     cfg.Transport.EmbeddedPort,
			StoreDir: cfg.Transport.EmbeddedStoreDir,
		})
		if err != nil {
			return err
		}
		defer shutdownServer(ns)

		natsURL = ns.ClientURL()
		logger.Info("embedded NATS server started", "url", natsURL)
	}

	nc, err := connect(ctx, natsURL, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := nc.Drain(); err != nil {
			logger.Warn("failed to drain NATS connection", "error", err)
		}
	}()

	opts := []moly.Option{moly.WithLogger(logger)}
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		opts = append(opts, moly.WithMetrics(metrics.NewPrometheus(reg, cfg.Metrics.Namespace)))

		srv := &http.Server{
			Addr:              cfg.Metrics.Address,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		wg.Go(func() error {
			logger.Info("serving metrics", "address", cfg.Metrics.Address)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}

			return nil
		})
		wg.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()

			return srv.Shutdown(shutdownCtx)
		})
	}

	topology, err := openTopology(ctx, cfg, nc, logger)
	if err != nil {
		return err
	}

	facade := transport.NewFacade(nc, cfg.Transport.SubjectPrefix, transport.WithFacadeLogger(logger))
	ctrl, err := moly.NewController(&cfg, facade, topology, opts...)
	if err != nil {
		return fmt.Errorf("failed to initialize controller: %w", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := ctrl.Stop(stopCtx); err != nil {
			logger.Warn("controller shutdown incomplete", "error", err)
		}
	}()

	srv := transport.NewServer(nc, cfg.Transport.SubjectPrefix, ctrl,
		transport.WithServerLogger(logger),
		transport.WithRequestTimeout(cfg.OperationTimeout),
	)
	if err := srv.Start(); err != nil {
		return err
	}
	defer srv.Stop()

	wg.Go(func() error {
		err := WaitInterrupted(ctx)
		logger.Info("caught signal", "signal", err)
		return err
	})

	return wg.Wait()
}

// connect dials NATS, retrying until the broker accepts the connection.
func connect(ctx context.Context, url string, logger *logging.ZapLogger) (*nats.Conn, error) {
	dial := func() (*nats.Conn, error) {
		return nats.Connect(url,
			nats.Name("molyd"),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				logger.Warn("disconnected from NATS", "error", err)
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				logger.Info("reconnected to NATS", "url", c.ConnectedUrl())
			}),
		)
	}

	nc, err := backoff.Retry(ctx, dial,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(connectTimeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("NATS not reachable, retrying", "url", url, "retry_in", next, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	logger.Info("connected to NATS", "url", nc.ConnectedUrl())

	return nc, nil
}

func openTopology(ctx context.Context, cfg moly.Config, nc *nats.Conn, logger *logging.ZapLogger) (moly.ChainTopology, error) {
	switch cfg.Topology.Source {
	case moly.TopologyKV:
		js, err := jetstream.New(nc)
		if err != nil {
			return nil, fmt.Errorf("failed to create JetStream context: %w", err)
		}
		bucket, err := kvutil.EnsureKVBucketWithRetry(ctx, js, jetstream.KeyValueConfig{
			Bucket:  cfg.Topology.Bucket,
			History: 5,
		}, 5)
		if err != nil {
			return nil, err
		}
		logger.Info("using kv topology", "bucket", cfg.Topology.Bucket,
			"raw_key", cfg.Topology.RawKey, "steered_key", cfg.Topology.SteeredKey)

		return source.NewKV(bucket,
			source.WithRawKey(cfg.Topology.RawKey),
			source.WithSteeredKey(cfg.Topology.SteeredKey),
			source.WithKVLogger(logger),
		), nil
	default:
		logger.Info("using static topology", "chains", len(cfg.Topology.StaticChains))
		return source.NewStatic(cfg.Topology.StaticChains), nil
	}
}

func shutdownServer(ns *server.Server) {
	ns.Shutdown()
	ns.WaitForShutdown()
}

type Interrupted struct {
	os.Signal
}

func (m Interrupted) Error() string {
	return m.String()
}

// WaitInterrupted blocks until either SIGINT or SIGTERM signal is received or
// the provided context is canceled.
func WaitInterrupted(ctx context.Context) error {
	ch := make(chan os.Signal, 1)

	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	select {
	case v := <-ch:
		return Interrupted{Signal: v}
	case <-ctx.Done():
		return ctx.Err()
	}
}
