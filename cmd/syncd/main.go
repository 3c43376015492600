// syncd keeps a local projection of the fleet control plane in sync with
// the remote API and serves it to the dashboard.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/example/fleet-sync/internal/activity"
	"github.com/example/fleet-sync/internal/api"
	"github.com/example/fleet-sync/internal/clock"
	"github.com/example/fleet-sync/internal/config"
	"github.com/example/fleet-sync/internal/engine"
	"github.com/example/fleet-sync/internal/geo"
	httpapi "github.com/example/fleet-sync/internal/http"
	"github.com/example/fleet-sync/internal/lifecycle"
	"github.com/example/fleet-sync/internal/logging"
	"github.com/example/fleet-sync/internal/models"
	"github.com/example/fleet-sync/internal/notify"
	"github.com/example/fleet-sync/internal/poller"
	"github.com/example/fleet-sync/internal/reconcile"
	"github.com/example/fleet-sync/internal/store"
	"github.com/example/fleet-sync/internal/stream"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, envFile, logLevel string
	flagSet := pflag.NewFlagSet("syncd", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "YAML config file (default: $SYNC_CONFIG)")
	flagSet.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	flagSet.StringVar(&logLevel, "log-level", "", "override LOG_LEVEL")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", envFile, err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg, logger)
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	clk := clock.Real()

	client, err := api.New(api.Config{
		BaseURL: cfg.APIBaseURL,
		Token:   cfg.APIToken,
		Timeout: cfg.APITimeout,
		Logger:  logging.Component(logger, "api"),
	})
	if err != nil {
		return err
	}

	feed := activity.NewFeed(cfg.ActivityLimit, clk, logging.Component(logger, "activity"))
	var journal *activity.PostgresJournal
	if cfg.PGDSN != "" {
		journal, err = activity.NewPostgresJournal(cfg.PGDSN, cfg.RunMigrations, logging.Component(logger, "journal"))
		if err != nil {
			return fmt.Errorf("activity journal: %w", err)
		}
		defer journal.Close()
		feed.AddSink(journal)
	}

	st := store.New()
	policy := reconcile.NewPolicy(st, reconcile.Options{
		EditTimeout: cfg.EditTimeout,
		Clock:       clk,
		Activity:    feed,
		Logger:      logging.Component(logger, "reconcile"),
	})
	eng := engine.New(st, policy, client, engine.Options{
		Clock:         clk,
		Activity:      feed,
		Logger:        logging.Component(logger, "engine"),
		SweepInterval: cfg.SweepInterval,
	})

	start, end, _ := cfg.RoutesPeriod()
	period := models.Period{Start: start, End: end}
	poll := poller.New([]poller.Feed{
		{Name: reconcile.FeedRoutes, Fetch: func(ctx context.Context) ([]models.Entity, error) { return client.FetchRoutes(ctx, period) }},
		{Name: reconcile.FeedPendingOrders, Fetch: client.FetchPendingOrders},
		{Name: reconcile.FeedFleet, Fetch: client.FetchFleet},
	}, eng, poller.Options{
		Interval:     cfg.PollInterval,
		FetchTimeout: cfg.FetchTimeout,
		Clock:        clk,
		Activity:     feed,
		Logger:       logging.Component(logger, "poller"),
	})
	eng.SetRefresher(poll)

	machine := lifecycle.New(st, client, eng, lifecycle.Options{
		Clock:    clk,
		Activity: feed,
		Logger:   logging.Component(logger, "lifecycle"),
	})

	index := geo.NewIndex(clk)
	var mirror geo.Mirror
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		mirror = geo.NewRedisGeo(rdb, cfg.RedisGeoKey, logging.Component(logger, "geo"))
	}
	projector := geo.NewProjector(index, mirror, logging.Component(logger, "geo"))
	defer projector.Attach(st)()

	hub := notify.NewHub(logging.Component(logger, "notify"), cfg.WSOrigins...)
	defer hub.Attach(st, feed)()
	defer hub.Close()

	srv := httpapi.NewServer(httpapi.Deps{
		Store:     st,
		Editor:    eng,
		Lifecycle: machine,
		Activity:  feed,
		Geo:       index,
		WS:        hub,
		Ready: func(ctx context.Context) error {
			if rdb != nil {
				return rdb.Ping(ctx).Err()
			}
			return nil
		},
		Logger: logging.Component(logger, "http"),
	})
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(ctx) })
	g.Go(func() error { return poll.Run(ctx) })
	g.Go(func() error { return projector.Run(ctx) })
	if journal != nil {
		g.Go(func() error { return journal.Run(ctx) })
	}
	if transport := newTransport(cfg); transport != nil {
		consumer := stream.NewConsumer(transport, eng, poll, stream.Options{
			Clock:    clk,
			Activity: feed,
			Logger:   logging.Component(logger, "stream"),
		})
		g.Go(func() error { return consumer.Run(ctx) })
	}
	g.Go(func() error {
		logger.Info("fleet-sync listening", "addr", cfg.HTTPAddr, "api", cfg.APIBaseURL, "stream", cfg.StreamTransport)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newTransport(cfg config.Config) stream.Transport {
	switch cfg.StreamTransport {
	case config.TransportKafka:
		return &stream.Kafka{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroupID}
	case config.TransportWebSocket:
		return &stream.WebSocket{URL: cfg.StreamURL, Token: cfg.APIToken, ReadTimeout: cfg.StreamReadTimeout}
	}
	return nil
}
