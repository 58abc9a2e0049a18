// Command addonrelay runs the add-on gateway, the bot API and the notification
// distributor in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ggoodman/addonrelay/addonhub"
	"github.com/ggoodman/addonrelay/botapi"
	"github.com/ggoodman/addonrelay/config"
	"github.com/ggoodman/addonrelay/correlation"
	"github.com/ggoodman/addonrelay/correlation/memorytable"
	"github.com/ggoodman/addonrelay/correlation/redistable"
	"github.com/ggoodman/addonrelay/delivery"
	"github.com/ggoodman/addonrelay/gateway"
	"github.com/ggoodman/addonrelay/internal/addonauth"
	"github.com/ggoodman/addonrelay/internal/logctx"
	"github.com/ggoodman/addonrelay/notification"
	"github.com/ggoodman/addonrelay/queue"
	"github.com/ggoodman/addonrelay/queue/memoryqueue"
	"github.com/ggoodman/addonrelay/queue/redisqueue"
	"github.com/ggoodman/addonrelay/registry"
	"github.com/ggoodman/addonrelay/rpc"
	"github.com/ggoodman/addonrelay/store/memstore"
	"github.com/ggoodman/addonrelay/store/pgstore"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "addonrelay:", err)
		os.Exit(1)
	}
}

type stores struct {
	subs notification.SubscriptionStore
	regs notification.RegistrationStore
}

func openStores(ctx context.Context, cfg config.Config, log *slog.Logger) (stores, func(), error) {
	if cfg.DatabaseURL == "" {
		log.WarnContext(ctx, "store.memory", slog.String("reason", "DATABASE_URL not set; subscriptions are not persisted"))
		m := memstore.New()
		return stores{subs: m, regs: m}, func() {}, nil
	}
	pg, err := pgstore.Open(ctx, cfg.DatabaseURL, pgstore.Options{MaxOpenConns: cfg.DatabaseMaxConns, OpTimeout: cfg.StoreTimeout})
	if err != nil {
		return stores{}, nil, err
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		_ = pg.Close()
		return stores{}, nil, err
	}
	log.InfoContext(ctx, "store.postgres", slog.Int("max_conns", cfg.DatabaseMaxConns))
	return stores{subs: pg, regs: pg}, func() { _ = pg.Close() }, nil
}

// openBackends returns the correlation table and event queue. A Redis URL
// makes both shared across nodes.
func openBackends(ctx context.Context, cfg config.Config, log *slog.Logger) (correlation.Table, queue.Queue, func(), error) {
	if cfg.RedisURL == "" {
		log.InfoContext(ctx, "backend.memory")
		return memorytable.New(), memoryqueue.New(memoryqueue.WithVisibilityTimeout(cfg.VisibilityTimeout)), func() {}, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	table, err := redistable.New(redistable.Config{Client: client, Logger: log})
	if err != nil {
		_ = client.Close()
		return nil, nil, nil, err
	}
	q, err := redisqueue.New(redisqueue.Config{Client: client, VisibilityTimeout: cfg.VisibilityTimeout})
	if err != nil {
		_ = table.Close()
		_ = client.Close()
		return nil, nil, nil, err
	}
	log.InfoContext(ctx, "backend.redis", slog.String("addr", opts.Addr))
	return table, q, func() {
		_ = table.Close()
		_ = q.Close()
		_ = client.Close()
	}, nil
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := slog.New(logctx.Handler{Handler: slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})})
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStores, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStores()

	table, q, closeBackends, err := openBackends(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeBackends()

	gw := gateway.New(registry.New(), table, gateway.WithLogger(log), gateway.WithDefaultTimeout(cfg.RequestTimeout))
	client := rpc.NewClient(gw, rpc.WithLogger(log), rpc.WithDefaultTimeout(cfg.RequestTimeout))

	deliverer, err := delivery.NewHTTPDeliverer(cfg.DeliveryURL, delivery.WithBearerToken(cfg.DeliveryToken))
	if err != nil {
		return err
	}
	engine := notification.NewEngine(st.subs, st.regs, delivery.JSONRenderer{}, deliverer,
		notification.WithEngineLogger(log),
		notification.WithStoreTimeout(cfg.StoreTimeout),
		notification.WithDeliveryConcurrency(cfg.DeliveryConcurrency),
	)
	ingestor := notification.NewIngestor(q, engine,
		notification.WithIngestorLogger(log),
		notification.WithBatchSize(cfg.QueueBatchSize),
		notification.WithWorkers(cfg.Workers),
		notification.WithPollInterval(cfg.PollInterval),
	)

	verifier, err := addonauth.NewVerifier(func(ctx context.Context, instanceID string) ([]byte, error) {
		reg, err := st.regs.GetRegistration(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		return reg.SharedSecret, nil
	}, addonauth.Config{Audience: cfg.TokenAudience, Leeway: cfg.TokenLeeway})
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	hub := addonhub.New(gw, verifier, ingestor, addonhub.WithLogger(log))
	mux.Handle("/addon/", hub)
	mux.Handle("/healthz", hub)
	if cfg.BotAPIToken != "" {
		svc := notification.NewService(st.subs, client, notification.WithServiceLogger(log))
		mux.Handle("/bot/", botapi.New(cfg.BotAPIToken, svc, st.regs, client, botapi.WithLogger(log)))
	} else {
		log.WarnContext(ctx, "botapi.disabled", slog.String("reason", "BOT_API_TOKEN not set"))
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ingestor.Run(gctx)
	})
	g.Go(func() error {
		log.InfoContext(gctx, "http.listen", slog.String("addr", cfg.ListenAddr), slog.String("public_url", cfg.PublicURL))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	err = g.Wait()
	log.Info("shutdown.complete")
	return err
}
