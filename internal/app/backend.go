// Package app wires the backend and the wallet client from configuration.
package app

import (
	"context"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/instainr/config"
	"github.com/vadiminshakov/instainr/internal/clients"
	"github.com/vadiminshakov/instainr/internal/publisher"
	"github.com/vadiminshakov/instainr/internal/services/pricer"
	"github.com/vadiminshakov/instainr/internal/services/settlement"
	"github.com/vadiminshakov/instainr/internal/storage/reservations"
	"github.com/vadiminshakov/instainr/internal/web"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Backend is the settlement server with its background jobs.
type Backend struct {
	l   *zap.Logger
	cfg config.ServerConfig

	store     reservations.Store
	chain     *clients.WorldChain
	publisher *publisher.KafkaPublisher
	feed      *pricer.Feed
	server    *web.Server
}

func NewBackend(ctx context.Context, l *zap.Logger, cfg config.ServerConfig) (*Backend, error) {
	if cfg.AppID == "" {
		l.Warn("app id is not set, /nonce will fail", zap.String("env", config.EnvAppID))
	}
	if cfg.APIKey == "" {
		l.Warn("developer portal api key is not set, payments cannot be confirmed", zap.String("env", config.EnvAPIKey))
	}

	b := &Backend{l: l, cfg: cfg}

	store, err := OpenReservations(ctx, cfg)
	if err != nil {
		return nil, err
	}
	b.store = store

	chain, err := clients.DialWorldChain(ctx, cfg.WorldChainRPC)
	if err != nil {
		b.Close()
		return nil, err
	}
	b.chain = chain

	var pub settlement.Publisher
	if cfg.Kafka.Enabled() {
		kp, err := publisher.NewKafkaPublisher(publisher.KafkaConfig{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic})
		if err != nil {
			b.Close()
			return nil, err
		}
		b.publisher = kp
		pub = kp
		l.Info("publishing payout events", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	svc, err := settlement.NewService(l,
		settlement.Config{
			AppID:          cfg.AppID,
			Recipient:      cfg.Recipient,
			ExplorerURL:    cfg.ExplorerURL,
			ReservationTTL: cfg.ReservationTTL,
		},
		store,
		clients.NewDevPortal(cfg.PortalURL, cfg.AppID, cfg.APIKey),
		settlement.NewSIWEVerifier(chain, cfg.SIWEDomains...),
		pub,
	)
	if err != nil {
		b.Close()
		return nil, err
	}

	b.feed = pricer.NewFeed(l, clients.NewCoinGecko(l, cfg.CoinGeckoURL), cfg.PriceInterval)
	b.server = web.NewServer(cfg.Addr, l, svc, b.feed, chain)
	return b, nil
}

// OpenReservations opens the configured reservation store.
func OpenReservations(ctx context.Context, cfg config.ServerConfig) (reservations.Store, error) {
	rc := cfg.Reservations
	switch rc.Backend {
	case config.BackendMemory:
		return reservations.NewMemoryStore(), nil
	case config.BackendSQLite:
		return reservations.NewSQLiteStore(rc.Path)
	case config.BackendPostgres:
		if rc.DSN == "" {
			return nil, errors.Errorf("postgres reservations need a dsn (%s)", config.EnvPostgresDSN)
		}
		pool, err := reservations.NewPool(ctx, rc.DSN)
		if err != nil {
			return nil, err
		}
		return reservations.NewPostgresStore(pool), nil
	case config.BackendRedis:
		s := reservations.NewRedisStore(rc.RedisAddr, rc.RedisPassword, rc.RedisDB, cfg.ReservationTTL)
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, errors.Wrapf(err, "failed to reach redis at %s", rc.RedisAddr)
		}
		return s, nil
	default:
		return nil, errors.Errorf("unknown reservation backend %q", rc.Backend)
	}
}

// Run serves HTTP and runs the price feed and reservation sweeper until ctx
// is done or one of them fails.
func (b *Backend) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := b.feed.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		reservations.RunSweeper(gctx, b.l, b.store, b.cfg.ReservationTTL, b.cfg.SweepInterval)
		return nil
	})

	g.Go(func() error {
		if len(b.cfg.Domains) > 0 {
			return b.server.StartWithAutoTLS(gctx, b.cfg.Domains, b.cfg.CertCache)
		}
		return b.server.Start(gctx)
	})

	return g.Wait()
}

func (b *Backend) Close() {
	if b.publisher != nil {
		if err := b.publisher.Close(); err != nil {
			b.l.Warn("failed to close kafka publisher", zap.Error(err))
		}
	}
	if b.chain != nil {
		b.chain.Close()
	}
	if b.store != nil {
		if err := b.store.Close(); err != nil {
			b.l.Warn("failed to close reservation store", zap.Error(err))
		}
	}
}
