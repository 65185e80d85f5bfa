package pricer

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/instainr/internal/domain"
	"github.com/vadiminshakov/instainr/internal/observability"
	"go.uber.org/zap"
)

const DefaultInterval = 60 * time.Second

// ErrNoPrices is returned when no successful fetch has happened yet.
var ErrNoPrices = errors.New("prices unavailable")

// Source fetches INR unit prices. A source may return prices together with an
// error when the prices it has are themselves stale.
type Source interface {
	FetchPrices(ctx context.Context) (domain.Prices, error)
}

// Snapshot is the state served to readers.
type Snapshot struct {
	Prices    domain.Prices
	UpdatedAt time.Time
	// Stale is set when Prices is the last good snapshot and the most recent
	// fetch failed. Err carries that failure.
	Stale bool
	Err   error
}

// Feed keeps the latest prices from a Source and refreshes them on a timer.
// A failed fetch never discards the last good prices.
type Feed struct {
	l        *zap.Logger
	source   Source
	interval time.Duration

	mu   sync.RWMutex
	snap Snapshot
}

func NewFeed(l *zap.Logger, source Source, interval time.Duration) *Feed {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Feed{l: l, source: source, interval: interval}
}

// Refresh fetches once and updates the snapshot.
func (f *Feed) Refresh(ctx context.Context) error {
	prices, err := f.source.FetchPrices(ctx)

	f.mu.Lock()
	switch {
	case err == nil:
		f.snap = Snapshot{Prices: prices.Clone(), UpdatedAt: time.Now().UTC()}
	case len(prices) > 0:
		// the source handed back prices it already marks as stale
		f.snap = Snapshot{Prices: prices.Clone(), UpdatedAt: time.Now().UTC(), Stale: true, Err: err}
	case len(f.snap.Prices) > 0:
		f.snap.Stale = true
		f.snap.Err = err
	default:
		f.snap.Err = err
	}
	stale := f.snap.Stale
	f.mu.Unlock()

	observability.RecordPriceFetch(err, stale)
	if err != nil {
		f.l.Warn("failed to refresh prices", zap.Error(err), zap.Bool("serving_stale", stale))
		return err
	}
	return nil
}

// Run refreshes immediately and then every interval until ctx is done.
func (f *Feed) Run(ctx context.Context) error {
	_ = f.Refresh(ctx)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	f.l.Info("price feed started", zap.Duration("interval", f.interval))

	for {
		select {
		case <-ctx.Done():
			f.l.Info("price feed stopped")
			return ctx.Err()
		case <-ticker.C:
			_ = f.Refresh(ctx)
		}
	}
}

// Snapshot returns a copy of the current state.
func (f *Feed) Snapshot() Snapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()

	s := f.snap
	s.Prices = f.snap.Prices.Clone()
	return s
}

// Price returns the INR unit price of a. Zero means the asset is unpriced.
func (f *Feed) Price(a domain.Asset) (decimal.Decimal, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if len(f.snap.Prices) == 0 {
		if f.snap.Err != nil {
			return decimal.Zero, errors.Wrap(ErrNoPrices, f.snap.Err.Error())
		}
		return decimal.Zero, ErrNoPrices
	}
	return f.snap.Prices.Get(a), nil
}
