// Package reservations keeps pending payment reservations between
// /initiate-pay and /confirm-payment. Consume is atomic in every backend:
// of two racing callers exactly one receives the reservation.
package reservations

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/instainr/internal/domain"
	"github.com/vadiminshakov/instainr/internal/observability"
	"go.uber.org/zap"
)

var (
	ErrNotFound  = errors.New("reservation not found")
	ErrDuplicate = errors.New("reservation already exists")
)

// Store is the keyed reservation storage used by the settlement service.
type Store interface {
	Create(ctx context.Context, r domain.Reservation) error
	Get(ctx context.Context, referenceID string) (domain.Reservation, error)
	// Consume deletes the reservation and returns it. A missing or already
	// consumed reference yields ErrNotFound.
	Consume(ctx context.Context, referenceID string) (domain.Reservation, error)
	// PurgeExpired removes reservations created before cutoff.
	PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

const defaultSweepInterval = 10 * time.Minute

// RunSweeper periodically purges reservations older than ttl until ctx is done.
func RunSweeper(ctx context.Context, l *zap.Logger, s Store, ttl, interval time.Duration) {
	if ttl <= 0 {
		return
	}
	if interval <= 0 {
		interval = defaultSweepInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	l.Info("reservation sweeper started", zap.Duration("ttl", ttl), zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.PurgeExpired(ctx, time.Now().Add(-ttl))
			if err != nil {
				l.Error("failed to purge expired reservations", zap.Error(err))
				continue
			}
			observability.RecordReservationsPurged(n)
			if n > 0 {
				l.Info("purged expired reservations", zap.Int64("count", n))
			}
		}
	}
}
