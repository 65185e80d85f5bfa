package reservations

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/instainr/internal/domain"
	"go.uber.org/zap"
)

func sampleReservation(ref string, createdAt time.Time) domain.Reservation {
	return domain.Reservation{
		ReferenceID:   ref,
		Token:         domain.AssetWLD,
		Amount:        "2.5",
		Recipient:     "0x06A4A1eA929074790E4E4bE3d8be70d4E4738CC6",
		MethodSummary: "UPI • a@ok",
		CreatedAt:     createdAt.UTC().Truncate(time.Millisecond),
	}
}

// runStoreSuite checks the behaviour every backend must share.
func runStoreSuite(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now()

	t.Run("create get consume", func(t *testing.T) {
		r := sampleReservation("ref-1", now)
		require.NoError(t, s.Create(ctx, r))
		assert.ErrorIs(t, s.Create(ctx, r), ErrDuplicate)

		got, err := s.Get(ctx, "ref-1")
		require.NoError(t, err)
		assert.Equal(t, r.Amount, got.Amount)
		assert.Equal(t, r.Token, got.Token)
		assert.True(t, r.CreatedAt.Equal(got.CreatedAt))

		consumed, err := s.Consume(ctx, "ref-1")
		require.NoError(t, err)
		assert.Equal(t, r.ReferenceID, consumed.ReferenceID)
		assert.Equal(t, r.Recipient, consumed.Recipient)

		_, err = s.Consume(ctx, "ref-1")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.Get(ctx, "ref-1")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("concurrent consume has one winner", func(t *testing.T) {
		require.NoError(t, s.Create(ctx, sampleReservation("ref-race", now)))

		var (
			wg      sync.WaitGroup
			winners atomic.Int32
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.Consume(ctx, "ref-race"); err == nil {
					winners.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), winners.Load())
	})
}

func runPurgeSuite(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Create(ctx, sampleReservation("old", now.Add(-48*time.Hour))))
	require.NoError(t, s.Create(ctx, sampleReservation("fresh", now)))

	n, err := s.PurgeExpired(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.Get(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, "fresh")
	assert.NoError(t, err)
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, NewMemoryStore())
	runPurgeSuite(t, NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "reservations.db"))
	require.NoError(t, err)
	defer s.Close()

	runStoreSuite(t, s)
	runPurgeSuite(t, s)
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reservations.db")

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Create(context.Background(), sampleReservation("ref-keep", time.Now())))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Consume(context.Background(), "ref-keep")
	assert.NoError(t, err)
}

func TestRunSweeper(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Create(context.Background(), sampleReservation("old", time.Now().Add(-time.Hour))))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunSweeper(ctx, zap.NewNop(), s, time.Minute, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, err := s.Get(context.Background(), "old")
		return err != nil
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
