package reservations

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/vadiminshakov/instainr/internal/domain"
)

const redisKeyPrefix = "instainr:reservation:"

// RedisStore keeps reservations as JSON values with a key TTL, so expiry is
// handled by Redis itself.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(addr, password string, db int, ttl time.Duration) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisStore{client: client, ttl: ttl}
}

// Ping checks the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Create(ctx context.Context, r domain.Reservation) error {
	data, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "failed to marshal reservation")
	}

	ok, err := s.client.SetNX(ctx, redisKeyPrefix+r.ReferenceID, data, s.ttl).Result()
	if err != nil {
		return errors.Wrap(err, "failed to store reservation")
	}
	if !ok {
		return errors.Wrapf(ErrDuplicate, "reference %s", r.ReferenceID)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, referenceID string) (domain.Reservation, error) {
	data, err := s.client.Get(ctx, redisKeyPrefix+referenceID).Result()
	return decodeRedisReservation(data, err)
}

// Consume uses GETDEL so only one caller observes the value.
func (s *RedisStore) Consume(ctx context.Context, referenceID string) (domain.Reservation, error) {
	data, err := s.client.GetDel(ctx, redisKeyPrefix+referenceID).Result()
	return decodeRedisReservation(data, err)
}

// PurgeExpired is a no-op: keys expire on their own.
func (s *RedisStore) PurgeExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func decodeRedisReservation(data string, err error) (domain.Reservation, error) {
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Reservation{}, ErrNotFound
		}
		return domain.Reservation{}, errors.Wrap(err, "failed to read reservation")
	}

	var r domain.Reservation
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return domain.Reservation{}, errors.Wrap(err, "failed to unmarshal reservation")
	}
	return r, nil
}
