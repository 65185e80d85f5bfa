package reservations

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/instainr/internal/domain"
)

// Pool wraps pgxpool.Pool for dependency injection.
type Pool struct {
	*pgxpool.Pool
}

// NewPool creates a new Postgres connection pool.
func NewPool(ctx context.Context, dsn string) (*Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres dsn")
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, errors.Wrap(err, "connect to postgres")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}

	return &Pool{Pool: pool}, nil
}

const pgErrUniqueViolation = "23505"

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgErrUniqueViolation
	}
	return false
}

func isNotFoundError(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// PostgresStore implements Store on top of the payment_reservations table
// (sql/postgres/001_reservations.sql).
type PostgresStore struct {
	pool *Pool
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(pool *Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Create inserts a reservation. Returns ErrDuplicate if the reference exists.
func (s *PostgresStore) Create(ctx context.Context, r domain.Reservation) error {
	query := `
		INSERT INTO payment_reservations (
			reference_id, token, amount, recipient, method_summary, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := s.pool.Exec(ctx, query,
		r.ReferenceID,
		string(r.Token),
		r.Amount,
		r.Recipient,
		r.MethodSummary,
		r.CreatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return errors.Wrapf(ErrDuplicate, "reference %s", r.ReferenceID)
		}
		return errors.Wrap(err, "insert reservation")
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, referenceID string) (domain.Reservation, error) {
	query := `
		SELECT reference_id, token, amount, recipient, method_summary, created_at
		FROM payment_reservations
		WHERE reference_id = $1
	`

	r, err := scanPostgresReservation(s.pool.QueryRow(ctx, query, referenceID))
	if err != nil {
		if isNotFoundError(err) {
			return domain.Reservation{}, ErrNotFound
		}
		return domain.Reservation{}, errors.Wrap(err, "get reservation")
	}
	return r, nil
}

// Consume deletes and returns the reservation in one statement.
func (s *PostgresStore) Consume(ctx context.Context, referenceID string) (domain.Reservation, error) {
	query := `
		DELETE FROM payment_reservations
		WHERE reference_id = $1
		RETURNING reference_id, token, amount, recipient, method_summary, created_at
	`

	r, err := scanPostgresReservation(s.pool.QueryRow(ctx, query, referenceID))
	if err != nil {
		if isNotFoundError(err) {
			return domain.Reservation{}, ErrNotFound
		}
		return domain.Reservation{}, errors.Wrap(err, "consume reservation")
	}
	return r, nil
}

func (s *PostgresStore) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM payment_reservations WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "purge reservations")
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPostgresReservation(row pgx.Row) (domain.Reservation, error) {
	var (
		r     domain.Reservation
		token string
	)
	if err := row.Scan(&r.ReferenceID, &token, &r.Amount, &r.Recipient, &r.MethodSummary, &r.CreatedAt); err != nil {
		return domain.Reservation{}, err
	}
	r.Token = domain.Asset(token)
	r.CreatedAt = r.CreatedAt.UTC()
	return r, nil
}
