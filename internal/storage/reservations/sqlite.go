package reservations

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/instainr/internal/domain"
)

// SQLiteStore persists reservations in an embedded SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens the database at path and creates the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open sqlite")
	}
	// serialize writers so DELETE ... RETURNING never sees SQLITE_BUSY
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "failed to set pragma %s", pragma)
		}
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS payment_reservations (
			reference_id TEXT PRIMARY KEY,
			token TEXT NOT NULL,
			amount TEXT NOT NULL,
			recipient TEXT NOT NULL,
			method_summary TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);
	`)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create reservations table")
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Create(ctx context.Context, r domain.Reservation) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO payment_reservations (reference_id, token, amount, recipient, method_summary, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		r.ReferenceID, string(r.Token), r.Amount, r.Recipient, r.MethodSummary, r.CreatedAt.UnixMilli(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return errors.Wrapf(ErrDuplicate, "reference %s", r.ReferenceID)
		}
		return errors.Wrap(err, "failed to insert reservation")
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, referenceID string) (domain.Reservation, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT reference_id, token, amount, recipient, method_summary, created_at FROM payment_reservations WHERE reference_id = ?",
		referenceID,
	)
	return scanSQLiteReservation(row)
}

func (s *SQLiteStore) Consume(ctx context.Context, referenceID string) (domain.Reservation, error) {
	row := s.db.QueryRowContext(ctx,
		"DELETE FROM payment_reservations WHERE reference_id = ? RETURNING reference_id, token, amount, recipient, method_summary, created_at",
		referenceID,
	)
	return scanSQLiteReservation(row)
}

func (s *SQLiteStore) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM payment_reservations WHERE created_at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, errors.Wrap(err, "failed to purge reservations")
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanSQLiteReservation(row *sql.Row) (domain.Reservation, error) {
	var (
		r         domain.Reservation
		token     string
		createdAt int64
	)
	err := row.Scan(&r.ReferenceID, &token, &r.Amount, &r.Recipient, &r.MethodSummary, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Reservation{}, ErrNotFound
		}
		return domain.Reservation{}, errors.Wrap(err, "failed to scan reservation")
	}
	r.Token = domain.Asset(token)
	r.CreatedAt = time.UnixMilli(createdAt).UTC()
	return r, nil
}
