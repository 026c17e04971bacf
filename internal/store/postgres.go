package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"

	"github.com/BTreeMap/EnrollPipe/internal/models"
	"github.com/BTreeMap/EnrollPipe/internal/security"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db     *sql.DB
	sealer security.Sealer
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	cfg := applyOptions(opts)
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	// Determine DSN (required)
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	slog.Debug("Opening Postgres database connection")
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, unavailable("open postgres", err)
	}
	slog.Debug("Postgres database opened")

	// Configure connection pool for better performance
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, unavailable("ping postgres", err)
	}
	slog.Debug("Postgres ping successful")

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db, sealer: cfg.Sealer}, nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close PostgreSQL database", "error", err)
	} else {
		slog.Debug("PostgreSQL database connection closed successfully")
	}
	return err
}

// GetProfile loads a profile, opening sealed images. It returns nil, nil when
// the profile does not exist.
func (s *PostgresStore) GetProfile(ctx context.Context, id string) (*models.Profile, error) {
	var p models.Profile
	var status, data, history string
	var payment sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, platform, inscription_status, inscription_data::text, payment::text, history::text, created_at, updated_at
		 FROM profiles WHERE id = $1`, id,
	).Scan(&p.ID, &p.Platform, &status, &data, &payment, &history, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug("PostgresStore.GetProfile: not found", "profileID", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore.GetProfile failed", "profileID", id, "error", err)
		return nil, unavailable("get profile", err)
	}
	return finishProfile(s.sealer, &p, status, data, payment, history)
}

// UpsertProfile writes the whole profile, replacing any previous row.
func (s *PostgresStore) UpsertProfile(ctx context.Context, p *models.Profile) error {
	row, err := encodeEnrollment(s.sealer, p.Enrollment)
	if err != nil {
		return err
	}
	history, err := encodeHistory(p.History)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO profiles (id, platform, inscription_status, inscription_data, payment, history, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6::jsonb, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
		   platform = EXCLUDED.platform,
		   inscription_status = EXCLUDED.inscription_status,
		   inscription_data = EXCLUDED.inscription_data,
		   payment = EXCLUDED.payment,
		   history = EXCLUDED.history,
		   updated_at = EXCLUDED.updated_at`,
		p.ID, string(p.Platform), row.status, row.data, row.payment, history, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore.UpsertProfile failed", "profileID", p.ID, "error", err)
		return unavailable("upsert profile", err)
	}
	slog.Debug("PostgresStore.UpsertProfile succeeded", "profileID", p.ID, "status", row.status)
	return nil
}

// SaveEnrollment replaces status, inscription data and payment in one statement.
func (s *PostgresStore) SaveEnrollment(ctx context.Context, id string, e models.Enrollment) error {
	row, err := encodeEnrollment(s.sealer, e)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE profiles SET inscription_status = $1, inscription_data = $2::jsonb, payment = $3::jsonb, updated_at = now() WHERE id = $4`,
		row.status, row.data, row.payment, id,
	)
	if err != nil {
		slog.Error("PostgresStore.SaveEnrollment failed", "profileID", id, "error", err)
		return unavailable("save enrollment", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("save enrollment %s: %w", id, ErrProfileNotFound)
	}
	slog.Debug("PostgresStore.SaveEnrollment succeeded", "profileID", id, "status", row.status)
	return nil
}

// SaveHistory replaces the conversation history.
func (s *PostgresStore) SaveHistory(ctx context.Context, id string, history []models.Turn) error {
	raw, err := encodeHistory(history)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE profiles SET history = $1::jsonb, updated_at = now() WHERE id = $2`, raw, id,
	)
	if err != nil {
		slog.Error("PostgresStore.SaveHistory failed", "profileID", id, "error", err)
		return unavailable("save history", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("save history %s: %w", id, ErrProfileNotFound)
	}
	return nil
}
