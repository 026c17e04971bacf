package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"

	"github.com/BTreeMap/EnrollPipe/internal/models"
	"github.com/BTreeMap/EnrollPipe/internal/security"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db     *sql.DB
	sealer security.Sealer
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	cfg := applyOptions(opts)
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	connStr := dsn
	if !strings.Contains(connStr, "?") {
		connStr += "?_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, unavailable("open sqlite", err)
	}
	// One writer avoids SQLITE_BUSY under concurrent transitions.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, unavailable("ping sqlite", err)
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db, sealer: cfg.Sealer}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}

// GetProfile loads a profile, opening sealed images. It returns nil, nil when
// the profile does not exist.
func (s *SQLiteStore) GetProfile(ctx context.Context, id string) (*models.Profile, error) {
	var p models.Profile
	var status, data, history string
	var payment sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, platform, inscription_status, inscription_data, payment, history, created_at, updated_at
		 FROM profiles WHERE id = ?`, id,
	).Scan(&p.ID, &p.Platform, &status, &data, &payment, &history, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug("SQLiteStore.GetProfile: not found", "profileID", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore.GetProfile failed", "profileID", id, "error", err)
		return nil, unavailable("get profile", err)
	}
	return finishProfile(s.sealer, &p, status, data, payment, history)
}

// UpsertProfile writes the whole profile, replacing any previous row.
func (s *SQLiteStore) UpsertProfile(ctx context.Context, p *models.Profile) error {
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
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET platform = excluded.platform, inscription_status = excluded.inscription_status,
		   inscription_data = excluded.inscription_data, payment = excluded.payment, history = excluded.history,
		   updated_at = excluded.updated_at`,
		p.ID, string(p.Platform), row.status, row.data, row.payment, history, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore.UpsertProfile failed", "profileID", p.ID, "error", err)
		return unavailable("upsert profile", err)
	}
	slog.Debug("SQLiteStore.UpsertProfile succeeded", "profileID", p.ID, "status", row.status)
	return nil
}

// SaveEnrollment replaces status, inscription data and payment in one statement.
func (s *SQLiteStore) SaveEnrollment(ctx context.Context, id string, e models.Enrollment) error {
	row, err := encodeEnrollment(s.sealer, e)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE profiles SET inscription_status = ?, inscription_data = ?, payment = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		row.status, row.data, row.payment, id,
	)
	if err != nil {
		slog.Error("SQLiteStore.SaveEnrollment failed", "profileID", id, "error", err)
		return unavailable("save enrollment", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("save enrollment %s: %w", id, ErrProfileNotFound)
	}
	slog.Debug("SQLiteStore.SaveEnrollment succeeded", "profileID", id, "status", row.status)
	return nil
}

// SaveHistory replaces the conversation history.
func (s *SQLiteStore) SaveHistory(ctx context.Context, id string, history []models.Turn) error {
	raw, err := encodeHistory(history)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE profiles SET history = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, raw, id,
	)
	if err != nil {
		slog.Error("SQLiteStore.SaveHistory failed", "profileID", id, "error", err)
		return unavailable("save history", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("save history %s: %w", id, ErrProfileNotFound)
	}
	return nil
}

func finishProfile(sealer security.Sealer, p *models.Profile, status, data string, payment sql.NullString, history string) (*models.Profile, error) {
	var pay *string
	if payment.Valid {
		pay = &payment.String
	}
	e, err := decodeEnrollment(sealer, status, data, pay)
	if err != nil {
		slog.Error("store.finishProfile: corrupt enrollment", "profileID", p.ID, "error", err)
		return nil, err
	}
	p.Enrollment = e
	if p.History, err = decodeHistory(history); err != nil {
		slog.Error("store.finishProfile: corrupt history", "profileID", p.ID, "error", err)
		return nil, err
	}
	return p, nil
}
