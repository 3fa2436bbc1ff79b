package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/fruitsalade/docat/internal/logging"
	"github.com/fruitsalade/docat/pkg/retry"
)

const claimsSchema = `CREATE TABLE IF NOT EXISTS claims (
	project    TEXT PRIMARY KEY,
	token_hash TEXT NOT NULL,
	salt       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresClaimStore keeps claims in a PostgreSQL table.
type PostgresClaimStore struct {
	db *sql.DB
}

// NewPostgresClaimStore wraps an open database.
func NewPostgresClaimStore(db *sql.DB) *PostgresClaimStore {
	return &PostgresClaimStore{db: db}
}

// OpenPostgres connects to databaseURL, waiting for the server to come up,
// and creates the claims table.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresClaimStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	err = retry.Do(ctx, retry.DefaultConfig(), func() error {
		if err := db.PingContext(ctx); err != nil {
			logging.Warn("claims database not ready", zap.Error(err))
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := NewPostgresClaimStore(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the claims table.
func (s *PostgresClaimStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, claimsSchema); err != nil {
		return fmt.Errorf("migrate claims: %w", err)
	}
	return nil
}

// Get returns the claim of project.
func (s *PostgresClaimStore) Get(ctx context.Context, project string) (*Claim, error) {
	c := Claim{Project: project}
	err := s.db.QueryRowContext(ctx,
		`SELECT token_hash, salt FROM claims WHERE project = $1`, project).Scan(&c.Hash, &c.Salt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get claim: %w", err)
	}
	return &c, nil
}

// Create stores a new claim or returns ErrAlreadyClaimed.
func (s *PostgresClaimStore) Create(ctx context.Context, c Claim) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO claims (project, token_hash, salt) VALUES ($1, $2, $3) ON CONFLICT (project) DO NOTHING`,
		c.Project, c.Hash, c.Salt)
	if err != nil {
		return fmt.Errorf("insert claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert claim: %w", err)
	}
	if n == 0 {
		return ErrAlreadyClaimed
	}
	return nil
}

// Rename moves the claim of project to newName.
func (s *PostgresClaimStore) Rename(ctx context.Context, project, newName string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE claims SET project = $1 WHERE project = $2`, newName, project); err != nil {
		return fmt.Errorf("rename claim: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *PostgresClaimStore) Close() error {
	return s.db.Close()
}
