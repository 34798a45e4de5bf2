package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/matrixise/compose-pay/internal/execution"
)

var ErrAttemptNotFound = errors.New("purchase attempt not found")

// Store manages PostgreSQL operations
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new PostgreSQL store with connection pooling
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.MaxConns = 5
	config.MinConns = 1
	config.MaxConnLifetime = 1 * time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close closes the connection pool
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies the connection is alive
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateAttempt inserts a new attempt with its initial state
func (s *Store) CreateAttempt(ctx context.Context, a Attempt) error {
	row, err := newAttemptRow(a.State)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO purchase_attempts
		(id, account, phase, step_cursor, used_atomic, batch_id, total_usd, state, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.Account, row.phase, row.cursor, row.usedAtomic, row.batchID, a.TotalUSD, row.state, row.errMsg,
	)
	if err != nil {
		return fmt.Errorf("insert attempt %s: %w", a.ID, err)
	}
	return nil
}

// SaveState records the latest execution state of an existing attempt
func (s *Store) SaveState(ctx context.Context, st execution.State) error {
	row, err := newAttemptRow(st)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE purchase_attempts
		SET phase = $2, step_cursor = $3, used_atomic = $4, batch_id = $5, state = $6, error = $7, updated_at = now()
		WHERE id = $1`,
		st.ID, row.phase, row.cursor, row.usedAtomic, row.batchID, row.state, row.errMsg,
	)
	if err != nil {
		return fmt.Errorf("update attempt %s: %w", st.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrAttemptNotFound, st.ID)
	}
	return nil
}

// GetAttempt loads an attempt by id
func (s *Store) GetAttempt(ctx context.Context, id string) (*Attempt, error) {
	var (
		a   Attempt
		raw []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, account, total_usd, state, created_at, updated_at
		FROM purchase_attempts
		WHERE id = $1`, id,
	).Scan(&a.ID, &a.Account, &a.TotalUSD, &raw, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrAttemptNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("select attempt %s: %w", id, err)
	}

	if a.State, err = decodeState(raw); err != nil {
		return nil, fmt.Errorf("attempt %s: %w", id, err)
	}
	return &a, nil
}

// ListResumable returns the attempts of account that have not completed, newest first
func (s *Store) ListResumable(ctx context.Context, account string) ([]Attempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, account, total_usd, state, created_at, updated_at
		FROM purchase_attempts
		WHERE account = $1 AND phase <> $2
		ORDER BY updated_at DESC`, account, string(execution.PhaseDone),
	)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		var (
			a   Attempt
			raw []byte
		)
		if err := rows.Scan(&a.ID, &a.Account, &a.TotalUSD, &raw, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		if a.State, err = decodeState(raw); err != nil {
			return nil, fmt.Errorf("attempt %s: %w", a.ID, err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}
