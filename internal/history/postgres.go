package history

import (
	"context"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	insertExchange = `
INSERT INTO conversation_exchanges (session_id, agent_id, transcript, response, speculative, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`

	selectRecent = `
SELECT session_id, agent_id, transcript, response, speculative, created_at
FROM (
    SELECT id, session_id, agent_id, transcript, response, speculative, created_at
    FROM conversation_exchanges
    WHERE session_id = $1
    ORDER BY id DESC
    LIMIT $2
) recent
ORDER BY id ASC`
)

// PostgresStore persists exchanges in PostgreSQL
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to databaseURL and applies pending migrations
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create history pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach history database: %w", err)
	}

	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().Msg("History store ready")
	return &PostgresStore{pool: pool}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply history migrations: %w", err)
	}
	return nil
}

// Append implements Store
func (s *PostgresStore) Append(ctx context.Context, ex Exchange) error {
	_, err := s.pool.Exec(ctx, insertExchange,
		ex.SessionID, ex.AgentID, ex.Transcript, ex.Response, ex.Speculative, ex.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append exchange: %w", err)
	}
	return nil
}

// Recent implements Store
func (s *PostgresStore) Recent(ctx context.Context, sessionID string, n int) ([]Exchange, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, selectRecent, sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent exchanges: %w", err)
	}
	defer rows.Close()

	var out []Exchange
	for rows.Next() {
		var ex Exchange
		if err := rows.Scan(&ex.SessionID, &ex.AgentID, &ex.Transcript, &ex.Response, &ex.Speculative, &ex.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan exchange: %w", err)
		}
		out = append(out, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read recent exchanges: %w", err)
	}
	return out, nil
}

// Ping implements Store
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements Store
func (s *PostgresStore) Close() {
	s.pool.Close()
}
