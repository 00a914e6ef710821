package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresEngine implements Engine on a single Postgres table keyed by
// (partition, key). One pool serves every partition.
type PostgresEngine struct {
	pool *pgxpool.Pool
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS mnemos_kv (
    partition TEXT  NOT NULL,
    key       BYTEA NOT NULL,
    value     BYTEA NOT NULL,
    PRIMARY KEY (partition, key)
);
`

// NewPostgresEngine connects to Postgres and ensures the backing table exists.
func NewPostgresEngine(ctx context.Context, connStr string) (*PostgresEngine, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create kv table: %w", err)
	}
	return &PostgresEngine{pool: pool}, nil
}

// Pool exposes the connection pool so vector indexes can share it.
func (e *PostgresEngine) Pool() *pgxpool.Pool {
	return e.pool
}

func (e *PostgresEngine) Partition(name string) (Partition, error) {
	return &pgPartition{pool: e.pool, name: name}, nil
}

func (e *PostgresEngine) DropPartition(name string) error {
	_, err := e.pool.Exec(context.Background(),
		`DELETE FROM mnemos_kv WHERE partition = $1`, name)
	return err
}

func (e *PostgresEngine) Flush() error { return nil }

func (e *PostgresEngine) Close() error {
	e.pool.Close()
	return nil
}

type pgPartition struct {
	pool *pgxpool.Pool
	name string
}

func (p *pgPartition) Put(ctx context.Context, key, value []byte) error {
	_, err := p.pool.Exec(ctx, `
        INSERT INTO mnemos_kv (partition, key, value) VALUES ($1, $2, $3)
        ON CONFLICT (partition, key) DO UPDATE SET value = EXCLUDED.value;
        `, p.name, key, value)
	return err
}

func (p *pgPartition) Get(ctx context.Context, key []byte) ([]byte, error) {
	var value []byte
	err := p.pool.QueryRow(ctx,
		`SELECT value FROM mnemos_kv WHERE partition = $1 AND key = $2`,
		p.name, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (p *pgPartition) Delete(ctx context.Context, key []byte) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM mnemos_kv WHERE partition = $1 AND key = $2`, p.name, key)
	return err
}

func (p *pgPartition) Scan(ctx context.Context, prefix []byte, limit int) ([]Entry, error) {
	query := `SELECT key, value FROM mnemos_kv WHERE partition = $1`
	args := []any{p.name}
	if len(prefix) > 0 {
		query += ` AND key >= $2`
		args = append(args, prefix)
		if end := prefixEnd(prefix); end != nil {
			query += ` AND key < $3`
			args = append(args, end)
		}
	}
	query += ` ORDER BY key`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var ent Entry
		if err := rows.Scan(&ent.Key, &ent.Value); err != nil {
			return nil, err
		}
		entries = append(entries, ent)
	}
	return entries, rows.Err()
}

func (p *pgPartition) BatchPut(ctx context.Context, entries []Entry) error {
	batch := &pgx.Batch{}
	for _, ent := range entries {
		batch.Queue(`
            INSERT INTO mnemos_kv (partition, key, value) VALUES ($1, $2, $3)
            ON CONFLICT (partition, key) DO UPDATE SET value = EXCLUDED.value;
            `, p.name, ent.Key, ent.Value)
	}
	return p.pool.SendBatch(ctx, batch).Close()
}

// prefixEnd returns the smallest byte string greater than every string with
// the given prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	// All 0xff: unbounded upper range.
	return nil
}
