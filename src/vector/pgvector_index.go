package vector

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgvectorIndex implements Index on Postgres + pgvector. Each index owns one
// table named after its space.
type PgvectorIndex struct {
	pool   *pgxpool.Pool
	space  string
	dims   int
	metric Metric
}

// Space names reach this package already vetted by the namespace registry,
// but they end up in table identifiers, so the restriction is enforced here
// as well.
var validSpace = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// NewPgvectorIndex ensures the backing table exists and returns an index
// scoped to space. The vector column is typed to the index dimensions.
func NewPgvectorIndex(ctx context.Context, pool *pgxpool.Pool, space string, dims int, metric Metric) (*PgvectorIndex, error) {
	if !validSpace.MatchString(space) {
		return nil, fmt.Errorf("invalid space name %q", space)
	}
	ix := &PgvectorIndex{pool: pool, space: space, dims: dims, metric: metric}
	schema := fmt.Sprintf(`
        CREATE EXTENSION IF NOT EXISTS vector;
        CREATE TABLE IF NOT EXISTS %s (
            id        TEXT PRIMARY KEY,
            seq       BIGSERIAL,
            embedding vector(%d) NOT NULL
        );
        `, ix.table(), dims)
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to create vector table for %q: %w", space, err)
	}
	return ix, nil
}

// table returns the quoted identifier for the space's table.
func (ix *PgvectorIndex) table() string {
	return pgx.Identifier{"mnemos_vectors_" + ix.space}.Sanitize()
}

// operator returns the pgvector distance operator for the index metric.
func (ix *PgvectorIndex) operator() string {
	switch ix.metric {
	case Euclidean:
		return "<->"
	case InnerProduct:
		return "<#>"
	default:
		return "<=>"
	}
}

func (ix *PgvectorIndex) Add(ctx context.Context, id string, vec []float32) error {
	if len(vec) != ix.dims {
		return ErrDimensionMismatch
	}
	query := fmt.Sprintf(`
        INSERT INTO %s (id, embedding) VALUES ($1, $2::vector)
        ON CONFLICT (id) DO UPDATE SET embedding = EXCLUDED.embedding;
        `, ix.table())
	_, err := ix.pool.Exec(ctx, query, id, encodeVector(vec))
	return err
}

func (ix *PgvectorIndex) Remove(ctx context.Context, id string) error {
	_, err := ix.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, ix.table()), id)
	return err
}

func (ix *PgvectorIndex) Search(ctx context.Context, vec []float32, k int) ([]Result, error) {
	if len(vec) != ix.dims {
		return nil, ErrDimensionMismatch
	}
	if k <= 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`
        SELECT id, (embedding %[2]s $1::vector) AS distance
        FROM %[1]s
        ORDER BY embedding %[2]s $1::vector, seq
        LIMIT $2;
        `, ix.table(), ix.operator())
	rows, err := ix.pool.Query(ctx, query, encodeVector(vec), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var res Result
		var distance float64
		if err := rows.Scan(&res.ID, &distance); err != nil {
			return nil, err
		}
		// pgvector's <#> yields negative inner product; normalize to 1-dot
		// so every metric sorts ascending on the same scale as MemoryIndex.
		if ix.metric == InnerProduct {
			distance++
		}
		res.Distance = float32(distance)
		results = append(results, res)
	}
	return results, rows.Err()
}

func (ix *PgvectorIndex) Reserve(int) error { return nil }

func (ix *PgvectorIndex) Dimensions() int { return ix.dims }

func (ix *PgvectorIndex) Count(ctx context.Context) (int, error) {
	var n int
	err := ix.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT count(*) FROM %s`, ix.table())).Scan(&n)
	return n, err
}

func (ix *PgvectorIndex) Persist(context.Context) error { return nil }

func (ix *PgvectorIndex) Drop(ctx context.Context) error {
	_, err := ix.pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, ix.table()))
	return err
}

// encodeVector renders a vector in pgvector's text format: [1,2,3].
func encodeVector(vec []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%g", v)
	}
	b.WriteByte(']')
	return b.String()
}
