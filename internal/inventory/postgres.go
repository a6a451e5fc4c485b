package inventory

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore searches the catalog in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, creates the schema and seeds an empty table
// from seed.
func NewPostgresStore(ctx context.Context, databaseURL string, seed []Item) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	if err := seedIfEmpty(ctx, pool, seed); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS inventory_items (
			id TEXT PRIMARY KEY,
			sku TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			aisle TEXT NOT NULL DEFAULT '',
			quantity INTEGER NOT NULL DEFAULT 0,
			price NUMERIC(10,2) NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_inventory_items_name ON inventory_items (lower(name));`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func seedIfEmpty(ctx context.Context, pool *pgxpool.Pool, seed []Item) error {
	if len(seed) == 0 {
		return nil
	}
	var n int
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM inventory_items`).Scan(&n); err != nil {
		return fmt.Errorf("count inventory: %w", err)
	}
	if n > 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, it := range seed {
		batch.Queue(
			`INSERT INTO inventory_items (id, sku, name, category, description, aisle, quantity, price)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) ON CONFLICT (id) DO NOTHING`,
			it.ID, it.SKU, it.Name, it.Category, it.Description, it.Aisle, it.Quantity, it.Price,
		)
	}
	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("seed inventory: %w", err)
	}
	return nil
}

// searchQuery builds a conjunctive ILIKE filter, one placeholder per term.
func searchQuery(ts []string) (string, []any) {
	var (
		sb   strings.Builder
		args = make([]any, 0, len(ts))
	)
	sb.WriteString(`SELECT id, sku, name, category, description, aisle, quantity, price::float8
		 FROM inventory_items WHERE `)
	for i, t := range ts {
		if i > 0 {
			sb.WriteString(" AND ")
		}
		fmt.Fprintf(&sb, "(name || ' ' || category || ' ' || description || ' ' || sku) ILIKE $%d", i+1)
		args = append(args, "%"+escapeLike(t)+"%")
	}
	sb.WriteString(" ORDER BY name LIMIT 25")
	return sb.String(), args
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func (s *PostgresStore) Search(ctx context.Context, query string) ([]Item, error) {
	ts := terms(query)
	if len(ts) == 0 {
		return nil, nil
	}
	sql, args := searchQuery(ts)
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query inventory: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.SKU, &it.Name, &it.Category, &it.Description, &it.Aisle, &it.Quantity, &it.Price); err != nil {
			return nil, fmt.Errorf("scan inventory row: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate inventory rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
