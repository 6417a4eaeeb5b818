package enrich

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/SIDN/pathvis/internal/domain"

	_ "modernc.org/sqlite"
)

// ErrNotFound reports a cache miss or an expired entry.
var ErrNotFound = errors.New("not in cache")

// Cache persists hop enrichment between runs so restarts do not replay
// every RDAP and DNS lookup. Entries carry their fetch time; readers
// decide staleness with their own TTL.
type Cache struct {
	db *sql.DB
}

// NewCache opens the enrichment cache at path, creating the schema on
// first use. Pass ":memory:" for an ephemeral cache.
func NewCache(path string) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping cache database: %w", err)
	}

	// SQLite allows one writer at a time, and an in-memory database
	// exists per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	c := &Cache{db: db}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate cache database: %w", err)
	}

	return c, nil
}

func (c *Cache) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS hop_cache (
		ip TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		fetched_at INTEGER NOT NULL
	);
	`

	_, err := c.db.Exec(schema)
	return err
}

// Close closes the underlying database connection.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Get returns the cached enrichment for ip. ErrNotFound covers both an
// unknown address and an entry fetched more than ttl ago.
func (c *Cache) Get(ctx context.Context, ip string, ttl time.Duration) (*domain.Hop, error) {
	var (
		data      []byte
		fetchedAt int64
	)

	err := c.db.QueryRowContext(ctx, `
		SELECT data, fetched_at FROM hop_cache WHERE ip = ?
	`, ip).Scan(&data, &fetchedAt)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query hop cache: %w", err)
	}
	if time.Since(time.Unix(fetchedAt, 0)) > ttl {
		return nil, ErrNotFound
	}

	hop := &domain.Hop{}
	if err := json.Unmarshal(data, hop); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached hop: %w", err)
	}

	return hop, nil
}

// Put stores the hop's enrichment keyed by its address. Hops whose asn
// never resolved are not stored; the next measurement retries them.
func (c *Cache) Put(ctx context.Context, h domain.Hop) error {
	if h.IP == "" || h.ASN == domain.Unset {
		return nil
	}

	// The positional fields belong to one trace, not to the address.
	stored := h.Clone()
	stored.HopNr = 0
	stored.CNames = nil
	stored.DPorts = nil
	stored.NodeID = -1

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal hop: %w", err)
	}

	if _, err := c.db.ExecContext(ctx, `
		INSERT INTO hop_cache (ip, data, fetched_at) VALUES (?, ?, ?)
		ON CONFLICT(ip) DO UPDATE SET data = excluded.data, fetched_at = excluded.fetched_at
	`, h.IP, data, time.Now().Unix()); err != nil {
		return fmt.Errorf("failed to store hop cache entry: %w", err)
	}

	return nil
}

// Prune deletes entries fetched more than ttl ago and reports how many
// were removed.
func (c *Cache) Prune(ctx context.Context, ttl time.Duration) (int64, error) {
	res, err := c.db.ExecContext(ctx, `
		DELETE FROM hop_cache WHERE fetched_at < ?
	`, time.Now().Add(-ttl).Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to prune hop cache: %w", err)
	}

	return res.RowsAffected()
}

// Size returns the number of cached addresses.
func (c *Cache) Size(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM hop_cache`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count hop cache entries: %w", err)
	}

	return n, nil
}
