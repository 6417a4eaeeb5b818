// Package rpki validates route origins against a VRP snapshot. The
// snapshot is fetched from an rpki-client JSON export and persisted in
// sqlite so restarts do not immediately re-download it.
package rpki

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SIDN/pathvis/internal/domain"

	_ "modernc.org/sqlite"
)

const (
	defaultURL    = "https://console.rpki-client.org/vrps.json"
	defaultMaxAge = 7 * 24 * time.Hour

	// The snapshot is tens of megabytes; downloads are slow on thin
	// uplinks.
	fetchTimeout = 5 * time.Minute

	refreshCheckInterval = time.Hour

	buildTimeLayout = "2006-01-02T15:04:05Z"
)

// Options tunes the checker. Zero values fall back to the defaults.
type Options struct {
	URL    string
	MaxAge time.Duration
}

func (o Options) withDefaults() Options {
	if o.URL == "" {
		o.URL = defaultURL
	}
	if o.MaxAge <= 0 {
		o.MaxAge = defaultMaxAge
	}
	return o
}

type pair struct {
	asn    string
	prefix string
}

// Checker answers route origin validation queries against the loaded
// VRP set.
type Checker struct {
	db     *sql.DB
	opts   Options
	client *http.Client
	log    *zap.Logger

	mu    sync.RWMutex
	pairs map[pair]struct{}
	built time.Time
}

// New opens the VRP store at path and loads any persisted snapshot.
// No download happens here; call Refresh or Run for that.
func New(path string, opts Options, log *zap.Logger) (*Checker, error) {
	if log == nil {
		log = zap.NewNop()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open VRP database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping VRP database: %w", err)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	c := &Checker{
		db:     db,
		opts:   opts.withDefaults(),
		client: &http.Client{Timeout: fetchTimeout},
		log:    log,
		pairs:  map[pair]struct{}{},
	}

	if err := c.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate VRP database: %w", err)
	}
	if err := c.load(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load VRP snapshot: %w", err)
	}

	return c, nil
}

func (c *Checker) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS vrps (
		asn TEXT NOT NULL,
		prefix TEXT NOT NULL,
		PRIMARY KEY (asn, prefix)
	);

	CREATE TABLE IF NOT EXISTS vrps_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`

	_, err := c.db.Exec(schema)
	return err
}

// Close closes the underlying database connection.
func (c *Checker) Close() error {
	return c.db.Close()
}

// Valid reports the route origin state of an (asn, prefix) pair:
// valid when the pair is announced, invalid when the loaded set has no
// match, unknown when there is no set or nothing to check.
func (c *Checker) Valid(asn, prefix string) domain.ROA {
	if asn == "" || asn == domain.Unset || prefix == "" || prefix == domain.Unset {
		return domain.ROAUnknown
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.pairs) == 0 {
		return domain.ROAUnknown
	}
	if _, ok := c.pairs[pair{normalizeASN(asn), prefix}]; ok {
		return domain.ROAValid
	}
	return domain.ROAInvalid
}

// Count returns the number of loaded VRP pairs.
func (c *Checker) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.pairs)
}

// BuildTime returns the build time of the loaded snapshot, zero when
// none is loaded.
func (c *Checker) BuildTime() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.built
}

// Refresh downloads a new snapshot when the loaded one is older than
// the configured age. On failure the stale set stays in service.
func (c *Checker) Refresh(ctx context.Context) error {
	if c.fresh() {
		return nil
	}

	c.log.Info("downloading VRP snapshot", zap.String("url", c.opts.URL))
	snap, err := c.download(ctx)
	if err != nil {
		return fmt.Errorf("failed to download VRP snapshot: %w", err)
	}

	if err := c.store(ctx, snap); err != nil {
		return fmt.Errorf("failed to store VRP snapshot: %w", err)
	}

	pairs := make(map[pair]struct{}, len(snap.ROAs))
	for _, r := range snap.ROAs {
		pairs[pair{normalizeASN(string(r.ASN)), r.Prefix}] = struct{}{}
	}
	built := parseBuildTime(snap.Metadata.BuildTime)

	c.mu.Lock()
	c.pairs = pairs
	c.built = built
	c.mu.Unlock()

	c.log.Info("VRP snapshot loaded",
		zap.Int("pairs", len(pairs)),
		zap.Time("built", built))
	return nil
}

// Run keeps the snapshot current until ctx is canceled.
func (c *Checker) Run(ctx context.Context) {
	ticker := time.NewTicker(refreshCheckInterval)
	defer ticker.Stop()

	for {
		if err := c.Refresh(ctx); err != nil {
			c.log.Warn("VRP refresh failed, serving stale set",
				zap.Int("pairs", c.Count()),
				zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Checker) fresh() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.pairs) > 0 && time.Since(c.built) < c.opts.MaxAge
}

// asnValue accepts both "AS64500" strings and bare numbers, which
// varies between exporter versions.
type asnValue string

func (a *asnValue) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*a = asnValue(s)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*a = asnValue(strconv.FormatInt(n, 10))
	return nil
}

type snapshot struct {
	Metadata struct {
		BuildTime string `json:"buildtime"`
	} `json:"metadata"`
	ROAs []struct {
		ASN    asnValue `json:"asn"`
		Prefix string   `json:"prefix"`
	} `json:"roas"`
}

func (c *Checker) download(ctx context.Context) (*snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.URL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	snap := &snapshot{}
	if err := json.NewDecoder(resp.Body).Decode(snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return snap, nil
}

func (c *Checker) store(ctx context.Context, snap *snapshot) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM vrps`); err != nil {
		return fmt.Errorf("failed to clear VRP table: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO vrps (asn, prefix) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range snap.ROAs {
		if _, err := stmt.ExecContext(ctx, normalizeASN(string(r.ASN)), r.Prefix); err != nil {
			return fmt.Errorf("failed to insert VRP pair: %w", err)
		}
	}

	for key, value := range map[string]string{
		"buildtime":  snap.Metadata.BuildTime,
		"fetched_at": strconv.FormatInt(time.Now().Unix(), 10),
	} {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO vrps_meta (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, key, value); err != nil {
			return fmt.Errorf("failed to store snapshot metadata: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (c *Checker) load(ctx context.Context) error {
	rows, err := c.db.QueryContext(ctx, `SELECT asn, prefix FROM vrps`)
	if err != nil {
		return fmt.Errorf("failed to query VRP table: %w", err)
	}
	defer rows.Close()

	pairs := make(map[pair]struct{})
	for rows.Next() {
		var p pair
		if err := rows.Scan(&p.asn, &p.prefix); err != nil {
			return fmt.Errorf("failed to scan VRP pair: %w", err)
		}
		pairs[p] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read VRP table: %w", err)
	}

	var buildTime string
	err = c.db.QueryRowContext(ctx, `SELECT value FROM vrps_meta WHERE key = 'buildtime'`).Scan(&buildTime)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to read snapshot metadata: %w", err)
	}

	c.mu.Lock()
	c.pairs = pairs
	c.built = parseBuildTime(buildTime)
	c.mu.Unlock()

	if len(pairs) > 0 {
		c.log.Info("loaded persisted VRP snapshot",
			zap.Int("pairs", len(pairs)),
			zap.Time("built", c.BuildTime()))
	}
	return nil
}

// parseBuildTime reads the exporter's buildtime. Zero on any mismatch,
// which makes the snapshot count as aged out.
func parseBuildTime(s string) time.Time {
	t, err := time.Parse(buildTimeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func normalizeASN(asn string) string {
	asn = strings.TrimSpace(asn)
	if len(asn) > 2 && (strings.HasPrefix(asn, "AS") || strings.HasPrefix(asn, "as")) {
		return asn[2:]
	}
	return asn
}
