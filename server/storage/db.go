// Package storage persists benchmark runs, measurements, and derived timeline
// statistics in PostgreSQL. It owns the connection pool, the metadata
// interning caches, the batched measurement inserts, and the query surface
// used by the comparison and timeline endpoints.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/benchdb/server/cache"
	"github.com/benchdb/server/config"
)

// Database handles all PostgreSQL operations.
type Database struct {
	db  *sql.DB
	cfg *config.Config
	log logrus.FieldLogger

	stmtMu sync.Mutex
	stmts  map[string]*sql.Stmt

	caches *internCaches

	updaterMu sync.RWMutex
	updater   TimelineUpdater

	validityMu    sync.Mutex
	statsValidity *cache.Validity
}

// TimelineUpdater receives accepted total-criterion values during ingest and
// is asked to persist recomputation jobs once a request finishes.
type TimelineUpdater interface {
	AddValue(runID, trialID, criterionID int64, value float64)
	SubmitUpdateJobs(ctx context.Context) error
}

// NewDatabase creates a new database handle. Connect must be called before use.
func NewDatabase(cfg *config.Config) *Database {
	return &Database{
		cfg:           cfg,
		log:           logrus.WithField("component", "storage"),
		stmts:         make(map[string]*sql.Stmt),
		caches:        newInternCaches(),
		statsValidity: cache.NewValidity(time.Duration(cfg.Cache.InvalidationDelayMS) * time.Millisecond),
	}
}

// Connect establishes the connection pool and verifies it with a ping.
func (d *Database) Connect(ctx context.Context) error {
	db, err := sql.Open("postgres", d.cfg.Database.ConnectionString())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(d.cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(d.cfg.Database.MaxIdleConns)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	d.db = db
	d.log.Info("Connected to PostgreSQL database")
	return nil
}

// Close releases the prepared statements and the connection pool.
func (d *Database) Close() error {
	d.stmtMu.Lock()
	for _, stmt := range d.stmts {
		stmt.Close()
	}
	d.stmts = make(map[string]*sql.Stmt)
	d.stmtMu.Unlock()

	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

// SetTimelineUpdater wires the background updater into the ingestion path.
// Passing nil disables timeline tracking.
func (d *Database) SetTimelineUpdater(u TimelineUpdater) {
	d.updaterMu.Lock()
	d.updater = u
	d.updaterMu.Unlock()
}

func (d *Database) timelineUpdater() TimelineUpdater {
	d.updaterMu.RLock()
	defer d.updaterMu.RUnlock()
	return d.updater
}

// StatsValidity returns the current validity token for derived statistics.
// Readers re-check IsValid before trusting cached derived data.
func (d *Database) StatsValidity() *cache.Validity {
	d.validityMu.Lock()
	defer d.validityMu.Unlock()
	return d.statsValidity
}

// invalidateStatsCache marks derived statistics stale and installs the
// replacement token.
func (d *Database) invalidateStatsCache() {
	d.validityMu.Lock()
	d.statsValidity = d.statsValidity.Invalidate()
	d.validityMu.Unlock()
}

// prepared returns the statement registered under name, preparing it on first
// use. Names are stable per statement text so the driver re-uses one plan per
// statement across the process.
func (d *Database) prepared(ctx context.Context, name, query string) (*sql.Stmt, error) {
	d.stmtMu.Lock()
	defer d.stmtMu.Unlock()

	if stmt, ok := d.stmts[name]; ok {
		return stmt, nil
	}

	stmt, err := d.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement %s: %w", name, err)
	}
	d.stmts[name] = stmt
	return stmt, nil
}

func (d *Database) execPrepared(ctx context.Context, name, query string, args ...interface{}) (sql.Result, error) {
	stmt, err := d.prepared(ctx, name, query)
	if err != nil {
		return nil, err
	}
	return stmt.ExecContext(ctx, args...)
}

func (d *Database) queryPrepared(ctx context.Context, name, query string, args ...interface{}) (*sql.Rows, error) {
	stmt, err := d.prepared(ctx, name, query)
	if err != nil {
		return nil, err
	}
	return stmt.QueryContext(ctx, args...)
}

func (d *Database) queryRowPrepared(ctx context.Context, name, query string, args ...interface{}) (*sql.Row, error) {
	stmt, err := d.prepared(ctx, name, query)
	if err != nil {
		return nil, err
	}
	return stmt.QueryRowContext(ctx, args...), nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique-constraint
// violation. The ingester treats these as "already inserted by a concurrent
// request" and recovers by re-fetching.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
