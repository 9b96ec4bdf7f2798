// Package db keeps an append-only catalog of collected files and cycles in
// SQLite or PostgreSQL.
package db

import (
	"context"
	_ "embed"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"olhovivo-collector/internal/collector"
	"olhovivo-collector/internal/store"
)

//go:embed schema.sql
var schemaSQL string

func init() {
	// sqlx only knows the mattn driver name
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// FileRecord is one row of collected_files.
type FileRecord struct {
	ID       string `db:"id"`
	CycleID  string `db:"cycle_id"`
	Category string `db:"category"`
	Name     string `db:"name"`
	Path     string `db:"path"`
	Bytes    int64  `db:"bytes"`
	SavedAt  string `db:"saved_at"`
}

type cycleRecord struct {
	ID           string `db:"id"`
	Number       int    `db:"number"`
	StartedAt    string `db:"started_at"`
	FinishedAt   string `db:"finished_at"`
	PositionMode string `db:"position_mode"`
	Stops        int    `db:"stops"`
	StopFailures int    `db:"stop_failures"`
	Files        int    `db:"files"`
	Bytes        int64  `db:"bytes"`
	Error        string `db:"error"`
}

type Catalog struct {
	db *sqlx.DB
	// serializes writes; SQLite allows a single writer
	writeMu sync.Mutex
}

func Open(dsn string) (*Catalog, error) {
	driver, source, err := Resolve(dsn)
	if err != nil {
		return nil, err
	}
	conn, err := sqlx.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	if driver == DriverSQLite {
		conn.SetMaxOpenConns(1)
		conn.SetMaxIdleConns(1)
	} else {
		conn.SetMaxOpenConns(5)
		conn.SetMaxIdleConns(2)
	}
	conn.SetConnMaxLifetime(30 * time.Minute)
	return &Catalog{db: conn}, nil
}

// Connect opens the catalog, waits for it to answer and ensures the schema.
// Pings are retried with exponential backoff for up to attempts tries.
func Connect(ctx context.Context, dsn string, attempts int) (*Catalog, error) {
	c, err := Open(dsn)
	if err != nil {
		return nil, err
	}

	if attempts < 1 {
		attempts = 1
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(attempts-1)), ctx)
	err = backoff.RetryNotify(func() error { return c.Ping(ctx) }, b, func(err error, d time.Duration) {
		log.Printf("catalog ping failed, retrying in %v: %v", d, err)
	})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to ping catalog: %w", err)
	}

	if err := c.EnsureSchema(ctx); err != nil {
		c.Close()
		return nil, err
	}
	log.Printf("catalog ready: %s", Redact(dsn))
	return c, nil
}

func (c *Catalog) Close() error { return c.db.Close() }

func (c *Catalog) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.db.PingContext(ctx)
}

// EnsureSchema creates the catalog tables if they don't exist.
func (c *Catalog) EnsureSchema(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (c *Catalog) RecordFile(ctx context.Context, cycleID uuid.UUID, f store.SavedFile) error {
	rec := FileRecord{
		ID:       uuid.NewString(),
		CycleID:  cycleID.String(),
		Category: f.Category,
		Name:     f.Name,
		Path:     f.Path,
		Bytes:    int64(f.Bytes),
		SavedAt:  f.SavedAt.UTC().Format(time.RFC3339Nano),
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.db.NamedExecContext(ctx, `
INSERT INTO collected_files (id, cycle_id, category, name, path, bytes, saved_at)
VALUES (:id, :cycle_id, :category, :name, :path, :bytes, :saved_at)`, rec)
	if err != nil {
		return fmt.Errorf("insert file %s: %w", f.Path, err)
	}
	return nil
}

func (c *Catalog) RecordCycle(ctx context.Context, r collector.Report) error {
	rec := cycleRecord{
		ID:           r.CycleID.String(),
		Number:       r.Number,
		StartedAt:    r.StartedAt.UTC().Format(time.RFC3339Nano),
		FinishedAt:   r.FinishedAt.UTC().Format(time.RFC3339Nano),
		PositionMode: r.PositionMode,
		Stops:        r.Stops,
		StopFailures: r.StopFailures,
		Files:        r.Files,
		Bytes:        r.Bytes,
		Error:        r.Err,
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.db.NamedExecContext(ctx, `
INSERT INTO cycles (id, number, started_at, finished_at, position_mode, stops, stop_failures, files, bytes, error)
VALUES (:id, :number, :started_at, :finished_at, :position_mode, :stops, :stop_failures, :files, :bytes, :error)`, rec)
	if err != nil {
		return fmt.Errorf("insert cycle %d: %w", r.Number, err)
	}
	return nil
}

// Files lists the newest files of a category, most recent first.
func (c *Catalog) Files(ctx context.Context, category string, limit int) ([]FileRecord, error) {
	var out []FileRecord
	q := c.db.Rebind(`
SELECT id, cycle_id, category, name, path, bytes, saved_at
FROM collected_files
WHERE category = ?
ORDER BY saved_at DESC, path DESC
LIMIT ?`)
	if err := c.db.SelectContext(ctx, &out, q, category, limit); err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}
	return out, nil
}

// CycleFiles counts the files recorded for one cycle.
func (c *Catalog) CycleFiles(ctx context.Context, cycleID uuid.UUID) (int, error) {
	var n int
	q := c.db.Rebind(`SELECT COUNT(*) FROM collected_files WHERE cycle_id = ?`)
	if err := c.db.GetContext(ctx, &n, q, cycleID.String()); err != nil {
		return 0, fmt.Errorf("count files: %w", err)
	}
	return n, nil
}
