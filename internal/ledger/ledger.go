// Package ledger keeps a local history of narration jobs in SQLite: one row
// per generation with its outcome, sizing, and timing. The history backs the
// CLI's recent listing and gives operators something to look at after a bad
// night. An empty path runs the ledger in ephemeral mode where every call is
// a no-op.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/book-expert/logger"

	_ "modernc.org/sqlite"
)

// Job outcome statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

const (
	defaultRecentLimit = 100

	dirPerm = 0o755

	logPruneFailed = "Ledger prune on open failed: %v"
)

const schema = `
CREATE TABLE IF NOT EXISTS generations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id TEXT NOT NULL,
    model_key TEXT NOT NULL,
    voice TEXT,
    language TEXT,
    chunk_count INTEGER NOT NULL,
    audio_bytes INTEGER NOT NULL,
    duration_ms INTEGER NOT NULL,
    status TEXT NOT NULL,
    stage TEXT,
    error TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_generations_created ON generations(created_at);
`

// Entry is one recorded narration job.
type Entry struct {
	ID         int64
	RequestID  string
	ModelKey   string
	Voice      string
	Language   string
	ChunkCount int
	AudioBytes int
	DurationMs int64
	Status     string
	Stage      string
	Error      string
	CreatedAt  time.Time
}

// Config locates the database and bounds its retention.
type Config struct {
	Path          string `toml:"path"`
	RetentionDays int    `toml:"retention_days"`
	MaxRows       int    `toml:"max_rows"`
}

// Ledger is the SQLite-backed job history.
type Ledger struct {
	db    *sql.DB
	cfg   Config
	log   *logger.Logger
	clock func() time.Time
}

// Open creates or opens the ledger database, applying the schema and the
// retention policy. An empty cfg.Path yields an ephemeral ledger.
func Open(ctx context.Context, cfg Config, log *logger.Logger) (*Ledger, error) {
	return OpenWithClock(ctx, cfg, log, time.Now)
}

// OpenWithClock is Open with an injected time source.
func OpenWithClock(
	ctx context.Context,
	cfg Config,
	log *logger.Logger,
	clock func() time.Time,
) (*Ledger, error) {
	if cfg.Path == "" {
		return &Ledger{db: nil, cfg: cfg, log: log, clock: clock}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		err := os.MkdirAll(dir, dirPerm)
		if err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	err = db.PingContext(ctx)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("ping ledger: %w", err)
	}

	_, err = db.ExecContext(ctx, schema)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("apply ledger schema: %w", err)
	}

	ledger := &Ledger{db: db, cfg: cfg, log: log, clock: clock}

	err = ledger.Prune(ctx)
	if err != nil {
		log.Warn(logPruneFailed, err)
	}

	return ledger, nil
}

// Append records one job outcome.
func (l *Ledger) Append(ctx context.Context, entry Entry) error {
	if l.db == nil {
		return nil
	}

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = l.clock().UTC()
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO generations(
		     request_id, model_key, voice, language, chunk_count,
		     audio_bytes, duration_ms, status, stage, error, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.RequestID, entry.ModelKey, entry.Voice, entry.Language,
		entry.ChunkCount, entry.AudioBytes, entry.DurationMs,
		entry.Status, entry.Stage, entry.Error, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("append generation: %w", err)
	}

	return nil
}

// Recent returns up to limit entries, newest first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if l.db == nil {
		return nil, nil
	}

	if limit <= 0 {
		limit = defaultRecentLimit
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT id, request_id, model_key, voice, language, chunk_count,
		        audio_bytes, duration_ms, status, stage, error, created_at
		 FROM generations ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query generations: %w", err)
	}

	defer func() { _ = rows.Close() }()

	var entries []Entry

	for rows.Next() {
		var (
			entry   Entry
			created string
		)

		err = rows.Scan(&entry.ID, &entry.RequestID, &entry.ModelKey,
			&entry.Voice, &entry.Language, &entry.ChunkCount,
			&entry.AudioBytes, &entry.DurationMs, &entry.Status,
			&entry.Stage, &entry.Error, &created)
		if err != nil {
			return nil, fmt.Errorf("scan generation: %w", err)
		}

		parsed, parseErr := time.Parse(time.RFC3339Nano, created)
		if parseErr == nil {
			entry.CreatedAt = parsed
		}

		entries = append(entries, entry)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("iterate generations: %w", err)
	}

	return entries, nil
}

// Prune applies the retention policy: entries past the age cutoff go first,
// then everything beyond the newest MaxRows.
func (l *Ledger) Prune(ctx context.Context) error {
	if l.db == nil {
		return nil
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin prune: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if l.cfg.RetentionDays > 0 {
		cutoff := l.clock().UTC().Add(-time.Duration(l.cfg.RetentionDays) * 24 * time.Hour)

		_, err = tx.ExecContext(ctx,
			`DELETE FROM generations WHERE created_at < ?`, cutoff)
		if err != nil {
			return fmt.Errorf("prune by age: %w", err)
		}
	}

	if l.cfg.MaxRows > 0 {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM generations WHERE id IN (
			     SELECT id FROM generations
			     ORDER BY created_at DESC, id DESC LIMIT -1 OFFSET ?
			 )`, l.cfg.MaxRows)
		if err != nil {
			return fmt.Errorf("prune by rows: %w", err)
		}
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("commit prune: %w", err)
	}

	return nil
}

// Close releases the database.
func (l *Ledger) Close() error {
	if l.db == nil {
		return nil
	}

	err := l.db.Close()
	if err != nil {
		return fmt.Errorf("close ledger: %w", err)
	}

	return nil
}
