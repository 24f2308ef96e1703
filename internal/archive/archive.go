// Package archive keeps a local SQLite history of finished operations for
// the dashboard's operation-history view. Writes are fire-and-forget from
// the coordinator; the archive is reporting surface, never a correctness
// dependency.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/guildworks/guildrelay/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS operations (
	id TEXT PRIMARY KEY,
	operation_key TEXT NOT NULL,
	type TEXT NOT NULL,
	guild_id TEXT,
	status TEXT NOT NULL,
	method TEXT,
	error TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	result TEXT,
	started_at TIMESTAMP NOT NULL,
	finished_at TIMESTAMP,
	duration_ms INTEGER
);
CREATE INDEX IF NOT EXISTS idx_operations_guild ON operations(guild_id);
CREATE INDEX IF NOT EXISTS idx_operations_started ON operations(started_at);
`

// Record is one archived operation row.
type Record struct {
	ID           string     `db:"id" json:"id"`
	OperationKey string     `db:"operation_key" json:"operation_key"`
	Type         string     `db:"type" json:"type"`
	GuildID      string     `db:"guild_id" json:"guild_id,omitempty"`
	Status       string     `db:"status" json:"status"`
	Method       string     `db:"method" json:"method,omitempty"`
	Error        string     `db:"error" json:"error,omitempty"`
	RetryCount   int        `db:"retry_count" json:"retry_count"`
	Result       *string    `db:"result" json:"result,omitempty"`
	StartedAt    time.Time  `db:"started_at" json:"started_at"`
	FinishedAt   *time.Time `db:"finished_at" json:"finished_at,omitempty"`
	DurationMS   *int64     `db:"duration_ms" json:"duration_ms,omitempty"`
}

// ListOptions filters archive queries.
type ListOptions struct {
	GuildID string
	Type    string
	Limit   int
}

// Store is the SQLite-backed archive.
type Store struct {
	db *sqlx.DB
}

// Open opens (or creates) the archive database at path.
func Open(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init archive schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Record upserts the finished operation. Re-recording an id (a replaying
// coordinator, a worker and coordinator racing) last-writer-wins.
func (s *Store) Record(ctx context.Context, op *domain.OperationState) error {
	rec := Record{
		ID:           op.ID,
		OperationKey: op.Key,
		Type:         op.Type,
		GuildID:      op.GuildID,
		Status:       string(op.Status),
		Error:        op.Error,
		RetryCount:   op.RetryCount,
		StartedAt:    op.StartTime,
	}
	if op.Result != nil {
		rec.Method = string(op.Result.Method)
		if raw, err := json.Marshal(op.Result); err == nil {
			str := string(raw)
			rec.Result = &str
		}
	}
	if !op.EndTime.IsZero() {
		end := op.EndTime
		rec.FinishedAt = &end
		ms := end.Sub(op.StartTime).Milliseconds()
		rec.DurationMS = &ms
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO operations (id, operation_key, type, guild_id, status, method, error, retry_count, result, started_at, finished_at, duration_ms)
		VALUES (:id, :operation_key, :type, :guild_id, :status, :method, :error, :retry_count, :result, :started_at, :finished_at, :duration_ms)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			method = excluded.method,
			error = excluded.error,
			retry_count = excluded.retry_count,
			result = excluded.result,
			finished_at = excluded.finished_at,
			duration_ms = excluded.duration_ms`, rec)
	if err != nil {
		return fmt.Errorf("archive %s: %w", op.ID, err)
	}
	return nil
}

// List returns archived operations, newest first.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]Record, error) {
	if opts.Limit <= 0 || opts.Limit > 500 {
		opts.Limit = 50
	}

	query := `SELECT * FROM operations WHERE 1=1`
	args := map[string]any{"limit": opts.Limit}
	if opts.GuildID != "" {
		query += ` AND guild_id = :guild_id`
		args["guild_id"] = opts.GuildID
	}
	if opts.Type != "" {
		query += ` AND type = :type`
		args["type"] = opts.Type
	}
	query += ` ORDER BY started_at DESC LIMIT :limit`

	rows, err := s.db.NamedQueryContext(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("query archive: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("scan archive row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
