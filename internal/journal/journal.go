// Package journal persists bus envelopes to SQLite for later inspection.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nupi-ai/voiced/internal/eventbus"
)

const defaultBusyTimeout = 5 * time.Second

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS envelopes (
		id             TEXT PRIMARY KEY,
		ts             INTEGER NOT NULL,
		type           TEXT NOT NULL,
		correlation_id TEXT,
		span_id        TEXT,
		payload        TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_envelopes_ts ON envelopes(ts)`,
	`CREATE INDEX IF NOT EXISTS idx_envelopes_correlation ON envelopes(correlation_id) WHERE correlation_id IS NOT NULL`,
}

// Record is one journaled envelope.
type Record struct {
	ID            uuid.UUID
	Time          time.Time
	Type          eventbus.EventType
	CorrelationID uuid.UUID
	SpanID        string
	Payload       json.RawMessage
}

// Journal is an append-only envelope log.
type Journal struct {
	db   *sql.DB
	path string
}

// Open opens or creates the journal database at path.
func Open(path string) (*Journal, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("journal: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := applyPragmas(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	if err := applySchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Journal{db: db, path: path}, nil
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", int(defaultBusyTimeout.Milliseconds())),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("journal: apply pragma %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("journal: begin schema transaction: %w", err)
	}
	for _, stmt := range schemaStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("journal: apply schema: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("journal: commit schema transaction: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Path returns the database location.
func (j *Journal) Path() string { return j.path }

// Append stores env. Appending the same envelope twice is a no-op.
func (j *Journal) Append(ctx context.Context, env eventbus.Envelope) error {
	payload, err := json.Marshal(env.Event)
	if err != nil {
		payload, _ = json.Marshal(map[string]string{"marshal_error": err.Error()})
	}
	_, err = j.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO envelopes (id, ts, type, correlation_id, span_id, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		env.ID.String(), env.Timestamp, string(env.Type()), nullableUUID(env.CorrelationID), nullableString(env.SpanID), string(payload))
	if err != nil {
		return fmt.Errorf("journal: append %s: %w", env.ID, err)
	}
	return nil
}

// Recent returns the newest limit records, oldest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, ts, type, correlation_id, span_id, payload FROM (
			SELECT rowid AS seq, * FROM envelopes ORDER BY ts DESC, rowid DESC LIMIT ?
		) ORDER BY ts ASC, seq ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: query recent: %w", err)
	}
	return scanRecords(rows)
}

// ByCorrelation returns every record of one user turn in publish order.
func (j *Journal) ByCorrelation(ctx context.Context, correlationID uuid.UUID) ([]Record, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, ts, type, correlation_id, span_id, payload FROM envelopes WHERE correlation_id = ? ORDER BY ts ASC, rowid ASC`,
		correlationID.String())
	if err != nil {
		return nil, fmt.Errorf("journal: query correlation: %w", err)
	}
	return scanRecords(rows)
}

// Prune deletes records older than cutoff and returns how many were removed.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, `DELETE FROM envelopes WHERE ts < ?`, cutoff.UnixMicro())
	if err != nil {
		return 0, fmt.Errorf("journal: prune: %w", err)
	}
	return res.RowsAffected()
}

// Count returns the number of stored records.
func (j *Journal) Count(ctx context.Context) (int, error) {
	var n int
	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM envelopes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("journal: count: %w", err)
	}
	return n, nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			id, typ, payload string
			ts               int64
			corr, span       sql.NullString
		)
		if err := rows.Scan(&id, &ts, &typ, &corr, &span, &payload); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		rec := Record{
			Time:    time.UnixMicro(ts).UTC(),
			Type:    eventbus.EventType(typ),
			SpanID:  span.String,
			Payload: json.RawMessage(payload),
		}
		var err error
		if rec.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("journal: bad id %q: %w", id, err)
		}
		if corr.Valid {
			if rec.CorrelationID, err = uuid.Parse(corr.String); err != nil {
				return nil, fmt.Errorf("journal: bad correlation id %q: %w", corr.String, err)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: iterate: %w", err)
	}
	return out, nil
}

func nullableUUID(id uuid.UUID) sql.NullString {
	if id == uuid.Nil {
		return sql.NullString{}
	}
	return sql.NullString{String: id.String(), Valid: true}
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
