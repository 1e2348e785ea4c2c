// Package eventlog persists the scene graph's committed events to SQLite.
// The journal is an EventSink: registered on the store, it appends every
// committed batch, and Replay reads the whole history back in order so a
// fresh core can be rebuilt from it.
package eventlog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/xkilldash9x/spacegraph/api/schemas"
)

// openDB is swapped out in tests to inject failing database handles.
var openDB = sql.Open

// Journal is a durable, append-only record of committed events.
type Journal struct {
	mu     sync.Mutex
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (or creates) the journal database at path and runs migrations.
func Open(path string, logger *zap.Logger) (*Journal, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := openDB("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open database: %w", err)
	}

	// SQLite performance pragmas
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("eventlog: pragma %q: %w", p, err)
		}
	}

	j := &Journal{db: db, logger: logger.Named("eventlog")}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("eventlog: migration: %w", err)
	}
	return j, nil
}

func (j *Journal) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS events (
			seq     INTEGER PRIMARY KEY,
			type    TEXT    NOT NULL,
			subject TEXT,
			ts      INTEGER NOT NULL,
			origin  TEXT    NOT NULL,
			details TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_events_subject ON events(subject);
		CREATE INDEX IF NOT EXISTS idx_events_type    ON events(type);
	`
	_, err := j.db.Exec(schema)
	return err
}

// OnEvents implements schemas.EventSink. The batch is written in a single
// transaction; a write failure is logged, not propagated, since sinks run
// after the commit already happened.
func (j *Journal) OnEvents(events []schemas.Event) {
	if len(events) == 0 {
		return
	}
	if err := j.Append(events); err != nil {
		j.logger.Error("Failed to append event batch.",
			zap.Int("count", len(events)),
			zap.Error(err))
	}
}

// Append writes a batch of events atomically.
func (j *Journal) Append(events []schemas.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("eventlog: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO events (seq, type, subject, ts, origin, details)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("eventlog: prepare: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		var details any
		if len(ev.Details) > 0 {
			raw, err := json.Marshal(ev.Details)
			if err != nil {
				return fmt.Errorf("eventlog: encode details for seq %d: %w", ev.Seq, err)
			}
			details = string(raw)
		}
		if _, err := stmt.Exec(ev.Seq, string(ev.Type), ev.Subject, ev.Stamp.TS, ev.Stamp.Origin, details); err != nil {
			return fmt.Errorf("eventlog: insert seq %d: %w", ev.Seq, err)
		}
	}
	return tx.Commit()
}

// Replay returns every journaled event in sequence order.
func (j *Journal) Replay() ([]schemas.Event, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.Query(`
		SELECT seq, type, subject, ts, origin, details
		FROM events ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("eventlog: query: %w", err)
	}
	defer rows.Close()

	var events []schemas.Event
	for rows.Next() {
		var (
			ev      schemas.Event
			typ     string
			subject sql.NullString
			details sql.NullString
		)
		if err := rows.Scan(&ev.Seq, &typ, &subject, &ev.Stamp.TS, &ev.Stamp.Origin, &details); err != nil {
			return nil, fmt.Errorf("eventlog: scan: %w", err)
		}
		ev.Type = schemas.EventType(typ)
		ev.Subject = subject.String
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &ev.Details); err != nil {
				return nil, fmt.Errorf("eventlog: decode details for seq %d: %w", ev.Seq, err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Count returns the number of journaled events.
func (j *Journal) Count() (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var n int
	if err := j.db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("eventlog: count: %w", err)
	}
	return n, nil
}

// Close closes the underlying database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}
