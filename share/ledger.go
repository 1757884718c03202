package swshare

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ExchangeRecord is one completed turn as seen by the dispatcher.
type ExchangeRecord struct {
	ID        string
	Kind      string
	Target    string
	BytesOut  int64
	BytesIn   int64
	Duration  time.Duration
	Outcome   string
	StartedAt time.Time
}

// LedgerSummary aggregates the ledger per outcome.
type LedgerSummary struct {
	Outcome   string
	Exchanges int64
	BytesOut  int64
	BytesIn   int64
}

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS exchanges (
	id          TEXT NOT NULL,
	kind        TEXT NOT NULL,
	target      TEXT NOT NULL,
	bytes_out   INTEGER NOT NULL,
	bytes_in    INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	outcome     TEXT NOT NULL,
	started_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS exchanges_started_at ON exchanges(started_at);
`

// Ledger records completed exchanges in a local SQLite database. Airtime
// on the link is billed by the byte, so the ledger is what reconciles the
// invoice. Recording failures are logged and swallowed; accounting never
// breaks the proxy.
type Ledger struct {
	Logger
	db *sql.DB
}

// NewLedger opens (creating if needed) the ledger database at path.
func NewLedger(logger Logger, path string) (*Ledger, error) {
	l := &Ledger{Logger: logger.Fork("ledger")}
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, l.Errorf("cannot open ledger %s: %s", path, err)
	}
	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY churn
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(ledgerSchema); err != nil {
		db.Close()
		return nil, l.Errorf("cannot init ledger schema: %s", err)
	}
	l.db = db
	return l, nil
}

// RecordExchange implements TrafficRecorder.
func (l *Ledger) RecordExchange(rec *ExchangeRecord) {
	_, err := l.db.Exec(
		`INSERT INTO exchanges (id, kind, target, bytes_out, bytes_in, duration_ms, outcome, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Kind, rec.Target, rec.BytesOut, rec.BytesIn,
		rec.Duration.Milliseconds(), rec.Outcome, rec.StartedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		l.WLogf("ledger insert failed: %s", err)
	}
}

// Summary returns per-outcome totals, successful turns first.
func (l *Ledger) Summary() ([]LedgerSummary, error) {
	rows, err := l.db.Query(
		`SELECT outcome, COUNT(*), SUM(bytes_out), SUM(bytes_in)
		 FROM exchanges
		 GROUP BY outcome
		 ORDER BY outcome = 'ok' DESC, COUNT(*) DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("ledger query failed: %w", err)
	}
	defer rows.Close()
	var out []LedgerSummary
	for rows.Next() {
		var s LedgerSummary
		if err := rows.Scan(&s.Outcome, &s.Exchanges, &s.BytesOut, &s.BytesIn); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}
