package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder syntax and locking strategy.
type Dialect int

const (
	Postgres Dialect = iota
	SQLite
)

func (d Dialect) String() string {
	if d == SQLite {
		return "sqlite"
	}
	return "postgres"
}

// SQLStore implements Store on database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore wraps an open database. Call Migrate before use.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// Open connects to Postgres when databaseURL is set, otherwise to a SQLite
// file under dataDir (lite mode), and applies the schema.
func Open(ctx context.Context, databaseURL, dataDir string) (*SQLStore, error) {
	var s *SQLStore
	if databaseURL != "" {
		db, err := sql.Open("postgres", databaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to DB: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("DB ping failed: %w", err)
		}
		s = NewSQLStore(db, Postgres)
	} else {
		if err := os.MkdirAll(dataDir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		dbPath := filepath.Join(dataDir, "assure.db")
		// IMMEDIATE transactions take the write lock up front so chain appends serialize.
		db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate")
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		s = NewSQLStore(db, SQLite)
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Dialect reports the SQL dialect in use.
func (s *SQLStore) Dialect() Dialect { return s.dialect }

// Close closes the database.
func (s *SQLStore) Close() error { return s.db.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS controls (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	frequency TEXT NOT NULL,
	collector TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS integrations (
	id TEXT PRIMARY KEY,
	customer_id TEXT NOT NULL,
	type TEXT NOT NULL,
	kind TEXT NOT NULL,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	is_default BOOLEAN NOT NULL DEFAULT FALSE,
	encrypted_config TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_integrations_customer ON integrations (customer_id, kind, active);
CREATE TABLE IF NOT EXISTS evidence (
	id TEXT PRIMARY KEY,
	customer_id TEXT NOT NULL,
	control_id TEXT NOT NULL,
	integration_id TEXT NOT NULL,
	job_id TEXT,
	seq BIGINT NOT NULL,
	collected_at TIMESTAMP NOT NULL,
	hash TEXT NOT NULL,
	previous_hash TEXT,
	data TEXT,
	offload TEXT,
	UNIQUE (customer_id, control_id, seq)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_evidence_job ON evidence (job_id);
CREATE TABLE IF NOT EXISTS compliance_checks (
	id TEXT PRIMARY KEY,
	customer_id TEXT NOT NULL,
	control_id TEXT NOT NULL,
	evidence_id TEXT NOT NULL,
	status TEXT NOT NULL,
	checked_at TIMESTAMP NOT NULL,
	next_check_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checks_control ON compliance_checks (customer_id, control_id, checked_at);
CREATE TABLE IF NOT EXISTS remediation_tickets (
	id TEXT PRIMARY KEY,
	check_id TEXT NOT NULL,
	customer_id TEXT NOT NULL,
	control_id TEXT NOT NULL,
	external_issue_key TEXT NOT NULL,
	external_issue_id TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tickets_control ON remediation_tickets (customer_id, control_id, created_at);
`

// Migrate creates the schema if missing.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// rebind rewrites '?' placeholders to $N for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// sqliteTimeLayout is fixed width so lexical order matches time order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000Z"

// timeArg normalizes timestamps to UTC microseconds.
func (s *SQLStore) timeArg(t time.Time) any {
	t = t.UTC().Truncate(time.Microsecond)
	if s.dialect == SQLite {
		return t.Format(sqliteTimeLayout)
	}
	return t
}

// dbTime scans timestamps from either driver.
type dbTime struct{ time.Time }

func (t *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		t.Time = v.UTC()
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	case nil:
		t.Time = time.Time{}
		return nil
	default:
		return fmt.Errorf("cannot scan %T into time", src)
	}
}

func (t *dbTime) parse(v string) error {
	for _, layout := range []string{sqliteTimeLayout, time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if parsed, err := time.Parse(layout, v); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("unparseable timestamp %q", v)
}

// nullable writes empty strings as NULL.
func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
