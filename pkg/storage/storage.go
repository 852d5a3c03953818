package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/fcanalytics/menurecon/internal/utils"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL flavour for the few statements that differ.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

type DB struct {
	sql     *sql.DB
	dialect Dialect
}

// Open connects to a SQLite file or, for postgres:// URLs, a PostgreSQL
// server, and makes sure the engine-owned tables exist.
func Open(dsn string) (*DB, error) {
	var (
		db      *sql.DB
		err     error
		dialect Dialect
	)
	if utils.IsPostgresDSN(dsn) {
		dialect = Postgres
		db, err = sql.Open("pgx", dsn)
	} else {
		dialect = SQLite
		db, err = sql.Open("sqlite", "file:"+dsn+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	}
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	d := &DB{sql: db, dialect: dialect}
	// Ensure schema exists for convenience.
	if err := d.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) Close() error {
	if d == nil || d.sql == nil {
		return nil
	}
	return d.sql.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS enriched_invoices (
  partition_name   TEXT NOT NULL,
  receipt_id       BIGINT NOT NULL,
  line_ordinal     BIGINT NOT NULL,
  seq              BIGINT NOT NULL,
  numer_paragonu   TEXT,
  data_zakupu      TEXT,
  godzina_zakupu   TEXT,
  purchased_at     TEXT,
  linia_produktowa TEXT,
  ean              TEXT,
  ean_valid        TEXT,
  nazwa_produktu   TEXT,
  ilosc            TEXT,
  cena_jednostkowa_brutto TEXT,
  stawka_vat       TEXT,
  cena_jednostkowa_netto  TEXT,
  rabat            TEXT,
  line_value_gross TEXT,
  kasjer           TEXT,
  metoda_platnosci TEXT,
  id_sieci         TEXT,
  fingerprint      TEXT NOT NULL,
  menu_category    TEXT,
  menu_item        TEXT,
  fc_type          TEXT,
  confidence       DOUBLE PRECISION NOT NULL,
  status           TEXT NOT NULL CHECK (status IN ('matched','ambiguous','unmatched','manual-override')),
  decided_at       TEXT NOT NULL,
  PRIMARY KEY (partition_name, receipt_id, line_ordinal)
);
CREATE INDEX IF NOT EXISTS idx_enriched_fingerprint ON enriched_invoices(partition_name, fingerprint);
CREATE TABLE IF NOT EXISTS match_audit (
  partition_name TEXT NOT NULL,
  fingerprint    TEXT NOT NULL,
  digest         TEXT NOT NULL,
  decided_at     TEXT NOT NULL,
  status         TEXT NOT NULL,
  menu_category  TEXT,
  menu_item      TEXT,
  fc_type        TEXT,
  confidence     DOUBLE PRECISION NOT NULL,
  candidates     TEXT NOT NULL,
  superseded     INTEGER NOT NULL DEFAULT 0 CHECK (superseded IN (0,1)),
  PRIMARY KEY (partition_name, fingerprint, digest)
);
CREATE INDEX IF NOT EXISTS idx_audit_status ON match_audit(partition_name, status);
CREATE TABLE IF NOT EXISTS quarantine (
  partition_name TEXT NOT NULL,
  seq            BIGINT NOT NULL,
  id_paragonu    TEXT,
  nazwa_produktu TEXT,
  raw_row        TEXT NOT NULL,
  reason         TEXT NOT NULL,
  detail         TEXT,
  PRIMARY KEY (partition_name, seq)
);
CREATE INDEX IF NOT EXISTS idx_quarantine_reason ON quarantine(partition_name, reason);
CREATE TABLE IF NOT EXISTS run_summaries (
  run_id          TEXT PRIMARY KEY,
  partition_name  TEXT NOT NULL,
  started_at      TEXT NOT NULL,
  finished_at     TEXT NOT NULL,
  outcome         TEXT NOT NULL CHECK (outcome IN ('completed','cancelled','failed')),
  rows_read       BIGINT NOT NULL,
  matched         BIGINT NOT NULL,
  ambiguous       BIGINT NOT NULL,
  unmatched       BIGINT NOT NULL,
  manual_override BIGINT NOT NULL,
  quarantined     BIGINT NOT NULL,
  summary         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_partition ON run_summaries(partition_name, started_at);
CREATE TABLE IF NOT EXISTS override_entries (
  fingerprint   TEXT NOT NULL,
  version       BIGINT NOT NULL,
  action        TEXT NOT NULL CHECK (action IN ('pin','revoke')),
  menu_category TEXT,
  menu_item     TEXT,
  fc_type       TEXT,
  author        TEXT NOT NULL,
  note          TEXT,
  created_at    TEXT NOT NULL,
  PRIMARY KEY (fingerprint, version)
);
`

func (d *DB) ensureSchema(ctx context.Context) error {
	// pgx runs one statement per Exec in the extended protocol.
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := d.sql.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $N for PostgreSQL.
func (d *DB) rebind(q string) string {
	if d.dialect != Postgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 16)
	n := 0
	for _, c := range q {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

func (d *DB) exec(ctx context.Context, q string, args ...interface{}) (sql.Result, error) {
	return d.sql.ExecContext(ctx, d.rebind(q), args...)
}

func (d *DB) query(ctx context.Context, q string, args ...interface{}) (*sql.Rows, error) {
	return d.sql.QueryContext(ctx, d.rebind(q), args...)
}

func (d *DB) queryRow(ctx context.Context, q string, args ...interface{}) *sql.Row {
	return d.sql.QueryRowContext(ctx, d.rebind(q), args...)
}

// tableExists checks the catalog for a plain table.
func (d *DB) tableExists(ctx context.Context, name string) (bool, error) {
	var q string
	if d.dialect == Postgres {
		q = "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = ?"
	} else {
		q = "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?"
	}
	var n int
	if err := d.queryRow(ctx, q, name).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// listTables returns table names starting with prefix, sorted.
func (d *DB) listTables(ctx context.Context, prefix string) ([]string, error) {
	var q string
	if d.dialect == Postgres {
		q = "SELECT table_name FROM information_schema.tables WHERE table_schema = current_schema() AND table_name LIKE ? ORDER BY table_name"
	} else {
		q = "SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE ? ORDER BY name"
	}
	rows, err := d.query(ctx, q, prefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// quoteIdent quotes a table or column name that has already been validated.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		utils.Log.Debugf("rollback: %v", err)
	}
}
