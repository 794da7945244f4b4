package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// Dialect selects the SQL flavour the task store speaks.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// Rebind rewrites '?' placeholders into the dialect's bind syntax. Queries are
// written with '?' throughout; Postgres wants $1..$n.
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// Times are stored as unix nanoseconds so ordering by column is exact on both
// backends.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS testboxes (
  id                TEXT PRIMARY KEY,
  address           TEXT NOT NULL DEFAULT '',
  capabilities      TEXT NOT NULL DEFAULT '{}',
  capabilities_hash TEXT NOT NULL DEFAULT '',
  state             TEXT NOT NULL,
  task_id           TEXT,
  last_seen         BIGINT NOT NULL,
  deadline_at       BIGINT,
  signed_on_at      BIGINT,
  created_at        BIGINT NOT NULL
);`,
	`CREATE TABLE IF NOT EXISTS tasks (
  id           TEXT PRIMARY KEY,
  payload      TEXT,
  requirements TEXT NOT NULL DEFAULT '{}',
  priority     INTEGER NOT NULL DEFAULT 0,
  created_at   BIGINT NOT NULL,
  state        TEXT NOT NULL,
  testbox_id   TEXT,
  generation   INTEGER NOT NULL DEFAULT 1,
  attempts     INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL DEFAULT 3,
  assigned_at  BIGINT,
  completed_at BIGINT,
  last_error   TEXT
);`,
	`CREATE TABLE IF NOT EXISTS results (
  id           TEXT PRIMARY KEY,
  task_id      TEXT NOT NULL REFERENCES tasks(id),
  testbox_id   TEXT NOT NULL,
  generation   INTEGER NOT NULL,
  outcome      TEXT NOT NULL,
  log_ref      TEXT,
  completed_at BIGINT NOT NULL,
  UNIQUE (task_id, generation)
);`,
	`CREATE INDEX IF NOT EXISTS tasks_state_order_idx ON tasks(state, created_at, priority, id);`,
	`CREATE INDEX IF NOT EXISTS testboxes_state_last_seen_idx ON testboxes(state, last_seen);`,
	`CREATE INDEX IF NOT EXISTS results_task_idx ON results(task_id);`,
}

// Bootstrap creates tables/indexes if missing.
func Bootstrap(ctx context.Context, db *sql.DB, d Dialect) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap %s: %w", d, err)
		}
	}
	return nil
}
