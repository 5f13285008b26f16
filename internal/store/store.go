// Package store is the typed adapter over the durable tables. All
// state transitions in the pipeline go through here; each write is
// atomic in itself.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store provides typed accessors over the durable tables
type Store struct {
	db *sql.DB
}

// Open opens (and if needed creates) the database at path and brings
// the schema up to date
func Open(path string) (*Store, error) {
	// Use file: prefix as required by ncruces/go-sqlite3 driver
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Serialize writes through one connection; SQLite has a single
	// writer anyway and this keeps busy errors rare
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenMemory opens an in-memory database, used by tests
func OpenMemory() (*Store, error) {
	return Open(":memory:")
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for tests and migrations
func (s *Store) DB() *sql.DB {
	return s.db
}

// baseSchema creates all tables. Later shape changes go through the
// migrations list so existing databases upgrade in place.
const baseSchema = `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	repo_ref TEXT NOT NULL,
	installation_id TEXT NOT NULL DEFAULT '',
	default_branch TEXT NOT NULL DEFAULT 'main',
	autonomy_mode TEXT NOT NULL DEFAULT 'audit',
	max_concurrent_branches INTEGER NOT NULL DEFAULT 1,
	risk_paths TEXT NOT NULL DEFAULT '[]',
	paused INTEGER NOT NULL DEFAULT 0,
	merge_in_progress INTEGER NOT NULL DEFAULT 0,
	merge_locked_at INTEGER,
	scout_schedule TEXT NOT NULL DEFAULT '',
	wild_card_frequency REAL NOT NULL DEFAULT 0.2,
	product_context TEXT NOT NULL DEFAULT '',
	strategic_nudges TEXT NOT NULL DEFAULT '[]',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS proposals (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id),
	cycle_id TEXT,
	title TEXT NOT NULL,
	spec TEXT NOT NULL DEFAULT '',
	rationale TEXT NOT NULL DEFAULT '',
	priority TEXT NOT NULL DEFAULT 'medium',
	impact_score REAL NOT NULL DEFAULT 0,
	feasibility_score REAL NOT NULL DEFAULT 0,
	novelty_score REAL NOT NULL DEFAULT 0,
	alignment_score REAL NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'draft',
	is_wild_card INTEGER NOT NULL DEFAULT 0,
	branch_name TEXT,
	reject_reason TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_proposals_project_status ON proposals(project_id, status);
CREATE INDEX IF NOT EXISTS idx_proposals_cycle ON proposals(cycle_id);
-- branch_name is unique per project across non-terminal proposals
CREATE UNIQUE INDEX IF NOT EXISTS idx_proposals_branch ON proposals(project_id, branch_name)
	WHERE branch_name IS NOT NULL AND status NOT IN ('done', 'rejected');

CREATE TABLE IF NOT EXISTS job_queue (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id),
	job_type TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	payload TEXT NOT NULL DEFAULT '{}',
	attempt_count INTEGER NOT NULL DEFAULT 0,
	worker_id TEXT,
	locked_at INTEGER,
	last_error TEXT NOT NULL DEFAULT '',
	source_run_id TEXT NOT NULL DEFAULT '',
	github_issue_number INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	completed_at INTEGER
);
-- index entries carry the rowid, so ties on created_at come back in
-- insertion order
CREATE INDEX IF NOT EXISTS idx_job_queue_claim ON job_queue(status, created_at);
CREATE INDEX IF NOT EXISTS idx_job_queue_project ON job_queue(project_id, job_type, status);

CREATE TABLE IF NOT EXISTS pipeline_runs (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id),
	proposal_id TEXT NOT NULL,
	stage TEXT NOT NULL DEFAULT 'queued',
	pr_number INTEGER NOT NULL DEFAULT 0,
	result TEXT NOT NULL DEFAULT '',
	started_at INTEGER NOT NULL,
	completed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_pipeline_runs_proposal ON pipeline_runs(project_id, proposal_id);

CREATE TABLE IF NOT EXISTS branch_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id TEXT NOT NULL REFERENCES projects(id),
	cycle_id TEXT NOT NULL DEFAULT '',
	branch_name TEXT NOT NULL DEFAULT '',
	event_type TEXT NOT NULL,
	event_data TEXT NOT NULL DEFAULT '{}',
	actor TEXT NOT NULL DEFAULT '',
	commit_sha TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_branch_events_project ON branch_events(project_id, id);
-- cycle completion must be recorded exactly once per cycle
CREATE UNIQUE INDEX IF NOT EXISTS idx_branch_events_cycle_completed
	ON branch_events(project_id, cycle_id, event_type)
	WHERE event_type = 'cycle_completed';

CREATE TABLE IF NOT EXISTS checkpoints (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id),
	cycle_id TEXT NOT NULL DEFAULT '',
	proposal_id TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL,
	commit_sha TEXT NOT NULL,
	pr_number INTEGER NOT NULL DEFAULT 0,
	branch_name TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_project ON checkpoints(project_id, kind);

CREATE TABLE IF NOT EXISTS strategy_memory (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id),
	proposal_id TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS user_ideas (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id),
	title TEXT NOT NULL,
	body TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS findings (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id),
	cycle_id TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS run_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id TEXT NOT NULL DEFAULT '',
	job_id TEXT NOT NULL DEFAULT '',
	line TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
`

// Migration represents a single schema migration
type Migration struct {
	Name string
	Func func(*sql.DB) error
}

// migrationsList is the ordered list of migrations run after the base
// schema. All migrations are idempotent.
var migrationsList = []Migration{
	{"thread_anchors_table", migrateThreadAnchors},
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(baseSchema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	for _, m := range migrationsList {
		if err := m.Func(s.db); err != nil {
			return fmt.Errorf("migration %s failed: %w", m.Name, err)
		}
	}
	return nil
}

// migrateThreadAnchors adds the table mapping notification thread keys
// to backend thread ids, so threading survives restarts
func migrateThreadAnchors(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS thread_anchors (
		thread_key TEXT PRIMARY KEY,
		anchor TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`)
	return err
}

// encodeList serializes a string list for a TEXT column
func encodeList(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// decodeList parses a TEXT column written by encodeList
func decodeList(data string) []string {
	if data == "" || data == "[]" {
		return nil
	}
	var items []string
	if err := json.Unmarshal([]byte(data), &items); err != nil {
		return nil
	}
	return items
}

// timestamps are stored as Unix seconds
func ts(t time.Time) int64 { return t.Unix() }

func tsPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := t.Unix()
	return &v
}

func fromTS(v int64) time.Time { return time.Unix(v, 0).UTC() }

func fromTSPtr(v *int64) *time.Time {
	if v == nil {
		return nil
	}
	t := fromTS(*v)
	return &t
}
