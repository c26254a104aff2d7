package migrate

import (
	"database/sql"
	"fmt"
)

type Migration struct {
	Version int
	Name    string
	UpSQL   string
}

var migrations = []Migration{
	{
		Version: 1,
		Name:    "001_core",
		UpSQL: `
CREATE TABLE work_items (
	id TEXT PRIMARY KEY,
	issue_ref TEXT,
	title TEXT NOT NULL,
	status TEXT NOT NULL,
	assigned_role TEXT,
	metadata_json TEXT,
	version INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE work_item_deps (
	item_id TEXT NOT NULL REFERENCES work_items(id),
	depends_on_item_id TEXT NOT NULL REFERENCES work_items(id),
	PRIMARY KEY (item_id, depends_on_item_id)
);
CREATE TABLE work_item_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	item_id TEXT NOT NULL,
	version INTEGER NOT NULL,
	status TEXT NOT NULL,
	assigned_role TEXT,
	ts TEXT NOT NULL
);
CREATE TABLE convoys (
	id TEXT PRIMARY KEY,
	name TEXT,
	status TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE TABLE convoy_members (
	convoy_id TEXT NOT NULL REFERENCES convoys(id),
	item_id TEXT NOT NULL REFERENCES work_items(id),
	position INTEGER NOT NULL,
	PRIMARY KEY (convoy_id, item_id)
);
CREATE TABLE events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts TEXT NOT NULL,
	type TEXT NOT NULL,
	entity_kind TEXT NOT NULL,
	entity_id TEXT,
	actor_id TEXT NOT NULL,
	payload_json TEXT
);
`,
	},
	{
		Version: 2,
		Name:    "002_executions",
		UpSQL: `
CREATE TABLE plan_executions (
	id TEXT PRIMARY KEY,
	plan_name TEXT NOT NULL,
	request_id TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE plan_phase_states (
	execution_id TEXT NOT NULL REFERENCES plan_executions(id),
	phase_index INTEGER NOT NULL,
	name TEXT NOT NULL,
	role TEXT NOT NULL,
	phase_group TEXT NOT NULL DEFAULT '',
	work_item_id TEXT,
	status TEXT NOT NULL,
	started_at TEXT,
	completed_at TEXT,
	PRIMARY KEY (execution_id, phase_index)
);
`,
	},
	{
		Version: 3,
		Name:    "003_ledger",
		UpSQL: `
CREATE TABLE handoffs (
	id TEXT PRIMARY KEY,
	work_item_id TEXT NOT NULL REFERENCES work_items(id),
	from_role TEXT NOT NULL,
	to_role TEXT NOT NULL,
	note TEXT,
	delegation_id TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX idx_handoffs_item ON handoffs(work_item_id);
CREATE TABLE delegations (
	id TEXT PRIMARY KEY,
	work_item_id TEXT NOT NULL REFERENCES work_items(id),
	from_role TEXT NOT NULL,
	to_role TEXT NOT NULL,
	scope TEXT,
	status TEXT NOT NULL,
	created_at TEXT NOT NULL,
	accepted_at TEXT,
	completed_at TEXT
);
CREATE INDEX idx_delegations_item ON delegations(work_item_id);
`,
	},
	{
		Version: 4,
		Name:    "004_telemetry",
		UpSQL: `
CREATE TABLE routing_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	destination TEXT NOT NULL,
	capabilities TEXT,
	outcome TEXT NOT NULL,
	ts TEXT NOT NULL
);
CREATE INDEX idx_routing_events_dest ON routing_events(destination, id);
CREATE TABLE resource_samples (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts TEXT NOT NULL,
	cpu_percent REAL NOT NULL,
	mem_percent REAL NOT NULL,
	goroutines INTEGER NOT NULL,
	parallelism INTEGER NOT NULL
);
CREATE TABLE convoy_samples (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	convoy_id TEXT NOT NULL,
	item_id TEXT NOT NULL,
	success INTEGER NOT NULL,
	attempts INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	ts TEXT NOT NULL
);
CREATE TABLE graph_edges (
	from_id TEXT NOT NULL,
	to_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	PRIMARY KEY (from_id, to_id, kind)
);
CREATE INDEX idx_graph_edges_to ON graph_edges(to_id, kind);
`,
	},
	{
		Version: 5,
		Name:    "005_config",
		UpSQL: `
CREATE TABLE workspace_config (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	config_yaml TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`,
	},
}

// Migrate applies pending migrations in order inside one transaction.
func Migrate(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL);`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var currentVersion int
	err = tx.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&currentVersion)
	if err == sql.ErrNoRows {
		if _, err := tx.Exec(`INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return fmt.Errorf("init schema_version: %w", err)
		}
		currentVersion = 0
	} else if err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}
		if _, err := tx.Exec(m.UpSQL); err != nil {
			return fmt.Errorf("migration %s: %w", m.Name, err)
		}
		if _, err := tx.Exec(`UPDATE schema_version SET version=?`, m.Version); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
		currentVersion = m.Version
	}
	return tx.Commit()
}
