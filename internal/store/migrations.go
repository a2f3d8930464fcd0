package store

import (
	"database/sql"
	"sort"

	"github.com/pkg/errors"
)

// Migration is a versioned schema change.
type Migration struct {
	Version int64
	Name    string
	Up      func(*sql.Tx) error
}

// Migrator applies the migrations newer than the recorded schema version.
type Migrator struct {
	db         *sql.DB
	migrations []Migration
}

func NewMigrator(db *sql.DB, migrations ...Migration) *Migrator {
	m := &Migrator{db: db, migrations: append([]Migration{}, migrations...)}

	sort.Slice(m.migrations, func(i, j int) bool {
		return m.migrations[i].Version < m.migrations[j].Version
	})

	return m
}

// Run applies each pending migration in its own transaction.
func (m *Migrator) Run() error {
	if _, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return errors.Wrap(err, "create schema_migrations")
	}

	current, err := m.Version()
	if err != nil {
		return err
	}

	for _, migration := range m.migrations {
		if migration.Version <= current {
			continue
		}

		if err := m.apply(migration); err != nil {
			return errors.Wrapf(err, "migration %d (%s)", migration.Version, migration.Name)
		}
	}

	return nil
}

// Version returns the highest applied migration version.
func (m *Migrator) Version() (int64, error) {
	var version int64
	if err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return 0, errors.Wrap(err, "schema version")
	}

	return version, nil
}

func (m *Migrator) apply(migration Migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}

	// nolint:errcheck // rollback after commit is a no-op
	defer tx.Rollback()

	if err := migration.Up(tx); err != nil {
		return err
	}

	if _, err := tx.Exec("INSERT INTO schema_migrations (version, name) VALUES (?, ?)", migration.Version, migration.Name); err != nil {
		return err
	}

	return tx.Commit()
}

func execAll(tx *sql.Tx, stmts ...string) error {
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}

	return nil
}

var sqliteMigrations = []Migration{
	{
		Version: 1,
		Name:    "create_resource_tables",
		Up: func(tx *sql.Tx) error {
			return execAll(tx,
				`CREATE TABLE blades (
					ip TEXT PRIMARY KEY,
					ordinal INTEGER NOT NULL DEFAULT 0,
					bmc_ip TEXT NOT NULL DEFAULT '',
					bmc_port INTEGER NOT NULL DEFAULT 0,
					iscsi_ip TEXT NOT NULL DEFAULT '',
					state TEXT NOT NULL,
					current_owner TEXT NOT NULL DEFAULT '',
					next_owner TEXT NOT NULL DEFAULT '',
					last_keepalive INTEGER NOT NULL DEFAULT 0,
					bios_deploying INTEGER NOT NULL DEFAULT 0,
					vm_server INTEGER NOT NULL DEFAULT 0,
					last_deployed_bios TEXT NOT NULL DEFAULT '',
					vm_deploy_state TEXT NOT NULL DEFAULT '',
					current_snapshot TEXT NOT NULL DEFAULT '',
					max_vms INTEGER NOT NULL DEFAULT 0,
					max_vm_memory_mb INTEGER NOT NULL DEFAULT 0,
					max_cpu_count INTEGER NOT NULL DEFAULT 0
				)`,
				`CREATE TABLE vms (
					ip TEXT PRIMARY KEY,
					parent_blade_ip TEXT NOT NULL,
					iscsi_ip TEXT NOT NULL DEFAULT '',
					eth_mac TEXT NOT NULL DEFAULT '',
					iscsi_mac TEXT NOT NULL DEFAULT '',
					index_on_server INTEGER NOT NULL DEFAULT 0,
					display_name TEXT NOT NULL DEFAULT '',
					kernel_debug_host TEXT NOT NULL DEFAULT '',
					kernel_debug_port INTEGER NOT NULL DEFAULT 0,
					kernel_debug_key TEXT NOT NULL DEFAULT '',
					memory_mb INTEGER NOT NULL DEFAULT 0,
					cpu_count INTEGER NOT NULL DEFAULT 0,
					current_snapshot TEXT NOT NULL DEFAULT '',
					state TEXT NOT NULL,
					current_owner TEXT NOT NULL DEFAULT '',
					next_owner TEXT NOT NULL DEFAULT '',
					last_keepalive INTEGER NOT NULL DEFAULT 0
				)`,
			)
		},
	},
	{
		Version: 2,
		Name:    "index_vm_parent",
		Up: func(tx *sql.Tx) error {
			return execAll(tx,
				`CREATE INDEX idx_vms_parent_blade_ip ON vms(parent_blade_ip)`,
				`CREATE INDEX idx_blades_ordinal ON blades(ordinal)`,
			)
		},
	},
}
