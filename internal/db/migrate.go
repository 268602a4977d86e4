// Schema migrations for the telemetry store. Each migration is a plain
// function over the connection, keyed by an integer version and applied in
// order. Additive steps check column existence first so a re-run never
// double-adds a column.
package db

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
)

const migrationsTable = "schema_migrations"

type migration struct {
	version int
	name    string
	apply   func(*sql.DB) error
}

var migrations = []migration{
	{1, "create_sessions", createSessions},
	{2, "create_vitals", createVitals},
	{3, "create_motion", createMotion},
	{4, "add_vitals_battery_voltage", addVitalsBatteryVoltage},
	{5, "add_vitals_energy_expended", addVitalsEnergyExpended},
	{6, "add_vitals_status_charging", addVitalsStatusCharging},
	{7, "create_read_indexes", createReadIndexes},
}

// Migrate applies pending migrations in version order. A failed step is
// reported but later callers still operate on whatever schema exists; the
// capture path must not be lost to a schema upgrade hiccup.
func Migrate(db *sql.DB) error {
	if err := ensureMigrationsTable(db); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := appliedVersions(db)
	if err != nil {
		return fmt.Errorf("list applied migrations: %w", err)
	}

	pending := make([]migration, 0, len(migrations))
	for _, m := range migrations {
		if !applied[m.version] {
			pending = append(pending, m)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].version < pending[j].version })

	for _, m := range pending {
		if err := m.apply(db); err != nil {
			return fmt.Errorf("apply migration %d_%s: %w", m.version, m.name, err)
		}
		if _, err := db.Exec(
			"INSERT INTO "+migrationsTable+" (version, name) VALUES (?, ?)",
			m.version, m.name,
		); err != nil {
			return fmt.Errorf("record migration %d_%s: %w", m.version, m.name, err)
		}
		slog.Info("migration applied", "version", m.version, "name", m.name)
	}

	return nil
}

func ensureMigrationsTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS ` + migrationsTable + ` (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)
	`)
	return err
}

func appliedVersions(db *sql.DB) (map[int]bool, error) {
	rows, err := db.Query("SELECT version FROM " + migrationsTable)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out[v] = true
	}
	return out, rows.Err()
}

func createSessions(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id           TEXT PRIMARY KEY,
			start_time   TEXT NOT NULL,
			end_time     TEXT,
			device_label TEXT,
			notes        TEXT,
			row_count    INTEGER NOT NULL DEFAULT 0,
			is_active    INTEGER NOT NULL DEFAULT 0
		)
	`)
	return err
}

func createVitals(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS vitals (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id        TEXT NOT NULL,
			device_id         TEXT NOT NULL,
			ts                TEXT NOT NULL,
			heart_rate        INTEGER,
			hr_contact        INTEGER,
			spo2_value        INTEGER,
			spo2_pulse        INTEGER,
			battery_level     INTEGER,
			status_code       INTEGER,
			status_confidence INTEGER,
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		)
	`)
	return err
}

func createMotion(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS motion (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id     TEXT NOT NULL,
			second_counter INTEGER NOT NULL,
			sample_index   INTEGER NOT NULL,
			x              INTEGER NOT NULL,
			y              INTEGER NOT NULL,
			z              INTEGER NOT NULL,
			magnitude      INTEGER NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		)
	`)
	return err
}

func addVitalsBatteryVoltage(db *sql.DB) error {
	return addColumnIfMissing(db, "vitals", "battery_voltage", "REAL")
}

func addVitalsEnergyExpended(db *sql.DB) error {
	return addColumnIfMissing(db, "vitals", "energy_expended", "INTEGER")
}

func addVitalsStatusCharging(db *sql.DB) error {
	return addColumnIfMissing(db, "vitals", "status_charging", "INTEGER")
}

func createReadIndexes(db *sql.DB) error {
	stmts := []string{
		`CREATE INDEX IF NOT EXISTS idx_vitals_session_ts ON vitals(session_id, ts)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_motion_session_counter
			ON motion(session_id, second_counter, sample_index)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_start ON sessions(start_time)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func addColumnIfMissing(db *sql.DB, table, column, typ string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, typ))
	return err
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
