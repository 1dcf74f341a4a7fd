package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"forgeplan/internal/logger"

	_ "modernc.org/sqlite"
)

// DB wraps the character-store SQLite connection: authenticated character
// sessions, market history, and small app-level metadata. The Plan Store
// (plans/blueprints/materials/products/matches) lives in its own database,
// see internal/planstore.
type DB struct {
	sql *sql.DB
}

func dbPath() string {
	if wd, err := os.Getwd(); err == nil {
		return filepath.Join(wd, "forgeplan.db")
	}
	exe, _ := os.Executable()
	return filepath.Join(filepath.Dir(exe), "forgeplan.db")
}

// Open opens (or creates) the SQLite database and runs migrations.
func Open() (*DB, error) {
	path := dbPath()
	sqlDB, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	d := &DB{sql: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate db: %w", err)
	}
	logger.Success("DB", fmt.Sprintf("Opened %s", path))
	return d, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.sql.Close()
}

// migration is one entry in the numbered migration ledger (spec.md §6).
type migration struct {
	id          int
	description string
	stmt        string
}

var migrations = []migration{
	{
		id:          1,
		description: "auth sessions, market history cache, app metadata",
		stmt: `
			CREATE TABLE IF NOT EXISTS auth_session (
				user_id         TEXT NOT NULL,
				character_id    INTEGER NOT NULL,
				character_name  TEXT NOT NULL,
				access_token    TEXT NOT NULL,
				refresh_token   TEXT NOT NULL,
				expires_at      INTEGER NOT NULL,
				is_active       INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (user_id, character_id)
			);
			CREATE UNIQUE INDEX IF NOT EXISTS idx_auth_session_active ON auth_session(user_id) WHERE is_active = 1;
			CREATE INDEX IF NOT EXISTS idx_auth_session_user ON auth_session(user_id, character_name, character_id);

			CREATE TABLE IF NOT EXISTS market_history (
				region_id   INTEGER NOT NULL,
				type_id     INTEGER NOT NULL,
				date        TEXT NOT NULL,
				average     REAL,
				highest     REAL,
				lowest      REAL,
				volume      INTEGER,
				order_count INTEGER,
				PRIMARY KEY (region_id, type_id, date)
			);
			CREATE TABLE IF NOT EXISTS market_history_meta (
				region_id  INTEGER NOT NULL,
				type_id    INTEGER NOT NULL,
				updated_at TEXT NOT NULL,
				PRIMARY KEY (region_id, type_id)
			);

			CREATE TABLE IF NOT EXISTS app_meta (
				key   TEXT PRIMARY KEY,
				value TEXT NOT NULL
			);
		`,
	},
}

// migrate applies any migration not yet recorded in schema_migrations, in
// ascending id order, each inside its own transaction.
func (d *DB) migrate() error {
	if _, err := d.sql.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id          INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  TEXT NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var applied int
		if err := d.sql.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE id = ?", m.id).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %d: %w", m.id, err)
		}
		if applied > 0 {
			continue
		}

		tx, err := d.sql.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.id, err)
		}
		if _, err := tx.Exec(m.stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.id, m.description, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (id, description, applied_at) VALUES (?, ?, datetime('now'))",
			m.id, m.description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.id, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.id, err)
		}
		logger.Info("DB", fmt.Sprintf("Applied migration %d (%s)", m.id, m.description))
	}
	return nil
}

// SqlDB returns the underlying *sql.DB for use by other packages (e.g. auth store).
func (d *DB) SqlDB() *sql.DB {
	return d.sql
}
