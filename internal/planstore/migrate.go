package planstore

import (
	"database/sql"
	"fmt"
	"strings"
)

// migrate applies the numbered schema ledger (spec.md §6: "A numbered
// migration ledger (schema_migrations{id, description, appliedAt}) applied
// in order, each migration atomic or transactional"), grounded on the
// teacher's internal/db/db.go migrate()/ensureTableColumn()/tableExists()
// pattern but renamed to the spec's table shape.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id          INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	version, err := s.currentVersion()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.id <= version {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.id, m.description, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (id, description) VALUES (?, ?)`, m.id, m.description); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d record: %w", m.id, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d commit: %w", m.id, err)
		}
	}
	return nil
}

func (s *Store) currentVersion() (int, error) {
	var version int
	err := s.db.QueryRow(`SELECT COALESCE(MAX(id), 0) FROM schema_migrations`).Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}

type migration struct {
	id          int
	description string
	sql         string
}

var migrations = []migration{
	{
		id:          1,
		description: "plans, plan_blueprints, plan_materials, plan_products",
		sql: `
			CREATE TABLE plans (
				id            INTEGER PRIMARY KEY AUTOINCREMENT,
				character_id  INTEGER NOT NULL,
				name          TEXT NOT NULL,
				description   TEXT NOT NULL DEFAULT '',
				status        TEXT NOT NULL DEFAULT 'active',
				created_at    TEXT NOT NULL,
				updated_at    TEXT NOT NULL,
				completed_at  TEXT
			);

			CREATE TABLE plan_blueprints (
				id                          INTEGER PRIMARY KEY AUTOINCREMENT,
				plan_id                     INTEGER NOT NULL REFERENCES plans(id) ON DELETE CASCADE,
				blueprint_type_id           INTEGER NOT NULL,
				runs                        INTEGER NOT NULL,
				lines                       INTEGER NOT NULL DEFAULT 1,
				me_level                    INTEGER NOT NULL DEFAULT 0,
				te_level                    INTEGER NOT NULL DEFAULT 0,
				facility_id                 INTEGER,
				facility_snapshot           TEXT,
				use_intermediates           TEXT NOT NULL DEFAULT 'raw_materials',
				is_intermediate             INTEGER NOT NULL DEFAULT 0,
				parent_blueprint_id         INTEGER REFERENCES plan_blueprints(id) ON DELETE CASCADE,
				intermediate_product_type_id INTEGER,
				built_runs                  INTEGER NOT NULL DEFAULT 0,
				added_at                    TEXT NOT NULL
			);
			CREATE INDEX idx_plan_blueprints_plan ON plan_blueprints(plan_id);
			CREATE INDEX idx_plan_blueprints_parent ON plan_blueprints(parent_blueprint_id);

			CREATE TABLE plan_materials (
				plan_id               INTEGER NOT NULL REFERENCES plans(id) ON DELETE CASCADE,
				type_id               INTEGER NOT NULL,
				quantity              INTEGER NOT NULL DEFAULT 0,
				base_price            REAL,
				custom_price          REAL,
				price_frozen_at       TEXT,
				manually_acquired_qty INTEGER NOT NULL DEFAULT 0,
				acquisition_method    TEXT,
				acquisition_note      TEXT,
				PRIMARY KEY (plan_id, type_id)
			);

			CREATE TABLE plan_products (
				plan_id             INTEGER NOT NULL REFERENCES plans(id) ON DELETE CASCADE,
				blueprint_id        INTEGER NOT NULL REFERENCES plan_blueprints(id) ON DELETE CASCADE,
				type_id             INTEGER NOT NULL,
				quantity            INTEGER NOT NULL DEFAULT 0,
				base_price          REAL,
				price_frozen_at     TEXT,
				is_intermediate     INTEGER NOT NULL DEFAULT 0,
				intermediate_depth  INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (plan_id, blueprint_id)
			);
			CREATE INDEX idx_plan_products_plan ON plan_products(plan_id);
		`,
	},
	{
		id:          2,
		description: "plan_job_matches, plan_transaction_matches, plan_asset_allocations",
		sql: `
			CREATE TABLE plan_job_matches (
				match_id         INTEGER PRIMARY KEY AUTOINCREMENT,
				plan_id          INTEGER NOT NULL REFERENCES plans(id) ON DELETE CASCADE,
				plan_blueprint_id INTEGER NOT NULL REFERENCES plan_blueprints(id) ON DELETE CASCADE,
				job_id           INTEGER NOT NULL,
				match_type       TEXT NOT NULL DEFAULT 'job',
				quantity         INTEGER,
				confidence       REAL NOT NULL,
				reason           TEXT,
				status           TEXT NOT NULL DEFAULT 'pending',
				confirmed_at     TEXT,
				confirmed_by_user INTEGER NOT NULL DEFAULT 0
			);
			CREATE INDEX idx_job_matches_plan ON plan_job_matches(plan_id);

			CREATE TABLE plan_transaction_matches (
				match_id        INTEGER PRIMARY KEY AUTOINCREMENT,
				plan_id         INTEGER NOT NULL REFERENCES plans(id) ON DELETE CASCADE,
				transaction_id  INTEGER NOT NULL,
				type_id         INTEGER NOT NULL,
				match_type      TEXT NOT NULL,
				quantity        INTEGER,
				confidence      REAL NOT NULL,
				reason          TEXT,
				status          TEXT NOT NULL DEFAULT 'pending',
				confirmed_at    TEXT,
				confirmed_by_user INTEGER NOT NULL DEFAULT 0
			);
			CREATE INDEX idx_tx_matches_plan ON plan_transaction_matches(plan_id);

			CREATE TABLE plan_asset_allocations (
				allocation_id  INTEGER PRIMARY KEY AUTOINCREMENT,
				plan_id        INTEGER NOT NULL REFERENCES plans(id) ON DELETE CASCADE,
				type_id        INTEGER NOT NULL,
				quantity       INTEGER NOT NULL,
				is_corporation INTEGER NOT NULL DEFAULT 0,
				allocated_at   TEXT NOT NULL
			);
			CREATE INDEX idx_asset_alloc_plan ON plan_asset_allocations(plan_id);
		`,
	},
	{
		id:          3,
		description: "plans.asset_allocation_scope (strict_location/location_first/global)",
		sql:         `ALTER TABLE plans ADD COLUMN asset_allocation_scope TEXT NOT NULL DEFAULT 'location_first'`,
	},
}

// tableExists and ensureTableColumn are kept for future additive migrations
// (sample migration note in spec.md §6: "converting assets.item_id from
// INTEGER to TEXT without losing the large item-IDs" — the equivalent
// pattern here would widen plan_blueprints.facility_id the same way).
func (s *Store) tableExists(tableName string) (bool, error) {
	var name string
	err := s.db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name = ? LIMIT 1`, tableName).Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) ensureTableColumn(tableName, columnName, columnDef string) error {
	rows, err := s.db.Query("PRAGMA table_info(" + tableName + ")")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, typ string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return err
		}
		if strings.EqualFold(name, columnName) {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = s.db.Exec("ALTER TABLE " + tableName + " ADD COLUMN " + columnName + " " + columnDef)
	return err
}
