package db

import (
	"database/sql"
	"testing"
	"time"

	"forgeplan/internal/esi"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", ":memory:?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	d := &DB{sql: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		t.Fatalf("migrate: %v", err)
	}
	return d
}

func TestMigrate_IsIdempotent(t *testing.T) {
	d := openTestDB(t)
	defer d.Close()

	if err := d.migrate(); err != nil {
		t.Fatalf("second migrate() call: %v", err)
	}

	var count int
	if err := d.sql.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("count schema_migrations: %v", err)
	}
	if count != len(migrations) {
		t.Errorf("schema_migrations rows = %d, want %d", count, len(migrations))
	}
}

func TestMarketHistoryRoundTrip(t *testing.T) {
	d := openTestDB(t)
	defer d.Close()

	if _, ok := d.GetMarketHistory(10000002, 34); ok {
		t.Fatal("GetMarketHistory should miss before any SetMarketHistory")
	}

	entries := []esi.HistoryEntry{
		{Date: time.Now().UTC().Format("2006-01-02"), Average: 5.2, Highest: 5.5, Lowest: 5.0, Volume: 1_000_000, OrderCount: 42},
	}
	d.SetMarketHistory(10000002, 34, entries)

	got, ok := d.GetMarketHistory(10000002, 34)
	if !ok {
		t.Fatal("GetMarketHistory should hit after SetMarketHistory")
	}
	if len(got) != 1 || got[0].Average != 5.2 {
		t.Errorf("GetMarketHistory = %+v", got)
	}
}

func TestMarketHistory_StaleMetaMisses(t *testing.T) {
	d := openTestDB(t)
	defer d.Close()

	stale := time.Now().AddDate(0, 0, -2).UTC().Format(time.RFC3339)
	if _, err := d.sql.Exec(
		"INSERT INTO market_history_meta (region_id, type_id, updated_at) VALUES (?,?,?)",
		10000002, 34, stale,
	); err != nil {
		t.Fatalf("seed stale meta: %v", err)
	}
	if _, ok := d.GetMarketHistory(10000002, 34); ok {
		t.Error("GetMarketHistory should miss when meta is older than 24h")
	}
}

func TestAuthSession_ActiveUniquePerUser(t *testing.T) {
	d := openTestDB(t)
	defer d.Close()

	if _, err := d.sql.Exec(
		`INSERT INTO auth_session (user_id, character_id, character_name, access_token, refresh_token, expires_at, is_active)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		"default", 100, "Pilot A", "at", "rt", time.Now().Add(time.Hour).Unix(), 1,
	); err != nil {
		t.Fatalf("insert first active session: %v", err)
	}
	if _, err := d.sql.Exec(
		`INSERT INTO auth_session (user_id, character_id, character_name, access_token, refresh_token, expires_at, is_active)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		"default", 200, "Pilot B", "at", "rt", time.Now().Add(time.Hour).Unix(), 1,
	); err == nil {
		t.Error("expected unique-index violation inserting a second active session for the same user")
	}
}
