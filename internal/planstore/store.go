package planstore

import (
	"database/sql"
	"fmt"

	"forgeplan/internal/costengine"
	"forgeplan/internal/ferr"
	"forgeplan/internal/logger"

	_ "modernc.org/sqlite"
)

// Store is the Plan Store: a transactional SQLite-backed manufacturing-plan
// repository that drives the Blueprint Cost Engine on every mutation
// (spec.md §4.5). Grounded on the teacher's internal/db.DB open/migrate
// shape, kept as its own process-exclusive database per spec.md §5's
// "character DB and market DB are each single-process exclusive".
type Store struct {
	db     *sql.DB
	engine *costengine.Engine
}

// Open opens (or creates) the plan database at path and applies pending
// migrations.
func Open(path string, engine *costengine.Engine) (*Store, error) {
	sqlDB, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open plan store: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping plan store: %w", err)
	}
	s := &Store{db: sqlDB, engine: engine}
	if err := s.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate plan store: %w", err)
	}
	logger.Success("PLANSTORE", fmt.Sprintf("Opened %s", path))
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func wrapSQL(kind ferr.Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	if err == sql.ErrNoRows {
		return ferr.New(ferr.NotFound, msg)
	}
	return ferr.Wrap(kind, msg, err)
}
