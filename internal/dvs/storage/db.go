package storage

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// pragmaDSN applies the connection pragmas to every pooled connection.
const pragmaDSN = "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

// Store is a calibration database.
type Store struct {
	*sql.DB
	path string
}

// Open opens (creating if needed) the database at path and applies pending
// migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+pragmaDSN)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	s := &Store{DB: db, path: path}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	version, _, err := s.MigrateVersion()
	if err != nil {
		db.Close()
		return nil, err
	}
	opsf("opened %s at schema version %d", path, version)
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }
