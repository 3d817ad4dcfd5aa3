package persistence

import "database/sql"

// RawDB exposes the sqlite handle to external tests.
func RawDB(s *Store) *sql.DB { return s.db }
