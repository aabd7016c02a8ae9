package topics

import "database/sql"

// DB exposes the internal *sql.DB for test helpers in topics_test.
// This file only compiles during `go test`.
func (s *Store) DB() *sql.DB {
	return s.db
}

// FailCommit makes the next imports fail at commit time.
func (s *Store) FailCommit(err error) {
	s.hooks.commit = func(*sql.Tx) error { return err }
}
