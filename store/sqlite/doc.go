// Package sqlite provides a SQLite-backed job store using database/sql
// and mattn/go-sqlite3. The connection pool is capped at one writer, so
// claim statements serialize and each job is claimed at most once.
package sqlite
