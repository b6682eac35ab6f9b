// Package postgres provides a PostgreSQL-backed job store using pgx/v5.
// Claims use FOR UPDATE SKIP LOCKED so concurrent workers never receive
// the same job.
package postgres
