// Package postgres implements the store interfaces using PostgreSQL
// through database/sql and the pgx driver.
package postgres
