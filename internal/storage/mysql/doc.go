// Package mysql opens the MySQL connection pool used by the relay job store
// and applies the embedded schema migrations with golang-migrate.
package mysql
