// Package mysql persists operation state in MySQL. It owns the connection
// pool setup, the embedded schema migrations and the operation.Store
// implementation used when several daemons share one database.
package mysql
