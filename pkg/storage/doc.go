// Package storage owns the relational schema and connection handling for HelpMe.
//
// Two dialects are supported: PostgreSQL (lib/pq) for deployments and SQLite
// (go-sqlite3) for local development and tests. Queries are written once with
// $N placeholders, which both drivers accept; the few places where the SQL
// differs (row locks, serial keys, JSON columns) go through Dialect.
//
// Usage:
//
//	db, err := storage.Open(ctx, storage.Config{Driver: "postgres", URL: url})
//	if err != nil {
//		return err
//	}
//	if err := storage.Migrate(ctx, db); err != nil {
//		return err
//	}
//
//	err = db.WithTx(ctx, func(tx *sql.Tx) error {
//		// every statement here commits or rolls back together
//		return nil
//	})
package storage
