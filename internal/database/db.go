package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/sethvargo/go-retry"

	"locker-go/internal/database/migrations"
	"locker-go/internal/locker"
)

// Dialect names the SQL backend. Values match the database/sql driver names.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "pgx"
)

const (
	// maxTxRetries bounds how often InTx re-runs a conflicting transaction.
	maxTxRetries = 4
	txRetryBase  = 10 * time.Millisecond
)

// DB implements locker.Database on SQLite or PostgreSQL. Outside InTx each
// call auto-commits.
type DB struct {
	*Queries
	db      *sqlx.DB
	dialect Dialect
	path    string
}

// NewSQLiteDatabase opens a SQLite database and migrates it to the latest
// schema. path can be a file path or ":memory:" for an in-memory database.
func NewSQLiteDatabase(path string) (*DB, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	return newDB(db, DialectSQLite, path)
}

// NewPostgresDatabase connects to PostgreSQL and migrates it to the latest schema.
func NewPostgresDatabase(ctx context.Context, dsn string) (*DB, error) {
	db, err := sqlx.ConnectContext(ctx, string(DialectPostgres), dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	return newDB(db, DialectPostgres, "")
}

func newDB(db *sqlx.DB, dialect Dialect, path string) (*DB, error) {
	if err := migrations.MigrateUp(db.DB, string(dialect)); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{
		Queries: &Queries{db: db},
		db:      db,
		dialect: dialect,
		path:    path,
	}, nil
}

// OpenConnection opens a SQLite connection with foreign keys enforced and a
// busy timeout. The pool is limited to one connection: an in-memory database
// exists per connection, and a single writer avoids SQLITE_BUSY between our
// own transactions.
func OpenConnection(path string) (*sqlx.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	dsn := path + "?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate"
	db, err := sqlx.Open(string(DialectSQLite), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// Dialect returns the backend in use.
func (d *DB) Dialect() Dialect {
	return d.dialect
}

// Path returns the database file path (or ":memory:"), empty for PostgreSQL.
func (d *DB) Path() string {
	return d.path
}

// InTx runs fn in a transaction. PostgreSQL transactions run SERIALIZABLE;
// SQLite ones take the write lock up front. Serialization failures,
// deadlocks and busy errors are retried with exponential backoff.
func (d *DB) InTx(ctx context.Context, fn func(q locker.Queries) error) error {
	backoff := retry.WithMaxRetries(maxTxRetries, retry.NewExponential(txRetryBase))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := d.runTx(ctx, fn)
		if isRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if isRetryable(err) {
		return fmt.Errorf("%w: %v", locker.ErrConflict, err)
	}
	return err
}

func (d *DB) runTx(ctx context.Context, fn func(q locker.Queries) error) error {
	var opts *sql.TxOptions
	if d.dialect == DialectPostgres {
		opts = &sql.TxOptions{Isolation: sql.LevelSerializable}
	}

	tx, err := d.db.BeginTxx(ctx, opts)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&Queries{db: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// CheckMigrations verifies the database schema is up-to-date.
func (d *DB) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(d.db.DB, string(d.dialect))
}

// BackupTo writes a consistent copy of a SQLite database to destPath using VACUUM INTO.
func (d *DB) BackupTo(destPath string) error {
	if d.dialect != DialectSQLite {
		return fmt.Errorf("backup is only supported for sqlite (use pg_dump)")
	}
	if _, err := d.db.Exec("VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

var _ locker.Database = (*DB)(nil)
