package sqldb

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	// database/sql drivers
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// DriverSQLite selects the cgo SQLite driver.
	DriverSQLite = "sqlite3"
	// DriverMySQL selects the MySQL driver. DSNs must include parseTime=true.
	DriverMySQL = "mysql"

	defaultPingTimeout = 5 * time.Second
)

//go:embed migrations/sqlite/*.sql migrations/mysql/*.sql
var migrationsFS embed.FS

// Config describes how to reach the SQL order store.
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to the configured database and verifies it is reachable.
func Open(ctx context.Context, cfg Config) (*sqlx.DB, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = DriverSQLite
	}
	if driver != DriverSQLite && driver != DriverMySQL {
		return nil, fmt.Errorf("sqldb: unsupported driver %q", cfg.Driver)
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("sqldb: dsn is required")
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqldb: open %s: %w", driver, err)
	}

	switch {
	case driver == DriverSQLite:
		// SQLite serialises writers; a single connection avoids SQLITE_BUSY under load.
		db.SetMaxOpenConns(1)
	case cfg.MaxOpenConns > 0:
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqldb: ping %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout=5000`); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqldb: configure sqlite: %w", err)
		}
	}
	return db, nil
}

// Migrate applies every pending migration for the database's driver. It reports whether any
// migration ran; an up-to-date schema is not an error.
func Migrate(db *sqlx.DB) (bool, error) {
	if db == nil {
		return false, errors.New("sqldb: nil db")
	}

	var (
		dir      string
		instance database.Driver
		err      error
	)
	switch db.DriverName() {
	case DriverSQLite:
		dir = "migrations/sqlite"
		instance, err = migratesqlite.WithInstance(db.DB, &migratesqlite.Config{})
	case DriverMySQL:
		dir = "migrations/mysql"
		instance, err = migratemysql.WithInstance(db.DB, &migratemysql.Config{})
	default:
		return false, fmt.Errorf("sqldb: unsupported driver %q", db.DriverName())
	}
	if err != nil {
		return false, fmt.Errorf("sqldb: migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, dir)
	if err != nil {
		return false, fmt.Errorf("sqldb: migration source: %w", err)
	}
	defer source.Close()

	m, err := migrate.NewWithInstance("iofs", source, db.DriverName(), instance)
	if err != nil {
		return false, fmt.Errorf("sqldb: migrate init: %w", err)
	}
	// m.Close would close db through the driver, so only the source is released.
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return false, nil
		}
		return false, fmt.Errorf("sqldb: migrate up: %w", err)
	}
	return true, nil
}

// Version reports the current schema version and whether it is dirty.
func Version(db *sqlx.DB) (uint, bool, error) {
	if db == nil {
		return 0, false, errors.New("sqldb: nil db")
	}
	var instance database.Driver
	var err error
	switch db.DriverName() {
	case DriverSQLite:
		instance, err = migratesqlite.WithInstance(db.DB, &migratesqlite.Config{})
	case DriverMySQL:
		instance, err = migratemysql.WithInstance(db.DB, &migratemysql.Config{})
	default:
		return 0, false, fmt.Errorf("sqldb: unsupported driver %q", db.DriverName())
	}
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := instance.Version()
	if err != nil {
		return 0, false, err
	}
	if version < 0 {
		return 0, dirty, nil
	}
	return uint(version), dirty, nil
}
