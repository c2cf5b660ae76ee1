package overflow

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

//go:embed migrations/sqlite/*.sql
var sqliteMigrations embed.FS

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

//go:embed migrations/mysql/*.sql
var mysqlMigrations embed.FS

// Migrate applies every pending overflow_pending_requests schema migration
// against driverName ("sqlite", "postgres", "mysql") at dsn, through a
// short-lived connection opened independently of the gorm pool Store uses
// afterward. A no-op (ErrNoChange) is not an error.
func Migrate(driverName, dsn string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		fsys    fs.FS
		dir     string
		sqlName string
		mkDriver func(*sql.DB) (database.Driver, error)
	)

	switch driverName {
	case "postgres":
		fsys, dir, sqlName = postgresMigrations, "migrations/postgres", "postgres"
		mkDriver = func(db *sql.DB) (database.Driver, error) {
			return postgres.WithInstance(db, &postgres.Config{})
		}
	case "mysql":
		fsys, dir, sqlName = mysqlMigrations, "migrations/mysql", "mysql"
		mkDriver = func(db *sql.DB) (database.Driver, error) {
			return mysql.WithInstance(db, &mysql.Config{})
		}
	case "sqlite", "":
		fsys, dir, sqlName = sqliteMigrations, "migrations/sqlite", "sqlite3"
		mkDriver = func(db *sql.DB) (database.Driver, error) {
			return sqlite3.WithInstance(db, &sqlite3.Config{})
		}
	default:
		return fmt.Errorf("overflow: unsupported migration driver %q", driverName)
	}

	db, err := sql.Open(sqlName, dsn)
	if err != nil {
		return fmt.Errorf("overflow: open migration connection: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("overflow: ping migration connection: %w", err)
	}

	dbDriver, err := mkDriver(db)
	if err != nil {
		return fmt.Errorf("overflow: create database driver: %w", err)
	}

	sourceDriver, err := iofs.New(fsys, dir)
	if err != nil {
		return fmt.Errorf("overflow: create source driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, driverName, dbDriver)
	if err != nil {
		return fmt.Errorf("overflow: create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("overflow: apply migrations: %w", err)
	}

	logger.Info("overflow schema migrations applied", zap.String("driver", driverName))
	return nil
}
