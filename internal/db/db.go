// Package db opens the relational backends of the credential store. SQLite
// is the zero-dependency default and is migrated with AutoMigrate;
// PostgreSQL is migrated with the embedded SQL files and also yields the
// pgx pool River runs on. MongoDB is opened by store.OpenMongo instead.
package db

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"math"

	"github.com/d9705996/bookkeeper/internal/config"
	"github.com/d9705996/bookkeeper/internal/model"
	"github.com/glebarez/sqlite"
	"github.com/golang-migrate/migrate/v4"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MigrationsTable records the applied SQL schema version on PostgreSQL.
const MigrationsTable = "bookkeeper_schema_migrations"

// sqlitePragmas are applied to every SQLite connection before migrating.
var sqlitePragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA foreign_keys=ON",
	"PRAGMA busy_timeout=5000",
}

// Conn is an open relational backend.
type Conn struct {
	Gorm *gorm.DB
	// Pool is set only for postgres.
	Pool *pgxpool.Pool
	// SchemaVersion is the applied SQL migration; zero for SQLite, whose
	// schema follows the model structs.
	SchemaVersion uint
}

// Close releases the GORM handle and the pool.
func (c *Conn) Close() error {
	var err error
	if sqlDB, e := c.Gorm.DB(); e == nil {
		err = sqlDB.Close()
	}
	if c.Pool != nil {
		c.Pool.Close()
	}
	return err
}

// Open connects to the configured relational driver and brings its schema
// up to date.
func Open(ctx context.Context, cfg *config.DBConfig) (*Conn, error) {
	switch cfg.Driver {
	case "postgres":
		return openPostgres(ctx, cfg)
	case "", "sqlite":
		gdb, err := OpenSQLite(cfg.File)
		if err != nil {
			return nil, err
		}
		return &Conn{Gorm: gdb}, nil
	default:
		return nil, fmt.Errorf("db: driver %q is not relational", cfg.Driver)
	}
}

// OpenSQLite opens (or creates) the SQLite database at dsn and migrates it
// to the current models. dsn may be a file path or a "file:" URI.
func OpenSQLite(dsn string) (*gorm.DB, error) {
	gdb, err := gorm.Open(sqlite.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	for _, pragma := range sqlitePragmas {
		if err := gdb.Exec(pragma).Error; err != nil {
			return nil, fmt.Errorf("sqlite %q: %w", pragma, err)
		}
	}
	if err := gdb.AutoMigrate(model.All()...); err != nil {
		return nil, fmt.Errorf("sqlite automigrate: %w", err)
	}
	return gdb, nil
}

// poolConfig parses dsn and applies the pool limits from cfg.
func poolConfig(cfg *config.DBConfig) (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse DB_DSN: %w", err)
	}
	switch {
	case cfg.MaxConns > math.MaxInt32:
		return nil, fmt.Errorf("DB_MAX_CONNS %d exceeds %d", cfg.MaxConns, math.MaxInt32)
	case cfg.MaxConns > 0:
		pc.MaxConns = int32(cfg.MaxConns)
	}
	return pc, nil
}

func openPostgres(ctx context.Context, cfg *config.DBConfig) (*Conn, error) {
	pc, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}
	version, err := migratePostgres(pc.ConnConfig)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("create pgxpool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: stdlib.OpenDBFromPool(pool)}), gormConfig())
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("open gorm/postgres: %w", err)
	}
	return &Conn{Gorm: gdb, Pool: pool, SchemaVersion: version}, nil
}

// migratePostgres applies the embedded migrations over a dedicated
// connection and returns the resulting version.
func migratePostgres(cc *pgx.ConnConfig) (uint, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return 0, fmt.Errorf("load migrations: %w", err)
	}
	sqlDB := stdlib.OpenDB(*cc)
	defer func() { _ = sqlDB.Close() }()

	driver, err := migratepostgres.WithInstance(sqlDB, &migratepostgres.Config{MigrationsTable: MigrationsTable})
	if err != nil {
		return 0, fmt.Errorf("postgres migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return 0, fmt.Errorf("create migrator: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("run migrations: %w", err)
	}
	version, dirty, err := m.Version()
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	if dirty {
		return 0, fmt.Errorf("schema version %d is dirty", version)
	}
	return version, nil
}

// gormConfig silences the GORM logger and turns driver constraint errors
// into gorm.ErrDuplicatedKey so the store can map them.
func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	}
}
