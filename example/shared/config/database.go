package config

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/AntonStoeckl/transactional-entitymanager-go/entitymanager"
	"github.com/AntonStoeckl/transactional-entitymanager-go/entitymanager/sqlengine"
)

const (
	defaultMaxConnLifetime = time.Hour
	defaultMaxConnIdleTime = time.Minute * 5
	defaultConnectTimeout  = time.Second * 5
	sqliteMemoryDSN        = ":memory:"
)

var ErrOpeningDatabaseFailed = errors.New("opening database failed")

// OpenEngine opens the database named by cfg, creates the entity table and returns the engine together
// with the function closing the database.
func OpenEngine(ctx context.Context, cfg DatabaseConfig, logger entitymanager.Logger) (*sqlengine.Engine, func(), error) {
	var options []sqlengine.Option
	if cfg.Table != "" {
		options = append(options, sqlengine.WithTableName(cfg.Table))
	}

	if logger != nil {
		options = append(options, sqlengine.WithLogger(logger))
	}

	engine, closeDB, err := openEngine(ctx, cfg, options)
	if err != nil {
		return nil, nil, err
	}

	if schemaErr := engine.CreateSchema(ctx); schemaErr != nil {
		closeDB()
		return nil, nil, schemaErr
	}

	return engine, closeDB, nil
}

func openEngine(ctx context.Context, cfg DatabaseConfig, options []sqlengine.Option) (*sqlengine.Engine, func(), error) {
	switch cfg.Driver {
	case DriverSQLite:
		db, err := openSQLite(cfg)
		if err != nil {
			return nil, nil, err
		}

		engine, err := sqlengine.NewEngineFromSQLDB(db, append(options, sqlengine.WithSQLiteDialect())...)

		return withCloser(engine, err, func() { _ = db.Close() })

	case DriverPGX:
		pool, err := openPGXPool(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}

		engine, err := sqlengine.NewEngineFromPGXPool(pool, options...)

		return withCloser(engine, err, pool.Close)

	case DriverSQL:
		db, err := openSQLDB(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}

		engine, err := sqlengine.NewEngineFromSQLDB(db, options...)

		return withCloser(engine, err, func() { _ = db.Close() })

	case DriverSQLX:
		db, err := openSQLX(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}

		engine, err := sqlengine.NewEngineFromSQLX(db, options...)

		return withCloser(engine, err, func() { _ = db.Close() })

	default:
		return nil, nil, ErrUnsupportedDriver
	}
}

func withCloser(engine *sqlengine.Engine, err error, closeDB func()) (*sqlengine.Engine, func(), error) {
	if err != nil {
		closeDB()
		return nil, nil, err
	}

	return engine, closeDB, nil
}

// openSQLite opens the sqlite database, a private in-memory one without a DSN. In-memory databases
// are limited to one connection, every connection would see its own database.
func openSQLite(cfg DatabaseConfig) (*sql.DB, error) {
	dsn := cfg.DSN
	if dsn == "" {
		dsn = sqliteMemoryDSN
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Join(ErrOpeningDatabaseFailed, err)
	}

	db.SetMaxOpenConns(1)

	return db, nil
}

func openPGXPool(ctx context.Context, cfg DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, errors.Join(ErrOpeningDatabaseFailed, err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConns) //nolint:gosec
	poolConfig.MaxConnLifetime = defaultMaxConnLifetime
	poolConfig.MaxConnIdleTime = defaultMaxConnIdleTime
	poolConfig.ConnConfig.ConnectTimeout = defaultConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, errors.Join(ErrOpeningDatabaseFailed, err)
	}

	if pingErr := pool.Ping(ctx); pingErr != nil {
		pool.Close()
		return nil, errors.Join(ErrOpeningDatabaseFailed, pingErr)
	}

	return pool, nil
}

func openSQLDB(ctx context.Context, cfg DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, errors.Join(ErrOpeningDatabaseFailed, err)
	}

	configurePool(db, cfg.MaxConns)

	if pingErr := db.PingContext(ctx); pingErr != nil {
		_ = db.Close()
		return nil, errors.Join(ErrOpeningDatabaseFailed, pingErr)
	}

	return db, nil
}

func openSQLX(ctx context.Context, cfg DatabaseConfig) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, errors.Join(ErrOpeningDatabaseFailed, err)
	}

	configurePool(db.DB, cfg.MaxConns)

	if pingErr := db.PingContext(ctx); pingErr != nil {
		_ = db.Close()
		return nil, errors.Join(ErrOpeningDatabaseFailed, pingErr)
	}

	return db, nil
}

func configurePool(db *sql.DB, maxConns int) {
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(defaultMaxConnLifetime)
	db.SetConnMaxIdleTime(defaultMaxConnIdleTime)
}
