package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"pos-sync-service/internal/config"
	"pos-sync-service/internal/logger"
)

type Database struct {
	DB      *sql.DB
	Dialect string
}

// MySQLDSN builds a go-sql-driver DSN for a connection config.
func MySQLDSN(cfg config.DatabaseConnection) string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&loc=UTC&multiStatements=true",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
}

// SQLiteDSN builds a modernc.org/sqlite DSN for a file path.
func SQLiteDSN(path string) string {
	if path == "" || path == ":memory:" {
		return "file::memory:?_time_format=sqlite"
	}
	return fmt.Sprintf("file:%s?_time_format=sqlite&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
}

// NewDatabase connects to the primary MySQL datastore.
func NewDatabase(cfg config.DatabaseConnection) (*Database, error) {
	db, err := Open("mysql", MySQLDSN(cfg))
	if err != nil {
		return nil, err
	}

	logger.Log.Info("Connected to database",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database),
	)
	return db, nil
}

// Open opens and pings a database for the given dialect ("mysql" or "sqlite").
func Open(dialect, dsn string) (*Database, error) {
	db, err := sql.Open(dialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Connection pool settings
	switch dialect {
	case "sqlite":
		db.SetMaxOpenConns(1)
	default:
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(time.Hour)
	}

	return &Database{
		DB:      db,
		Dialect: dialect,
	}, nil
}

func (d *Database) Close() error {
	return d.DB.Close()
}

// ExecTx executes a function within a transaction
func (d *Database) ExecTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx err: %v, rb err: %v", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}
