package store

import (
	"context"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS sync_log (
		seq            INTEGER PRIMARY KEY AUTOINCREMENT,
		id             TEXT NOT NULL UNIQUE,
		owner_id       TEXT NOT NULL,
		operation_type TEXT NOT NULL,
		direction      TEXT NOT NULL,
		entity_type    TEXT,
		entity_id      TEXT,
		external_id    TEXT,
		status         TEXT NOT NULL,
		error_message  TEXT,
		error_details  TEXT,
		metadata       TEXT,
		retry_count    INTEGER NOT NULL DEFAULT 0,
		max_retries    INTEGER NOT NULL DEFAULT 5,
		next_retry_at  DATETIME,
		superseded_by  TEXT,
		created_at     DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_log_owner_created ON sync_log (owner_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_log_retry ON sync_log (status, next_retry_at)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_log_entity ON sync_log (owner_id, entity_type, entity_id)`,
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS sync_log (
		seq            BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		id             CHAR(36) NOT NULL UNIQUE,
		owner_id       VARCHAR(64) NOT NULL,
		operation_type VARCHAR(32) NOT NULL,
		direction      VARCHAR(32) NOT NULL,
		entity_type    VARCHAR(64) NULL,
		entity_id      VARCHAR(64) NULL,
		external_id    VARCHAR(128) NULL,
		status         VARCHAR(16) NOT NULL,
		error_message  TEXT NULL,
		error_details  TEXT NULL,
		metadata       TEXT NULL,
		retry_count    INT NOT NULL DEFAULT 0,
		max_retries    INT NOT NULL DEFAULT 5,
		next_retry_at  DATETIME(6) NULL,
		superseded_by  CHAR(36) NULL,
		created_at     DATETIME(6) NOT NULL,
		INDEX idx_sync_log_owner_created (owner_id, created_at),
		INDEX idx_sync_log_retry (status, next_retry_at),
		INDEX idx_sync_log_entity (owner_id, entity_type, entity_id)
	)`,
}

// EnsureSchema creates the sync_log table if it does not exist.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	stmts := sqliteSchema
	if s.db.Dialect == "mysql" {
		stmts = mysqlSchema
	}
	for _, stmt := range stmts {
		if _, err := s.db.DB.ExecContext(ctx, stmt); err != nil {
			return persistErr("ensure schema", err)
		}
	}
	return nil
}
