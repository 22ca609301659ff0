package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// DefaultMaxRetries bounds automatic retries when an entry does not set its own.
const DefaultMaxRetries = 5

type OperationType string

const (
	OpCatalogSync  OperationType = "catalog_sync"
	OpOrderSync    OperationType = "order_sync"
	OpStaffSync    OperationType = "staff_sync"
	OpCostSync     OperationType = "cost_sync"
	OpInitialSync  OperationType = "initial_sync"
	OpWebhookEvent OperationType = "webhook_event"
	OpAutoSync     OperationType = "auto_sync"
)

func (o OperationType) Valid() bool {
	switch o {
	case OpCatalogSync, OpOrderSync, OpStaffSync, OpCostSync, OpInitialSync, OpWebhookEvent, OpAutoSync:
		return true
	}
	return false
}

type Direction string

const (
	SourceToPOS   Direction = "source_to_pos"
	POSToSource   Direction = "pos_to_source"
	Bidirectional Direction = "bidirectional"
)

func (d Direction) Valid() bool {
	switch d {
	case SourceToPOS, POSToSource, Bidirectional:
		return true
	}
	return false
}

type Status string

const (
	StatusPending  Status = "pending"
	StatusSuccess  Status = "success"
	StatusError    Status = "error"
	StatusConflict Status = "conflict"
	StatusSkipped  Status = "skipped"
	StatusRetrying Status = "retrying"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSuccess, StatusError, StatusConflict, StatusSkipped, StatusRetrying:
		return true
	}
	return false
}

// Terminal reports whether no automatic retry follows this status.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusError, StatusConflict, StatusSkipped:
		return true
	}
	return false
}

// SyncLogEntry is one synchronization attempt. Rows are append-only apart from
// the single pending -> outcome transition and the superseded_by link set when
// a retry takes over.
type SyncLogEntry struct {
	ID            string          `db:"id"`
	OwnerID       string          `db:"owner_id"`
	OperationType OperationType   `db:"operation_type"`
	Direction     Direction       `db:"direction"`
	EntityType    sql.NullString  `db:"entity_type"`
	EntityID      sql.NullString  `db:"entity_id"`
	ExternalID    sql.NullString  `db:"external_id"`
	Status        Status          `db:"status"`
	ErrorMessage  sql.NullString  `db:"error_message"`
	ErrorDetails  json.RawMessage `db:"error_details"`
	Metadata      json.RawMessage `db:"metadata"`
	RetryCount    int             `db:"retry_count"`
	MaxRetries    int             `db:"max_retries"`
	NextRetryAt   sql.NullTime    `db:"next_retry_at"`
	SupersededBy  sql.NullString  `db:"superseded_by"`
	CreatedAt     time.Time       `db:"created_at"`
}

// Key returns the entity key "entityType:entityId" of the entry.
func (e *SyncLogEntry) Key() string {
	return e.EntityType.String + ":" + e.EntityID.String
}

// Outcome is the result written onto a pending entry once its dispatch ends.
type Outcome struct {
	Status       Status
	ExternalID   string
	ErrorMessage string
	ErrorDetails json.RawMessage
	RetryCount   int
	NextRetryAt  *time.Time
}

// HistoryFilter narrows History results. Zero values match everything.
type HistoryFilter struct {
	OperationType OperationType
	Status        Status
	EntityType    string
	EntityID      string
}

func NullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
