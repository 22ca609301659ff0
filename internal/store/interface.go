package store

import (
	"context"
)

// SyncLogStore is the durable record of synchronization attempts. Every
// method is scoped to one tenant except DueOwners, which the retry scheduler
// uses to find the tenants it has to visit.
type SyncLogStore interface {
	Record(ctx context.Context, entry *SyncLogEntry) error
	UpdateOutcome(ctx context.Context, id string, outcome Outcome) error
	MarkSuperseded(ctx context.Context, id, byID string) error
	Get(ctx context.Context, id string) (*SyncLogEntry, error)

	History(ctx context.Context, ownerID string, limit int, filter HistoryFilter) ([]*SyncLogEntry, error)
	Errors(ctx context.Context, ownerID string, windowDays int) ([]*SyncLogEntry, error)
	PendingRetries(ctx context.Context, ownerID string) ([]*SyncLogEntry, error)
	DueOwners(ctx context.Context) ([]string, error)
	LatestExternalID(ctx context.Context, ownerID, entityType, entityID string) (string, error)

	Close() error
}
