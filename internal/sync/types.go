package sync

import (
	"fmt"

	"pos-sync-service/internal/store"
)

type EventType string

const (
	Insert EventType = "insert"
	Update EventType = "update"
	Delete EventType = "delete"
)

// RowChange is one row-level notification from the datastore change feed.
// Old is nil for inserts.
type RowChange struct {
	Type  EventType
	Table string
	Old   map[string]any
	New   map[string]any
}

func (c RowChange) String() string {
	return fmt.Sprintf("[%s] %s", c.Type, c.Table)
}

// ChangeEvent is a normalized, sync-worthy change to one entity. Trigger
// and OperationType are only set for requests entering through the trigger
// API; detected changes leave them empty.
type ChangeEvent struct {
	OwnerID       string
	EntityType    string
	EntityID      string
	Operation     EventType
	ChangedFields []string
	Trigger       string
	OperationType store.OperationType
}

// Key identifies the entity the event belongs to.
func (e ChangeEvent) Key() string {
	return EntityKey(e.EntityType, e.EntityID)
}

func EntityKey(entityType, entityID string) string {
	return entityType + ":" + entityID
}
