package sync

import (
	"pos-sync-service/internal/config"
)

// TenantPolicy decides whether an entity may be synced for a tenant. A false
// result records the attempt as skipped.
type TenantPolicy interface {
	Allowed(ownerID, entityType string) (bool, string)
}

type AllowAll struct{}

func (AllowAll) Allowed(string, string) (bool, string) { return true, "" }

// ConfigPolicy disables sync for listed tenants or entity types.
type ConfigPolicy struct {
	owners   map[string]bool
	entities map[string]bool
}

func NewConfigPolicy(cfg config.SyncConfig) *ConfigPolicy {
	p := &ConfigPolicy{owners: map[string]bool{}, entities: map[string]bool{}}
	for _, o := range cfg.DisabledOwners {
		p.owners[o] = true
	}
	for _, e := range cfg.DisabledEntities {
		p.entities[e] = true
	}
	return p
}

func (p *ConfigPolicy) Allowed(ownerID, entityType string) (bool, string) {
	if p.owners[ownerID] {
		return false, "pos sync disabled for tenant"
	}
	if p.entities[entityType] {
		return false, "pos sync disabled for " + entityType
	}
	return true, ""
}
