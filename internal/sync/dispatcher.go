package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"pos-sync-service/internal/database"
	"pos-sync-service/internal/logger"
	"pos-sync-service/internal/pos"
	"pos-sync-service/internal/store"
)

// Trigger sources recorded in entry metadata.
const (
	TriggerAuto   = "auto"
	TriggerManual = "manual"
	TriggerRetry  = "retry"
)

// ErrRetryServiced means another pass already took the retry over.
var ErrRetryServiced = errors.New("retry already serviced")

// PayloadSource loads the current source row of an entity.
type PayloadSource interface {
	Load(ctx context.Context, entityType, entityID string) (map[string]any, error)
}

// Request asks for one entity to be pushed to the POS.
type Request struct {
	OwnerID       string
	EntityType    string
	EntityID      string
	Operation     EventType
	OperationType store.OperationType
	Direction     store.Direction
	Trigger       string
	ChangedFields []string
}

// RequestFromEvent builds the dispatch request for a settled change event.
func RequestFromEvent(ev ChangeEvent) Request {
	trigger := ev.Trigger
	if trigger == "" {
		trigger = TriggerAuto
	}
	return Request{
		OwnerID:       ev.OwnerID,
		EntityType:    ev.EntityType,
		EntityID:      ev.EntityID,
		Operation:     ev.Operation,
		OperationType: ev.OperationType,
		Trigger:       trigger,
		ChangedFields: ev.ChangedFields,
	}
}

func (r *Request) normalize() error {
	if r.OwnerID == "" {
		return &ValidationError{Field: "owner_id", Reason: "is required"}
	}
	if r.EntityType == "" {
		return &ValidationError{Field: "entity_type", Reason: "is required"}
	}
	if r.EntityID == "" {
		return &ValidationError{Field: "entity_id", Reason: "is required"}
	}
	switch r.Operation {
	case "":
		r.Operation = Update
	case Insert, Update:
	default:
		return &ValidationError{Field: "operation", Reason: fmt.Sprintf("unsupported %q", r.Operation)}
	}
	if r.OperationType == "" {
		r.OperationType = OperationTypeFor(r.EntityType)
	}
	if !r.OperationType.Valid() {
		return &ValidationError{Field: "operation_type", Reason: fmt.Sprintf("unknown %q", r.OperationType)}
	}
	if r.Direction == "" {
		r.Direction = store.SourceToPOS
	}
	if !r.Direction.Valid() {
		return &ValidationError{Field: "direction", Reason: fmt.Sprintf("unknown %q", r.Direction)}
	}
	if r.Trigger == "" {
		r.Trigger = TriggerManual
	}
	return nil
}

// OperationTypeFor maps an entity type onto the sync operation recorded for it.
func OperationTypeFor(entityType string) store.OperationType {
	switch entityType {
	case "employee":
		return store.OpStaffSync
	case "menu_item", "recipe":
		return store.OpCatalogSync
	case "ingredient":
		return store.OpCostSync
	case "order":
		return store.OpOrderSync
	}
	return store.OpAutoSync
}

type DispatcherConfig struct {
	MaxRetries      int
	Backoff         Backoff
	ProviderTimeout time.Duration
	Now             func() time.Time
}

// Dispatcher performs one outbound sync per call and writes its outcome.
// Calls for the same entity key are serialized; different keys run in
// parallel.
type Dispatcher struct {
	store  store.SyncLogStore
	client pos.Client
	source PayloadSource
	policy TenantPolicy
	cfg    DispatcherConfig
	locks  *keyLocks
}

func NewDispatcher(st store.SyncLogStore, client pos.Client, source PayloadSource, policy TenantPolicy, cfg DispatcherConfig) *Dispatcher {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = store.DefaultMaxRetries
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if policy == nil {
		policy = AllowAll{}
	}
	return &Dispatcher{
		store:  st,
		client: client,
		source: source,
		policy: policy,
		cfg:    cfg,
		locks:  newKeyLocks(),
	}
}

// Dispatch runs a fresh sync for the request.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*store.SyncLogEntry, error) {
	if err := req.normalize(); err != nil {
		logger.Log.Warn("Dropping invalid sync request", zap.Error(err))
		return nil, err
	}

	unlock := d.locks.Lock(EntityKey(req.EntityType, req.EntityID))
	defer unlock()

	entry := &store.SyncLogEntry{
		OwnerID:       req.OwnerID,
		OperationType: req.OperationType,
		Direction:     req.Direction,
		EntityType:    store.NullString(req.EntityType),
		EntityID:      store.NullString(req.EntityID),
		Status:        store.StatusPending,
		MaxRetries:    d.cfg.MaxRetries,
		Metadata: encodeMetadata(map[string]any{
			"trigger":        req.Trigger,
			"operation":      req.Operation,
			"changed_fields": req.ChangedFields,
		}),
	}
	return d.run(ctx, entry, string(req.Operation), nil)
}

// Retry re-dispatches a due retrying entry. The attempt is a new row carrying
// the parent's retry count; the parent is linked to it and left unchanged
// otherwise.
func (d *Dispatcher) Retry(ctx context.Context, parent *store.SyncLogEntry) (*store.SyncLogEntry, error) {
	if parent.Status != store.StatusRetrying {
		return nil, fmt.Errorf("retry %s: %w: status is %s", parent.ID, store.ErrInvalidTransition, parent.Status)
	}
	if !parent.EntityType.Valid || !parent.EntityID.Valid {
		return nil, &ValidationError{Field: "entity", Reason: "retry without entity key"}
	}

	unlock := d.locks.Lock(parent.Key())
	defer unlock()

	// The caller's copy may be stale when another process shares the log.
	current, err := d.store.Get(ctx, parent.ID)
	switch {
	case err == nil:
		if current.SupersededBy.Valid || current.Status != store.StatusRetrying {
			return nil, fmt.Errorf("retry %s: %w", parent.ID, ErrRetryServiced)
		}
	case errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("retry %s: %w", parent.ID, err)
	default:
		logger.Log.Warn("Failed to re-read retry parent", zap.String("parent_id", parent.ID), zap.Error(err))
	}

	operation := string(Update)
	var meta map[string]any
	if len(parent.Metadata) > 0 && json.Unmarshal(parent.Metadata, &meta) == nil {
		if op, ok := meta["operation"].(string); ok && op != "" {
			operation = op
		}
	}

	entry := &store.SyncLogEntry{
		OwnerID:       parent.OwnerID,
		OperationType: parent.OperationType,
		Direction:     parent.Direction,
		EntityType:    parent.EntityType,
		EntityID:      parent.EntityID,
		ExternalID:    parent.ExternalID,
		Status:        store.StatusPending,
		RetryCount:    parent.RetryCount,
		MaxRetries:    parent.MaxRetries,
		Metadata: encodeMetadata(map[string]any{
			"trigger":   TriggerRetry,
			"operation": operation,
			"parent_id": parent.ID,
		}),
	}
	return d.run(ctx, entry, operation, parent)
}

func (d *Dispatcher) run(ctx context.Context, entry *store.SyncLogEntry, operation string, parent *store.SyncLogEntry) (*store.SyncLogEntry, error) {
	// Once started, the attempt and its outcome write run to completion.
	ctx = context.WithoutCancel(ctx)

	log := logger.Log.With(
		zap.String("owner_id", entry.OwnerID),
		zap.String("key", entry.Key()),
		zap.Int("retry_count", entry.RetryCount),
	)

	if ok, reason := d.policy.Allowed(entry.OwnerID, entry.EntityType.String); !ok {
		entry.Status = store.StatusSkipped
		entry.ErrorMessage = store.NullString(reason)
		if err := d.store.Record(ctx, entry); err != nil {
			log.Error("Failed to record skipped sync", zap.Error(err))
			return entry, err
		}
		if parent != nil {
			d.supersede(ctx, log, parent, entry)
		}
		log.Info("Sync skipped", zap.String("reason", reason))
		return entry, nil
	}

	var persistErr error
	if err := d.store.Record(ctx, entry); err != nil {
		// The push still happens; only its record is lost.
		log.Error("Failed to record sync attempt", zap.Error(err))
		persistErr = err
	}

	if persistErr == nil && parent != nil {
		if err := d.store.MarkSuperseded(ctx, parent.ID, entry.ID); err != nil {
			if errors.Is(err, store.ErrInvalidTransition) {
				// Another pass already took this retry over.
				out := store.Outcome{Status: store.StatusSkipped, ErrorMessage: "retry already serviced", RetryCount: entry.RetryCount}
				if uerr := d.store.UpdateOutcome(ctx, entry.ID, out); uerr != nil {
					log.Error("Failed to record sync outcome", zap.Error(uerr))
				}
				applyOutcome(entry, out)
				return entry, nil
			}
			log.Error("Failed to link retry to parent", zap.String("parent_id", parent.ID), zap.Error(err))
		}
	}

	outcome := d.push(ctx, entry, operation)
	applyOutcome(entry, outcome)

	if persistErr != nil {
		return entry, persistErr
	}
	if err := d.store.UpdateOutcome(ctx, entry.ID, outcome); err != nil {
		log.Error("Failed to record sync outcome", zap.String("status", string(outcome.Status)), zap.Error(err))
		return entry, err
	}

	fields := []zap.Field{zap.String("status", string(outcome.Status)), zap.String("entry_id", entry.ID)}
	switch outcome.Status {
	case store.StatusSuccess:
		log.Info("Sync succeeded", append(fields, zap.String("external_id", outcome.ExternalID))...)
	case store.StatusRetrying:
		log.Warn("Sync failed, retry scheduled", append(fields, zap.Timep("next_retry_at", outcome.NextRetryAt), zap.String("error", outcome.ErrorMessage))...)
	default:
		log.Error("Sync failed", append(fields, zap.String("error", outcome.ErrorMessage))...)
	}
	return entry, nil
}

func (d *Dispatcher) supersede(ctx context.Context, log *zap.Logger, parent, entry *store.SyncLogEntry) {
	if err := d.store.MarkSuperseded(ctx, parent.ID, entry.ID); err != nil {
		log.Error("Failed to link retry to parent", zap.String("parent_id", parent.ID), zap.Error(err))
	}
}

// push performs the provider call and classifies its result.
func (d *Dispatcher) push(ctx context.Context, entry *store.SyncLogEntry, operation string) store.Outcome {
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.ProviderTimeout)
	defer cancel()

	entityType, entityID := entry.EntityType.String, entry.EntityID.String

	payload, err := d.source.Load(callCtx, entityType, entityID)
	if err != nil {
		if errors.Is(err, database.ErrRowNotFound) {
			return d.failure(entry, &PermanentProviderError{Err: err})
		}
		return d.failure(entry, &TransientProviderError{Err: fmt.Errorf("load source row: %w", err)})
	}

	externalID := entry.ExternalID.String
	if externalID == "" {
		externalID, err = d.store.LatestExternalID(callCtx, entry.OwnerID, entityType, entityID)
		if err != nil {
			logger.Log.Warn("External id lookup failed", zap.String("key", entry.Key()), zap.Error(err))
		}
	}

	res, err := d.client.Upsert(callCtx, pos.UpsertRequest{
		OwnerID:    entry.OwnerID,
		EntityType: entityType,
		EntityID:   entityID,
		ExternalID: externalID,
		Operation:  operation,
		Payload:    payload,
	})
	if err != nil {
		cerr := classify(err)
		var ce *ConflictError
		if errors.As(cerr, &ce) && ce.Remote != nil && !Diverged(payload, ce.Remote) {
			// The POS already holds exactly this data.
			return store.Outcome{Status: store.StatusSuccess, ExternalID: externalID, RetryCount: entry.RetryCount}
		}
		return d.failure(entry, cerr)
	}

	ext := res.ExternalID
	if ext == "" {
		ext = externalID
	}
	return store.Outcome{Status: store.StatusSuccess, ExternalID: ext, RetryCount: entry.RetryCount}
}

// failure computes the retry state machine step for a failed attempt.
func (d *Dispatcher) failure(entry *store.SyncLogEntry, err error) store.Outcome {
	out := store.Outcome{
		ErrorMessage: err.Error(),
		RetryCount:   entry.RetryCount,
	}

	details := map[string]any{}
	var pe *pos.Error
	if errors.As(err, &pe) && pe.StatusCode != 0 {
		details["status_code"] = pe.StatusCode
	}

	var (
		transient *TransientProviderError
		conflict  *ConflictError
	)
	switch {
	case errors.As(err, &conflict):
		out.Status = store.StatusConflict
		details["kind"] = "conflict"
		if conflict.Remote != nil {
			details["remote"] = conflict.Remote
		}
	case errors.As(err, &transient):
		details["kind"] = "transient"
		next := entry.RetryCount + 1
		out.RetryCount = next
		if next < entry.MaxRetries {
			at := d.cfg.Now().Add(d.cfg.Backoff.Delay(next)).UTC()
			out.Status = store.StatusRetrying
			out.NextRetryAt = &at
		} else {
			out.Status = store.StatusError
			details["retries_exhausted"] = true
		}
	default:
		out.Status = store.StatusError
		details["kind"] = "permanent"
		if isValidation(err) {
			details["kind"] = "validation"
		}
	}

	out.ErrorDetails = encodeMetadata(details)
	return out
}

func applyOutcome(entry *store.SyncLogEntry, o store.Outcome) {
	entry.Status = o.Status
	entry.RetryCount = o.RetryCount
	entry.ErrorMessage = store.NullString(o.ErrorMessage)
	entry.ErrorDetails = o.ErrorDetails
	if o.ExternalID != "" {
		entry.ExternalID = store.NullString(o.ExternalID)
	}
	entry.NextRetryAt = sql.NullTime{}
	if o.NextRetryAt != nil {
		entry.NextRetryAt = sql.NullTime{Time: *o.NextRetryAt, Valid: true}
	}
}

func encodeMetadata(m map[string]any) json.RawMessage {
	for k, v := range m {
		if v == nil {
			delete(m, k)
		}
		if s, ok := v.([]string); ok && len(s) == 0 {
			delete(m, k)
		}
	}
	if len(m) == 0 {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return b
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// keyLocks is a refcounted mutex per entity key; entries are dropped once
// nobody holds or waits on them.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*keyLock)}
}

func (k *keyLocks) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
