package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"pos-sync-service/internal/logger"
	"pos-sync-service/internal/store"
	"pos-sync-service/internal/sync"
)

// Engine is the part of sync.Manager the API drives.
type Engine interface {
	Start() error
	Stop()
	GetStatus() string
	PendingDebounces() int
	Trigger(ctx context.Context, req sync.Request, immediate bool) (*store.SyncLogEntry, error)
	RunRetries(ctx context.Context) int
	History(ctx context.Context, ownerID string, limit int, filter store.HistoryFilter) ([]*store.SyncLogEntry, error)
	Errors(ctx context.Context, ownerID string, windowDays int) ([]*store.SyncLogEntry, error)
	PendingRetries(ctx context.Context, ownerID string) ([]*store.SyncLogEntry, error)
}

type triggerRequest struct {
	OwnerID       string              `json:"owner_id"`
	EntityType    string              `json:"entity_type"`
	EntityID      string              `json:"entity_id"`
	Operation     sync.EventType      `json:"operation"`
	OperationType store.OperationType `json:"operation_type"`
	Immediate     bool                `json:"immediate"`
}

type entryView struct {
	ID            string              `json:"id"`
	OwnerID       string              `json:"owner_id"`
	OperationType store.OperationType `json:"operation_type"`
	Direction     store.Direction     `json:"direction"`
	EntityType    string              `json:"entity_type,omitempty"`
	EntityID      string              `json:"entity_id,omitempty"`
	ExternalID    string              `json:"external_id,omitempty"`
	Status        store.Status        `json:"status"`
	ErrorMessage  string              `json:"error_message,omitempty"`
	ErrorDetails  json.RawMessage     `json:"error_details,omitempty"`
	Metadata      json.RawMessage     `json:"metadata,omitempty"`
	RetryCount    int                 `json:"retry_count"`
	MaxRetries    int                 `json:"max_retries"`
	NextRetryAt   *time.Time          `json:"next_retry_at,omitempty"`
	SupersededBy  string              `json:"superseded_by,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
}

func newEntryView(e *store.SyncLogEntry) entryView {
	v := entryView{
		ID:            e.ID,
		OwnerID:       e.OwnerID,
		OperationType: e.OperationType,
		Direction:     e.Direction,
		EntityType:    e.EntityType.String,
		EntityID:      e.EntityID.String,
		ExternalID:    e.ExternalID.String,
		Status:        e.Status,
		ErrorMessage:  e.ErrorMessage.String,
		ErrorDetails:  e.ErrorDetails,
		Metadata:      e.Metadata,
		RetryCount:    e.RetryCount,
		MaxRetries:    e.MaxRetries,
		SupersededBy:  e.SupersededBy.String,
		CreatedAt:     e.CreatedAt,
	}
	if e.NextRetryAt.Valid {
		t := e.NextRetryAt.Time
		v.NextRetryAt = &t
	}
	return v
}

func entryViews(entries []*store.SyncLogEntry) []entryView {
	out := make([]entryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, newEntryView(e))
	}
	return out
}

// writeEngineError maps engine errors onto HTTP status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	var ve *sync.ValidationError
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, err.Error())
	case store.IsPersistence(err):
		logger.Log.Error("Sync log unavailable", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "sync log unavailable")
	default:
		logger.Log.Error("Request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	var body triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	entry, err := h.engine.Trigger(r.Context(), sync.Request{
		OwnerID:       body.OwnerID,
		EntityType:    body.EntityType,
		EntityID:      body.EntityID,
		Operation:     body.Operation,
		OperationType: body.OperationType,
		Trigger:       sync.TriggerManual,
	}, body.Immediate)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if entry == nil {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
		return
	}
	writeJSON(w, http.StatusOK, newEntryView(entry))
}

func ownerParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner := r.URL.Query().Get("owner_id")
	if owner == "" {
		writeError(w, http.StatusBadRequest, "owner_id is required")
		return "", false
	}
	return owner, true
}

func intParam(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}

func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerParam(w, r)
	if !ok {
		return
	}
	limit, ok := intParam(w, r, "limit")
	if !ok {
		return
	}

	q := r.URL.Query()
	filter := store.HistoryFilter{
		OperationType: store.OperationType(q.Get("operation_type")),
		Status:        store.Status(q.Get("status")),
		EntityType:    q.Get("entity_type"),
		EntityID:      q.Get("entity_id"),
	}
	if filter.OperationType != "" && !filter.OperationType.Valid() {
		writeError(w, http.StatusBadRequest, "unknown operation_type")
		return
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}

	entries, err := h.engine.History(r.Context(), owner, limit, filter)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entryViews(entries))
}

func (h *Handler) GetErrors(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerParam(w, r)
	if !ok {
		return
	}
	days, ok := intParam(w, r, "window_days")
	if !ok {
		return
	}

	entries, err := h.engine.Errors(r.Context(), owner, days)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entryViews(entries))
}

func (h *Handler) GetPendingRetries(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerParam(w, r)
	if !ok {
		return
	}

	entries, err := h.engine.PendingRetries(r.Context(), owner)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entryViews(entries))
}

func (h *Handler) RunRetries(w http.ResponseWriter, r *http.Request) {
	n := h.engine.RunRetries(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{"dispatched": n})
}

func (h *Handler) StartSync(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Start(); err != nil {
		if errors.Is(err, sync.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (h *Handler) StopSync(w http.ResponseWriter, r *http.Request) {
	h.engine.Stop()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (h *Handler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            h.engine.GetStatus(),
		"pending_debounces": h.engine.PendingDebounces(),
	})
}
