// Package pos is the boundary to the external point-of-sale provider. The
// provider exposes idempotent upsert-by-external-id; callers only rely on the
// retryable / permanent / conflict classification of failures.
package pos

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pos-sync-service/internal/config"
)

type UpsertRequest struct {
	OwnerID    string         `json:"owner_id"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	ExternalID string         `json:"external_id,omitempty"`
	Operation  string         `json:"operation"`
	Payload    map[string]any `json:"payload"`
}

type UpsertResult struct {
	ExternalID string `json:"external_id"`
}

// Client is implemented by provider integrations.
type Client interface {
	Upsert(ctx context.Context, req UpsertRequest) (*UpsertResult, error)
}

// Error is a classified provider failure.
type Error struct {
	StatusCode int
	Message    string
	Retryable  bool
	Conflict   bool
	// Remote is the provider's current copy of the entity, sent with conflicts.
	Remote map[string]any
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pos: %s: %v", e.Message, e.Err)
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("pos: status %d: %s", e.StatusCode, e.Message)
	}
	return "pos: " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPClient talks to the provider's REST API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewHTTPClient(cfg config.POSConfig) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
	}
}

type errorBody struct {
	Message string         `json:"message"`
	Current map[string]any `json:"current"`
}

func (c *HTTPClient) Upsert(ctx context.Context, req UpsertRequest) (*UpsertResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &Error{Message: "encode request", Err: err}
	}

	endpoint := fmt.Sprintf("%s/v1/%ss/%s", c.baseURL, url.PathEscape(req.EntityType), url.PathEscape(req.EntityID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Message: "build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", idempotencyKey(req, body))
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &Error{Message: "request failed", Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &Error{StatusCode: resp.StatusCode, Message: "read response", Retryable: true, Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var out UpsertResult
		// 204 and empty 200 bodies acknowledge the upsert without an id.
		if len(bytes.TrimSpace(data)) == 0 {
			return &out, nil
		}
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, &Error{StatusCode: resp.StatusCode, Message: "decode response", Err: err}
		}
		return &out, nil
	}

	var eb errorBody
	_ = json.Unmarshal(data, &eb)
	if eb.Message == "" {
		eb.Message = http.StatusText(resp.StatusCode)
	}

	return nil, &Error{
		StatusCode: resp.StatusCode,
		Message:    eb.Message,
		Retryable:  retryableStatus(resp.StatusCode),
		Conflict:   resp.StatusCode == http.StatusConflict,
		Remote:     eb.Current,
	}
}

// idempotencyKey is stable for a repeated push of the same body and changes
// with the payload.
func idempotencyKey(req UpsertRequest, body []byte) string {
	sum := sha256.Sum256(body)
	return fmt.Sprintf("%s:%s:%s:%s", req.OwnerID, req.EntityType, req.EntityID, hex.EncodeToString(sum[:8]))
}

func retryableStatus(code int) bool {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	case code >= 500:
		return true
	}
	return false
}

// IsRetryable reports whether err is a provider failure worth retrying.
// Context deadline errors count as retryable.
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return errors.Is(err, context.DeadlineExceeded)
}
