package endpoint

import (
	"context"
	"errors"
	"time"

	"github.com/host-uk/hookline/internal/event"
)

// DisableThreshold is the consecutive-failure count at which an endpoint is
// automatically disabled. Auto-disable is the only automatic path to
// active=false; re-enabling is an operator action.
const DisableThreshold = 10

var (
	ErrNotFound   = errors.New("endpoint: not found")
	ErrInvalidURL = errors.New("endpoint: invalid url")
	ErrBadEvent   = errors.New("endpoint: unknown event type in subscription")
)

// Endpoint is a workspace-configured HTTP receiver subscribed to one or more
// event types.
type Endpoint struct {
	ID          string       `json:"id"`
	WorkspaceID int64        `json:"workspace_id"`
	URL         string       `json:"url"`
	Description string       `json:"description,omitempty"`
	Secret      string       `json:"-"`
	Events      []event.Type `json:"events"`

	Active              bool       `json:"active"`
	DisabledAt          *time.Time `json:"disabled_at,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastTriggeredAt     *time.Time `json:"last_triggered_at,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"-"`
}

// New returns an endpoint in its initial healthy state. The caller supplies a
// freshly generated secret.
func New(workspaceID int64, url string, events []event.Type, description, secret string) Endpoint {
	now := time.Now().UTC()
	return Endpoint{
		WorkspaceID: workspaceID,
		URL:         url,
		Description: description,
		Secret:      secret,
		Events:      events,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// ShouldReceive reports whether this endpoint is eligible for eventType:
// active, not disabled, not deleted, and subscribed either to the type
// itself or to the wildcard.
func (e *Endpoint) ShouldReceive(eventType event.Type) bool {
	if !e.Active || e.DisabledAt != nil || e.DeletedAt != nil {
		return false
	}
	for _, t := range e.Events {
		if t == eventType || t == event.Wildcard {
			return true
		}
	}
	return false
}

// RecordSuccess resets the consecutive-failure counter. Idempotent.
func (e *Endpoint) RecordSuccess(now time.Time) {
	e.ConsecutiveFailures = 0
	e.LastTriggeredAt = &now
	e.UpdatedAt = now
}

// RecordFailure increments the consecutive-failure counter and disables the
// endpoint when the post-increment count reaches DisableThreshold. An
// already-disabled endpoint is left untouched (idempotent floor). Returns
// true when this call disabled the endpoint.
func (e *Endpoint) RecordFailure(now time.Time) bool {
	if !e.Active && e.DisabledAt != nil {
		return false
	}
	e.ConsecutiveFailures++
	e.LastTriggeredAt = &now
	e.UpdatedAt = now
	if e.ConsecutiveFailures >= DisableThreshold {
		e.Active = false
		e.DisabledAt = &now
		return true
	}
	return false
}

// Enable re-activates a disabled endpoint and clears its failure history.
func (e *Endpoint) Enable(now time.Time) {
	e.Active = true
	e.DisabledAt = nil
	e.ConsecutiveFailures = 0
	e.UpdatedAt = now
}

// Disable deactivates an endpoint by operator action.
func (e *Endpoint) Disable(now time.Time) {
	e.Active = false
	e.DisabledAt = &now
	e.UpdatedAt = now
}

// ValidateEvents rejects subscriptions containing event types outside the
// closed set (wildcard excepted).
func ValidateEvents(events []event.Type) error {
	for _, t := range events {
		if t != event.Wildcard && !event.Known(t) {
			return ErrBadEvent
		}
	}
	return nil
}

// Store is the persistence contract for endpoint configuration and health.
// Health counters are mutated by the delivery store as a side effect of
// outcome reporting, not through this interface.
type Store interface {
	CreateEndpoint(ctx context.Context, e *Endpoint) error
	GetEndpoint(ctx context.Context, id string) (Endpoint, error)
	ListEndpoints(ctx context.Context, workspaceID int64) ([]Endpoint, error)
	EnableEndpoint(ctx context.Context, id string) error
	DisableEndpoint(ctx context.Context, id string) error
	RotateEndpointSecret(ctx context.Context, id, secret string) error
	DeleteEndpoint(ctx context.Context, id string) error
}
