package event

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies a domain event. Subscriptions are validated against the
// closed set below; Wildcard is the only value accepted beyond it.
type Type string

const (
	WorkspaceCreated     Type = "workspace.created"
	WorkspaceDeleted     Type = "workspace.deleted"
	InvoicePaid          Type = "invoice.paid"
	InvoicePaymentFailed Type = "invoice.payment_failed"
	LinkClicked          Type = "link.clicked"
	DomainTransferred    Type = "domain.transferred"

	// Wildcard subscribes an endpoint to every event type.
	Wildcard Type = "*"
)

var known = map[Type]struct{}{
	WorkspaceCreated:     {},
	WorkspaceDeleted:     {},
	InvoicePaid:          {},
	InvoicePaymentFailed: {},
	LinkClicked:          {},
	DomainTransferred:    {},
}

// Known reports whether t is a member of the closed event-type set.
// Wildcard is not a concrete event type and returns false here.
func Known(t Type) bool {
	_, ok := known[t]
	return ok
}

// Types returns all concrete event types.
func Types() []Type {
	out := make([]Type, 0, len(known))
	for t := range known {
		out = append(out, t)
	}
	return out
}

// Envelope is the JSON body delivered to receivers. Receivers deduplicate on
// ID; WorkspaceID is null for platform-level events.
type Envelope struct {
	ID          string         `json:"id"`
	Type        Type           `json:"type"`
	CreatedAt   time.Time      `json:"created_at"`
	Data        map[string]any `json:"data"`
	WorkspaceID *int64         `json:"workspace_id"`
}

// NewEnvelope builds the wire envelope for a single event occurrence.
func NewEnvelope(t Type, data map[string]any, workspaceID *int64) Envelope {
	return Envelope{
		ID:          uuid.NewString(),
		Type:        t,
		CreatedAt:   time.Now().UTC(),
		Data:        data,
		WorkspaceID: workspaceID,
	}
}
