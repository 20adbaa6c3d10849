package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/host-uk/hookline/internal/event"
)

// Status is the delivery state-machine state.
type Status string

const (
	// StatusPending means no attempt has been made yet.
	StatusPending Status = "pending"

	// StatusInflight means a worker has claimed the delivery and an HTTP
	// attempt is in progress. Claimed rows are invisible to the selector.
	StatusInflight Status = "inflight"

	// StatusRetrying means the last attempt failed and another is scheduled
	// at NextRetryAt.
	StatusRetrying Status = "retrying"

	// StatusSuccess is terminal: the receiver acknowledged with a 2xx.
	StatusSuccess Status = "success"

	// StatusFailed is terminal: all attempts are exhausted.
	StatusFailed Status = "failed"
)

// MaxAttempts caps the attempt counter. A delivery whose fifth attempt fails
// is terminal.
const MaxAttempts = 5

// ResponseBodyLimit bounds the stored receiver response body.
const ResponseBodyLimit = 10000

var (
	ErrNotFound     = errors.New("delivery: not found")
	ErrTerminal     = errors.New("delivery: record is terminal")
	ErrNotClaimable = errors.New("delivery: not claimable")
	ErrNotRetryable = errors.New("delivery: not retryable")
)

// Delivery is the per-event, per-endpoint attempt ledger row. It is created
// pending by the publisher and mutated only through MarkSuccess/MarkFailed
// (and the claim/release transitions of the Store). Rows are never deleted.
type Delivery struct {
	ID         string         `json:"id"`
	EndpointID string         `json:"endpoint_id"`
	EventType  event.Type     `json:"event_type"`
	Envelope   event.Envelope `json:"envelope"`

	Attempt      int        `json:"attempt"`
	Status       Status     `json:"status"`
	ResponseCode int        `json:"response_code,omitempty"`
	ResponseBody string     `json:"response_body,omitempty"`
	DeliveredAt  *time.Time `json:"delivered_at,omitempty"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty"`
	ClaimedAt    *time.Time `json:"claimed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New builds the delivery record and its envelope for a single event going to
// a single endpoint. Attempt starts at 1.
func New(endpointID string, eventType event.Type, data map[string]any, workspaceID *int64) Delivery {
	now := time.Now().UTC()
	return Delivery{
		ID:         uuid.NewString(),
		EndpointID: endpointID,
		EventType:  eventType,
		Envelope:   event.NewEnvelope(eventType, data, workspaceID),
		Attempt:    1,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Terminal reports whether the record can no longer change state.
func (d *Delivery) Terminal() bool {
	return d.Status == StatusSuccess || d.Status == StatusFailed
}

// CanRetry reports whether another attempt is still possible.
func (d *Delivery) CanRetry() bool {
	return d.Attempt < MaxAttempts && d.Status != StatusSuccess
}

// Due reports whether the selector should return this record: pending
// unconditionally, retrying once NextRetryAt has passed.
func (d *Delivery) Due(now time.Time) bool {
	switch d.Status {
	case StatusPending:
		return true
	case StatusRetrying:
		return d.NextRetryAt != nil && !d.NextRetryAt.After(now)
	default:
		return false
	}
}

// MarkSuccess transitions the record to its terminal success state.
func (d *Delivery) MarkSuccess(code int, body string, now time.Time) error {
	if d.Terminal() {
		return ErrTerminal
	}
	d.Status = StatusSuccess
	d.ResponseCode = code
	d.ResponseBody = truncate(body)
	t := now
	d.DeliveredAt = &t
	d.NextRetryAt = nil
	d.ClaimedAt = nil
	d.UpdatedAt = now
	return nil
}

// MarkFailed records a failed attempt. With attempts remaining it advances
// the counter and schedules the next attempt; at MaxAttempts it is terminal.
// The caller (the Store) records the endpoint failure before applying this
// transition, so every failed attempt counts toward auto-disable.
func (d *Delivery) MarkFailed(code int, body string, now time.Time) error {
	if d.Terminal() {
		return ErrTerminal
	}
	d.ResponseCode = code
	d.ResponseBody = truncate(body)
	d.ClaimedAt = nil
	d.UpdatedAt = now
	if d.Attempt >= MaxAttempts {
		d.Status = StatusFailed
		d.NextRetryAt = nil
		return nil
	}
	d.Attempt++
	d.Status = StatusRetrying
	next := now.Add(RetryDelay(d.Attempt))
	d.NextRetryAt = &next
	return nil
}

// Claim transitions a due record to inflight. ErrNotClaimable when another
// worker got there first or the record is not due.
func (d *Delivery) Claim(now time.Time) error {
	if !d.Due(now) {
		return ErrNotClaimable
	}
	d.Status = StatusInflight
	t := now
	d.ClaimedAt = &t
	d.UpdatedAt = now
	return nil
}

// Release returns an inflight record to the retrying pool without consuming
// an attempt, pushed out by delay. Used when the claiming worker cannot
// complete the attempt (shutdown, endpoint disabled since enqueue).
func (d *Delivery) Release(delay time.Duration, now time.Time) error {
	if d.Status != StatusInflight {
		return ErrNotClaimable
	}
	d.Status = StatusRetrying
	next := now.Add(delay)
	d.NextRetryAt = &next
	d.ClaimedAt = nil
	d.UpdatedAt = now
	return nil
}

// Requeue puts a terminal-failed record back into the pending pool for an
// operator-initiated retry. The attempt counter is not rewound, so the record
// gets exactly one more attempt: a failure is terminal again immediately.
func (d *Delivery) Requeue(now time.Time) error {
	if d.Status != StatusFailed {
		return ErrNotRetryable
	}
	d.Status = StatusPending
	d.NextRetryAt = nil
	d.UpdatedAt = now
	return nil
}

func truncate(s string) string {
	if len(s) > ResponseBodyLimit {
		return s[:ResponseBodyLimit]
	}
	return s
}

// ListFilter narrows ListDeliveries results.
type ListFilter struct {
	EndpointID string
	Status     Status
	Limit      int
}

// Store is the persistence contract for the delivery ledger. MarkFailed and
// MarkSuccess apply the endpoint health side effect in the same transaction
// as the delivery transition; callers never touch endpoint counters directly.
type Store interface {
	CreateDelivery(ctx context.Context, d *Delivery) error
	GetDelivery(ctx context.Context, id string) (Delivery, error)
	ListDeliveries(ctx context.Context, f ListFilter) ([]Delivery, error)

	// Due is the read-only selector: pending plus retrying-and-ripe records.
	Due(ctx context.Context, now time.Time, limit int) ([]Delivery, error)

	// ClaimDue atomically moves up to limit due records to inflight and
	// returns them. Two concurrent calls never return the same record.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]Delivery, error)

	// ClaimDelivery claims one specific record if it is due.
	ClaimDelivery(ctx context.Context, id string, now time.Time) (Delivery, error)

	// ReleaseExpiredClaims returns inflight records whose claim is older than
	// lease to the due pool. Recovers deliveries orphaned by worker crashes.
	ReleaseExpiredClaims(ctx context.Context, now time.Time, lease time.Duration) (int, error)

	// ReleaseDelivery pushes an inflight record back by delay without
	// consuming an attempt.
	ReleaseDelivery(ctx context.Context, id string, delay time.Duration) error

	MarkDeliverySuccess(ctx context.Context, id string, code int, body string) error
	MarkDeliveryFailed(ctx context.Context, id string, code int, body string) error

	// RequeueDelivery is the operator retry of a terminal-failed record.
	RequeueDelivery(ctx context.Context, id string) error
}
