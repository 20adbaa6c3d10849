// Package postgres implements the endpoint and delivery stores on a pgx
// connection pool. Outcome reporting mutates the delivery row and the owning
// endpoint's health counters in one transaction.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/host-uk/hookline/internal/delivery"
	"github.com/host-uk/hookline/internal/endpoint"
	"github.com/host-uk/hookline/internal/event"
)

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// --- endpoint.Store ---

func (s *Store) CreateEndpoint(ctx context.Context, e *endpoint.Endpoint) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	events := make([]string, len(e.Events))
	for i, t := range e.Events {
		events[i] = string(t)
	}
	_, err := s.pool.Exec(ctx, queryInsertEndpoint,
		e.ID, e.WorkspaceID, e.URL, e.Description, e.Secret, events,
		e.Active, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert endpoint: %w", err)
	}
	return nil
}

func (s *Store) GetEndpoint(ctx context.Context, id string) (endpoint.Endpoint, error) {
	return scanEndpoint(s.pool.QueryRow(ctx, queryGetEndpoint, id))
}

func (s *Store) ListEndpoints(ctx context.Context, workspaceID int64) ([]endpoint.Endpoint, error) {
	rows, err := s.pool.Query(ctx, queryListEndpoints, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []endpoint.Endpoint
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) EnableEndpoint(ctx context.Context, id string) error {
	return s.execEndpoint(ctx, queryEnableEndpoint, id)
}

func (s *Store) DisableEndpoint(ctx context.Context, id string) error {
	return s.execEndpoint(ctx, queryDisableEndpoint, id)
}

func (s *Store) RotateEndpointSecret(ctx context.Context, id, secret string) error {
	ct, err := s.pool.Exec(ctx, queryRotateEndpointSecret, id, secret)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return endpoint.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteEndpoint(ctx context.Context, id string) error {
	return s.execEndpoint(ctx, queryDeleteEndpoint, id)
}

func (s *Store) execEndpoint(ctx context.Context, query, id string) error {
	ct, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return endpoint.ErrNotFound
	}
	return nil
}

// --- delivery.Store ---

func (s *Store) CreateDelivery(ctx context.Context, d *delivery.Delivery) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, queryInsertDelivery,
		d.ID, d.EndpointID, string(d.EventType),
		d.Envelope.ID, d.Envelope.CreatedAt, d.Envelope.Data, d.Envelope.WorkspaceID,
		d.Attempt, string(d.Status), d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

func (s *Store) GetDelivery(ctx context.Context, id string) (delivery.Delivery, error) {
	return scanDelivery(s.pool.QueryRow(ctx, queryGetDelivery, id))
}

func (s *Store) ListDeliveries(ctx context.Context, f delivery.ListFilter) ([]delivery.Delivery, error) {
	q := `SELECT` + deliveryColumns + ` FROM hookline.deliveries WHERE 1=1`
	args := []any{}
	argn := 0
	if f.EndpointID != "" {
		argn++
		q += fmt.Sprintf(" AND endpoint_id = $%d", argn)
		args = append(args, f.EndpointID)
	}
	if f.Status != "" {
		argn++
		q += fmt.Sprintf(" AND status = $%d", argn)
		args = append(args, string(f.Status))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	argn++
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", argn)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []delivery.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) Due(ctx context.Context, now time.Time, limit int) ([]delivery.Delivery, error) {
	return s.queryDeliveries(ctx, queryDue, now, limit)
}

func (s *Store) ClaimDue(ctx context.Context, now time.Time, limit int) ([]delivery.Delivery, error) {
	return s.queryDeliveries(ctx, queryClaimDue, now, limit)
}

func (s *Store) queryDeliveries(ctx context.Context, query string, args ...any) ([]delivery.Delivery, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []delivery.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) ClaimDelivery(ctx context.Context, id string, now time.Time) (delivery.Delivery, error) {
	d, err := scanDelivery(s.pool.QueryRow(ctx, queryClaimDelivery, id, now))
	if errors.Is(err, delivery.ErrNotFound) {
		// Row exists but was not claimable, or does not exist at all; the
		// caller treats both the same way.
		return delivery.Delivery{}, delivery.ErrNotClaimable
	}
	return d, err
}

func (s *Store) ReleaseExpiredClaims(ctx context.Context, now time.Time, lease time.Duration) (int, error) {
	ct, err := s.pool.Exec(ctx, queryReleaseExpiredClaims, now, now.Add(-lease))
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}

func (s *Store) ReleaseDelivery(ctx context.Context, id string, delay time.Duration) error {
	return s.mutateDelivery(ctx, id, nil, func(d *delivery.Delivery, now time.Time) error {
		return d.Release(delay, now)
	})
}

func (s *Store) MarkDeliverySuccess(ctx context.Context, id string, code int, body string) error {
	return s.mutateDelivery(ctx, id, s.recordEndpointSuccess, func(d *delivery.Delivery, now time.Time) error {
		return d.MarkSuccess(code, body, now)
	})
}

func (s *Store) MarkDeliveryFailed(ctx context.Context, id string, code int, body string) error {
	return s.mutateDelivery(ctx, id, s.recordEndpointFailure, func(d *delivery.Delivery, now time.Time) error {
		return d.MarkFailed(code, body, now)
	})
}

func (s *Store) RequeueDelivery(ctx context.Context, id string) error {
	return s.mutateDelivery(ctx, id, nil, func(d *delivery.Delivery, now time.Time) error {
		return d.Requeue(now)
	})
}

// mutateDelivery locks the row, applies the health side effect on the owning
// endpoint, applies the state transition, and writes the row back, all in one
// transaction. The health effect runs first so a failed attempt counts toward
// auto-disable even when the delivery transition is rejected as terminal.
func (s *Store) mutateDelivery(
	ctx context.Context,
	id string,
	health func(ctx context.Context, tx pgx.Tx, endpointID string) error,
	transition func(d *delivery.Delivery, now time.Time) error,
) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	d, err := scanDelivery(tx.QueryRow(ctx, queryGetDeliveryForUpdate, id))
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if health != nil {
		if err := health(ctx, tx, d.EndpointID); err != nil {
			return err
		}
	}
	if err := transition(&d, now); err != nil {
		if health != nil {
			// A rejected transition must not roll back the endpoint counter.
			if cErr := tx.Commit(ctx); cErr != nil {
				return cErr
			}
		}
		return err
	}
	if _, err := tx.Exec(ctx, queryUpdateDelivery,
		d.ID, d.Attempt, string(d.Status), d.ResponseCode, d.ResponseBody,
		d.DeliveredAt, d.NextRetryAt, d.ClaimedAt, d.UpdatedAt,
	); err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) recordEndpointSuccess(ctx context.Context, tx pgx.Tx, endpointID string) error {
	_, err := tx.Exec(ctx, queryRecordEndpointSuccess, endpointID)
	return err
}

func (s *Store) recordEndpointFailure(ctx context.Context, tx pgx.Tx, endpointID string) error {
	var active bool
	err := tx.QueryRow(ctx, queryRecordEndpointFailure, endpointID, endpoint.DisableThreshold).Scan(&active)
	if errors.Is(err, pgx.ErrNoRows) {
		// Endpoint already disabled or deleted; the floor is idempotent.
		return nil
	}
	return err
}

// --- row scanning ---

type row interface {
	Scan(dest ...any) error
}

func scanEndpoint(r row) (endpoint.Endpoint, error) {
	var (
		e      endpoint.Endpoint
		events []string
	)
	err := r.Scan(
		&e.ID, &e.WorkspaceID, &e.URL, &e.Description, &e.Secret, &events,
		&e.Active, &e.DisabledAt, &e.ConsecutiveFailures, &e.LastTriggeredAt,
		&e.CreatedAt, &e.UpdatedAt, &e.DeletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return endpoint.Endpoint{}, endpoint.ErrNotFound
	}
	if err != nil {
		return endpoint.Endpoint{}, err
	}
	e.Events = make([]event.Type, len(events))
	for i, t := range events {
		e.Events[i] = event.Type(t)
	}
	return e, nil
}

func scanDelivery(r row) (delivery.Delivery, error) {
	var (
		d         delivery.Delivery
		eventType string
		status    string
	)
	err := r.Scan(
		&d.ID, &d.EndpointID, &eventType,
		&d.Envelope.ID, &d.Envelope.CreatedAt, &d.Envelope.Data, &d.Envelope.WorkspaceID,
		&d.Attempt, &status, &d.ResponseCode, &d.ResponseBody,
		&d.DeliveredAt, &d.NextRetryAt, &d.ClaimedAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return delivery.Delivery{}, delivery.ErrNotFound
	}
	if err != nil {
		return delivery.Delivery{}, err
	}
	d.EventType = event.Type(eventType)
	d.Status = delivery.Status(status)
	d.Envelope.Type = d.EventType
	return d, nil
}
