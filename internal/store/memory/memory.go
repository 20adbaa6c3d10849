// Package memory is an in-process implementation of the endpoint and
// delivery stores. It backs tests and single-node development; production
// runs the postgres store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/host-uk/hookline/internal/delivery"
	"github.com/host-uk/hookline/internal/endpoint"
)

// Store holds endpoints and deliveries in maps guarded by one mutex, which
// gives the same claim exclusivity and atomic health updates the postgres
// store gets from row locks.
type Store struct {
	mu         sync.Mutex
	endpoints  map[string]*endpoint.Endpoint
	deliveries map[string]*delivery.Delivery

	// Now is the clock; tests override it.
	Now func() time.Time
}

func New() *Store {
	return &Store{
		endpoints:  make(map[string]*endpoint.Endpoint),
		deliveries: make(map[string]*delivery.Delivery),
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

// --- endpoint.Store ---

func (s *Store) CreateEndpoint(_ context.Context, e *endpoint.Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	cp := *e
	s.endpoints[e.ID] = &cp
	return nil
}

func (s *Store) GetEndpoint(_ context.Context, id string) (endpoint.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.endpoints[id]
	if !ok {
		return endpoint.Endpoint{}, endpoint.ErrNotFound
	}
	return *e, nil
}

func (s *Store) ListEndpoints(_ context.Context, workspaceID int64) ([]endpoint.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []endpoint.Endpoint
	for _, e := range s.endpoints {
		if e.WorkspaceID == workspaceID && e.DeletedAt == nil {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) EnableEndpoint(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.endpoints[id]
	if !ok {
		return endpoint.ErrNotFound
	}
	e.Enable(s.Now())
	return nil
}

func (s *Store) DisableEndpoint(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.endpoints[id]
	if !ok {
		return endpoint.ErrNotFound
	}
	e.Disable(s.Now())
	return nil
}

func (s *Store) RotateEndpointSecret(_ context.Context, id, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.endpoints[id]
	if !ok {
		return endpoint.ErrNotFound
	}
	e.Secret = secret
	e.UpdatedAt = s.Now()
	return nil
}

func (s *Store) DeleteEndpoint(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.endpoints[id]
	if !ok {
		return endpoint.ErrNotFound
	}
	now := s.Now()
	e.DeletedAt = &now
	e.UpdatedAt = now
	return nil
}

// --- delivery.Store ---

func (s *Store) CreateDelivery(_ context.Context, d *delivery.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	cp := *d
	s.deliveries[d.ID] = &cp
	return nil
}

func (s *Store) GetDelivery(_ context.Context, id string) (delivery.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return delivery.Delivery{}, delivery.ErrNotFound
	}
	return *d, nil
}

func (s *Store) ListDeliveries(_ context.Context, f delivery.ListFilter) ([]delivery.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []delivery.Delivery
	for _, d := range s.deliveries {
		if f.EndpointID != "" && d.EndpointID != f.EndpointID {
			continue
		}
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) Due(_ context.Context, now time.Time, limit int) ([]delivery.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dueLocked(now, limit), nil
}

func (s *Store) dueLocked(now time.Time, limit int) []delivery.Delivery {
	var out []delivery.Delivery
	for _, d := range s.deliveries {
		if d.Due(now) {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *Store) ClaimDue(_ context.Context, now time.Time, limit int) ([]delivery.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	due := s.dueLocked(now, limit)
	out := make([]delivery.Delivery, 0, len(due))
	for _, d := range due {
		rec := s.deliveries[d.ID]
		if err := rec.Claim(now); err != nil {
			continue
		}
		out = append(out, *rec)
	}
	return out, nil
}

func (s *Store) ClaimDelivery(_ context.Context, id string, now time.Time) (delivery.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return delivery.Delivery{}, delivery.ErrNotFound
	}
	if err := d.Claim(now); err != nil {
		return delivery.Delivery{}, err
	}
	return *d, nil
}

func (s *Store) ReleaseExpiredClaims(_ context.Context, now time.Time, lease time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, d := range s.deliveries {
		if d.Status == delivery.StatusInflight && d.ClaimedAt != nil && now.Sub(*d.ClaimedAt) > lease {
			d.Status = delivery.StatusRetrying
			next := now
			d.NextRetryAt = &next
			d.ClaimedAt = nil
			d.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *Store) ReleaseDelivery(_ context.Context, id string, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return delivery.ErrNotFound
	}
	return d.Release(delay, s.Now())
}

func (s *Store) MarkDeliverySuccess(_ context.Context, id string, code int, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return delivery.ErrNotFound
	}
	now := s.Now()
	if err := d.MarkSuccess(code, body, now); err != nil {
		return err
	}
	if e, ok := s.endpoints[d.EndpointID]; ok {
		e.RecordSuccess(now)
	}
	return nil
}

func (s *Store) MarkDeliveryFailed(_ context.Context, id string, code int, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return delivery.ErrNotFound
	}
	now := s.Now()
	// Endpoint failure is recorded first: every failed attempt counts toward
	// auto-disable, whether or not the delivery has retries left.
	if e, ok := s.endpoints[d.EndpointID]; ok {
		e.RecordFailure(now)
	}
	return d.MarkFailed(code, body, now)
}

func (s *Store) RequeueDelivery(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return delivery.ErrNotFound
	}
	return d.Requeue(s.Now())
}
