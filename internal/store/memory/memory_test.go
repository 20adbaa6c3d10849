package memory

import (
	"context"
	"testing"
	"time"

	"github.com/host-uk/hookline/internal/delivery"
	"github.com/host-uk/hookline/internal/endpoint"
	"github.com/host-uk/hookline/internal/event"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newEndpoint(t *testing.T, s *Store, events ...event.Type) endpoint.Endpoint {
	t.Helper()
	if len(events) == 0 {
		events = []event.Type{event.Wildcard}
	}
	e := endpoint.New(1, "https://example.com/hook", events, "", "secret")
	if err := s.CreateEndpoint(context.Background(), &e); err != nil {
		t.Fatalf("CreateEndpoint() error: %v", err)
	}
	return e
}

func newDelivery(t *testing.T, s *Store, endpointID string) delivery.Delivery {
	t.Helper()
	d := delivery.New(endpointID, event.InvoicePaid, map[string]any{"k": "v"}, nil)
	if err := s.CreateDelivery(context.Background(), &d); err != nil {
		t.Fatalf("CreateDelivery() error: %v", err)
	}
	return d
}

func TestEndpointCRUD(t *testing.T) {
	ctx := context.Background()
	s := New()
	e := newEndpoint(t, s)

	got, err := s.GetEndpoint(ctx, e.ID)
	if err != nil {
		t.Fatalf("GetEndpoint() error: %v", err)
	}
	if got.URL != e.URL || !got.Active {
		t.Errorf("GetEndpoint() = %+v, want created endpoint", got)
	}

	if _, err := s.GetEndpoint(ctx, "missing"); err != endpoint.ErrNotFound {
		t.Errorf("GetEndpoint(missing) = %v, want ErrNotFound", err)
	}

	list, err := s.ListEndpoints(ctx, 1)
	if err != nil {
		t.Fatalf("ListEndpoints() error: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("ListEndpoints() returned %d endpoints, want 1", len(list))
	}

	if err := s.RotateEndpointSecret(ctx, e.ID, "new-secret"); err != nil {
		t.Fatalf("RotateEndpointSecret() error: %v", err)
	}
	got, _ = s.GetEndpoint(ctx, e.ID)
	if got.Secret != "new-secret" {
		t.Error("secret not rotated")
	}

	if err := s.DeleteEndpoint(ctx, e.ID); err != nil {
		t.Fatalf("DeleteEndpoint() error: %v", err)
	}
	list, _ = s.ListEndpoints(ctx, 1)
	if len(list) != 0 {
		t.Error("deleted endpoint still listed")
	}
	// Soft delete: the record itself remains readable.
	got, err = s.GetEndpoint(ctx, e.ID)
	if err != nil {
		t.Fatalf("GetEndpoint() after delete error: %v", err)
	}
	if got.DeletedAt == nil {
		t.Error("DeletedAt not set")
	}
}

func TestEnableDisableEndpoint(t *testing.T) {
	ctx := context.Background()
	s := New()
	e := newEndpoint(t, s)

	if err := s.DisableEndpoint(ctx, e.ID); err != nil {
		t.Fatalf("DisableEndpoint() error: %v", err)
	}
	got, _ := s.GetEndpoint(ctx, e.ID)
	if got.Active || got.DisabledAt == nil {
		t.Error("endpoint not disabled")
	}

	if err := s.EnableEndpoint(ctx, e.ID); err != nil {
		t.Fatalf("EnableEndpoint() error: %v", err)
	}
	got, _ = s.GetEndpoint(ctx, e.ID)
	if !got.Active || got.DisabledAt != nil || got.ConsecutiveFailures != 0 {
		t.Errorf("endpoint not reset by enable: %+v", got)
	}
}

func TestDueSelector(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	s := New()
	s.Now = fixedClock(now)
	e := newEndpoint(t, s)

	pending := newDelivery(t, s, e.ID)
	retried := newDelivery(t, s, e.ID)
	succeeded := newDelivery(t, s, e.ID)

	// Fail one delivery so it schedules a retry 5 minutes out.
	if err := s.MarkDeliveryFailed(ctx, retried.ID, 500, "boom"); err != nil {
		t.Fatalf("MarkDeliveryFailed() error: %v", err)
	}
	if err := s.MarkDeliverySuccess(ctx, succeeded.ID, 200, "ok"); err != nil {
		t.Fatalf("MarkDeliverySuccess() error: %v", err)
	}

	due, err := s.Due(ctx, now, 0)
	if err != nil {
		t.Fatalf("Due() error: %v", err)
	}
	if len(due) != 1 || due[0].ID != pending.ID {
		t.Fatalf("Due() before backoff = %d records, want only the pending one", len(due))
	}

	// After the backoff window the retrying record becomes due too.
	due, err = s.Due(ctx, now.Add(5*time.Minute), 0)
	if err != nil {
		t.Fatalf("Due() error: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("Due() after backoff = %d records, want 2", len(due))
	}
}

func TestClaimDueExclusivity(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	s := New()
	e := newEndpoint(t, s)
	d := newDelivery(t, s, e.ID)

	claimed, err := s.ClaimDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("ClaimDue() error: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != d.ID {
		t.Fatalf("ClaimDue() = %d records, want 1", len(claimed))
	}
	if claimed[0].Status != delivery.StatusInflight {
		t.Errorf("claimed status = %q, want %q", claimed[0].Status, delivery.StatusInflight)
	}

	// A second claim pass sees nothing: inflight rows are invisible.
	claimed, err = s.ClaimDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("ClaimDue() error: %v", err)
	}
	if len(claimed) != 0 {
		t.Errorf("second ClaimDue() = %d records, want 0", len(claimed))
	}

	if _, err := s.ClaimDelivery(ctx, d.ID, now); err != delivery.ErrNotClaimable {
		t.Errorf("ClaimDelivery() on inflight record = %v, want ErrNotClaimable", err)
	}
}

func TestClaimDeliveryByID(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	s := New()
	e := newEndpoint(t, s)
	d := newDelivery(t, s, e.ID)

	got, err := s.ClaimDelivery(ctx, d.ID, now)
	if err != nil {
		t.Fatalf("ClaimDelivery() error: %v", err)
	}
	if got.Status != delivery.StatusInflight {
		t.Errorf("claimed status = %q, want %q", got.Status, delivery.StatusInflight)
	}

	if _, err := s.ClaimDelivery(ctx, "missing", now); err != delivery.ErrNotFound {
		t.Errorf("ClaimDelivery(missing) = %v, want ErrNotFound", err)
	}
}

func TestReleaseExpiredClaims(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	lease := 5 * time.Minute
	s := New()
	e := newEndpoint(t, s)
	d := newDelivery(t, s, e.ID)

	if _, err := s.ClaimDelivery(ctx, d.ID, now); err != nil {
		t.Fatalf("ClaimDelivery() error: %v", err)
	}

	// Within the lease nothing is released.
	n, err := s.ReleaseExpiredClaims(ctx, now.Add(lease), lease)
	if err != nil {
		t.Fatalf("ReleaseExpiredClaims() error: %v", err)
	}
	if n != 0 {
		t.Errorf("released %d claims within lease, want 0", n)
	}

	n, err = s.ReleaseExpiredClaims(ctx, now.Add(lease+time.Second), lease)
	if err != nil {
		t.Fatalf("ReleaseExpiredClaims() error: %v", err)
	}
	if n != 1 {
		t.Fatalf("released %d claims past lease, want 1", n)
	}

	got, _ := s.GetDelivery(ctx, d.ID)
	if got.Status != delivery.StatusRetrying {
		t.Errorf("released status = %q, want %q", got.Status, delivery.StatusRetrying)
	}
	if got.Attempt != 1 {
		t.Errorf("release consumed an attempt: %d", got.Attempt)
	}
	if !got.Due(now.Add(lease + time.Second)) {
		t.Error("released record not immediately due")
	}
}

func TestMarkFailedRecordsEndpointFailure(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	s := New()
	s.Now = fixedClock(now)
	e := newEndpoint(t, s)
	d := newDelivery(t, s, e.ID)

	if err := s.MarkDeliveryFailed(ctx, d.ID, 503, "unavailable"); err != nil {
		t.Fatalf("MarkDeliveryFailed() error: %v", err)
	}

	ep, _ := s.GetEndpoint(ctx, e.ID)
	if ep.ConsecutiveFailures != 1 {
		t.Errorf("ConsecutiveFailures = %d, want 1", ep.ConsecutiveFailures)
	}
	got, _ := s.GetDelivery(ctx, d.ID)
	if got.Status != delivery.StatusRetrying || got.Attempt != 2 {
		t.Errorf("delivery after failure: status=%q attempt=%d", got.Status, got.Attempt)
	}
	if got.ResponseCode != 503 {
		t.Errorf("ResponseCode = %d, want 503", got.ResponseCode)
	}
}

func TestMarkSuccessResetsEndpointCounter(t *testing.T) {
	ctx := context.Background()
	s := New()
	e := newEndpoint(t, s)
	d1 := newDelivery(t, s, e.ID)
	d2 := newDelivery(t, s, e.ID)

	if err := s.MarkDeliveryFailed(ctx, d1.ID, 500, "boom"); err != nil {
		t.Fatalf("MarkDeliveryFailed() error: %v", err)
	}
	if err := s.MarkDeliverySuccess(ctx, d2.ID, 200, "ok"); err != nil {
		t.Fatalf("MarkDeliverySuccess() error: %v", err)
	}

	ep, _ := s.GetEndpoint(ctx, e.ID)
	if ep.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d after success, want 0", ep.ConsecutiveFailures)
	}
}

func TestAutoDisableAcrossDeliveries(t *testing.T) {
	ctx := context.Background()
	s := New()
	e := newEndpoint(t, s)

	// Two deliveries of five attempts each reach the threshold of ten.
	for i := 0; i < 2; i++ {
		d := newDelivery(t, s, e.ID)
		for j := 0; j < delivery.MaxAttempts; j++ {
			if err := s.MarkDeliveryFailed(ctx, d.ID, 500, "boom"); err != nil {
				t.Fatalf("MarkDeliveryFailed() error: %v", err)
			}
		}
	}

	ep, _ := s.GetEndpoint(ctx, e.ID)
	if ep.Active {
		t.Error("endpoint still active after threshold failures")
	}
	if ep.ConsecutiveFailures != endpoint.DisableThreshold {
		t.Errorf("ConsecutiveFailures = %d, want %d", ep.ConsecutiveFailures, endpoint.DisableThreshold)
	}
	if ep.DisabledAt == nil {
		t.Error("DisabledAt not set")
	}
}

func TestRequeueDelivery(t *testing.T) {
	ctx := context.Background()
	s := New()
	e := newEndpoint(t, s)
	d := newDelivery(t, s, e.ID)

	if err := s.RequeueDelivery(ctx, d.ID); err != delivery.ErrNotRetryable {
		t.Errorf("RequeueDelivery() on pending record = %v, want ErrNotRetryable", err)
	}

	for i := 0; i < delivery.MaxAttempts; i++ {
		if err := s.MarkDeliveryFailed(ctx, d.ID, 500, "boom"); err != nil {
			t.Fatalf("MarkDeliveryFailed() error: %v", err)
		}
	}
	if err := s.RequeueDelivery(ctx, d.ID); err != nil {
		t.Fatalf("RequeueDelivery() error: %v", err)
	}

	got, _ := s.GetDelivery(ctx, d.ID)
	if got.Status != delivery.StatusPending {
		t.Errorf("Status = %q, want %q", got.Status, delivery.StatusPending)
	}
	if got.Attempt != delivery.MaxAttempts {
		t.Errorf("Attempt = %d after requeue, want %d", got.Attempt, delivery.MaxAttempts)
	}
}

func TestListDeliveriesFilter(t *testing.T) {
	ctx := context.Background()
	s := New()
	e1 := newEndpoint(t, s)
	e2 := newEndpoint(t, s)
	_ = newDelivery(t, s, e1.ID)
	_ = newDelivery(t, s, e2.ID)
	d3 := newDelivery(t, s, e1.ID)

	if err := s.MarkDeliverySuccess(ctx, d3.ID, 200, "ok"); err != nil {
		t.Fatalf("MarkDeliverySuccess() error: %v", err)
	}

	tests := []struct {
		name   string
		filter delivery.ListFilter
		want   int
	}{
		{name: "no filter", filter: delivery.ListFilter{}, want: 3},
		{name: "by endpoint", filter: delivery.ListFilter{EndpointID: e1.ID}, want: 2},
		{name: "by status", filter: delivery.ListFilter{Status: delivery.StatusSuccess}, want: 1},
		{name: "endpoint and status", filter: delivery.ListFilter{EndpointID: e1.ID, Status: delivery.StatusPending}, want: 1},
		{name: "limit", filter: delivery.ListFilter{Limit: 2}, want: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListDeliveries(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListDeliveries() error: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("ListDeliveries() = %d records, want %d", len(got), tt.want)
			}
		})
	}
}
