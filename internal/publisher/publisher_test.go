package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/host-uk/hookline/internal/delivery"
	"github.com/host-uk/hookline/internal/endpoint"
	"github.com/host-uk/hookline/internal/event"
	"github.com/host-uk/hookline/internal/store/memory"
)

type fakeProducer struct {
	published [][]byte
	err       error
}

func (f *fakeProducer) Publish(_ string, body []byte) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, body)
	return nil
}

func newEndpoint(t *testing.T, s *memory.Store, events ...event.Type) endpoint.Endpoint {
	t.Helper()
	e := endpoint.New(1, "https://example.com/hook", events, "", "secret")
	if err := s.CreateEndpoint(context.Background(), &e); err != nil {
		t.Fatalf("CreateEndpoint() error: %v", err)
	}
	return e
}

func TestPublishCreatesPendingDelivery(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	prod := &fakeProducer{}
	p := New(s, s, prod, "deliveries")
	e := newEndpoint(t, s, event.InvoicePaid)

	ws := int64(1)
	d, err := p.Publish(ctx, e, event.InvoicePaid, map[string]any{"invoice_id": "inv_1"}, &ws)
	if err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
	if d == nil {
		t.Fatal("Publish() returned nil delivery for an eligible endpoint")
	}
	if d.Status != delivery.StatusPending || d.Attempt != 1 {
		t.Errorf("created delivery: status=%q attempt=%d", d.Status, d.Attempt)
	}

	stored, err := s.GetDelivery(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDelivery() error: %v", err)
	}
	if stored.EndpointID != e.ID {
		t.Errorf("stored EndpointID = %q, want %q", stored.EndpointID, e.ID)
	}

	// The nudge carries the delivery ID so a worker can claim it directly.
	if len(prod.published) != 1 {
		t.Fatalf("producer received %d messages, want 1", len(prod.published))
	}
	var task delivery.Task
	if err := json.Unmarshal(prod.published[0], &task); err != nil {
		t.Fatalf("nudge body is not a Task: %v", err)
	}
	if task.DeliveryID != d.ID || task.EndpointID != e.ID {
		t.Errorf("nudge task = %+v, want delivery %s endpoint %s", task, d.ID, e.ID)
	}
}

func TestPublishSilentNoOp(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	prod := &fakeProducer{}
	p := New(s, s, prod, "deliveries")

	tests := []struct {
		name string
		prep func(t *testing.T) endpoint.Endpoint
	}{
		{
			name: "not subscribed to the type",
			prep: func(t *testing.T) endpoint.Endpoint {
				return newEndpoint(t, s, event.LinkClicked)
			},
		},
		{
			name: "disabled endpoint",
			prep: func(t *testing.T) endpoint.Endpoint {
				e := newEndpoint(t, s, event.Wildcard)
				if err := s.DisableEndpoint(ctx, e.ID); err != nil {
					t.Fatalf("DisableEndpoint() error: %v", err)
				}
				got, _ := s.GetEndpoint(ctx, e.ID)
				return got
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := tt.prep(t)
			d, err := p.Publish(ctx, e, event.InvoicePaid, nil, nil)
			if err != nil {
				t.Fatalf("Publish() error: %v", err)
			}
			if d != nil {
				t.Errorf("Publish() created delivery %s for ineligible endpoint", d.ID)
			}
		})
	}

	if len(prod.published) != 0 {
		t.Errorf("producer received %d nudges for no-op publishes", len(prod.published))
	}
}

func TestPublishSurvivesNudgeFailure(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	p := New(s, s, &fakeProducer{err: errors.New("nsqd down")}, "deliveries")
	e := newEndpoint(t, s, event.Wildcard)

	// A lost nudge is not an error: the selector poll picks the record up.
	d, err := p.Publish(ctx, e, event.InvoicePaid, nil, nil)
	if err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
	if d == nil {
		t.Fatal("Publish() returned nil delivery")
	}
}

func TestPublishNilProducer(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	p := New(s, s, nil, "")
	e := newEndpoint(t, s, event.Wildcard)

	d, err := p.Publish(ctx, e, event.InvoicePaid, nil, nil)
	if err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
	if d == nil {
		t.Fatal("Publish() returned nil delivery")
	}
}

func TestPublishToWorkspaceFanout(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	p := New(s, s, &fakeProducer{}, "deliveries")

	subscribed := newEndpoint(t, s, event.InvoicePaid)
	wildcard := newEndpoint(t, s, event.Wildcard)
	_ = newEndpoint(t, s, event.LinkClicked) // different subscription

	other := endpoint.New(2, "https://other.example.com/hook", []event.Type{event.Wildcard}, "", "secret")
	if err := s.CreateEndpoint(ctx, &other); err != nil {
		t.Fatalf("CreateEndpoint() error: %v", err)
	}

	out, err := p.PublishToWorkspace(ctx, 1, event.InvoicePaid, map[string]any{"invoice_id": "inv_1"})
	if err != nil {
		t.Fatalf("PublishToWorkspace() error: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("fanout created %d deliveries, want 2", len(out))
	}

	got := map[string]bool{}
	for _, d := range out {
		got[d.EndpointID] = true
		if d.Envelope.WorkspaceID == nil || *d.Envelope.WorkspaceID != 1 {
			t.Error("fanout envelope missing workspace ID")
		}
		// Every delivery of one publish shares nothing: each endpoint gets its
		// own event occurrence and delivery record.
		if d.Status != delivery.StatusPending {
			t.Errorf("fanout delivery status = %q", d.Status)
		}
	}
	if !got[subscribed.ID] || !got[wildcard.ID] {
		t.Errorf("fanout hit %v, want %s and %s", got, subscribed.ID, wildcard.ID)
	}
}

// TestRetryUntilFailedAndAutoDisable walks one delivery through its whole
// failure lifecycle against the store, the way the worker would.
func TestRetryUntilFailedAndAutoDisable(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	p := New(s, s, nil, "")
	e := newEndpoint(t, s, event.Wildcard)

	d, err := p.Publish(ctx, e, event.InvoicePaid, nil, nil)
	if err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	for i := 0; i < delivery.MaxAttempts; i++ {
		if err := s.MarkDeliveryFailed(ctx, d.ID, 500, "boom"); err != nil {
			t.Fatalf("attempt %d: MarkDeliveryFailed() error: %v", i+1, err)
		}
	}

	got, _ := s.GetDelivery(ctx, d.ID)
	if got.Status != delivery.StatusFailed {
		t.Errorf("Status = %q after exhausting attempts, want %q", got.Status, delivery.StatusFailed)
	}
	if got.Attempt != delivery.MaxAttempts {
		t.Errorf("Attempt = %d, want %d", got.Attempt, delivery.MaxAttempts)
	}

	ep, _ := s.GetEndpoint(ctx, e.ID)
	if ep.ConsecutiveFailures != delivery.MaxAttempts {
		t.Errorf("ConsecutiveFailures = %d, want %d", ep.ConsecutiveFailures, delivery.MaxAttempts)
	}
	if !ep.Active {
		t.Error("endpoint disabled below the threshold")
	}

	// Further publishes to the (still active) endpoint work; once disabled
	// they become silent no-ops.
	if err := s.DisableEndpoint(ctx, e.ID); err != nil {
		t.Fatalf("DisableEndpoint() error: %v", err)
	}
	ep, _ = s.GetEndpoint(ctx, e.ID)
	d2, err := p.Publish(ctx, ep, event.InvoicePaid, nil, nil)
	if err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
	if d2 != nil {
		t.Error("Publish() created a delivery for a disabled endpoint")
	}
}
