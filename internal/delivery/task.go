package delivery

// Task is the NSQ nudge published when a delivery is created. It tells a
// worker to attempt the record immediately instead of waiting for the next
// selector poll; the ledger row stays authoritative, so a lost nudge only
// costs latency.
type Task struct {
	DeliveryID   string            `json:"delivery_id"`
	EndpointID   string            `json:"endpoint_id"`
	EventID      string            `json:"event_id"`
	EventType    string            `json:"event_type"`
	PublishedAt  string            `json:"published_at"` // RFC3339
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}
