package delivery

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/host-uk/hookline/internal/signature"
)

// Webhook request headers. The signature covers the exact body bytes in
// Request.Body; the worker must transmit them unmodified.
const (
	SignatureHeader = "X-Hookline-Signature" // sha256=<hex>
	EventHeader     = "X-Hookline-Event"
	DeliveryHeader  = "X-Hookline-Delivery"
)

// Request is a ready-to-send webhook POST: headers plus the signed body.
type Request struct {
	Headers http.Header
	Body    []byte
}

// SignedRequest serializes the envelope once and signs that byte sequence
// with the endpoint secret.
func (d *Delivery) SignedRequest(secret string) (Request, error) {
	body, err := json.Marshal(d.Envelope)
	if err != nil {
		return Request{}, fmt.Errorf("marshal envelope: %w", err)
	}
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set(EventHeader, string(d.EventType))
	h.Set(DeliveryHeader, d.ID)
	h.Set(SignatureHeader, "sha256="+signature.Sign(body, secret))
	return Request{Headers: h, Body: body}, nil
}
