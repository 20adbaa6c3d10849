// fake-receiver is a local webhook sink for exercising the delivery
// pipeline. It verifies signatures when ENDPOINT_SECRET is set and can
// simulate flaky receivers via FAIL_FIRST_N and RESPONSE_DELAY_MS.
package main

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/host-uk/hookline/internal/config"
	"github.com/host-uk/hookline/internal/delivery"
	"github.com/host-uk/hookline/internal/signature"
)

type receiver struct {
	cfg      config.FakeReceiver
	reqCount atomic.Int64
}

func main() {
	cfg := config.FromEnv().FakeReceiver
	rc := &receiver{cfg: cfg}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("/hook", rc.handleHook)

	srv := &http.Server{
		Addr:         cfg.Port,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	log.Printf("fake-receiver listening on %s (fail_first_n=%d delay_ms=%d verify=%t)",
		cfg.Port, cfg.FailFirstN, cfg.ResponseDelayMS, cfg.EndpointSecret != "")
	log.Fatal(srv.ListenAndServe())
}

func (rc *receiver) handleHook(w http.ResponseWriter, r *http.Request) {
	n := rc.reqCount.Add(1)
	body, err := io.ReadAll(r.Body)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	if rc.cfg.EndpointSecret != "" {
		if msg, ok := verifyRequest(rc.cfg.EndpointSecret, body, r.Header); !ok {
			log.Printf("fake-receiver rejected delivery %s: %s", r.Header.Get(delivery.DeliveryHeader), msg)
			http.Error(w, "invalid signature: "+msg, http.StatusUnauthorized)
			return
		}
	}

	if rc.cfg.ResponseDelayMS > 0 {
		time.Sleep(time.Duration(rc.cfg.ResponseDelayMS) * time.Millisecond)
	}

	// Simulate flakiness: the first N requests get a 500.
	if n <= int64(rc.cfg.FailFirstN) {
		log.Printf("FAILING (%d/%d) event=%s delivery=%s body=%s",
			n, rc.cfg.FailFirstN, r.Header.Get(delivery.EventHeader), r.Header.Get(delivery.DeliveryHeader), truncate(string(body), 160))
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	log.Printf("OK event=%s delivery=%s body=%q",
		r.Header.Get(delivery.EventHeader), r.Header.Get(delivery.DeliveryHeader), truncate(string(body), 160))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

// verifyRequest checks the signature header against the raw body bytes.
func verifyRequest(secret string, body []byte, h http.Header) (string, bool) {
	sig := h.Get(delivery.SignatureHeader)
	if sig == "" {
		return "missing " + delivery.SignatureHeader, false
	}
	hexSig, found := strings.CutPrefix(sig, "sha256=")
	if !found {
		return "missing sha256= prefix", false
	}
	if !signature.Verify(body, secret, hexSig) {
		return "signature mismatch", false
	}
	return "", true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
