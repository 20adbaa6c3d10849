package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/host-uk/hookline/internal/config"
	"github.com/host-uk/hookline/internal/db"
	"github.com/host-uk/hookline/internal/delivery"
	"github.com/host-uk/hookline/internal/endpoint"
	"github.com/host-uk/hookline/internal/health"
	"github.com/host-uk/hookline/internal/logging"
	"github.com/host-uk/hookline/internal/metrics"
	"github.com/host-uk/hookline/internal/store/postgres"
	"github.com/host-uk/hookline/internal/tracing"
)

// worker performs webhook attempts. Records are claimed either through an
// NSQ nudge (fresh deliveries, low latency) or the selector poll (retries and
// anything a lost nudge left behind); a claim is exclusive, so the two paths
// never race on the same record.
type worker struct {
	cfg    config.Config
	store  *postgres.Store
	client *http.Client
	log    *logging.Logger
	sem    chan struct{}
	wg     sync.WaitGroup
}

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	logger := logging.New("hookline-worker")

	shutdown, err := tracing.InitTracing(ctx, "hookline-worker")
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to initialize tracing")
	}
	defer shutdown()

	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(pool))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.Worker.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	w := &worker{
		cfg:    cfg,
		store:  postgres.New(pool),
		client: &http.Client{Timeout: cfg.Worker.HTTPTimeout},
		log:    logger,
		sem:    make(chan struct{}, cfg.Worker.Concurrency),
	}

	// NSQ nudge consumer
	var consumer *nsq.Consumer
	if cfg.NSQ.Enabled {
		conf := nsq.NewConfig()
		conf.MaxInFlight = cfg.Worker.Concurrency
		consumer, err = nsq.NewConsumer(cfg.NSQ.NudgeTopic, cfg.NSQ.WorkerChannel, conf)
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
		}
		consumer.AddHandler(nsq.HandlerFunc(w.handleNudge))
		if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
			logger.Plain().WithError(err).Fatal("connect to nsqd failed")
		}
		if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
			logger.Plain().WithError(err).Fatal("connect to lookupd failed")
		}
	}

	pollCtx, stopPolling := context.WithCancel(ctx)
	go w.pollLoop(pollCtx)

	logger.Plain().Info("worker service started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("shutting down worker service")
	if consumer != nil {
		consumer.Stop()
		<-consumer.StopChan
	}
	stopPolling()
	w.wg.Wait()
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("worker service stopped")
}

// handleNudge claims the nudged delivery if it is still due. A nudge that
// loses the claim race is finished without retry; the record is already in
// someone else's hands.
func (w *worker) handleNudge(m *nsq.Message) error {
	var t delivery.Task
	if err := json.Unmarshal(m.Body, &t); err != nil {
		w.log.Plain().WithError(err).Error("bad nudge payload")
		return nil // terminal: don't retry bad payloads
	}

	ctx := tracing.ExtractTraceFromNSQ(context.Background(), t.TraceHeaders)
	d, err := w.store.ClaimDelivery(ctx, t.DeliveryID, time.Now().UTC())
	if err != nil {
		if !errors.Is(err, delivery.ErrNotClaimable) {
			w.log.WithContext(ctx).WithDelivery(t.DeliveryID).WithError(err).Error("nudge claim failed")
		}
		return nil
	}
	w.attempt(ctx, d)
	return nil
}

// pollLoop is the reconciler: it returns expired claims to the pool and
// claims everything due, on a fixed interval.
func (w *worker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Worker.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := time.Now().UTC()

		released, err := w.store.ReleaseExpiredClaims(ctx, now, w.cfg.Worker.ClaimLease)
		if err != nil {
			w.log.Plain().WithError(err).Error("release expired claims failed")
		} else if released > 0 {
			metrics.RecordClaimsReleased(released)
			w.log.Plain().WithField("count", released).Warn("released expired delivery claims")
		}

		claimed, err := w.store.ClaimDue(ctx, now, w.cfg.Worker.BatchSize)
		if err != nil {
			w.log.Plain().WithError(err).Error("claim due deliveries failed")
			continue
		}
		metrics.UpdateWorkerBacklog(float64(len(claimed)))

		for _, d := range claimed {
			d := d
			w.sem <- struct{}{}
			w.wg.Add(1)
			go func() {
				defer w.wg.Done()
				defer func() { <-w.sem }()
				w.attempt(ctx, d)
			}()
		}
	}
}

// attempt performs one HTTP POST for a claimed delivery and reports the
// outcome. The endpoint's eligibility is re-checked at attempt time so
// deliveries queued before a disable drain without burning attempts.
func (w *worker) attempt(ctx context.Context, d delivery.Delivery) {
	ctx, span := tracing.StartSpan(ctx, "worker.delivery",
		attribute.String("delivery_id", d.ID),
		attribute.String("endpoint_id", d.EndpointID),
		attribute.String("event_type", string(d.EventType)),
		attribute.Int("attempt", d.Attempt),
	)
	defer span.End()

	ep, err := w.store.GetEndpoint(ctx, d.EndpointID)
	if err != nil || !ep.Active || ep.DisabledAt != nil {
		tracing.AddSpanEvent(ctx, "endpoint_ineligible")
		if relErr := w.store.ReleaseDelivery(ctx, d.ID, w.cfg.Worker.DrainDelay); relErr != nil {
			w.log.WithContext(ctx).WithDelivery(d.ID).WithError(relErr).Error("release for drain failed")
		}
		return
	}

	req, err := d.SignedRequest(ep.Secret)
	if err != nil {
		// Unserializable envelope: terminal, consume the attempt.
		w.reportFailure(ctx, d, 0, "envelope marshal failed", "other", 0)
		return
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(req.Body))
	if err != nil {
		w.reportFailure(ctx, d, 0, err.Error(), "other", 0)
		return
	}
	httpReq.Header = req.Headers
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		httpReq.Header.Set("X-Trace-Id", traceID)
	}

	tracing.AddSpanEvent(ctx, "http.send_webhook")
	start := time.Now()
	resp, doErr := w.client.Do(httpReq)
	latency := time.Since(start)

	status := 0
	body := ""
	if doErr == nil {
		status = resp.StatusCode
		b, _ := io.ReadAll(io.LimitReader(resp.Body, delivery.ResponseBodyLimit))
		body = string(b)
		_ = resp.Body.Close()
	} else {
		body = doErr.Error()
	}

	span.SetAttributes(
		attribute.Int("http.status_code", status),
		attribute.Int64("http.latency_ms", latency.Milliseconds()),
	)

	if doErr == nil && status >= 200 && status < 300 {
		tracing.AddSpanEvent(ctx, "delivery.success")
		if err := w.store.MarkDeliverySuccess(ctx, d.ID, status, body); err != nil {
			w.log.WithContext(ctx).WithDelivery(d.ID).WithError(err).Error("mark success failed")
			tracing.SetSpanError(ctx, err)
			return
		}
		metrics.RecordDelivery("success", latency)
		return
	}

	reason := classifyReason(doErr, status)
	span.SetAttributes(attribute.String("failure_reason", reason))
	w.reportFailure(ctx, d, status, body, reason, latency)
}

// reportFailure routes a failed attempt through the state machine and logs
// the resulting state.
func (w *worker) reportFailure(ctx context.Context, d delivery.Delivery, status int, body, reason string, latency time.Duration) {
	tracing.AddSpanEvent(ctx, "delivery.failed")
	if err := w.store.MarkDeliveryFailed(ctx, d.ID, status, body); err != nil {
		w.log.WithContext(ctx).WithDelivery(d.ID).WithError(err).Error("mark failed failed")
		tracing.SetSpanError(ctx, err)
		return
	}
	metrics.RecordDelivery("failed", latency)
	metrics.RecordRetry(reason)

	updated, err := w.store.GetDelivery(ctx, d.ID)
	if err != nil {
		return
	}
	entry := w.log.WithContext(ctx).WithDelivery(d.ID).WithEndpoint(d.EndpointID).WithFields(map[string]any{
		"attempt": updated.Attempt,
		"status":  string(updated.Status),
		"reason":  reason,
	})
	if updated.Status == delivery.StatusFailed {
		entry.Warn("delivery exhausted all attempts")
		return
	}
	entry.Info("delivery scheduled for retry")

	// The ledger drove the endpoint counter; reflect a disable in metrics.
	if ep, err := w.store.GetEndpoint(ctx, d.EndpointID); err == nil {
		if !ep.Active && ep.ConsecutiveFailures >= endpoint.DisableThreshold {
			metrics.RecordEndpointDisabled()
		}
	}
}

func classifyReason(doErr error, status int) string {
	if doErr != nil {
		errLower := strings.ToLower(doErr.Error())
		if strings.Contains(errLower, "timeout") {
			return "timeout"
		}
		if strings.Contains(errLower, "connection refused") {
			return "connection_refused"
		}
		if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
			return "dns_error"
		}
		return "network"
	}
	if status >= 500 {
		return "http_5xx"
	}
	if status == 429 {
		return "http_429"
	}
	if status >= 400 {
		return "http_4xx"
	}
	return "other"
}
