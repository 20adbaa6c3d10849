// Command admin serves the operator-facing JSON API: endpoint lifecycle,
// delivery history, manual retries, and event publishing.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/host-uk/hookline/internal/auth"
	"github.com/host-uk/hookline/internal/config"
	"github.com/host-uk/hookline/internal/db"
	"github.com/host-uk/hookline/internal/delivery"
	"github.com/host-uk/hookline/internal/endpoint"
	"github.com/host-uk/hookline/internal/event"
	"github.com/host-uk/hookline/internal/health"
	"github.com/host-uk/hookline/internal/logging"
	"github.com/host-uk/hookline/internal/metrics"
	"github.com/host-uk/hookline/internal/publisher"
	"github.com/host-uk/hookline/internal/signature"
	"github.com/host-uk/hookline/internal/store/postgres"
	"github.com/host-uk/hookline/internal/tracing"
)

// adminStore is the slice of the persistence layer the handlers use. The
// postgres store implements it in production, the memory store in tests.
type adminStore interface {
	endpoint.Store
	delivery.Store
}

type server struct {
	store adminStore
	pub   *publisher.Publisher
	log   *logging.Logger
}

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	logger := logging.New("hookline-admin")

	shutdown, err := tracing.InitTracing(ctx, "hookline-admin")
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to initialize tracing")
	}
	defer shutdown()

	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	store := postgres.New(pool)

	var producer publisher.Producer
	if cfg.NSQ.Enabled {
		prod, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer creation failed")
		}
		defer prod.Stop()
		producer = prod
	}

	s := &server{
		store: store,
		pub:   publisher.New(store, store, producer, cfg.NSQ.NudgeTopic),
		log:   logger,
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	api := http.NewServeMux()
	api.HandleFunc("POST /v1/endpoints", s.createEndpoint)
	api.HandleFunc("GET /v1/endpoints", s.listEndpoints)
	api.HandleFunc("GET /v1/endpoints/{id}", s.getEndpoint)
	api.HandleFunc("POST /v1/endpoints/{id}/enable", s.enableEndpoint)
	api.HandleFunc("POST /v1/endpoints/{id}/disable", s.disableEndpoint)
	api.HandleFunc("POST /v1/endpoints/{id}/rotate-secret", s.rotateSecret)
	api.HandleFunc("DELETE /v1/endpoints/{id}", s.deleteEndpoint)
	api.HandleFunc("GET /v1/deliveries", s.listDeliveries)
	api.HandleFunc("GET /v1/deliveries/{id}", s.getDelivery)
	api.HandleFunc("POST /v1/deliveries/{id}/retry", s.retryDelivery)
	api.HandleFunc("POST /v1/events", s.publishEvent)

	var apiHandler http.Handler = api
	if cfg.Admin.JWTPublicKey != "" {
		validator, err := auth.NewJWTValidator(cfg.Admin.JWTPublicKey, cfg.Admin.JWTIssuer, cfg.Admin.JWTAudience)
		if err != nil {
			logger.Plain().WithError(err).Fatal("jwt validator creation failed")
		}
		apiHandler = validator.Middleware(api)
	} else {
		logger.Plain().Warn("ADMIN_JWT_PUBLIC_KEY not set, admin API is unauthenticated")
	}

	mux := http.NewServeMux()
	mux.Handle("/v1/", apiHandler)
	mux.HandleFunc("/healthz", health.HTTPHandler(pool))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: cfg.Admin.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", srv.Addr).Info("admin server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("admin server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("shutting down admin server")
	_ = srv.Shutdown(context.Background())
}

type createEndpointRequest struct {
	WorkspaceID int64    `json:"workspace_id"`
	URL         string   `json:"url"`
	Events      []string `json:"events"`
	Description string   `json:"description"`
}

type endpointResponse struct {
	endpoint.Endpoint
	// Secret is only populated on create and rotate responses.
	Secret string `json:"secret,omitempty"`
}

func (s *server) createEndpoint(w http.ResponseWriter, r *http.Request) {
	var req createEndpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.WorkspaceID == 0 || req.URL == "" || len(req.Events) == 0 {
		writeError(w, http.StatusBadRequest, "workspace_id, url, and events are required")
		return
	}
	if _, err := url.ParseRequestURI(req.URL); err != nil {
		writeError(w, http.StatusBadRequest, "invalid url")
		return
	}
	events := make([]event.Type, len(req.Events))
	for i, t := range req.Events {
		events[i] = event.Type(t)
	}
	if err := endpoint.ValidateEvents(events); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	secret, err := signature.GenerateSecret()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "secret generation failed")
		return
	}
	ep := endpoint.New(req.WorkspaceID, req.URL, events, req.Description, secret)
	if err := s.store.CreateEndpoint(r.Context(), &ep); err != nil {
		s.log.WithContext(r.Context()).WithError(err).Error("create endpoint failed")
		writeError(w, http.StatusInternalServerError, "create endpoint failed")
		return
	}
	// The secret is returned exactly once, at creation.
	writeJSON(w, http.StatusCreated, endpointResponse{Endpoint: ep, Secret: secret})
}

func (s *server) listEndpoints(w http.ResponseWriter, r *http.Request) {
	workspaceID, err := parseInt64(r.URL.Query().Get("workspace_id"))
	if err != nil || workspaceID == 0 {
		writeError(w, http.StatusBadRequest, "workspace_id query parameter is required")
		return
	}
	eps, err := s.store.ListEndpoints(r.Context(), workspaceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list endpoints failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"endpoints": eps})
}

func (s *server) getEndpoint(w http.ResponseWriter, r *http.Request) {
	ep, err := s.store.GetEndpoint(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

func (s *server) enableEndpoint(w http.ResponseWriter, r *http.Request) {
	s.endpointAction(w, r, s.store.EnableEndpoint)
}

func (s *server) disableEndpoint(w http.ResponseWriter, r *http.Request) {
	s.endpointAction(w, r, s.store.DisableEndpoint)
}

func (s *server) deleteEndpoint(w http.ResponseWriter, r *http.Request) {
	s.endpointAction(w, r, s.store.DeleteEndpoint)
}

func (s *server) endpointAction(w http.ResponseWriter, r *http.Request, action func(context.Context, string) error) {
	id := r.PathValue("id")
	if err := action(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	ep, err := s.store.GetEndpoint(r.Context(), id)
	if err != nil {
		// Deleted endpoints are gone from reads; report the action alone.
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "ok": true})
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

func (s *server) rotateSecret(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	secret, err := signature.GenerateSecret()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "secret generation failed")
		return
	}
	if err := s.store.RotateEndpointSecret(r.Context(), id, secret); err != nil {
		writeStoreError(w, err)
		return
	}
	// Returned once; the old secret is no longer used for new deliveries.
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "secret": secret})
}

func (s *server) listDeliveries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := parseInt64(q.Get("limit"))
	f := delivery.ListFilter{
		EndpointID: q.Get("endpoint_id"),
		Status:     delivery.Status(q.Get("status")),
		Limit:      int(limit),
	}
	ds, err := s.store.ListDeliveries(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list deliveries failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": ds})
}

func (s *server) getDelivery(w http.ResponseWriter, r *http.Request) {
	d, err := s.store.GetDelivery(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *server) retryDelivery(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.RequeueDelivery(r.Context(), id); err != nil {
		if errors.Is(err, delivery.ErrNotRetryable) {
			writeError(w, http.StatusConflict, "only failed deliveries can be retried")
			return
		}
		writeStoreError(w, err)
		return
	}
	d, err := s.store.GetDelivery(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type publishEventRequest struct {
	WorkspaceID int64          `json:"workspace_id"`
	Type        string         `json:"type"`
	Data        map[string]any `json:"data"`
}

func (s *server) publishEvent(w http.ResponseWriter, r *http.Request) {
	var req publishEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.WorkspaceID == 0 || req.Type == "" {
		writeError(w, http.StatusBadRequest, "workspace_id and type are required")
		return
	}
	t := event.Type(req.Type)
	if !event.Known(t) {
		writeError(w, http.StatusBadRequest, "unknown event type")
		return
	}
	ds, err := s.pub.PublishToWorkspace(r.Context(), req.WorkspaceID, t, req.Data)
	if err != nil {
		s.log.WithContext(r.Context()).WithError(err).Error("publish event failed")
		writeError(w, http.StatusInternalServerError, "publish event failed")
		return
	}
	ids := make([]string, len(ds))
	for i, d := range ds {
		ids[i] = d.ID
	}
	writeJSON(w, http.StatusOK, map[string]any{"fanout_count": len(ds), "delivery_ids": ids})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, endpoint.ErrNotFound) || errors.Is(err, delivery.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func parseInt64(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}
