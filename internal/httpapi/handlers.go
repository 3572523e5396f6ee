// Package httpapi is the HTTP side of the dev replica: probes, metrics, the
// identity provider endpoints and a read-only view of the ledger.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"boxoffice.org/internal/desk"
	"boxoffice.org/internal/display"
	"boxoffice.org/internal/obs"
	"boxoffice.org/internal/stream"
	"boxoffice.org/internal/ticketing"
)

const serviceName = "ticketd"

// Readiness reports whether the replica can serve.
type Readiness interface {
	Check(ctx context.Context) error
}

// ReadyFunc adapts a function to Readiness.
type ReadyFunc func(ctx context.Context) error

func (f ReadyFunc) Check(ctx context.Context) error { return f(ctx) }

// Option configures the API.
type Option func(*API)

// WithProvider mounts the identity provider endpoints under /v1/delegations.
func WithProvider(h http.Handler) Option { return func(a *API) { a.provider = h } }

// WithStream enables /v1/activity.
func WithStream(s *stream.Stream) Option { return func(a *API) { a.stream = s } }

// WithRateLimit overrides the per-IP limit of the provider endpoints.
func WithRateLimit(burst, perSecond int) Option {
	return func(a *API) {
		a.rateBurst = burst
		a.ratePerSec = perSecond
	}
}

// API is the HTTP side of the replica.
type API struct {
	mux        *http.ServeMux
	readiness  Readiness
	version    string
	backend    ticketing.Service
	provider   http.Handler
	stream     *stream.Stream
	rateBurst  int
	ratePerSec int
}

func New(r Readiness, version string, backend ticketing.Service, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readiness:  r,
		version:    version,
		backend:    backend,
		rateBurst:  20,
		ratePerSec: 5,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.HandleFunc("/v1/events", a.Events)
	a.mux.HandleFunc("/v1/events/", a.EventStats)
	a.mux.HandleFunc("/v1/activity", a.Stream)
	a.mux.Handle("/metrics", obs.Handler())

	if a.provider != nil {
		limited := RateLimit(MaxBodyBytes(a.provider, 8<<10), a.rateBurst, a.ratePerSec)
		a.mux.Handle("/v1/delegations", limited)
		a.mux.Handle("/v1/delegations/", limited)
	}

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the instrumented mux.
func (a *API) Handler() http.Handler {
	return obs.Instrument(SecurityHeaders(Logging(a.mux)))
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.readiness != nil {
		if err := a.readiness.Check(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

type eventView struct {
	ticketing.Event
	Price string `json:"price"`
	When  string `json:"when"`
}

// Events lists active events, or every event with ?all=1.
func (a *API) Events(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	list := a.backend.ActiveEvents
	if all := r.URL.Query().Get("all"); all == "1" || all == "true" {
		list = a.backend.AllEvents
	}
	events, err := list(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error()})
		return
	}
	out := make([]eventView, 0, len(events))
	for _, ev := range events {
		out = append(out, eventView{
			Event: ev,
			Price: display.FormatAmount(ev.PriceE8s),
			When:  display.FormatTime(ev.Date, time.UTC),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

// EventStats serves GET /v1/events/{id}/stats.
func (a *API) EventStats(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/events/")
	idText, ok := strings.CutSuffix(rest, "/stats")
	if !ok || r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	id, err := desk.ParseID("event_id", idText)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	res, err := a.backend.EventStatistics(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error()})
		return
	}
	stats, kind, ok := res.Get()
	if !ok {
		code := http.StatusUnprocessableEntity
		if kind == ticketing.EventNotFound {
			code = http.StatusNotFound
		}
		writeJSON(w, code, map[string]any{"error": kind.String(), "message": kind.Humanize()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"event_id":  id,
		"sold":      stats.Sold,
		"available": stats.Available,
		"revenue":   display.FormatAmount(stats.Revenue),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
