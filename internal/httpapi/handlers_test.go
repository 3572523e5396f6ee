package httpapi

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"boxoffice.org/internal/clock"
	"boxoffice.org/internal/identity"
	"boxoffice.org/internal/stream"
	"boxoffice.org/internal/ticketing"
)

type fixture struct {
	srv     *httptest.Server
	backend ticketing.Service
	stream  *stream.Stream
}

func newFixture(t *testing.T, r Readiness, opts ...Option) *fixture {
	t.Helper()
	mem := ticketing.NewInMemory(clock.NewManual(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)))
	s := stream.New()
	backend := stream.Publish(mem, s)

	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	issuer := identity.NewIssuer(key)

	opts = append([]Option{WithProvider(issuer.Handler()), WithStream(s)}, opts...)
	api := New(r, "test", backend, opts...)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, backend: backend, stream: s}
}

func (f *fixture) createEvent(t *testing.T) uint64 {
	t.Helper()
	ctx := identity.ContextWithPrincipal(context.Background(), "organizer")
	start := uint64(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	end := uint64(time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	r, err := f.backend.CreateEvent(ctx, ticketing.EventDraft{
		Name:              "Gala",
		Venue:             "Hall",
		Date:              end,
		TotalTickets:      100,
		PriceE8s:          150_000_000,
		MaxTicketsPerUser: 5,
		SaleStartTime:     start,
		SaleEndTime:       end,
	})
	id, _, ok := r.Get()
	if err != nil || !ok {
		t.Fatalf("create event: %v %v", r, err)
	}
	return id
}

func getJSON(t *testing.T, url string, wantCode int) map[string]any {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantCode {
		t.Fatalf("GET %s: status %d, want %d", url, resp.StatusCode, wantCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return body
}

func TestProbes(t *testing.T) {
	f := newFixture(t, ReadyFunc(func(context.Context) error { return nil }))
	if body := getJSON(t, f.srv.URL+"/healthz", http.StatusOK); body["service"] != serviceName {
		t.Fatalf("unexpected healthz: %v", body)
	}
	getJSON(t, f.srv.URL+"/readyz", http.StatusOK)
	if body := getJSON(t, f.srv.URL+"/v1/info", http.StatusOK); body["version"] != "test" {
		t.Fatalf("unexpected info: %v", body)
	}

	down := newFixture(t, ReadyFunc(func(context.Context) error { return errors.New("boom") }))
	if body := getJSON(t, down.srv.URL+"/readyz", http.StatusServiceUnavailable); body["error"] != "boom" {
		t.Fatalf("unexpected readyz: %v", body)
	}
}

func TestEventsAndStats(t *testing.T) {
	f := newFixture(t, nil)
	id := f.createEvent(t)

	body := getJSON(t, f.srv.URL+"/v1/events", http.StatusOK)
	events, _ := body["events"].([]any)
	if len(events) != 1 {
		t.Fatalf("events = %v", body)
	}
	if ev := events[0].(map[string]any); ev["price"] != "1.5000" {
		t.Fatalf("price = %v", ev["price"])
	}

	stats := getJSON(t, fmt.Sprintf("%s/v1/events/%d/stats", f.srv.URL, id), http.StatusOK)
	if stats["available"] != float64(100) || stats["revenue"] != "0.0000" {
		t.Fatalf("stats = %v", stats)
	}

	missing := getJSON(t, f.srv.URL+"/v1/events/99/stats", http.StatusNotFound)
	if missing["error"] != "EventNotFound" {
		t.Fatalf("missing = %v", missing)
	}
	getJSON(t, f.srv.URL+"/v1/events/abc/stats", http.StatusBadRequest)
}

func TestProviderRateLimited(t *testing.T) {
	f := newFixture(t, nil, WithRateLimit(1, 1))

	post := func() int {
		resp, err := http.Post(f.srv.URL+"/v1/delegations", "application/json", strings.NewReader(`{}`))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}
	if code := post(); code != http.StatusBadRequest {
		t.Fatalf("first status = %d, want 400", code)
	}
	if code := post(); code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", code)
	}
}

func TestActivityStream(t *testing.T) {
	f := newFixture(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/v1/activity", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	if line, _ := reader.ReadString('\n'); !strings.HasPrefix(line, ": stream started") {
		t.Fatalf("unexpected preamble %q", line)
	}

	for f.stream.Subscribers() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	f.createEvent(t)

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			var a stream.Activity
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &a); err != nil {
				t.Fatalf("decode activity: %v", err)
			}
			if a.Kind != stream.EventCreated || a.Principal != "organizer" {
				t.Fatalf("unexpected activity: %+v", a)
			}
			return
		}
	}
}
