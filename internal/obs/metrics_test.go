package obs

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMethodName(t *testing.T) {
	cases := map[string]string{
		"": "unknown",
		"/boxoffice.v1.TicketService/PurchaseTickets": "PurchaseTickets",
		"/boxoffice.v1.StatusService/RootKey":         "RootKey",
		"GetEvent":                                    "GetEvent",
		"/boxoffice.v1.TicketService/":                "unknown",
	}
	for input, expected := range cases {
		if got := MethodName(input); got != expected {
			t.Fatalf("MethodName(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestRouteLabel(t *testing.T) {
	cases := map[string]string{
		"/v1/events":                 "/v1/events",
		"/v1/events/42/stats":        "/v1/events/:id/stats",
		"/v1/delegations/0b7c-token": "/v1/delegations/:id",
		"/healthz":                   "/healthz",
	}
	for input, expected := range cases {
		if got := RouteLabel(input); got != expected {
			t.Fatalf("RouteLabel(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestTrackCommand(t *testing.T) {
	done := TrackCommand("purchase")
	if got := testutil.ToFloat64(commandsInFlight.WithLabelValues("purchase")); got != 1 {
		t.Fatalf("in flight = %v, want 1", got)
	}
	done()
	if got := testutil.ToFloat64(commandsInFlight.WithLabelValues("purchase")); got != 0 {
		t.Fatalf("in flight = %v, want 0", got)
	}
}

func TestLogEmitsFixedKeys(t *testing.T) {
	logger := Logger()
	orig := logger.Writer()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(orig)

	Warn("refresh_failed", map[string]any{"msg": "overridden?", "collection": "tickets"})

	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry); err != nil {
		t.Fatalf("log is not valid JSON: %v", err)
	}
	if entry["msg"] != "refresh_failed" || entry["level"] != "warn" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["collection"] != "tickets" {
		t.Fatalf("missing field: %v", entry)
	}
	if _, ok := entry["ts"]; !ok {
		t.Fatal("missing ts")
	}
}
