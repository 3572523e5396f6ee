package audit

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"strings"
	"time"

	"boxoffice.org/internal/identity"
	"boxoffice.org/internal/ids"
	"boxoffice.org/internal/obs"
)

// LogEvent writes an audit log entry enriched with request and caller context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	entry, err := newEntry(ctx, event, fields)
	if err != nil {
		return err
	}
	data, err := json.Marshal(entry.logLine())
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}

type entry struct {
	At        time.Time
	Event     string
	RequestID string
	Principal identity.Principal
	Fields    map[string]any
}

func newEntry(ctx context.Context, event string, fields map[string]any) (entry, error) {
	event = strings.TrimSpace(event)
	if event == "" {
		return entry{}, errors.New("event name is required")
	}
	e := entry{
		At:        time.Now().UTC(),
		Event:     event,
		RequestID: ids.RequestIDFromContext(ctx),
		Principal: identity.PrincipalFromContext(ctx),
		Fields:    maps.Clone(fields),
	}
	if e.Fields == nil {
		e.Fields = map[string]any{}
	}
	return e, nil
}

func (e entry) logLine() map[string]any {
	line := map[string]any{
		"ts":     e.At.Format(time.RFC3339Nano),
		"type":   "audit",
		"event":  e.Event,
		"fields": e.Fields,
	}
	if e.RequestID != "" {
		line["request_id"] = e.RequestID
	}
	if !e.Principal.IsAnonymous() {
		line["principal"] = e.Principal.String()
	}
	return line
}
