package audit

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"strings"
	"time"

	"bankist.org/internal/ids"
	"bankist.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Entry is one audit record.
type Entry struct {
	ID        string         `json:"id"`
	Event     string         `json:"event"`
	Username  string         `json:"username,omitempty"`
	Outcome   string         `json:"outcome"`
	RequestID string         `json:"request_id,omitempty"`
	At        time.Time      `json:"ts"`
	Fields    map[string]any `json:"fields"`
}

// Store persists audit entries.
type Store interface {
	AppendAudit(ctx context.Context, e Entry) error
}

// Trail writes every entry to the JSON log and, when configured, to a Store.
type Trail struct {
	store Store
}

// NewTrail returns a trail. store may be nil.
func NewTrail(store Store) *Trail {
	return &Trail{store: store}
}

// Record logs and stores one entry. A nil trail only logs.
func (t *Trail) Record(ctx context.Context, e Entry) error {
	e.Event = strings.TrimSpace(e.Event)
	if e.Event == "" {
		return errors.New("event name is required")
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	if e.ID == "" {
		e.ID = ids.Prefixed("aud", e.At)
	}
	if e.RequestID == "" {
		e.RequestID = RequestIDFromContext(ctx)
	}
	if e.Fields == nil {
		e.Fields = map[string]any{}
	} else {
		e.Fields = maps.Clone(e.Fields)
	}

	if err := writeLine(e); err != nil {
		return err
	}
	if t == nil || t.store == nil {
		return nil
	}
	return t.store.AppendAudit(ctx, e)
}

// LogEvent writes an audit log line without touching the store.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	return (*Trail)(nil).Record(ctx, Entry{Event: event, Outcome: "ok", Fields: fields})
}

func writeLine(e Entry) error {
	entry := map[string]any{
		"ts":      e.At.UTC().Format(time.RFC3339Nano),
		"type":    "audit",
		"id":      e.ID,
		"event":   e.Event,
		"outcome": e.Outcome,
		"fields":  e.Fields,
	}
	if e.RequestID != "" {
		entry["request_id"] = e.RequestID
	}
	if e.Username != "" {
		entry["username"] = e.Username
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}
