package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type fakeAdder struct {
	calls []*redis.XAddArgs
	err   error
}

func (f *fakeAdder) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.calls = append(f.calls, a)
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	return redis.NewStringResult("1-0", nil)
}

func TestRedisPublisherWritesEnvelope(t *testing.T) {
	fake := &fakeAdder{}
	p := newRedisPublisher(fake, "", 1000)
	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	evt := New(TransferApplied, "js", at, map[string]any{"to": "jd", "amount": "100"})

	if err := p.Publish(context.Background(), evt); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(fake.calls) != 1 {
		t.Fatalf("expected one XADD, got %d", len(fake.calls))
	}
	args := fake.calls[0]
	if args.Stream != DefaultStream || args.MaxLen != 1000 || !args.Approx {
		t.Fatalf("unexpected args: %+v", args)
	}
	if args.Values.(map[string]any)["type"] != "transfer.applied" {
		t.Fatalf("type field = %v", args.Values)
	}
	raw := args.Values.(map[string]any)["event"].([]byte)
	var decoded Event
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if decoded.ID != evt.ID || decoded.Username != "js" || decoded.Data["to"] != "jd" {
		t.Fatalf("decoded = %+v", decoded)
	}
	if !strings.HasPrefix(decoded.ID, "evt_") {
		t.Fatalf("id = %q", decoded.ID)
	}
}

func TestRedisPublisherWrapsErrors(t *testing.T) {
	boom := errors.New("connection refused")
	p := newRedisPublisher(&fakeAdder{err: boom}, "custom", 0)
	err := p.Publish(context.Background(), Event{Type: AccountClosed})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
	if p.Stream() != "custom" {
		t.Fatalf("stream = %s", p.Stream())
	}
}

func TestFanoutJoinsErrors(t *testing.T) {
	var got []Type
	ok := SinkFunc(func(_ context.Context, e Event) error { got = append(got, e.Type); return nil })
	bad := SinkFunc(func(context.Context, Event) error { return errors.New("down") })

	err := Fanout{ok, nil, bad, ok}.Publish(context.Background(), Event{Type: LoanCredited})
	if err == nil || !strings.Contains(err.Error(), "down") {
		t.Fatalf("err = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("healthy sinks called %d times", len(got))
	}
}
