package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	xerrors "Fairfy-Chain/internal/errors"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (n *recordingNotifier) Channel() Channel { return n.channel }

func (n *recordingNotifier) Notify(_ context.Context, event Event) error {
	n.events = append(n.events, event)
	return n.err
}

func TestFanoutDeliversToEveryChannel(t *testing.T) {
	a := &recordingNotifier{channel: "a"}
	b := &recordingNotifier{channel: "b", err: errors.New("boom")}
	d := NewFanout(a, b, nil)

	err := d.Notify(context.Background(), Event{Code: xerrors.CodeRevealRejected})
	if err == nil {
		t.Fatalf("expected joined error from failing notifier")
	}
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatalf("expected both notifiers to receive the event")
	}
	if a.events[0].OccurredAt.IsZero() {
		t.Fatalf("expected OccurredAt to be filled")
	}
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	received := make(chan Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		var event Event
		if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
			t.Errorf("decode event: %v", err)
		}
		received <- event
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Second)
	err := n.Notify(context.Background(), Event{
		Code:     xerrors.CodeCircuitOpen,
		Severity: xerrors.SeverityCritical,
		PID:      1234,
		Metadata: map[string]string{"trips": "3"},
	})
	if err != nil {
		t.Fatalf("Notify returned error: %v", err)
	}
	got := <-received
	if got.Code != xerrors.CodeCircuitOpen || got.PID != 1234 || got.Channel != ChannelWebhook {
		t.Fatalf("unexpected event: %+v", got)
	}
}

func TestWebhookNotifierReportsHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if err := NewWebhookNotifier(srv.URL, time.Second).Notify(context.Background(), Event{}); err == nil {
		t.Fatalf("expected error for 502 response")
	}
}

func TestFromConfigAlwaysLogs(t *testing.T) {
	d := FromConfig("", 0)
	if _, ok := d.notifiers[ChannelLog]; !ok {
		t.Fatalf("log channel should always be registered")
	}
	if _, ok := d.notifiers[ChannelWebhook]; ok {
		t.Fatalf("webhook channel should be absent without URL")
	}
}
