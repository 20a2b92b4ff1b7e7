package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	xerrors "SafeTx-Relay/internal/errors"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (r *recordingNotifier) Channel() Channel { return r.channel }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.events = append(r.events, event)
	return r.err
}

func TestFanoutContinuesAfterFailure(t *testing.T) {
	failing := &recordingNotifier{channel: "a", err: errors.New("down")}
	healthy := &recordingNotifier{channel: "b"}
	dispatcher := NewFanout(failing, nil, healthy)

	err := dispatcher.Notify(context.Background(), Event{JobID: "job-1"})
	if err == nil {
		t.Fatalf("expected joined error")
	}
	if len(failing.events) != 1 || len(healthy.events) != 1 {
		t.Fatalf("expected both notifiers to receive the event")
	}
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	received := make(chan Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var event Event
		if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		received <- event
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	notifier := NewWebhookNotifier(srv.URL, time.Second)
	event := Event{
		Code:     xerrors.CodeRelay,
		Message:  "execution reverted",
		Severity: xerrors.SeverityCritical,
		JobID:    "job-1",
		Safe:     "0x1111111111111111111111111111111111111111",
		Stage:    "relay",
		Sent:     true,
	}
	if err := notifier.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}
	got := <-received
	if got.JobID != "job-1" || got.Code != xerrors.CodeRelay || !got.Sent || got.Stage != "relay" {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestWebhookNotifierRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	if err := NewWebhookNotifier(srv.URL, time.Second).Notify(context.Background(), Event{JobID: "job-1"}); err == nil {
		t.Fatalf("expected error for 500 response")
	}
	if err := (&WebhookNotifier{}).Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("unconfigured notifier should be a no-op: %v", err)
	}
}
