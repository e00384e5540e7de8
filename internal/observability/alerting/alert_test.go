package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingPoster struct {
	mu       sync.Mutex
	payloads []any
	err      error
}

func (p *recordingPoster) Post(_ context.Context, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = append(p.payloads, payload)
	return p.err
}

func sampleEvent() Event {
	return Event{
		Code:        "PARTIAL_COMMIT",
		Message:     "scores committed, profile link failed",
		Severity:    "warning",
		OperationID: "op-1",
		Kind:        "score_run",
		Attempts:    1,
		MaxRetries:  1,
		Metadata:    map[string]string{"digest": "bafk", "stage": "terminal"},
		OccurredAt:  time.Unix(1700000000, 0),
	}
}

func TestFanoutJoinsChannelErrors(t *testing.T) {
	ok := &recordingPoster{}
	broken := &recordingPoster{err: errors.New("boom")}
	d := NewFanout(&DingTalkNotifier{Poster: ok}, &SlackNotifier{Poster: broken}, nil)
	if d.Len() != 2 {
		t.Fatalf("unexpected notifier count %d", d.Len())
	}

	err := d.Notify(context.Background(), sampleEvent())
	if err == nil || !strings.Contains(err.Error(), "channel slack") {
		t.Fatalf("expected slack failure, got %v", err)
	}
	if len(ok.payloads) != 1 {
		t.Fatalf("dingtalk not notified")
	}
	msg := ok.payloads[0].(dingTalkMessage)
	if msg.MsgType != "text" || !strings.Contains(msg.Text.Content, "- digest: bafk") {
		t.Fatalf("unexpected dingtalk payload %+v", msg)
	}
}

func TestFromURLsPostsEventJSON(t *testing.T) {
	var (
		mu   sync.Mutex
		got  Event
		hits int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		defer mu.Unlock()
		hits++
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("decode: %v", err)
		}
	}))
	defer srv.Close()

	d := FromURLs(srv.URL, "", "")
	if err := d.Notify(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("notify: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if hits != 1 {
		t.Fatalf("expected one delivery, got %d", hits)
	}
	if got.OperationID != "op-1" || got.Channel != ChannelWebhook {
		t.Fatalf("unexpected event %+v", got)
	}
}

func TestHTTPPosterReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewHTTPPoster(srv.URL).Post(context.Background(), map[string]string{"a": "b"})
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Fatalf("expected status error, got %v", err)
	}
}
