package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/orrn/instalabel/internal/config"
	"github.com/orrn/instalabel/internal/core"
)

type delivery struct {
	event     string
	signature string
	body      []byte
}

type hookServer struct {
	*httptest.Server
	mu         sync.Mutex
	deliveries []delivery
	status     atomic.Int32
	hits       atomic.Int32
}

func newHookServer(t *testing.T) *hookServer {
	t.Helper()
	hs := &hookServer{}
	hs.status.Store(http.StatusOK)
	hs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hs.hits.Add(1)
		body, _ := io.ReadAll(r.Body)
		hs.mu.Lock()
		hs.deliveries = append(hs.deliveries, delivery{
			event:     r.Header.Get(EventHeader),
			signature: r.Header.Get(SignatureHeader),
			body:      body,
		})
		hs.mu.Unlock()
		w.WriteHeader(int(hs.status.Load()))
	}))
	t.Cleanup(hs.Close)
	return hs
}

func (hs *hookServer) all() []delivery {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return append([]delivery(nil), hs.deliveries...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestNewSenderWithoutEndpoints(t *testing.T) {
	s := NewSender(SenderConfig{})
	if s != nil {
		t.Fatal("expected nil sender without endpoints")
	}
	if err := s.Run(context.Background(), core.NewPublisher()); err != nil {
		t.Fatalf("nil sender Run: %v", err)
	}
}

func TestSenderDeliversSignedMessages(t *testing.T) {
	hs := newHookServer(t)
	pub := core.NewPublisher()

	s := NewSender(SenderConfig{
		Endpoints: []config.WebhookConfig{{URL: hs.URL, Secret: "s3cret"}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, pub) }()

	waitFor(t, func() bool { return pub.SubscriberCount() == 1 })

	pub.Publish(core.ImageMessage{Type: core.MessageImage, Image: "aGk="})
	pub.Publish(core.QueueMessage{Type: core.MessageQueue, Jobs: []core.JobView{{ID: 7, Status: core.JobStatusQueued, Position: 1}}})

	waitFor(t, func() bool { return len(hs.all()) == 1 })

	got := hs.all()[0]
	if got.event != core.MessageQueue {
		t.Fatalf("expected queue event, got %q", got.event)
	}
	if got.signature != Sign(got.body, "s3cret") {
		t.Fatalf("signature mismatch: %q", got.signature)
	}

	var payload struct {
		Event string `json:"event"`
		Data  struct {
			Jobs []core.JobView `json:"jobs"`
		} `json:"data"`
	}
	if err := json.Unmarshal(got.body, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Event != core.MessageQueue || len(payload.Data.Jobs) != 1 || payload.Data.Jobs[0].ID != 7 {
		t.Fatalf("unexpected payload %s", got.body)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if pub.SubscriberCount() != 0 {
		t.Fatal("expected sender to unsubscribe on exit")
	}
}

func TestSenderEventFilter(t *testing.T) {
	hs := newHookServer(t)
	s := NewSender(SenderConfig{
		Endpoints: []config.WebhookConfig{{URL: hs.URL, Events: []string{core.MessageImage}}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx, core.NewPublisher())

	s.Enqueue(core.QueueMessage{Type: core.MessageQueue})
	s.Enqueue(core.ImageMessage{Type: core.MessageImage, Image: "aGk="})

	waitFor(t, func() bool { delivered, _, _ := s.Stats(); return delivered == 1 })
	if d := hs.all(); len(d) != 1 || d[0].event != core.MessageImage || d[0].signature != "" {
		t.Fatalf("unexpected deliveries %+v", d)
	}
}

func TestSenderDoesNotRetryClientErrors(t *testing.T) {
	hs := newHookServer(t)
	hs.status.Store(http.StatusBadRequest)

	s := NewSender(SenderConfig{
		Endpoints:  []config.WebhookConfig{{URL: hs.URL}},
		RetryCount: 3,
		RetryDelay: time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx, core.NewPublisher())

	s.Enqueue(core.QueueMessage{Type: core.MessageQueue})

	waitFor(t, func() bool { _, _, failed := s.Stats(); return failed == 1 })
	if hits := hs.hits.Load(); hits != 1 {
		t.Fatalf("expected a single attempt, got %d", hits)
	}
}

func TestSenderRetriesServerErrors(t *testing.T) {
	hs := newHookServer(t)
	hs.status.Store(http.StatusBadGateway)

	s := NewSender(SenderConfig{
		Endpoints:  []config.WebhookConfig{{URL: hs.URL}},
		RetryCount: 3,
		RetryDelay: time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx, core.NewPublisher())

	s.Enqueue(core.StatusMessage{Type: core.MessageStatus})

	waitFor(t, func() bool { _, _, failed := s.Stats(); return failed == 1 })
	if hits := hs.hits.Load(); hits != 3 {
		t.Fatalf("expected 3 attempts, got %d", hits)
	}
}

func TestSenderDropsWhenQueueFull(t *testing.T) {
	s := NewSender(SenderConfig{
		Endpoints: []config.WebhookConfig{{URL: "http://127.0.0.1:1"}},
		QueueSize: 1,
	})

	// No workers are running, so the second message cannot fit.
	s.Enqueue(core.QueueMessage{Type: core.MessageQueue})
	s.Enqueue(core.QueueMessage{Type: core.MessageQueue})

	if _, dropped, _ := s.Stats(); dropped != 1 {
		t.Fatalf("expected 1 dropped delivery, got %d", dropped)
	}
}

func TestSenderEndpointsAndTest(t *testing.T) {
	hs := newHookServer(t)
	s := NewSender(SenderConfig{
		Endpoints: []config.WebhookConfig{
			{URL: hs.URL, Secret: "k"},
			{URL: "http://127.0.0.1:1", Events: []string{core.MessageImage}},
		},
	})

	eps := s.Endpoints()
	if len(eps) != 2 || !eps[0].HasSecret || len(eps[0].Events) != len(DefaultEvents) {
		t.Fatalf("unexpected endpoints %+v", eps)
	}
	if len(eps[1].Events) != 1 || eps[1].Events[0] != core.MessageImage {
		t.Fatalf("unexpected second endpoint %+v", eps[1])
	}

	if err := s.Test(context.Background(), 0, core.StatusMessage{Type: core.MessageStatus}); err != nil {
		t.Fatalf("Test: %v", err)
	}
	d := hs.all()
	if len(d) != 1 || d[0].event != core.MessageStatus || d[0].signature != Sign(d[0].body, "k") {
		t.Fatalf("unexpected test delivery %+v", d)
	}

	if err := s.Test(context.Background(), 5, core.StatusMessage{}); err != ErrUnknownEndpoint {
		t.Fatalf("expected ErrUnknownEndpoint, got %v", err)
	}
}
