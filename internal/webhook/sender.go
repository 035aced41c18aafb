// Package webhook forwards publisher messages to configured HTTP endpoints.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/orrn/instalabel/internal/config"
	"github.com/orrn/instalabel/internal/core"
	"github.com/orrn/instalabel/internal/logging"
)

const (
	SubscriberID = "webhooks"

	SignatureHeader = "X-Webhook-Signature"
	EventHeader     = "X-Webhook-Event"
)

// DefaultEvents are forwarded when an endpoint lists none. Image echoes are
// only sent when asked for by name.
var DefaultEvents = []string{
	core.MessageStatus,
	core.MessageQueue,
	core.MessagePrinterState,
	core.MessageScanComplete,
}

// Source is where the sender receives messages from.
type Source interface {
	Subscribe(id string, buffer int) (<-chan core.Message, error)
	Unsubscribe(id string) error
}

type WebhookPayload struct {
	Event     string       `json:"event"`
	Timestamp time.Time    `json:"timestamp"`
	Data      core.Message `json:"data"`
}

type SenderConfig struct {
	Endpoints   []config.WebhookConfig
	RetryCount  int
	RetryDelay  time.Duration
	Timeout     time.Duration
	WorkerCount int
	QueueSize   int
	Client      *http.Client
	Logger      *zap.Logger
}

type webhookTask struct {
	endpoint config.WebhookConfig
	payload  WebhookPayload
	attempt  int
}

type Sender struct {
	endpoints   []endpoint
	httpClient  *http.Client
	retryCount  int
	retryDelay  time.Duration
	workerCount int
	queue       chan *webhookTask
	logger      *zap.Logger

	delivered atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

type endpoint struct {
	config.WebhookConfig
	events map[string]bool
}

// NewSender returns nil when no endpoints are configured; a nil Sender's Run
// returns immediately.
func NewSender(cfg SenderConfig) *Sender {
	if len(cfg.Endpoints) == 0 {
		return nil
	}
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 3
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	endpoints := make([]endpoint, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		events := ep.Events
		if len(events) == 0 {
			events = DefaultEvents
		}
		set := make(map[string]bool, len(events))
		for _, ev := range events {
			set[ev] = true
		}
		endpoints = append(endpoints, endpoint{WebhookConfig: ep, events: set})
	}

	return &Sender{
		endpoints:   endpoints,
		httpClient:  client,
		retryCount:  cfg.RetryCount,
		retryDelay:  cfg.RetryDelay,
		workerCount: cfg.WorkerCount,
		queue:       make(chan *webhookTask, cfg.QueueSize),
		logger:      logging.NewComponentLogger(cfg.Logger, "webhook"),
	}
}

// Run subscribes to source and delivers until ctx is done.
func (s *Sender) Run(ctx context.Context, source Source) error {
	if s == nil {
		return nil
	}

	messages, err := source.Subscribe(SubscriberID, 0)
	if err != nil {
		return fmt.Errorf("subscribe webhooks: %w", err)
	}
	defer source.Unsubscribe(SubscriberID)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.workerCount; i++ {
		id := i
		g.Go(func() error {
			s.worker(gctx, id)
			return nil
		})
	}

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case msg, ok := <-messages:
				if !ok {
					return nil
				}
				s.Enqueue(msg)
			}
		}
	})

	return g.Wait()
}

// Enqueue schedules msg for every endpoint subscribed to its type. When the
// queue is full the delivery is dropped.
func (s *Sender) Enqueue(msg core.Message) {
	event := msg.MessageType()
	for _, ep := range s.endpoints {
		if !ep.events[event] {
			continue
		}

		task := &webhookTask{
			endpoint: ep.WebhookConfig,
			payload: WebhookPayload{
				Event:     event,
				Timestamp: time.Now().UTC(),
				Data:      msg,
			},
		}

		select {
		case s.queue <- task:
		default:
			s.dropped.Add(1)
			s.logger.Warn("queue full, dropping webhook",
				zap.String("url", ep.URL),
				zap.String("event", event),
			)
		}
	}
}

type EndpointInfo struct {
	URL       string   `json:"url"`
	Events    []string `json:"events"`
	HasSecret bool     `json:"has_secret"`
}

func (s *Sender) Endpoints() []EndpointInfo {
	if s == nil {
		return nil
	}
	out := make([]EndpointInfo, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		events := make([]string, 0, len(ep.events))
		for ev := range ep.events {
			events = append(events, ev)
		}
		sort.Strings(events)
		out = append(out, EndpointInfo{URL: ep.URL, Events: events, HasSecret: ep.Secret != ""})
	}
	return out
}

// ErrUnknownEndpoint is returned by Test for an out of range index.
var ErrUnknownEndpoint = errors.New("unknown webhook endpoint")

// Test sends msg to one endpoint right away with a single attempt, bypassing
// the queue and the event filter.
func (s *Sender) Test(ctx context.Context, index int, msg core.Message) error {
	if s == nil || index < 0 || index >= len(s.endpoints) {
		return ErrUnknownEndpoint
	}
	payload := WebhookPayload{
		Event:     msg.MessageType(),
		Timestamp: time.Now().UTC(),
		Data:      msg,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return s.sendRequest(ctx, s.endpoints[index].WebhookConfig, payload.Event, body)
}

// Stats returns delivered, dropped and failed counts.
func (s *Sender) Stats() (delivered, dropped, failed uint64) {
	if s == nil {
		return 0, 0, 0
	}
	return s.delivered.Load(), s.dropped.Load(), s.failed.Load()
}

func (s *Sender) worker(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-s.queue:
			if err := s.sendWithRetry(ctx, task); err != nil {
				s.failed.Add(1)
				s.logger.Warn("webhook delivery failed",
					zap.Int("worker", id),
					zap.String("url", task.endpoint.URL),
					zap.String("event", task.payload.Event),
					zap.Int("attempts", task.attempt),
					zap.Error(err),
				)
				continue
			}
			s.delivered.Add(1)
		}
	}
}

func (s *Sender) sendWithRetry(ctx context.Context, task *webhookTask) error {
	body, err := json.Marshal(task.payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	var lastErr error
	for task.attempt < s.retryCount {
		task.attempt++

		err := s.sendRequest(ctx, task.endpoint, task.payload.Event, body)
		if err == nil {
			return nil
		}
		lastErr = err

		if isClientError(err) {
			return err
		}

		if task.attempt < s.retryCount {
			backoff := s.retryDelay * time.Duration(1<<(task.attempt-1))
			s.logger.Debug("retrying webhook",
				zap.String("url", task.endpoint.URL),
				zap.Int("attempt", task.attempt),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)

			select {
			case <-ctx.Done():
				return fmt.Errorf("shutdown requested: %w", lastErr)
			case <-time.After(backoff):
			}
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("http error: %d", e.code)
}

func (s *Sender) sendRequest(ctx context.Context, ep config.WebhookConfig, event string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, event)
	if ep.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(body, ep.Secret))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func isClientError(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 400 && se.code < 500
	}
	return false
}
