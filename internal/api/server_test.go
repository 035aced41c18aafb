package api

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/orrn/instalabel/internal/api/middleware"
	"github.com/orrn/instalabel/internal/config"
	"github.com/orrn/instalabel/internal/core"
	"github.com/orrn/instalabel/internal/db"
)

type stubSpooler struct {
	mu     sync.Mutex
	images [][]byte
	opts   []string
}

func (s *stubSpooler) Enqueue(image []byte, printer, watermark string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images = append(s.images, image)
	s.opts = append(s.opts, printer+"|"+watermark)
	return int64(len(s.images)), nil
}

func (s *stubSpooler) QueueSnapshot() []core.JobView {
	s.mu.Lock()
	defer s.mu.Unlock()
	views := make([]core.JobView, len(s.images))
	for i := range s.images {
		views[i] = core.JobView{ID: int64(i + 1), Status: core.JobStatusQueued, Position: i + 1}
	}
	return views
}

func (s *stubSpooler) options(i int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts[i]
}

func (s *stubSpooler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.images)
}

type stubRegistry struct {
	scans     atomic.Int32
	refreshes atomic.Int32
}

func (r *stubRegistry) Snapshot(context.Context) core.Snapshot {
	return core.MergeDescriptors(
		[]core.PrinterDescriptor{{Name: "Zebra Label", Transport: core.TransportWired, State: core.StateConnected}},
		[]core.PrinterDescriptor{{Name: "Pocket BT", Transport: core.TransportWireless, State: core.StateDisconnected}},
		core.DefaultPreferredKeywords,
	)
}

func (r *stubRegistry) Scan(context.Context) []core.PrinterDescriptor {
	r.scans.Add(1)
	return []core.PrinterDescriptor{{Name: "Pocket BT", Transport: core.TransportWireless, State: core.StateConnected}}
}

func (r *stubRegistry) RefreshWirelessState(context.Context) { r.refreshes.Add(1) }

type fixture struct {
	server   *httptest.Server
	spooler  *stubSpooler
	registry *stubRegistry
	hub      *core.Publisher
	store    *db.Store
}

func newFixture(t *testing.T, auth *middleware.AuthMiddleware) *fixture {
	t.Helper()

	store, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "history.db")})
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		spooler:  &stubSpooler{},
		registry: &stubRegistry{},
		hub:      core.NewPublisher(),
		store:    store,
	}
	s := NewServer(Options{
		Spooler:  f.spooler,
		Registry: f.registry,
		Hub:      f.hub,
		History:  store,
		Auth:     auth,
		Settings: config.Default(),
		Config:   config.ServerConfig{MessagesPerSecond: 100, MessageBurst: 100},
	})
	f.server = httptest.NewServer(s.Handler())
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.do(t, http.MethodGet, "/healthz", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestPrintEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	body := `{"images":["` + b64("one") + `","` + b64("two") + `"],"selectedPrinter":"Zebra Label","watermarkText":"DRAFT"}`
	resp := f.do(t, http.MethodPost, "/api/print", body, "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var out struct {
		JobIDs []int64 `json:"job_ids"`
	}
	decode(t, resp, &out)
	if len(out.JobIDs) != 2 {
		t.Fatalf("unexpected ids %v", out.JobIDs)
	}
	if got := f.spooler.options(0); got != "Zebra Label|DRAFT" {
		t.Fatalf("unexpected enqueue options %q", got)
	}

	bad := f.do(t, http.MethodPost, "/api/print", `{"images":["!!!"]}`, "")
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad image, got %d", bad.StatusCode)
	}
	missing := f.do(t, http.MethodPost, "/api/print", `{}`, "")
	if missing.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without images, got %d", missing.StatusCode)
	}
	if f.spooler.count() != 2 {
		t.Fatalf("rejected requests must not enqueue, got %d jobs", f.spooler.count())
	}

	queue := f.do(t, http.MethodGet, "/api/queue", "", "")
	var q struct {
		Jobs  []core.JobView `json:"jobs"`
		Total int            `json:"total"`
	}
	decode(t, queue, &q)
	if q.Total != 2 || q.Jobs[1].Position != 2 {
		t.Fatalf("unexpected queue %+v", q)
	}
}

func TestPrinterEndpoints(t *testing.T) {
	f := newFixture(t, nil)

	var status core.StatusMessage
	decode(t, f.do(t, http.MethodGet, "/api/printers", "", ""), &status)
	if status.Type != core.MessageStatus || !status.Connected || status.PrinterCount != 1 || status.WirelessPrinterCount != 1 {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.DefaultPrinter == nil || status.DefaultPrinter.Name != "Zebra Label" {
		t.Fatalf("unexpected default %+v", status.DefaultPrinter)
	}

	var scan struct {
		Printers []core.PrinterDescriptor `json:"printers"`
	}
	decode(t, f.do(t, http.MethodPost, "/api/printers/scan", "", ""), &scan)
	if len(scan.Printers) != 1 || f.registry.scans.Load() != 1 {
		t.Fatalf("unexpected scan result %+v", scan)
	}

	if resp := f.do(t, http.MethodPost, "/api/printers/refresh", "", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh: %d", resp.StatusCode)
	}
	if f.registry.refreshes.Load() != 1 {
		t.Fatal("expected a refresh")
	}

	if resp := f.do(t, http.MethodGet, "/api/printers/Zebra/status", "", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 without network printers, got %d", resp.StatusCode)
	}
}

func TestHistoryEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	day := time.Now().UTC()

	for i, status := range []core.JobStatus{core.JobStatusDone, core.JobStatusDone, core.JobStatusError} {
		err := f.store.RecordJob(ctx, core.JobRecord{
			JobID:       int64(i + 1),
			PrinterName: "Zebra Label",
			Status:      status,
			SubmittedAt: day,
			CompletedAt: day,
		})
		if err != nil {
			t.Fatalf("RecordJob: %v", err)
		}
	}

	var history struct {
		Entries []db.HistoryEntry `json:"entries"`
		Total   int               `json:"total"`
	}
	decode(t, f.do(t, http.MethodGet, "/api/history?status=Error", "", ""), &history)
	if history.Total != 1 || len(history.Entries) != 1 || history.Entries[0].JobID != 3 {
		t.Fatalf("unexpected history %+v", history)
	}

	var counters struct {
		Printed int64 `json:"printed"`
		Failed  int64 `json:"failed"`
	}
	decode(t, f.do(t, http.MethodGet, "/api/counters", "", ""), &counters)
	if counters.Printed != 2 || counters.Failed != 1 {
		t.Fatalf("unexpected counters %+v", counters)
	}

	if resp := f.do(t, http.MethodGet, "/api/history?from_date=yesterday", "", ""); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad date, got %d", resp.StatusCode)
	}
}

func TestDashboardEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	now := time.Now().UTC()
	for i, status := range []core.JobStatus{core.JobStatusDone, core.JobStatusDone, core.JobStatusError} {
		err := f.store.RecordJob(context.Background(), core.JobRecord{
			JobID:       int64(i + 1),
			PrinterName: "Zebra Label",
			Status:      status,
			Attempts:    1,
			SubmittedAt: now,
			CompletedAt: now,
		})
		if err != nil {
			t.Fatalf("RecordJob: %v", err)
		}
	}
	f.do(t, http.MethodPost, "/api/print", `{"images":["`+b64("one")+`"]}`, "")

	var out struct {
		Stats struct {
			TodayPrinted    int64 `json:"today_printed"`
			TodayFailed     int64 `json:"today_failed"`
			PrintsTrend     int   `json:"prints_trend"`
			QueueDepth      int   `json:"queue_depth"`
			Available       int   `json:"available_printers"`
			WirelessOffline int   `json:"wireless_offline"`
		} `json:"stats"`
		Printers []struct {
			Name     string `json:"name"`
			Default  bool   `json:"default"`
			CanPrint bool   `json:"can_print"`
		} `json:"printers"`
	}
	decode(t, f.do(t, http.MethodGet, "/api/dashboard", "", ""), &out)

	if out.Stats.TodayPrinted != 2 || out.Stats.TodayFailed != 1 || out.Stats.PrintsTrend != 100 {
		t.Fatalf("unexpected daily stats %+v", out.Stats)
	}
	if out.Stats.QueueDepth != 1 || out.Stats.Available != 1 || out.Stats.WirelessOffline != 1 {
		t.Fatalf("unexpected live stats %+v", out.Stats)
	}
	if len(out.Printers) != 2 || !out.Printers[0].Default || !out.Printers[0].CanPrint || out.Printers[1].CanPrint {
		t.Fatalf("unexpected printer cards %+v", out.Printers)
	}
}

func TestSettingsEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	var out map[string]any
	decode(t, f.do(t, http.MethodGet, "/api/settings", "", ""), &out)
	if out["label_width_mm"] != 56.0 || out["retry_delay"] != "5s" {
		t.Fatalf("unexpected settings %v", out)
	}
	if _, leaked := out["password_hash"]; leaked {
		t.Fatal("settings must not expose the password hash")
	}
}

func TestAuthProtectsAPI(t *testing.T) {
	hash, err := middleware.HashPassword("letmein")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	auth, err := middleware.NewAuthMiddleware(config.AuthConfig{PasswordHash: hash, JWTSecret: "test-secret", TokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("NewAuthMiddleware: %v", err)
	}
	f := newFixture(t, auth)

	if resp := f.do(t, http.MethodGet, "/api/queue", "", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodPost, "/api/auth/login", `{"password":"nope"}`, ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong password, got %d", resp.StatusCode)
	}

	var login middleware.LoginResponse
	decode(t, f.do(t, http.MethodPost, "/api/auth/login", `{"password":"letmein"}`, ""), &login)
	if !login.Success || login.Token == "" {
		t.Fatalf("unexpected login response %+v", login)
	}

	if resp := f.do(t, http.MethodGet, "/api/queue", "", login.Token); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodGet, "/healthz", "", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("health must stay public, got %d", resp.StatusCode)
	}
}

func dialWS(t *testing.T, f *fixture) (*wsTestConn, func()) {
	t.Helper()
	return dialWSURL(t, "ws"+strings.TrimPrefix(f.server.URL, "http")+"/ws")
}

func dialWSURL(t *testing.T, url string) (*wsTestConn, func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		t.Fatalf("ws.Dial: %v", err)
	}
	// Frames sent right behind the handshake response may already sit in br.
	var r io.Reader = conn
	if br != nil {
		buffered, _ := br.Peek(br.Buffered())
		r = io.MultiReader(bytes.NewReader(bytes.Clone(buffered)), conn)
		ws.PutReader(br)
	}
	return &wsTestConn{t: t, conn: conn, r: r}, func() { conn.Close() }
}

type wsTestConn struct {
	t    *testing.T
	conn net.Conn
	r    io.Reader
}

func (c *wsTestConn) next() map[string]any {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	rw := struct {
		io.Reader
		io.Writer
	}{c.r, c.conn}
	data, err := wsutil.ReadServerText(rw)
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		c.t.Fatalf("decode %s: %v", data, err)
	}
	return msg
}

func (c *wsTestConn) send(raw string) {
	c.t.Helper()
	if err := wsutil.WriteClientText(c.conn, []byte(raw)); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func TestWebSocketClientReadsFramesSentWithHandshake(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sum := sha1.Sum([]byte(r.Header.Get("Sec-WebSocket-Key") + "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"))
		var out bytes.Buffer
		out.WriteString("HTTP/1.1 101 Switching Protocols\r\n" +
			"Upgrade: websocket\r\n" +
			"Connection: Upgrade\r\n" +
			"Sec-WebSocket-Accept: " + base64.StdEncoding.EncodeToString(sum[:]) + "\r\n\r\n")
		for _, payload := range []string{`{"type":"status","seq":1}`, `{"type":"status","seq":2}`} {
			if err := ws.WriteFrame(&out, ws.NewTextFrame([]byte(payload))); err != nil {
				t.Errorf("write frame: %v", err)
				return
			}
		}

		conn, _, err := w.(http.Hijacker).Hijack()
		if err != nil {
			t.Errorf("hijack: %v", err)
			return
		}
		defer conn.Close()
		if _, err := conn.Write(out.Bytes()); err != nil {
			t.Errorf("write: %v", err)
			return
		}
		_, _ = io.Copy(io.Discard, conn)
	}))
	defer srv.Close()

	client, closeConn := dialWSURL(t, "ws"+strings.TrimPrefix(srv.URL, "http"))
	defer closeConn()

	for want := 1; want <= 2; want++ {
		msg := client.next()
		if msg["type"] != "status" || msg["seq"] != float64(want) {
			t.Fatalf("frame %d: unexpected message %v", want, msg)
		}
	}
}

func TestWebSocketSession(t *testing.T) {
	f := newFixture(t, nil)
	client, closeConn := dialWS(t, f)
	defer closeConn()

	if msg := client.next(); msg["type"] != core.MessageStatus || msg["printerCount"] != float64(1) {
		t.Fatalf("expected initial status, got %v", msg)
	}
	if msg := client.next(); msg["type"] != core.MessageQueue {
		t.Fatalf("expected initial queue, got %v", msg)
	}

	client.send(`{"type":"print"`)
	client.send(`{"type":"print","images":["` + b64("label") + `"]}`)

	msg := client.next()
	if msg["type"] != core.MessageImage || msg["image"] != b64("label") {
		t.Fatalf("expected image echo after malformed message, got %v", msg)
	}
	if f.spooler.count() != 1 {
		t.Fatalf("expected exactly 1 job, got %d", f.spooler.count())
	}

	client.send(`{"type":"scan_bluetooth"}`)
	deadline := time.Now().Add(2 * time.Second)
	for f.registry.scans.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if f.registry.scans.Load() != 1 {
		t.Fatal("expected scan to be triggered")
	}

	f.hub.Publish(core.PrinterStateMessage{Type: core.MessagePrinterState, Printer: core.PrinterDescriptor{Name: "Pocket BT"}})
	if msg := client.next(); msg["type"] != core.MessagePrinterState {
		t.Fatalf("expected forwarded printer_state, got %v", msg)
	}
}

func TestWebSocketUnsubscribesOnClose(t *testing.T) {
	f := newFixture(t, nil)
	client, closeConn := dialWS(t, f)
	client.next()
	client.next()

	if n := f.hub.SubscriberCount(); n != 1 {
		t.Fatalf("expected 1 subscriber, got %d", n)
	}
	closeConn()

	deadline := time.Now().Add(2 * time.Second)
	for f.hub.SubscriberCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := f.hub.SubscriberCount(); n != 0 {
		t.Fatalf("expected subscriber to be removed, got %d", n)
	}
}

func TestWebSocketRateLimit(t *testing.T) {
	f := newFixture(t, nil)
	s := NewServer(Options{
		Spooler:  f.spooler,
		Registry: f.registry,
		Hub:      f.hub,
		Config:   config.ServerConfig{MessagesPerSecond: 0.001, MessageBurst: 1},
	})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	limited := &fixture{server: srv, spooler: f.spooler, registry: f.registry, hub: f.hub}
	client, closeConn := dialWS(t, limited)
	defer closeConn()
	client.next()
	client.next()

	for i := 0; i < 3; i++ {
		client.send(`{"type":"print","images":["` + b64("x") + `"]}`)
	}
	client.next()

	time.Sleep(100 * time.Millisecond)
	if n := f.spooler.count(); n != 1 {
		t.Fatalf("expected burst of 1 to admit a single job, got %d", n)
	}
}
