package daemon

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap/zaptest"

	"github.com/orrn/instalabel/internal/config"
	"github.com/orrn/instalabel/internal/core"
	"github.com/orrn/instalabel/internal/hotplug"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = dir
	cfg.Server.Address = "127.0.0.1:0"
	cfg.Database.Path = filepath.Join(dir, "instalabel.db")
	cfg.Database.ArchivePath = filepath.Join(dir, "archives")
	cfg.Printers.CUPS.Enabled = false
	cfg.Hotplug.Enabled = false
	cfg.Wireless.Probe = "simulate"
	cfg.Wireless.SimulateSeed = 1
	cfg.Wireless.SimulateFlipRate = 0
	cfg.Wireless.InitialScanDelay = time.Hour
	cfg.Wireless.Devices = []config.WirelessDevice{{Name: "BT Label 1", Address: "AA:BB:CC:DD:EE:FF"}}
	return cfg
}

func newTestDaemon(t *testing.T, cfg *config.Config) *Daemon {
	t.Helper()
	d, err := New(cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Label.WidthMM = 0
	if _, err := New(cfg, nil); err == nil {
		t.Fatal("expected an error for zero label width")
	}
}

func TestHandlerServesHealth(t *testing.T) {
	d := newTestDaemon(t, testConfig(t))

	rec := httptest.NewRecorder()
	d.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestRunRefusesSecondInstance(t *testing.T) {
	cfg := testConfig(t)
	d := newTestDaemon(t, cfg)

	held := flock.New(d.LockPath())
	ok, err := held.TryLock()
	if err != nil || !ok {
		t.Fatalf("TryLock: %v %v", ok, err)
	}
	defer held.Unlock()

	if err := d.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	d := newTestDaemon(t, testConfig(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	if err := d.Run(context.Background()); err == nil {
		t.Fatal("expected a second Run to fail")
	}

	lock := flock.New(d.LockPath())
	ok, err := lock.TryLock()
	if err != nil || !ok {
		t.Fatalf("expected the lock to be released, got %v %v", ok, err)
	}
	lock.Unlock()
}

func TestDeviceEvents(t *testing.T) {
	d := newTestDaemon(t, testConfig(t))
	messages, err := d.publisher.Subscribe("test", 16)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	next := func() core.Message {
		t.Helper()
		select {
		case msg := <-messages:
			return msg
		case <-time.After(2 * time.Second):
			t.Fatal("no message published")
			return nil
		}
	}

	d.onDeviceEvent(context.Background(), hotplug.Event{Action: "add", Subsystem: "usb"})
	if msg := next(); msg.MessageType() != core.MessageStatus {
		t.Fatalf("expected status after a wired event, got %s", msg.MessageType())
	}

	d.onDeviceEvent(context.Background(), hotplug.Event{Action: "add", Subsystem: "bluetooth"})
	scan, ok := next().(core.ScanCompleteMessage)
	if !ok {
		t.Fatal("expected a scan result after a wireless event")
	}
	if len(scan.Printers) != 1 || scan.Printers[0].State != core.StateConnected {
		t.Fatalf("unexpected scan result %+v", scan.Printers)
	}
	status, ok := next().(core.StatusMessage)
	if !ok || status.ConnectedWirelessCount != 1 {
		t.Fatalf("expected status with one connected wireless printer, got %+v", status)
	}
}

func TestInventory(t *testing.T) {
	snap, err := Inventory(context.Background(), testConfig(t), nil)
	if err != nil {
		t.Fatalf("Inventory: %v", err)
	}
	if snap.WiredCount != 0 || snap.WirelessCount != 1 || snap.ConnectedWirelessCount != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.Default == nil || snap.Default.Name != "BT Label 1" {
		t.Fatalf("expected the wireless printer as fallback default, got %+v", snap.Default)
	}
}
