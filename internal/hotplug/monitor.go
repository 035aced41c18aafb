// Package hotplug watches kernel uevents so printer plug and unplug events
// refresh the published status without waiting for a poll.
package hotplug

import (
	"context"
	"strings"
	"sync"

	"github.com/pilebones/go-udev/netlink"
	"go.uber.org/zap"

	"github.com/orrn/instalabel/internal/logging"
)

// Subsystems whose add/remove events can change the printer inventory.
var Subsystems = []string{"usb", "usbmisc", "printer", "bluetooth"}

type Event struct {
	Action    string
	Subsystem string
	Device    string
}

// Wireless reports whether the event concerns the wireless transport.
func (e Event) Wireless() bool {
	return e.Subsystem == "bluetooth"
}

type Handler func(ctx context.Context, ev Event)

// Monitor listens for udev netlink events and hands matching ones to a
// handler.
type Monitor struct {
	logger  *zap.Logger
	handler Handler

	mu      sync.Mutex
	conn    *netlink.UEventConn
	quit    chan struct{}
	running bool
}

// New returns nil when there is no handler; a nil Monitor is safe to use.
func New(logger *zap.Logger, handler Handler) *Monitor {
	if handler == nil {
		return nil
	}
	return &Monitor{
		logger:  logging.NewComponentLogger(logger, "hotplug"),
		handler: handler,
	}
}

// Start connects to the netlink socket. Failing to connect is logged and not
// returned: plug events then only show up on the next refresh.
func (m *Monitor) Start(ctx context.Context) error {
	if m == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		m.logger.Warn("failed to connect to netlink socket; hotplug detection disabled",
			zap.Error(err),
		)
		return nil
	}

	m.conn = conn
	m.quit = make(chan struct{})
	m.running = true

	quit := m.quit
	go m.monitorLoop(ctx, quit)

	m.logger.Info("hotplug monitor started", zap.Strings("subsystems", Subsystems))
	return nil
}

func (m *Monitor) Stop() {
	if m == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	if m.quit != nil {
		close(m.quit)
		m.quit = nil
	}

	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}

	m.running = false
	m.logger.Info("hotplug monitor stopped")
}

func (m *Monitor) Running() bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) monitorLoop(ctx context.Context, quit <-chan struct{}) {
	queue := make(chan netlink.UEvent)
	errs := make(chan error)

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		return
	}

	monitorQuit := conn.Monitor(queue, errs, buildMatcher())

	for {
		select {
		case <-ctx.Done():
			close(monitorQuit)
			return
		case <-quit:
			close(monitorQuit)
			return
		case uevent := <-queue:
			m.handleEvent(ctx, uevent)
		case err := <-errs:
			m.logger.Warn("netlink monitor error", zap.Error(err))
		}
	}
}

// buildMatcher matches add and remove events for every watched subsystem.
func buildMatcher() netlink.Matcher {
	action := "add|remove"
	rules := &netlink.RuleDefinitions{}
	for _, subsystem := range Subsystems {
		rules.AddRule(netlink.RuleDefinition{
			Action: &action,
			Env: map[string]string{
				"SUBSYSTEM": subsystem,
			},
		})
	}
	return rules
}

func (m *Monitor) handleEvent(ctx context.Context, uevent netlink.UEvent) {
	ev := toEvent(uevent)
	if ev.Subsystem == "" {
		m.logger.Debug("ignoring event without subsystem", zap.String("kobj", uevent.KObj))
		return
	}

	m.logger.Debug("device event",
		zap.String("action", ev.Action),
		zap.String("subsystem", ev.Subsystem),
		zap.String("device", ev.Device),
	)
	m.handler(ctx, ev)
}

func toEvent(uevent netlink.UEvent) Event {
	return Event{
		Action:    string(uevent.Action),
		Subsystem: uevent.Env["SUBSYSTEM"],
		Device:    deviceName(uevent),
	}
}

func deviceName(uevent netlink.UEvent) string {
	if devname := uevent.Env["DEVNAME"]; devname != "" {
		if strings.HasPrefix(devname, "/") {
			return devname
		}
		return "/dev/" + devname
	}

	devpath := uevent.Env["DEVPATH"]
	if devpath == "" {
		return ""
	}
	parts := strings.Split(devpath, "/")
	return parts[len(parts)-1]
}
