package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	DefaultRelevanceKeywords = []string{"munbyn", "thermal", "label", "printer"}
	DefaultPreferredKeywords = []string{"munbyn", "thermal", "label"}
)

type RegistryOptions struct {
	// RelevanceKeywords filter wired enumeration down to label printers.
	RelevanceKeywords []string
	// PreferredKeywords pick the default printer among wired descriptors.
	PreferredKeywords []string
	EnumerateTimeout  time.Duration
	Logger            *zap.Logger
}

// Registry merges wired and wireless printer inventories into one snapshot.
type Registry struct {
	backend   PrinterBackend
	discovery Discoverer
	notifier  Notifier
	logger    *zap.Logger

	relevance        []string
	preferred        []string
	enumerateTimeout time.Duration

	// opMu serializes scans and state refreshes; mu guards wireless.
	opMu     sync.Mutex
	mu       sync.RWMutex
	wireless []PrinterDescriptor
	scanning atomic.Bool
}

// NewRegistry builds a registry. backend and discovery may be nil, in which
// case the corresponding transport is always empty.
func NewRegistry(backend PrinterBackend, discovery Discoverer, notifier Notifier, opts RegistryOptions) *Registry {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	relevance := lowerAll(opts.RelevanceKeywords)
	if len(relevance) == 0 {
		relevance = DefaultRelevanceKeywords
	}
	preferred := lowerAll(opts.PreferredKeywords)
	if len(preferred) == 0 {
		preferred = DefaultPreferredKeywords
	}

	return &Registry{
		backend:          backend,
		discovery:        discovery,
		notifier:         notifier,
		logger:           logger,
		relevance:        relevance,
		preferred:        preferred,
		enumerateTimeout: opts.EnumerateTimeout,
	}
}

// ListWired enumerates the printer backend and keeps label-relevant devices.
// Enumeration failures are logged and yield an empty list.
func (r *Registry) ListWired(ctx context.Context) []PrinterDescriptor {
	if r.backend == nil {
		return []PrinterDescriptor{}
	}

	if r.enumerateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.enumerateTimeout)
		defer cancel()
	}

	raw, err := r.backend.Enumerate(ctx)
	if err != nil {
		r.logger.Warn("wired enumeration failed", zap.Error(err))
		if len(raw) == 0 {
			return []PrinterDescriptor{}
		}
	}

	wired := make([]PrinterDescriptor, 0, len(raw))
	for _, p := range raw {
		if !MatchesKeyword(p.Name, r.relevance) {
			continue
		}
		p = p.clone()
		p.Transport = TransportWired
		p.State = StateConnected
		wired = append(wired, p)
	}
	return wired
}

// ListWireless returns the wireless descriptors found by the last scan with
// their current connection state.
func (r *Registry) ListWireless() []PrinterDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]PrinterDescriptor, len(r.wireless))
	for i, p := range r.wireless {
		out[i] = p.clone()
	}
	return out
}

// Scan runs a wireless discovery pass and replaces the tracked wireless set.
// A scan requested while another is running returns the current set.
func (r *Registry) Scan(ctx context.Context) []PrinterDescriptor {
	if !r.scanning.CompareAndSwap(false, true) {
		r.logger.Debug("wireless scan already running")
		return r.ListWireless()
	}
	defer r.scanning.Store(false)

	r.opMu.Lock()
	found, ok := r.discover(ctx)
	if ok {
		r.mu.Lock()
		r.wireless = found
		r.mu.Unlock()
	}
	r.opMu.Unlock()

	printers := r.ListWireless()
	r.logger.Info("wireless scan complete",
		zap.Int("found", len(printers)),
		zap.Bool("stale", !ok),
	)

	r.notifier.Publish(ScanCompleteMessage{Type: MessageScanComplete, Printers: printers})
	r.PublishStatus(ctx)
	return printers
}

func (r *Registry) discover(ctx context.Context) ([]PrinterDescriptor, bool) {
	if r.discovery == nil {
		return []PrinterDescriptor{}, true
	}

	found, err := r.discovery.Scan(ctx)
	if err != nil {
		r.logger.Warn("wireless scan failed",
			zap.Error(fmt.Errorf("%w: %v", ErrDiscovery, err)),
		)
		return nil, false
	}

	seen := make(map[string]bool, len(found))
	out := make([]PrinterDescriptor, 0, len(found))
	for _, p := range found {
		if p.Name == "" || seen[p.Name] {
			continue
		}
		seen[p.Name] = true
		p = p.clone()
		p.Transport = TransportWireless
		if p.State == "" {
			p.State = StateDisconnected
		}
		out = append(out, p)
	}
	return out, true
}

// RefreshWirelessState probes every tracked wireless descriptor and publishes
// a printer_state message for each one whose connection state flipped.
func (r *Registry) RefreshWirelessState(ctx context.Context) {
	r.opMu.Lock()

	current := r.ListWireless()
	var changed []PrinterDescriptor

	if r.discovery != nil {
		for _, p := range current {
			state, err := r.discovery.Probe(ctx, p)
			if err != nil {
				r.logger.Debug("wireless probe failed",
					zap.String("printer", p.Name),
					zap.Error(err),
				)
				continue
			}
			if state == p.State {
				continue
			}
			r.logger.Info("wireless printer state changed",
				zap.String("printer", p.Name),
				zap.String("from", string(p.State)),
				zap.String("to", string(state)),
			)
			p.State = state
			changed = append(changed, p)
		}
	}

	if len(changed) > 0 {
		r.mu.Lock()
		for _, c := range changed {
			for i := range r.wireless {
				if r.wireless[i].Name == c.Name {
					r.wireless[i].State = c.State
				}
			}
		}
		r.mu.Unlock()
	}

	r.opMu.Unlock()

	for _, c := range changed {
		r.notifier.Publish(PrinterStateMessage{Type: MessagePrinterState, Printer: c})
	}
	r.PublishStatus(ctx)
}

// Merge recomputes the snapshot from a fresh wired enumeration and the
// tracked wireless set.
func (r *Registry) Merge(ctx context.Context) Snapshot {
	return MergeDescriptors(r.ListWired(ctx), r.ListWireless(), r.preferred)
}

func (r *Registry) Snapshot(ctx context.Context) Snapshot {
	return r.Merge(ctx)
}

func (r *Registry) PublishStatus(ctx context.Context) Snapshot {
	snap := r.Merge(ctx)
	r.notifier.Publish(NewStatusMessage(snap))
	return snap
}

// Monitor refreshes wireless state every interval until ctx is done.
func (r *Registry) Monitor(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("monitor interval must be positive, got %s", interval)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.RefreshWirelessState(ctx)
		}
	}
}

// PreferredKeywords returns the keywords used for default selection.
func (r *Registry) PreferredKeywords() []string {
	return append([]string(nil), r.preferred...)
}

// MergeDescriptors puts wired descriptors first, then wireless descriptors
// whose name is not already present. The default is the first wired
// descriptor matching a preferred keyword, else the first merged entry.
func MergeDescriptors(wired, wireless []PrinterDescriptor, preferred []string) Snapshot {
	snap := Snapshot{Printers: make([]PrinterDescriptor, 0, len(wired)+len(wireless))}
	seen := make(map[string]bool, len(wired)+len(wireless))

	for _, p := range wired {
		if seen[p.Name] {
			continue
		}
		seen[p.Name] = true
		p = p.clone()
		p.Transport = TransportWired
		p.State = StateConnected
		snap.Printers = append(snap.Printers, p)
		snap.WiredCount++
	}

	for _, p := range wireless {
		if seen[p.Name] {
			continue
		}
		seen[p.Name] = true
		p = p.clone()
		p.Transport = TransportWireless
		snap.Printers = append(snap.Printers, p)
		snap.WirelessCount++
		if p.Connected() {
			snap.ConnectedWirelessCount++
		}
	}

	for i := range snap.Printers {
		p := snap.Printers[i]
		if p.Transport == TransportWired && MatchesKeyword(p.Name, preferred) {
			def := p.clone()
			snap.Default = &def
			break
		}
	}
	if snap.Default == nil && len(snap.Printers) > 0 {
		def := snap.Printers[0].clone()
		snap.Default = &def
	}

	return snap
}

// MatchesKeyword reports whether name contains any keyword, ignoring case.
func MatchesKeyword(name string, keywords []string) bool {
	lower := strings.ToLower(name)
	for _, kw := range keywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
