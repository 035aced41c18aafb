package core

import (
	"context"
	"errors"
	"sync"
)

type submission struct {
	Printer string
	Label   string
	Options PrintOptions
	Doc     *Document
}

type fakeBackend struct {
	mu        sync.Mutex
	printers  []PrinterDescriptor
	enumErr   error
	submitErr error
	submitted []submission
	// onSubmit runs inside Submit, before the result is returned.
	onSubmit func(name string)
}

func (b *fakeBackend) Enumerate(context.Context) ([]PrinterDescriptor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.enumErr != nil {
		return nil, b.enumErr
	}
	out := make([]PrinterDescriptor, len(b.printers))
	copy(out, b.printers)
	return out, nil
}

func (b *fakeBackend) Submit(_ context.Context, name string, doc *Document, label string, opts PrintOptions) error {
	b.mu.Lock()
	hook := b.onSubmit
	err := b.submitErr
	if err == nil {
		b.submitted = append(b.submitted, submission{Printer: name, Label: label, Options: opts, Doc: doc})
	}
	b.mu.Unlock()

	if hook != nil {
		hook(name)
	}
	return err
}

func (b *fakeBackend) setPrinters(printers ...PrinterDescriptor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.printers = printers
}

func (b *fakeBackend) submissions() []submission {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]submission, len(b.submitted))
	copy(out, b.submitted)
	return out
}

type fakeDiscovery struct {
	mu      sync.Mutex
	found   []PrinterDescriptor
	scanErr error
	states  map[string]ConnectionState
	scans   int
}

func (d *fakeDiscovery) Scan(context.Context) ([]PrinterDescriptor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scans++
	if d.scanErr != nil {
		return nil, d.scanErr
	}
	out := make([]PrinterDescriptor, len(d.found))
	copy(out, d.found)
	return out, nil
}

func (d *fakeDiscovery) Probe(_ context.Context, p PrinterDescriptor) (ConnectionState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	state, ok := d.states[p.Name]
	if !ok {
		return "", errors.New("no such device")
	}
	return state, nil
}

func (d *fakeDiscovery) setState(name string, state ConnectionState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.states == nil {
		d.states = make(map[string]ConnectionState)
	}
	d.states[name] = state
}

// recorder is a Notifier that keeps every message it receives.
type recorder struct {
	mu       sync.Mutex
	messages []Message
}

func (r *recorder) Publish(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

func (r *recorder) all() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}

func (r *recorder) ofType(kind string) []Message {
	var out []Message
	for _, m := range r.all() {
		if m.MessageType() == kind {
			out = append(out, m)
		}
	}
	return out
}

type staticSnapshot struct {
	mu   sync.Mutex
	snap Snapshot
}

func (s *staticSnapshot) Snapshot(context.Context) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *staticSnapshot) set(printers ...PrinterDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = MergeDescriptors(printers, nil, DefaultPreferredKeywords)
}

func wired(names ...string) []PrinterDescriptor {
	out := make([]PrinterDescriptor, 0, len(names))
	for _, n := range names {
		out = append(out, PrinterDescriptor{Name: n, Transport: TransportWired, State: StateConnected})
	}
	return out
}
