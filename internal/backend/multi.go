package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/orrn/instalabel/internal/core"
)

// Multi combines several backends. Submissions go to a fixed route when one
// is registered for the name, else to the backend that last enumerated it;
// the first backend wins on duplicate names.
type Multi struct {
	backends []core.PrinterBackend

	mu     sync.RWMutex
	owners map[string]core.PrinterBackend
	routes map[string]core.PrinterBackend
}

func NewMulti(backends ...core.PrinterBackend) *Multi {
	var live []core.PrinterBackend
	for _, b := range backends {
		if b != nil {
			live = append(live, b)
		}
	}
	return &Multi{
		backends: live,
		owners:   make(map[string]core.PrinterBackend),
		routes:   make(map[string]core.PrinterBackend),
	}
}

// Route sends submissions for name to b without it being enumerated. Wireless
// printers are listed by discovery, not by a backend, and use this.
func (m *Multi) Route(name string, b core.PrinterBackend) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[name] = b
}

// Enumerate returns the printers of every backend that answered, together
// with the joined errors of the ones that did not.
func (m *Multi) Enumerate(ctx context.Context) ([]core.PrinterDescriptor, error) {
	var (
		all  []core.PrinterDescriptor
		errs []error
	)
	owners := make(map[string]core.PrinterBackend)

	for _, b := range m.backends {
		printers, err := b.Enumerate(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, p := range printers {
			if _, taken := owners[p.Name]; taken {
				continue
			}
			owners[p.Name] = b
			all = append(all, p)
		}
	}

	m.mu.Lock()
	m.owners = owners
	m.mu.Unlock()

	if all == nil {
		all = []core.PrinterDescriptor{}
	}
	return all, errors.Join(errs...)
}

func (m *Multi) Submit(ctx context.Context, printerName string, doc *core.Document, jobLabel string, opts core.PrintOptions) error {
	owner := m.owner(printerName)
	if owner == nil {
		// The name may come from a snapshot taken before our last enumeration.
		_, _ = m.Enumerate(ctx)
		owner = m.owner(printerName)
	}
	if owner == nil {
		return fmt.Errorf("%w: %w: %s", core.ErrPrintBackend, ErrPrinterNotFound, printerName)
	}
	return owner.Submit(ctx, printerName, doc, jobLabel, opts)
}

func (m *Multi) owner(name string) core.PrinterBackend {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if b, ok := m.routes[name]; ok {
		return b
	}
	return m.owners[name]
}
