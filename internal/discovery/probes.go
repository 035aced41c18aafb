package discovery

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"sync"
	"time"

	"github.com/orrn/instalabel/internal/core"
)

var ErrNoProbeTarget = errors.New("printer has nothing to probe")

// NodeProber treats a printer as connected while its device node exists.
type NodeProber struct {
	stat func(string) (os.FileInfo, error)
}

func NewNodeProber() *NodeProber {
	return &NodeProber{stat: os.Stat}
}

func (p *NodeProber) Probe(_ context.Context, printer core.PrinterDescriptor) (core.ConnectionState, error) {
	node := printer.Metadata["device"]
	if node == "" {
		return "", fmt.Errorf("%w: %s has no device node", ErrNoProbeTarget, printer.Name)
	}
	if _, err := p.stat(node); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return core.StateDisconnected, nil
		}
		return "", err
	}
	return core.StateConnected, nil
}

// DialProber treats a printer as connected when a TCP dial to its address
// succeeds within the timeout.
type DialProber struct {
	timeout time.Duration
	dial    func(ctx context.Context, network, address string) (net.Conn, error)
}

func NewDialProber(timeout time.Duration) *DialProber {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	dialer := &net.Dialer{}
	return &DialProber{timeout: timeout, dial: dialer.DialContext}
}

func (p *DialProber) Probe(ctx context.Context, printer core.PrinterDescriptor) (core.ConnectionState, error) {
	address := printer.Metadata["address"]
	if address == "" {
		return "", fmt.Errorf("%w: %s has no address", ErrNoProbeTarget, printer.Name)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, err := p.dial(ctx, "tcp", address)
	if err != nil {
		return core.StateDisconnected, nil
	}
	conn.Close()
	return core.StateConnected, nil
}

// SimulatedProber reports a random state on every probe: disconnected with
// probability dropRate. It only exists for demos and soak testing and is never
// selected unless configured.
type SimulatedProber struct {
	mu       sync.Mutex
	rnd      *rand.Rand
	dropRate float64
}

func NewSimulatedProber(seed int64, dropRate float64) *SimulatedProber {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &SimulatedProber{
		rnd:      rand.New(rand.NewSource(seed)),
		dropRate: dropRate,
	}
}

func (p *SimulatedProber) Probe(context.Context, core.PrinterDescriptor) (core.ConnectionState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rnd.Float64() < p.dropRate {
		return core.StateDisconnected, nil
	}
	return core.StateConnected, nil
}
