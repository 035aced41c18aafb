// Package discovery supplies the wireless discovery capability: the set of
// paired wireless label printers and a health probe for each of them.
package discovery

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/orrn/instalabel/internal/config"
	"github.com/orrn/instalabel/internal/core"
)

const (
	ProbeNode     = "node"
	ProbeDial     = "dial"
	ProbeSimulate = "simulate"
)

// Prober reports the live connection state of one wireless printer.
type Prober interface {
	Probe(ctx context.Context, printer core.PrinterDescriptor) (core.ConnectionState, error)
}

// Static discovers the wireless printers declared in configuration.
type Static struct {
	devices []config.WirelessDevice
	prober  Prober
	logger  *zap.Logger
}

func NewStatic(devices []config.WirelessDevice, prober Prober, logger *zap.Logger) *Static {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Static{
		devices: devices,
		prober:  prober,
		logger:  logger,
	}
}

// New builds the discovery capability selected by cfg.Probe.
func New(cfg config.WirelessConfig, logger *zap.Logger) (*Static, error) {
	prober, err := NewProber(cfg)
	if err != nil {
		return nil, err
	}
	return NewStatic(cfg.Devices, prober, logger), nil
}

func NewProber(cfg config.WirelessConfig) (Prober, error) {
	switch cfg.Probe {
	case ProbeNode, "":
		return NewNodeProber(), nil
	case ProbeDial:
		return NewDialProber(cfg.ProbeTimeout), nil
	case ProbeSimulate:
		return NewSimulatedProber(cfg.SimulateSeed, cfg.SimulateFlipRate), nil
	default:
		return nil, fmt.Errorf("unknown wireless probe %q", cfg.Probe)
	}
}

// Scan returns every configured device with a freshly probed state. A device
// whose probe fails is reported as disconnected.
func (s *Static) Scan(ctx context.Context) ([]core.PrinterDescriptor, error) {
	out := make([]core.PrinterDescriptor, 0, len(s.devices))
	for _, d := range s.devices {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		desc := describe(d)
		state, err := s.Probe(ctx, desc)
		if err != nil {
			s.logger.Debug("probe failed during scan",
				zap.String("printer", d.Name),
				zap.Error(err),
			)
			state = core.StateDisconnected
		}
		desc.State = state
		out = append(out, desc)
	}
	return out, nil
}

func (s *Static) Probe(ctx context.Context, printer core.PrinterDescriptor) (core.ConnectionState, error) {
	if s.prober == nil {
		return core.StateDisconnected, nil
	}
	return s.prober.Probe(ctx, printer)
}

// Devices returns the configured devices.
func (s *Static) Devices() []config.WirelessDevice {
	return append([]config.WirelessDevice(nil), s.devices...)
}

func describe(d config.WirelessDevice) core.PrinterDescriptor {
	meta := map[string]string{
		"connectable": strconv.FormatBool(d.Address != "" || d.Device != ""),
	}
	if d.Address != "" {
		meta["address"] = d.Address
	}
	if d.Device != "" {
		meta["device"] = d.Device
	}
	return core.PrinterDescriptor{
		Name:      d.Name,
		Transport: core.TransportWireless,
		State:     core.StateDisconnected,
		Metadata:  meta,
	}
}
