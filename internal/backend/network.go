package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orrn/instalabel/internal/config"
	"github.com/orrn/instalabel/internal/core"
)

var (
	ErrPrinterNotFound    = errors.New("printer not found")
	ErrPrinterOffline     = errors.New("printer is offline")
	ErrConnectionFailed   = errors.New("connection failed")
	ErrInvalidStatus      = errors.New("invalid status response")
	ErrPrinterCannotPrint = errors.New("printer cannot print in current state")
)

const (
	defaultTCPPort          = 9100
	statusCommand           = "\x1b!?"
	statusResponseLength    = 4
	defaultReadWriteTimeout = 10 * time.Second
)

var printerStateMap = map[byte]string{
	'@': "normal",
	'F': "feeding",
	'P': "paused",
	'E': "error",
	'H': "head_open",
	'S': "standby",
	'L': "label_waiting",
	'I': "idle",
}

var warningMap = map[byte]string{
	'@': "none",
	'A': "paper_low",
	'B': "ribbon_low",
	'C': "paper_and_ribbon_low",
}

var errorMap = map[byte]string{
	'@': "none",
	'A': "head_overheat",
	'B': "motor_overheat",
	'C': "head_and_motor_overheat",
	'D': "head_error",
	'E': "cutter_error",
	'F': "rtc_error",
}

var mediaErrorMap = map[byte]string{
	'@': "none",
	'A': "paper_empty",
	'B': "ribbon_empty",
	'C': "paper_and_ribbon_empty",
	'D': "takeup_reel_full",
	'`': "head_open",
}

type PrinterStatus struct {
	PrinterState string
	Warning      string
	Error        string
	MediaError   string
	RawStatus    [4]byte
	IsOnline     bool
	CanPrint     bool
	LastChecked  time.Time
}

type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

type NetworkOptions struct {
	LabelWidthMM      float64
	DefaultDPI        int
	DefaultGapMM      float64
	ConnectionTimeout time.Duration
	Dial              DialFunc
	Logger            *zap.Logger
}

type networkPrinter struct {
	// io serializes exchanges on the printer's shared connection.
	io sync.Mutex

	name      string
	address   string
	dpi       int
	generator *core.TSPL2Generator
}

// Network drives TSPL2 label printers listening on a raw TCP port.
type Network struct {
	printers     []*networkPrinter
	labelWidthMM float64
	timeout      time.Duration
	dial         DialFunc
	logger       *zap.Logger

	mu          sync.Mutex
	connections map[string]net.Conn
	statuses    map[string]string
}

func NewNetwork(printers []config.NetworkPrinter, opts NetworkOptions) *Network {
	if opts.LabelWidthMM <= 0 {
		opts.LabelWidthMM = core.DefaultLabelWidthMM
	}
	if opts.ConnectionTimeout <= 0 {
		opts.ConnectionTimeout = defaultReadWriteTimeout
	}
	if opts.Dial == nil {
		dialer := &net.Dialer{}
		opts.Dial = dialer.DialContext
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	n := &Network{
		labelWidthMM: opts.LabelWidthMM,
		timeout:      opts.ConnectionTimeout,
		dial:         opts.Dial,
		logger:       opts.Logger,
		connections:  make(map[string]net.Conn),
		statuses:     make(map[string]string),
	}

	for _, p := range printers {
		port := p.Port
		if port == 0 {
			port = defaultTCPPort
		}
		dpi := p.DPI
		if dpi == 0 {
			dpi = opts.DefaultDPI
		}
		gap := p.GapMM
		if gap == 0 {
			gap = opts.DefaultGapMM
		}
		gen := core.NewTSPL2Generator(dpi, gap)
		n.printers = append(n.printers, &networkPrinter{
			name:      p.Name,
			address:   net.JoinHostPort(p.Address, strconv.Itoa(port)),
			dpi:       dpi,
			generator: gen,
		})
	}

	return n
}

func (n *Network) Name() string { return "network" }

// Enumerate probes every configured printer and returns the ones that answer
// the status query. Unreachable printers are left out, not reported as errors.
func (n *Network) Enumerate(ctx context.Context) ([]core.PrinterDescriptor, error) {
	out := make([]core.PrinterDescriptor, 0, len(n.printers))
	for _, p := range n.printers {
		status, err := n.CheckStatus(ctx, p.name)
		if err != nil || !status.IsOnline {
			n.logger.Debug("network printer unreachable",
				zap.String("printer", p.name),
				zap.String("address", p.address),
				zap.Error(err),
			)
			continue
		}
		out = append(out, core.PrinterDescriptor{
			Name:      p.name,
			Transport: core.TransportWired,
			State:     core.StateConnected,
			Metadata: map[string]string{
				"system":  "tspl",
				"address": p.address,
				"dpi":     strconv.Itoa(p.dpi),
				"state":   determineStatusString(status),
			},
		})
	}
	return out, nil
}

func (n *Network) Submit(ctx context.Context, printerName string, doc *core.Document, _ string, opts core.PrintOptions) error {
	p := n.lookup(printerName)
	if p == nil {
		return fmt.Errorf("%w: %w: %s", core.ErrPrintBackend, ErrPrinterNotFound, printerName)
	}
	if doc == nil || len(doc.Source) == 0 {
		return fmt.Errorf("%w: document has no raster source", core.ErrPrintBackend)
	}

	status, err := n.CheckStatus(ctx, printerName)
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrPrintBackend, err)
	}
	if !status.IsOnline {
		return fmt.Errorf("%w: %w", core.ErrPrintBackend, ErrPrinterOffline)
	}
	if !status.CanPrint {
		return fmt.Errorf("%w: %w: %s", core.ErrPrintBackend, ErrPrinterCannotPrint, status.PrinterState)
	}

	copies := 1
	if v, ok := opts.Get("copies"); ok {
		if c, err := strconv.Atoi(v); err == nil && c > 0 {
			copies = c
		}
	}

	program, err := p.generator.Generate(doc.Source, n.labelWidthMM, copies)
	if err != nil {
		return err
	}

	if err := n.SendCommand(ctx, printerName, program); err != nil {
		return fmt.Errorf("%w: %w", core.ErrPrintBackend, err)
	}

	n.logger.Info("submitted tspl program",
		zap.String("printer", printerName),
		zap.Int("bytes", len(program)),
		zap.Int("copies", copies),
	)
	return nil
}

func (n *Network) lookup(name string) *networkPrinter {
	for _, p := range n.printers {
		if p.name == name {
			return p
		}
	}
	return nil
}

func (n *Network) connect(ctx context.Context, p *networkPrinter) (net.Conn, error) {
	n.mu.Lock()
	if conn, exists := n.connections[p.name]; exists && conn != nil {
		n.mu.Unlock()
		return conn, nil
	}
	n.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	conn, err := n.dial(dialCtx, "tcp", p.address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if existing, exists := n.connections[p.name]; exists && existing != nil {
		conn.Close()
		return existing, nil
	}
	n.connections[p.name] = conn

	return conn, nil
}

func (n *Network) disconnect(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if conn, exists := n.connections[name]; exists {
		if conn != nil {
			conn.Close()
		}
		delete(n.connections, name)
	}
}

func (n *Network) reconnect(ctx context.Context, p *networkPrinter) (net.Conn, error) {
	n.disconnect(p.name)
	return n.connect(ctx, p)
}

// CheckStatus sends the TSPL2 status query and decodes the four byte reply.
func (n *Network) CheckStatus(ctx context.Context, name string) (*PrinterStatus, error) {
	p := n.lookup(name)
	if p == nil {
		return nil, ErrPrinterNotFound
	}

	offline := &PrinterStatus{LastChecked: time.Now()}

	p.io.Lock()
	defer p.io.Unlock()

	conn, err := n.connect(ctx, p)
	if err != nil {
		n.updateStatus(name, "offline")
		return offline, err
	}

	deadline := time.Now().Add(n.timeout)
	_ = conn.SetDeadline(deadline)

	if _, err = conn.Write([]byte(statusCommand)); err != nil {
		conn, err = n.reconnect(ctx, p)
		if err != nil {
			n.updateStatus(name, "offline")
			return offline, err
		}
		_ = conn.SetDeadline(deadline)
		if _, err = conn.Write([]byte(statusCommand)); err != nil {
			n.disconnect(name)
			n.updateStatus(name, "offline")
			return offline, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
		}
	}

	response := make([]byte, statusResponseLength)
	if _, err := io.ReadFull(conn, response); err != nil {
		n.disconnect(name)
		if errors.Is(err, io.ErrUnexpectedEOF) {
			n.updateStatus(name, "error")
			return offline, ErrInvalidStatus
		}
		n.updateStatus(name, "offline")
		return offline, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	status := parseStatus(response)
	status.IsOnline = true
	status.LastChecked = time.Now()
	status.CanPrint = status.PrinterState == "normal" || status.PrinterState == "standby" || status.PrinterState == "idle"

	n.updateStatus(name, determineStatusString(status))
	return status, nil
}

// SendCommand writes a raw program to the printer.
func (n *Network) SendCommand(ctx context.Context, name string, program []byte) error {
	p := n.lookup(name)
	if p == nil {
		return ErrPrinterNotFound
	}

	p.io.Lock()
	defer p.io.Unlock()

	conn, err := n.connect(ctx, p)
	if err != nil {
		return ErrPrinterOffline
	}

	_ = conn.SetDeadline(time.Now().Add(n.timeout))

	if _, err := conn.Write(program); err != nil {
		n.disconnect(name)
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	return nil
}

// Status returns the last status string observed for name.
func (n *Network) Status(name string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if s, ok := n.statuses[name]; ok {
		return s
	}
	return "unknown"
}

func (n *Network) updateStatus(name, status string) {
	n.mu.Lock()
	old, seen := n.statuses[name]
	n.statuses[name] = status
	n.mu.Unlock()

	if seen && old != status {
		n.logger.Info("network printer status changed",
			zap.String("printer", name),
			zap.String("from", old),
			zap.String("to", status),
		)
	}
}

// Close drops every cached connection.
func (n *Network) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	for name, conn := range n.connections {
		if conn != nil {
			conn.Close()
		}
		delete(n.connections, name)
	}
	return nil
}

func parseStatus(response []byte) *PrinterStatus {
	status := &PrinterStatus{
		RawStatus: [4]byte{response[0], response[1], response[2], response[3]},
	}

	status.PrinterState = lookupOr(printerStateMap, response[0])
	status.Warning = lookupOr(warningMap, response[1])
	status.Error = lookupOr(errorMap, response[2])
	status.MediaError = lookupOr(mediaErrorMap, response[3])

	return status
}

func lookupOr(m map[byte]string, b byte) string {
	if v, ok := m[b]; ok {
		return v
	}
	return "unknown"
}

func determineStatusString(status *PrinterStatus) string {
	if !status.IsOnline {
		return "offline"
	}

	if status.PrinterState == "error" || status.Error != "none" {
		return "error"
	}

	if status.PrinterState == "paused" {
		return "paused"
	}

	if status.MediaError != "none" {
		return "error"
	}

	if status.PrinterState == "feeding" {
		return "busy"
	}

	return "online"
}
