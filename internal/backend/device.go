package backend

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/orrn/instalabel/internal/core"
)

// Device writes TSPL2 programs to a character device, such as the rfcomm
// node of a paired wireless label printer.
type Device struct {
	generator    *core.TSPL2Generator
	labelWidthMM float64
	logger       *zap.Logger

	mu    sync.RWMutex
	nodes map[string]string
}

func NewDevice(generator *core.TSPL2Generator, labelWidthMM float64, logger *zap.Logger) *Device {
	if generator == nil {
		generator = core.NewTSPL2Generator(core.DefaultDPI, 0)
	}
	if labelWidthMM <= 0 {
		labelWidthMM = core.DefaultLabelWidthMM
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Device{
		generator:    generator,
		labelWidthMM: labelWidthMM,
		logger:       logger,
		nodes:        make(map[string]string),
	}
}

// Add maps a printer name to its device node.
func (d *Device) Add(name, node string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nodes[name] = node
}

// Enumerate returns nothing: device printers are listed by wireless
// discovery and reached through a Multi route.
func (d *Device) Enumerate(context.Context) ([]core.PrinterDescriptor, error) {
	return []core.PrinterDescriptor{}, nil
}

func (d *Device) Submit(ctx context.Context, printerName string, doc *core.Document, _ string, opts core.PrintOptions) error {
	d.mu.RLock()
	node, ok := d.nodes[printerName]
	d.mu.RUnlock()
	if !ok || node == "" {
		return fmt.Errorf("%w: %w: %s", core.ErrPrintBackend, ErrPrinterNotFound, printerName)
	}
	if doc == nil || len(doc.Source) == 0 {
		return fmt.Errorf("%w: document has no raster source", core.ErrPrintBackend)
	}

	copies := 1
	if v, ok := opts.Get("copies"); ok {
		if c, err := strconv.Atoi(v); err == nil && c > 0 {
			copies = c
		}
	}

	program, err := d.generator.Generate(doc.Source, d.labelWidthMM, copies)
	if err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", core.ErrPrintBackend, err)
	}

	f, err := os.OpenFile(node, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return fmt.Errorf("%w: %w: %v", core.ErrPrintBackend, ErrPrinterOffline, err)
	}
	defer f.Close()

	if _, err := f.Write(program); err != nil {
		return fmt.Errorf("%w: %w: %v", core.ErrPrintBackend, ErrConnectionFailed, err)
	}

	d.logger.Info("submitted tspl program to device",
		zap.String("printer", printerName),
		zap.String("device", node),
		zap.Int("bytes", len(program)),
	)
	return nil
}
