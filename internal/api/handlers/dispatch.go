package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/orrn/instalabel/internal/core"
	"github.com/orrn/instalabel/internal/logging"
)

const (
	RequestPrint   = "print"
	RequestScan    = "scan_bluetooth"
	RequestRefresh = "refresh_bluetooth"
)

type Spooler interface {
	Enqueue(image []byte, requestedPrinter, watermark string) (int64, error)
	QueueSnapshot() []core.JobView
}

type Registry interface {
	Snapshot(ctx context.Context) core.Snapshot
	Scan(ctx context.Context) []core.PrinterDescriptor
	RefreshWirelessState(ctx context.Context)
}

// InboundMessage is a client request received over the socket or POSTed to
// the print endpoint. Images are base64, optionally as data URLs.
type InboundMessage struct {
	Type            string   `json:"type"`
	Images          []string `json:"images,omitempty"`
	SelectedPrinter string   `json:"selectedPrinter,omitempty"`
	WatermarkText   string   `json:"watermarkText,omitempty"`
}

// Dispatcher turns inbound messages into spooler and registry calls.
type Dispatcher struct {
	spooler  Spooler
	registry Registry
	notifier core.Notifier
	logger   *zap.Logger
}

func NewDispatcher(spooler Spooler, registry Registry, notifier core.Notifier, logger *zap.Logger) *Dispatcher {
	if notifier == nil {
		notifier = core.NotifierFunc(func(core.Message) {})
	}
	return &Dispatcher{
		spooler:  spooler,
		registry: registry,
		notifier: notifier,
		logger:   logging.NewComponentLogger(logger, "dispatch"),
	}
}

// Dispatch decodes raw and acts on it. Scan and refresh requests run in the
// background; print requests return the new job ids.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte) ([]int64, error) {
	var msg InboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, d.malformed(fmt.Errorf("%w: %v", core.ErrMalformedRequest, err))
	}

	switch msg.Type {
	case RequestPrint:
		return d.Print(ctx, msg)
	case RequestScan:
		go d.registry.Scan(context.WithoutCancel(ctx))
		return nil, nil
	case RequestRefresh:
		go d.registry.RefreshWirelessState(context.WithoutCancel(ctx))
		return nil, nil
	case "":
		return nil, d.malformed(fmt.Errorf("%w: missing type", core.ErrMalformedRequest))
	default:
		return nil, d.malformed(fmt.Errorf("%w: unknown type %q", core.ErrMalformedRequest, msg.Type))
	}
}

// Print enqueues one job per image in order. Every image is decoded first, so
// a bad entry creates no jobs at all.
func (d *Dispatcher) Print(ctx context.Context, msg InboundMessage) ([]int64, error) {
	if len(msg.Images) == 0 {
		return nil, d.malformed(fmt.Errorf("%w: print request has no images", core.ErrMalformedRequest))
	}

	decoded := make([][]byte, len(msg.Images))
	encoded := make([]string, len(msg.Images))
	for i, img := range msg.Images {
		data, payload, err := DecodeImage(img)
		if err != nil {
			return nil, d.malformed(fmt.Errorf("%w: image %d: %v", core.ErrMalformedRequest, i, err))
		}
		decoded[i] = data
		encoded[i] = payload
	}

	// Each echo precedes the queue updates of its job.
	ids := make([]int64, 0, len(decoded))
	for i, data := range decoded {
		d.notifier.Publish(core.ImageMessage{Type: core.MessageImage, Image: encoded[i]})
		id, err := d.spooler.Enqueue(data, msg.SelectedPrinter, msg.WatermarkText)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}

	d.logger.Info("print request accepted",
		zap.Int("jobs", len(ids)),
		zap.String("requested_printer", msg.SelectedPrinter),
	)
	return ids, nil
}

func (d *Dispatcher) malformed(err error) error {
	d.logger.Warn("rejected inbound message", zap.Error(err))
	return err
}

// DecodeImage accepts plain base64 or a data URL and returns the raw bytes
// together with the bare base64 payload.
func DecodeImage(s string) ([]byte, string, error) {
	payload := strings.TrimSpace(s)
	if strings.HasPrefix(payload, "data:") {
		idx := strings.Index(payload, ",")
		if idx < 0 {
			return nil, "", errors.New("data url without payload")
		}
		payload = payload[idx+1:]
	}
	if payload == "" {
		return nil, "", errors.New("empty image")
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("invalid base64: %w", err)
	}
	return data, payload, nil
}
