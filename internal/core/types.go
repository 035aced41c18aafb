package core

import (
	"context"
	"time"
)

type JobStatus string

const (
	JobStatusQueued   JobStatus = "Queued"
	JobStatusPrinting JobStatus = "Printing"
	JobStatusRetrying JobStatus = "Retrying"
	JobStatusDone     JobStatus = "Done"
	JobStatusError    JobStatus = "Error"
)

// Terminal reports whether a job in this status has left the queue for good.
func (s JobStatus) Terminal() bool {
	return s == JobStatusDone || s == JobStatusError
}

type Job struct {
	ID               int64
	Image            []byte
	RequestedPrinter string
	Watermark        string
	Status           JobStatus
	Attempts         int
	SubmittedAt      time.Time
}

// JobView is the read-only queue entry sent to subscribers.
type JobView struct {
	ID       int64     `json:"id"`
	Status   JobStatus `json:"status"`
	Position int       `json:"position"`
}

// JobRecord describes a job that reached a terminal status.
type JobRecord struct {
	JobID         int64
	PrinterName   string
	Status        JobStatus
	ErrorMessage  string
	Attempts      int
	LabelHeightMM int
	Watermark     string
	SubmittedAt   time.Time
	CompletedAt   time.Time
}

type Transport string

const (
	TransportWired    Transport = "wired"
	TransportWireless Transport = "wireless"
)

type ConnectionState string

const (
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
)

type PrinterDescriptor struct {
	Name      string            `json:"name"`
	Transport Transport         `json:"transport"`
	State     ConnectionState   `json:"connectionState"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Connected is a convenience for the connection state check.
func (p PrinterDescriptor) Connected() bool {
	return p.State == StateConnected
}

func (p PrinterDescriptor) clone() PrinterDescriptor {
	if p.Metadata == nil {
		return p
	}
	meta := make(map[string]string, len(p.Metadata))
	for k, v := range p.Metadata {
		meta[k] = v
	}
	p.Metadata = meta
	return p
}

// Snapshot is the merged, de-duplicated view of every known printer.
type Snapshot struct {
	Printers               []PrinterDescriptor
	Default                *PrinterDescriptor
	WiredCount             int
	WirelessCount          int
	ConnectedWirelessCount int
}

// AvailableCount is the number of printers a job could be sent to right now.
func (s Snapshot) AvailableCount() int {
	return s.WiredCount + s.ConnectedWirelessCount
}

// Available returns the connected descriptors in merge order.
func (s Snapshot) Available() []PrinterDescriptor {
	out := make([]PrinterDescriptor, 0, len(s.Printers))
	for _, p := range s.Printers {
		if p.Connected() {
			out = append(out, p)
		}
	}
	return out
}

type PrintOption struct {
	Key   string
	Value string
}

// PrintOptions is ordered; backends must pass options through in order.
type PrintOptions []PrintOption

// Get returns the first value stored under key.
func (o PrintOptions) Get(key string) (string, bool) {
	for _, opt := range o {
		if opt.Key == key {
			return opt.Value, true
		}
	}
	return "", false
}

// PrinterBackend is the external capability that lists installed printers and
// accepts rendered documents.
type PrinterBackend interface {
	Enumerate(ctx context.Context) ([]PrinterDescriptor, error)
	Submit(ctx context.Context, printerName string, doc *Document, jobLabel string, opts PrintOptions) error
}

// Discoverer is the wireless discovery capability.
type Discoverer interface {
	Scan(ctx context.Context) ([]PrinterDescriptor, error)
	Probe(ctx context.Context, printer PrinterDescriptor) (ConnectionState, error)
}

// SnapshotSource is what the spooler needs from the device registry.
type SnapshotSource interface {
	Snapshot(ctx context.Context) Snapshot
}

// DocumentRenderer turns a raster label into a print-ready document.
type DocumentRenderer interface {
	Render(image []byte, watermark string) (*Document, error)
}

// Notifier receives every outbound status message. Implementations must not
// block and must not call back into the publisher's callers.
type Notifier interface {
	Publish(msg Message)
}

// JobRecorder persists terminal job outcomes.
type JobRecorder interface {
	RecordJob(ctx context.Context, rec JobRecord) error
}
