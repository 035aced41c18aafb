package core

const (
	MessageStatus       = "status"
	MessageQueue        = "queue"
	MessageImage        = "image"
	MessageScanComplete = "wireless_scan_complete"
	MessagePrinterState = "printer_state"
)

// Message is anything the status publisher can fan out.
type Message interface {
	MessageType() string
}

type StatusMessage struct {
	Type                   string              `json:"type"`
	Connected              bool                `json:"connected"`
	PrinterCount           int                 `json:"printerCount"`
	WiredPrinterCount      int                 `json:"wiredPrinterCount"`
	WirelessPrinterCount   int                 `json:"wirelessPrinterCount"`
	ConnectedWirelessCount int                 `json:"connectedWirelessCount"`
	Printers               []PrinterDescriptor `json:"printers"`
	DefaultPrinter         *PrinterDescriptor  `json:"defaultPrinter"`
}

func (StatusMessage) MessageType() string { return MessageStatus }

// NewStatusMessage converts a registry snapshot into the outbound status shape.
func NewStatusMessage(s Snapshot) StatusMessage {
	printers := s.Printers
	if printers == nil {
		printers = []PrinterDescriptor{}
	}
	return StatusMessage{
		Type:                   MessageStatus,
		Connected:              s.AvailableCount() > 0,
		PrinterCount:           s.AvailableCount(),
		WiredPrinterCount:      s.WiredCount,
		WirelessPrinterCount:   s.WirelessCount,
		ConnectedWirelessCount: s.ConnectedWirelessCount,
		Printers:               printers,
		DefaultPrinter:         s.Default,
	}
}

type QueueMessage struct {
	Type string    `json:"type"`
	Jobs []JobView `json:"jobs"`
}

func (QueueMessage) MessageType() string { return MessageQueue }

// ImageMessage echoes an accepted label image (base64) back to subscribers.
type ImageMessage struct {
	Type  string `json:"type"`
	Image string `json:"image"`
}

func (ImageMessage) MessageType() string { return MessageImage }

type ScanCompleteMessage struct {
	Type     string              `json:"type"`
	Printers []PrinterDescriptor `json:"printers"`
}

func (ScanCompleteMessage) MessageType() string { return MessageScanComplete }

// PrinterStateMessage carries a wireless descriptor whose state just flipped.
type PrinterStateMessage struct {
	Type    string            `json:"type"`
	Printer PrinterDescriptor `json:"printer"`
}

func (PrinterStateMessage) MessageType() string { return MessagePrinterState }
