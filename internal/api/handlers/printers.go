package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orrn/instalabel/internal/backend"
	"github.com/orrn/instalabel/internal/core"
)

// StatusChecker queries a TSPL network printer for its live status.
type StatusChecker interface {
	CheckStatus(ctx context.Context, name string) (*backend.PrinterStatus, error)
}

type ScanResponse struct {
	Printers []core.PrinterDescriptor `json:"printers"`
}

type PrinterStatusResponse struct {
	Name         string    `json:"name"`
	PrinterState string    `json:"printer_state"`
	Warning      string    `json:"warning"`
	Error        string    `json:"error"`
	MediaError   string    `json:"media_error"`
	IsOnline     bool      `json:"is_online"`
	CanPrint     bool      `json:"can_print"`
	LastChecked  time.Time `json:"last_checked"`
}

type PrinterHandler struct {
	registry Registry
	checker  StatusChecker
}

// NewPrinterHandler builds the printer endpoints. checker may be nil when no
// network printers are configured.
func NewPrinterHandler(registry Registry, checker StatusChecker) *PrinterHandler {
	return &PrinterHandler{
		registry: registry,
		checker:  checker,
	}
}

func (h *PrinterHandler) ListPrinters(c *gin.Context) {
	c.JSON(http.StatusOK, core.NewStatusMessage(h.registry.Snapshot(c.Request.Context())))
}

func (h *PrinterHandler) ScanWireless(c *gin.Context) {
	printers := h.registry.Scan(c.Request.Context())
	if printers == nil {
		printers = []core.PrinterDescriptor{}
	}
	c.JSON(http.StatusOK, ScanResponse{Printers: printers})
}

func (h *PrinterHandler) RefreshWireless(c *gin.Context) {
	ctx := c.Request.Context()
	h.registry.RefreshWirelessState(ctx)
	c.JSON(http.StatusOK, core.NewStatusMessage(h.registry.Snapshot(ctx)))
}

func (h *PrinterHandler) GetPrinterStatus(c *gin.Context) {
	name := c.Param("name")

	if h.checker == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "Printer not found",
		})
		return
	}

	status, err := h.checker.CheckStatus(c.Request.Context(), name)
	if err != nil {
		if errors.Is(err, backend.ErrPrinterNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "not_found",
				Message: "Printer not found",
			})
			return
		}

		c.JSON(http.StatusOK, PrinterStatusResponse{
			Name:         name,
			PrinterState: "unknown",
			Warning:      "none",
			Error:        "connection_failed",
			MediaError:   "none",
			LastChecked:  time.Now(),
		})
		return
	}

	c.JSON(http.StatusOK, PrinterStatusResponse{
		Name:         name,
		PrinterState: status.PrinterState,
		Warning:      status.Warning,
		Error:        status.Error,
		MediaError:   status.MediaError,
		IsOnline:     status.IsOnline,
		CanPrint:     status.CanPrint,
		LastChecked:  status.LastChecked,
	})
}
