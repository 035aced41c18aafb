package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/instalabel/internal/core"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type PrintRequest struct {
	Images          []string `json:"images" binding:"required,min=1"`
	SelectedPrinter string   `json:"selectedPrinter"`
	WatermarkText   string   `json:"watermarkText"`
}

type PrintResponse struct {
	JobIDs []int64 `json:"job_ids"`
}

type QueueResponse struct {
	Jobs  []core.JobView `json:"jobs"`
	Total int            `json:"total"`
}

type JobHandler struct {
	dispatcher *Dispatcher
	spooler    Spooler
}

func NewJobHandler(dispatcher *Dispatcher, spooler Spooler) *JobHandler {
	return &JobHandler{
		dispatcher: dispatcher,
		spooler:    spooler,
	}
}

func (h *JobHandler) Print(c *gin.Context) {
	var req PrintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: err.Error(),
		})
		return
	}

	ids, err := h.dispatcher.Print(c.Request.Context(), InboundMessage{
		Type:            RequestPrint,
		Images:          req.Images,
		SelectedPrinter: req.SelectedPrinter,
		WatermarkText:   req.WatermarkText,
	})
	if err != nil {
		if errors.Is(err, core.ErrMalformedRequest) {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_request",
				Message: err.Error(),
			})
			return
		}
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:   "queue_unavailable",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusAccepted, PrintResponse{JobIDs: ids})
}

func (h *JobHandler) GetQueue(c *gin.Context) {
	jobs := h.spooler.QueueSnapshot()
	if jobs == nil {
		jobs = []core.JobView{}
	}
	c.JSON(http.StatusOK, QueueResponse{
		Jobs:  jobs,
		Total: len(jobs),
	})
}
