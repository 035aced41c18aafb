package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orrn/instalabel/internal/db"
)

const dateLayout = "2006-01-02"

type HistoryStore interface {
	ListHistory(ctx context.Context, filter db.HistoryFilter) ([]db.HistoryEntry, error)
	CountHistory(ctx context.Context, filter db.HistoryFilter) (int, error)
	Counters(ctx context.Context, from, to time.Time) ([]db.PrintCounter, error)
}

type ListHistoryQuery struct {
	Printer  string `form:"printer"`
	Status   string `form:"status"`
	FromDate string `form:"from_date"`
	ToDate   string `form:"to_date"`
	Limit    int    `form:"limit" binding:"omitempty,min=1,max=500"`
	Offset   int    `form:"offset" binding:"omitempty,min=0"`
}

type HistoryResponse struct {
	Entries []db.HistoryEntry `json:"entries"`
	Total   int               `json:"total"`
	Limit   int               `json:"limit"`
	Offset  int               `json:"offset"`
}

type CountersQuery struct {
	FromDate string `form:"from_date"`
	ToDate   string `form:"to_date"`
}

type CountersResponse struct {
	From     string            `json:"from"`
	To       string            `json:"to"`
	Counters []db.PrintCounter `json:"counters"`
	Printed  int64             `json:"printed"`
	Failed   int64             `json:"failed"`
}

type HistoryHandler struct {
	store HistoryStore
	now   func() time.Time
}

func NewHistoryHandler(store HistoryStore) *HistoryHandler {
	return &HistoryHandler{store: store, now: time.Now}
}

func (h *HistoryHandler) ListHistory(c *gin.Context) {
	var q ListHistoryQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_query", Message: err.Error()})
		return
	}
	if q.Limit == 0 {
		q.Limit = 50
	}

	filter := db.HistoryFilter{
		PrinterName: q.Printer,
		Status:      q.Status,
		Limit:       q.Limit,
		Offset:      q.Offset,
	}

	if q.FromDate != "" {
		from, err := time.Parse(dateLayout, q.FromDate)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_query", Message: "from_date must be YYYY-MM-DD"})
			return
		}
		filter.FromDate = &from
	}
	if q.ToDate != "" {
		to, err := time.Parse(dateLayout, q.ToDate)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_query", Message: "to_date must be YYYY-MM-DD"})
			return
		}
		end := to.Add(24*time.Hour - time.Nanosecond)
		filter.ToDate = &end
	}

	ctx := c.Request.Context()
	entries, err := h.store.ListHistory(ctx, filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error", Message: "Failed to list history"})
		return
	}
	total, err := h.store.CountHistory(ctx, filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error", Message: "Failed to count history"})
		return
	}

	c.JSON(http.StatusOK, HistoryResponse{
		Entries: entries,
		Total:   total,
		Limit:   q.Limit,
		Offset:  q.Offset,
	})
}

// GetCounters defaults to the last seven days including today.
func (h *HistoryHandler) GetCounters(c *gin.Context) {
	var q CountersQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_query", Message: err.Error()})
		return
	}

	to := h.now().UTC()
	from := to.AddDate(0, 0, -6)

	var err error
	if q.FromDate != "" {
		if from, err = time.Parse(dateLayout, q.FromDate); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_query", Message: "from_date must be YYYY-MM-DD"})
			return
		}
	}
	if q.ToDate != "" {
		if to, err = time.Parse(dateLayout, q.ToDate); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_query", Message: "to_date must be YYYY-MM-DD"})
			return
		}
	}
	if to.Before(from) {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_query", Message: "to_date is before from_date"})
		return
	}

	counters, err := h.store.Counters(c.Request.Context(), from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error", Message: "Failed to get counters"})
		return
	}

	resp := CountersResponse{
		From:     from.Format(dateLayout),
		To:       to.Format(dateLayout),
		Counters: counters,
	}
	for _, ct := range counters {
		resp.Printed += ct.Printed
		resp.Failed += ct.Failed
	}
	c.JSON(http.StatusOK, resp)
}
