package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orrn/instalabel/internal/core"
	"github.com/orrn/instalabel/internal/db"
)

// CounterSource is the slice of the history store the dashboard reads.
type CounterSource interface {
	Counters(ctx context.Context, from, to time.Time) ([]db.PrintCounter, error)
}

type DashboardStats struct {
	TodayPrinted    int64 `json:"today_printed"`
	TodayFailed     int64 `json:"today_failed"`
	PrintsTrend     int   `json:"prints_trend"`
	QueueDepth      int   `json:"queue_depth"`
	PrintingJobs    int   `json:"printing_jobs"`
	RetryingJobs    int   `json:"retrying_jobs"`
	Available       int   `json:"available_printers"`
	WiredPrinters   int   `json:"wired_printers"`
	WirelessOnline  int   `json:"wireless_online"`
	WirelessOffline int   `json:"wireless_offline"`
}

type PrinterCard struct {
	Name      string               `json:"name"`
	Transport core.Transport       `json:"transport"`
	State     core.ConnectionState `json:"state"`
	Default   bool                 `json:"default"`
	CanPrint  bool                 `json:"can_print"`
}

type DashboardResponse struct {
	Stats    DashboardStats `json:"stats"`
	Printers []PrinterCard  `json:"printers"`
	Jobs     []core.JobView `json:"jobs"`
}

type DashboardHandler struct {
	spooler  Spooler
	registry Registry
	counters CounterSource
	now      func() time.Time
}

// NewDashboardHandler builds the dashboard. counters may be nil, in which
// case the daily totals stay zero.
func NewDashboardHandler(spooler Spooler, registry Registry, counters CounterSource) *DashboardHandler {
	return &DashboardHandler{
		spooler:  spooler,
		registry: registry,
		counters: counters,
		now:      time.Now,
	}
}

func (h *DashboardHandler) GetDashboard(c *gin.Context) {
	ctx := c.Request.Context()
	snap := h.registry.Snapshot(ctx)
	jobs := h.spooler.QueueSnapshot()
	if jobs == nil {
		jobs = []core.JobView{}
	}

	resp := DashboardResponse{
		Stats:    h.stats(ctx, snap, jobs),
		Printers: make([]PrinterCard, 0, len(snap.Printers)),
		Jobs:     jobs,
	}
	for _, p := range snap.Printers {
		resp.Printers = append(resp.Printers, PrinterCard{
			Name:      p.Name,
			Transport: p.Transport,
			State:     p.State,
			Default:   snap.Default != nil && snap.Default.Name == p.Name,
			CanPrint:  p.Transport == core.TransportWired || p.Connected(),
		})
	}

	c.JSON(http.StatusOK, resp)
}

func (h *DashboardHandler) stats(ctx context.Context, snap core.Snapshot, jobs []core.JobView) DashboardStats {
	stats := DashboardStats{
		QueueDepth:      len(jobs),
		Available:       snap.AvailableCount(),
		WiredPrinters:   snap.WiredCount,
		WirelessOnline:  snap.ConnectedWirelessCount,
		WirelessOffline: snap.WirelessCount - snap.ConnectedWirelessCount,
	}
	for _, j := range jobs {
		switch j.Status {
		case core.JobStatusPrinting:
			stats.PrintingJobs++
		case core.JobStatusRetrying:
			stats.RetryingJobs++
		}
	}

	if h.counters == nil {
		return stats
	}

	today := h.now().UTC()
	yesterday := today.AddDate(0, 0, -1)
	counters, err := h.counters.Counters(ctx, yesterday, today)
	if err != nil {
		return stats
	}

	todayKey := today.Format(dateLayout)
	var yesterdayPrinted int64
	for _, ct := range counters {
		if ct.Date == todayKey {
			stats.TodayPrinted += ct.Printed
			stats.TodayFailed += ct.Failed
		} else {
			yesterdayPrinted += ct.Printed
		}
	}

	if yesterdayPrinted > 0 {
		stats.PrintsTrend = int(float64(stats.TodayPrinted-yesterdayPrinted) / float64(yesterdayPrinted) * 100)
	} else if stats.TodayPrinted > 0 {
		stats.PrintsTrend = 100
	}
	return stats
}
