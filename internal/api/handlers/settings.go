package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/instalabel/internal/config"
)

// SettingsResponse is the effective configuration without secrets.
type SettingsResponse struct {
	LabelWidthMM      float64  `json:"label_width_mm"`
	LabelDPI          int      `json:"label_dpi"`
	LabelGapMM        float64  `json:"label_gap_mm"`
	RetryDelay        string   `json:"retry_delay"`
	MaxRetries        int      `json:"max_retries"`
	PreferredKeywords []string `json:"preferred_keywords"`
	RelevanceKeywords []string `json:"relevance_keywords"`
	CUPSEnabled       bool     `json:"cups_enabled"`
	NetworkPrinters   []string `json:"network_printers"`
	WirelessDevices   []string `json:"wireless_devices"`
	WirelessProbe     string   `json:"wireless_probe"`
	RefreshInterval   string   `json:"refresh_interval"`
	HotplugEnabled    bool     `json:"hotplug_enabled"`
	ArchiveDays       int      `json:"archive_days"`
	ArchiveEnabled    bool     `json:"archive_enabled"`
	WebhookCount      int      `json:"webhook_count"`
	AuthEnabled       bool     `json:"auth_enabled"`
	LogLevel          string   `json:"log_level"`
	LogFormat         string   `json:"log_format"`
}

type SettingsHandler struct {
	config *config.Config
}

func NewSettingsHandler(cfg *config.Config) *SettingsHandler {
	return &SettingsHandler{config: cfg}
}

func (h *SettingsHandler) GetSettings(c *gin.Context) {
	cfg := h.config
	resp := SettingsResponse{
		LabelWidthMM:      cfg.Label.WidthMM,
		LabelDPI:          cfg.Label.DPI,
		LabelGapMM:        cfg.Label.GapMM,
		RetryDelay:        cfg.Queue.RetryDelay.String(),
		MaxRetries:        cfg.Queue.MaxRetries,
		PreferredKeywords: cfg.Printers.PreferredKeywords,
		RelevanceKeywords: cfg.Printers.RelevanceKeywords,
		CUPSEnabled:       cfg.Printers.CUPS.Enabled,
		NetworkPrinters:   make([]string, 0, len(cfg.Printers.Network)),
		WirelessDevices:   make([]string, 0, len(cfg.Wireless.Devices)),
		WirelessProbe:     cfg.Wireless.Probe,
		RefreshInterval:   cfg.Wireless.RefreshInterval.String(),
		HotplugEnabled:    cfg.Hotplug.Enabled,
		ArchiveDays:       cfg.Database.ArchiveDays,
		ArchiveEnabled:    cfg.Database.ArchiveDays > 0,
		WebhookCount:      len(cfg.Webhooks),
		AuthEnabled:       cfg.Auth.Enabled(),
		LogLevel:          cfg.Logging.Level,
		LogFormat:         cfg.Logging.Format,
	}
	for _, p := range cfg.Printers.Network {
		resp.NetworkPrinters = append(resp.NetworkPrinters, p.Name)
	}
	for _, d := range cfg.Wireless.Devices {
		resp.WirelessDevices = append(resp.WirelessDevices, d.Name)
	}

	c.JSON(http.StatusOK, resp)
}
