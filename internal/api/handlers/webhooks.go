package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/orrn/instalabel/internal/core"
	"github.com/orrn/instalabel/internal/webhook"
)

type WebhookSender interface {
	Endpoints() []webhook.EndpointInfo
	Stats() (delivered, dropped, failed uint64)
	Test(ctx context.Context, index int, msg core.Message) error
}

type WebhookListResponse struct {
	Webhooks  []webhook.EndpointInfo `json:"webhooks"`
	Delivered uint64                 `json:"delivered"`
	Dropped   uint64                 `json:"dropped"`
	Failed    uint64                 `json:"failed"`
}

type TestWebhookResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type WebhookHandler struct {
	sender   WebhookSender
	registry Registry
}

func NewWebhookHandler(sender WebhookSender, registry Registry) *WebhookHandler {
	return &WebhookHandler{
		sender:   sender,
		registry: registry,
	}
}

func (h *WebhookHandler) ListWebhooks(c *gin.Context) {
	endpoints := h.sender.Endpoints()
	if endpoints == nil {
		endpoints = []webhook.EndpointInfo{}
	}
	delivered, dropped, failed := h.sender.Stats()
	c.JSON(http.StatusOK, WebhookListResponse{
		Webhooks:  endpoints,
		Delivered: delivered,
		Dropped:   dropped,
		Failed:    failed,
	})
}

// TestWebhook posts the current printer status to one endpoint.
func (h *WebhookHandler) TestWebhook(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_id",
			Message: "Invalid webhook index",
		})
		return
	}

	ctx := c.Request.Context()
	msg := core.NewStatusMessage(h.registry.Snapshot(ctx))

	if err := h.sender.Test(ctx, index, msg); err != nil {
		if errors.Is(err, webhook.ErrUnknownEndpoint) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "not_found",
				Message: "Webhook not found",
			})
			return
		}
		c.JSON(http.StatusOK, TestWebhookResponse{
			Success: false,
			Message: fmt.Sprintf("Failed to send webhook: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, TestWebhookResponse{
		Success: true,
		Message: "Webhook test successful",
	})
}
