package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"festival-live-backend/internal/coordinator"
	"festival-live-backend/internal/hub"
	"festival-live-backend/internal/notification"
)

type postEventRequest struct {
	Topic   string          `json:"topic" binding:"required"`
	Payload json.RawMessage `json:"payload"`
	// Push overrides the topic policy when set.
	Push            *bool  `json:"push"`
	ExcludeEndpoint string `json:"excludeEndpoint"`
}

// PostEvent broadcasts a change to live listeners and, depending on the
// topic policy or the explicit push flag, to every push subscription.
func (h *Handler) PostEvent(c *gin.Context) {
	var req postEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	req.Topic = strings.TrimSpace(req.Topic)
	if req.Topic == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": hub.ErrEmptyTopic.Error()})
		return
	}
	tc, ok := h.coordinator.Policy().Lookup(req.Topic)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown topic " + req.Topic})
		return
	}
	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}

	opts := coordinator.Options{
		Push:            tc.Push,
		ExcludeEndpoint: req.ExcludeEndpoint,
		Title:           tc.Title,
		Body:            tc.Body,
		URL:             tc.URL,
	}
	if req.Push != nil {
		opts.Push = *req.Push
	}

	ev, err := h.coordinator.Announce(c.Request.Context(), req.Topic, payload, opts)
	if err != nil {
		if errors.Is(err, hub.ErrEmptyTopic) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("announce failed", zap.String("topic", req.Topic), zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "payload could not be encoded"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"id": ev.ID, "topic": ev.Topic, "push": opts.Push})
}

type postUserNotificationRequest struct {
	Topic string          `json:"topic" binding:"required"`
	Title string          `json:"title" binding:"required"`
	Body  string          `json:"body"`
	URL   string          `json:"url"`
	Data  json.RawMessage `json:"data"`
}

// PostUserNotification pushes a message to one user's device, for changes
// that concern only that user, such as a ride signup being accepted.
func (h *Handler) PostUserNotification(c *gin.Context) {
	var req postUserNotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	msg := notification.Message{Title: req.Title, Body: req.Body, Topic: req.Topic, URL: req.URL, Data: req.Data}
	if err := h.coordinator.NotifyUser(c.Request.Context(), c.Param("id"), msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusAccepted)
}
