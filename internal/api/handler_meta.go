package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GetVAPIDPublicKey returns the application server key the browser needs
// to create a push subscription.
func (h *Handler) GetVAPIDPublicKey(c *gin.Context) {
	if h.webpush == nil || h.webpush.VAPIDPublicKey == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "vapid keys are not configured"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"publicKey": h.webpush.VAPIDPublicKey})
}

type topicResponse struct {
	Name string `json:"name"`
	Push bool   `json:"push"`
}

// GetTopics lists the topics clients may listen to and whether each one
// also produces push notifications.
func (h *Handler) GetTopics(c *gin.Context) {
	policy := h.coordinator.Policy()
	topics := make([]topicResponse, 0, len(policy))
	for _, name := range policy.Topics() {
		tc, _ := policy.Lookup(name)
		topics = append(topics, topicResponse{Name: name, Push: tc.Push})
	}
	c.JSON(http.StatusOK, topics)
}

// GetHealth reports store reachability and live connection counts.
func (h *Handler) GetHealth(c *gin.Context) {
	stats := h.hub.Stats()
	count, err := h.store.Count(c.Request.Context())
	if err != nil {
		h.logger.Warn("health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "connections": stats.Connections})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"connections":   stats.Connections,
		"topics":        stats.Topics,
		"subscriptions": count,
	})
}
