package api

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"festival-live-backend/internal/model"
	"festival-live-backend/internal/mw"
	"festival-live-backend/internal/store"
)

// putSubscriptionRequest mirrors PushSubscription.toJSON() in the browser.
type putSubscriptionRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
	Keys     struct {
		P256DH string `json:"p256dh" binding:"required"`
		Auth   string `json:"auth" binding:"required"`
	} `json:"keys"`
}

// PutSubscription registers or replaces a push subscription. With a valid
// session the subscription is linked to the user and supersedes any other
// device the user registered before.
func (h *Handler) PutSubscription(c *gin.Context) {
	var req putSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if !validEndpoint(req.Endpoint) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "endpoint must be an https URL"})
		return
	}

	identity := mw.IdentityFrom(c)
	subscription := model.PushSubscription{
		Endpoint: req.Endpoint,
		P256DH:   req.Keys.P256DH,
		Auth:     req.Keys.Auth,
	}
	if err := h.store.Upsert(c.Request.Context(), subscription, identity); err != nil {
		if errors.Is(err, store.ErrInvalidSubscription) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("failed to store subscription", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store subscription"})
		return
	}

	linked := !identity.IsAnonymous()
	if !linked {
		if stored, err := h.store.FindByEndpoint(c.Request.Context(), subscription.Endpoint); err == nil {
			linked = !stored.Anonymous()
		}
	}
	c.JSON(http.StatusCreated, gin.H{"linked": linked})
}

type deleteSubscriptionRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
}

// DeleteSubscription removes a subscription. Unknown endpoints succeed too.
func (h *Handler) DeleteSubscription(c *gin.Context) {
	var req deleteSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	if err := h.store.Remove(c.Request.Context(), req.Endpoint); err != nil {
		h.logger.Error("failed to remove subscription", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to remove subscription"})
		return
	}

	c.Status(http.StatusNoContent)
}

// GetSubscriptionStatus reports whether an endpoint is still registered, so
// a client can notice that a gone subscription was purged.
func (h *Handler) GetSubscriptionStatus(c *gin.Context) {
	endpoint := c.Query("endpoint")
	if endpoint == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "endpoint is required"})
		return
	}

	sub, err := h.store.FindByEndpoint(c.Request.Context(), endpoint)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusOK, gin.H{"subscribed": false, "linked": false})
	case err != nil:
		h.logger.Error("failed to look up subscription", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to look up subscription"})
	default:
		c.JSON(http.StatusOK, gin.H{"subscribed": true, "linked": !sub.Anonymous()})
	}
}

// GetMySubscription returns the subscription linked to the caller.
func (h *Handler) GetMySubscription(c *gin.Context) {
	identity := mw.IdentityFrom(c)
	sub, err := h.store.FindByUser(c.Request.Context(), identity.UserID)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to look up subscription", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to look up subscription"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"endpoint": sub.Endpoint, "createdAt": sub.CreatedAt})
}

func validEndpoint(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Scheme == "https" && u.Host != ""
}
