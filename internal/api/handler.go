package api

import (
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"

	"festival-live-backend/internal/coordinator"
	"festival-live-backend/internal/hub"
	"festival-live-backend/internal/store"
)

// Handler holds shared dependencies for API handlers.
type Handler struct {
	store       store.Store
	hub         *hub.Hub
	coordinator *coordinator.Coordinator
	webpush     *webpush.Options
	keepAlive   time.Duration
	origins     []string
	logger      *zap.Logger
}

// Dependencies groups what NewHandler needs.
type Dependencies struct {
	Store       store.Store
	Hub         *hub.Hub
	Coordinator *coordinator.Coordinator
	WebPush     *webpush.Options
	// KeepAlive is the interval between keepalive frames on live streams.
	KeepAlive time.Duration
	// AllowedOrigins restricts WebSocket upgrades; empty allows any origin.
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(d Dependencies) *Handler {
	if d.KeepAlive <= 0 {
		d.KeepAlive = 25 * time.Second
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Handler{
		store:       d.Store,
		hub:         d.Hub,
		coordinator: d.Coordinator,
		webpush:     d.WebPush,
		keepAlive:   d.KeepAlive,
		origins:     d.AllowedOrigins,
		logger:      d.Logger.Named("api"),
	}
}
