package api

import (
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"festival-live-backend/internal/hub"
)

const (
	writeWait      = 10 * time.Second
	wsMaxFrameSize = 4 << 10
)

// wsCommand is a client frame on the WebSocket channel.
type wsCommand struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
}

// wsReply acknowledges a command.
type wsReply struct {
	Action string `json:"action"`
	Topic  string `json:"topic,omitempty"`
	Error  string `json:"error,omitempty"`
}

// knownTopic reports whether clients may listen on topic.
func (h *Handler) knownTopic(topic string) bool {
	_, ok := h.coordinator.Policy().Lookup(topic)
	return ok
}

// unknownTopic returns the first topic not in the policy table.
func (h *Handler) unknownTopic(topics []string) (string, bool) {
	for _, t := range topics {
		if !h.knownTopic(t) {
			return t, true
		}
	}
	return "", false
}

func parseTopics(raw string) []string {
	var topics []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" && !slices.Contains(topics, t) {
			topics = append(topics, t)
		}
	}
	return topics
}

// StreamEvents serves GET /api/live?topics=a,b as server-sent events. Each
// hub event becomes an SSE message named after its topic.
func (h *Handler) StreamEvents(c *gin.Context) {
	topics := parseTopics(c.Query("topics"))
	if len(topics) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one topic is required"})
		return
	}
	if t, found := h.unknownTopic(topics); found {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown topic " + t})
		return
	}

	conn, err := h.hub.Connect()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "live updates unavailable"})
		return
	}
	defer h.hub.Disconnect(conn)
	for _, topic := range topics {
		if err := h.hub.Subscribe(conn, topic); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "live updates unavailable"})
			return
		}
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	keepAlive := time.NewTicker(h.keepAlive)
	defer keepAlive.Stop()

	// A stalled peer must not pin this goroutine after the hub drops it.
	rc := http.NewResponseController(c.Writer)
	deadline := func() { _ = rc.SetWriteDeadline(time.Now().Add(writeWait)) }

	deadline()
	c.SSEvent("ready", gin.H{"connection": conn.ID(), "topics": topics})
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case ev, ok := <-conn.Events():
			if !ok {
				return false
			}
			deadline()
			c.SSEvent(ev.Topic, ev)
			return true
		case <-keepAlive.C:
			deadline()
			_, err := w.Write([]byte(": keepalive\n\n"))
			return err == nil
		}
	})
}

func (h *Handler) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(h.origins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			return slices.Contains(h.origins, u.Scheme+"://"+u.Host)
		},
	}
}

// StreamWebSocket serves GET /api/live/ws. Topics given in the query are
// subscribed up front; the client may change them later with
// {"action":"subscribe"|"unsubscribe","topic":"..."} frames.
func (h *Handler) StreamWebSocket(c *gin.Context) {
	topics := parseTopics(c.Query("topics"))
	if t, found := h.unknownTopic(topics); found {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown topic " + t})
		return
	}

	ws, err := h.upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer ws.Close()

	conn, err := h.hub.Connect()
	if err != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "live updates unavailable"),
			time.Now().Add(writeWait))
		return
	}
	defer h.hub.Disconnect(conn)
	for _, topic := range topics {
		_ = h.hub.Subscribe(conn, topic)
	}

	replies := make(chan wsReply, 8)
	closed := make(chan struct{})
	go h.readCommands(ws, conn, replies, closed)

	keepAlive := time.NewTicker(h.keepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-closed:
			return
		case reply := <-replies:
			if err := h.writeJSON(ws, reply); err != nil {
				return
			}
		case ev, ok := <-conn.Events():
			if !ok {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "disconnected"),
					time.Now().Add(writeWait))
				return
			}
			if err := h.writeJSON(ws, ev); err != nil {
				return
			}
		case <-keepAlive.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// readCommands owns the read side of ws. It closes closed when the peer
// goes away, which ends the write loop.
func (h *Handler) readCommands(ws *websocket.Conn, conn *hub.Conn, replies chan<- wsReply, closed chan<- struct{}) {
	defer close(closed)
	ws.SetReadLimit(wsMaxFrameSize)

	for {
		var cmd wsCommand
		if err := ws.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket read failed", zap.Error(err))
			}
			return
		}

		reply := wsReply{Action: cmd.Action, Topic: cmd.Topic}
		var err error
		switch cmd.Action {
		case "subscribe":
			if !h.knownTopic(cmd.Topic) {
				reply.Error = "unknown topic"
				break
			}
			err = h.hub.Subscribe(conn, cmd.Topic)
		case "unsubscribe":
			err = h.hub.Unsubscribe(conn, cmd.Topic)
		default:
			reply.Error = "unknown action"
		}
		if err != nil {
			reply.Error = err.Error()
		}

		select {
		case replies <- reply:
		case <-conn.Done():
			return
		}
	}
}

func (h *Handler) writeJSON(ws *websocket.Conn, v any) error {
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteJSON(v)
}
