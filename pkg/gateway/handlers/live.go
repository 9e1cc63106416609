package handlers

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lingolive/gateway/pkg/core"
	"github.com/lingolive/gateway/pkg/gateway/auth"
	"github.com/lingolive/gateway/pkg/gateway/config"
	"github.com/lingolive/gateway/pkg/gateway/lifecycle"
	"github.com/lingolive/gateway/pkg/gateway/live/conn"
	"github.com/lingolive/gateway/pkg/gateway/live/connections"
	"github.com/lingolive/gateway/pkg/gateway/metrics"
	"github.com/lingolive/gateway/pkg/gateway/mw"
	"github.com/lingolive/gateway/pkg/gateway/ratelimit"
	"github.com/lingolive/gateway/pkg/pipeline"
	"github.com/lingolive/gateway/pkg/tutor"
)

// LiveHandler upgrades /v1/live to a WebSocket connection. Bearer auth
// does not apply here; the connection authenticates through its first
// frame.
type LiveHandler struct {
	Config        config.Config
	Logger        *slog.Logger
	Authenticator auth.Authenticator
	Registry      *tutor.Registry
	Messages      *pipeline.MessagePipeline
	Voice         *pipeline.VoicePipeline
	Progress      tutor.ProgressStore
	Metrics       *metrics.Metrics
	Limiter       *ratelimit.Limiter
	Lifecycle     *lifecycle.Lifecycle
	Connections   *connections.Tracker
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		reqID, _ := mw.RequestIDFrom(r.Context())
		writeError(w, reqID, &core.Error{Type: core.ErrValidation, Message: "method not allowed", Code: "method_not_allowed", RequestID: reqID}, http.StatusMethodNotAllowed)
		return
	}
	if h.Lifecycle != nil && h.Lifecycle.IsDraining() {
		reqID, _ := mw.RequestIDFrom(r.Context())
		writeError(w, reqID, &core.Error{Type: core.ErrRateLimit, Message: "gateway is draining", Code: "draining", RequestID: reqID}, http.StatusServiceUnavailable)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	if h.Config.LiveMaxMessageBytes > 0 {
		ws.SetReadLimit(h.Config.LiveMaxMessageBytes)
	}

	connID := "c_" + randHex(8)

	var permit *ratelimit.Permit
	c, err := conn.New(conn.Dependencies{
		Conn:          ws,
		Logger:        h.Logger,
		Authenticator: h.Authenticator,
		Registry:      h.Registry,
		Messages:      h.Messages,
		Voice:         h.Voice,
		Progress:      h.Progress,
		Metrics:       h.Metrics,
		ConnID:        connID,
		Config: conn.Config{
			PingInterval:     h.Config.LiveWSPingInterval,
			WriteTimeout:     h.Config.LiveWSWriteTimeout,
			HandshakeTimeout: h.Config.LiveHandshakeTimeout,
			OutboundQueue:    h.Config.LiveOutboundQueue,
		},
		OnAuthenticated: func(p auth.Principal) error {
			if h.Limiter == nil {
				return nil
			}
			dec := h.Limiter.AcquireLiveSession(p.UserID, time.Now())
			if !dec.Allowed {
				return core.NewRateLimitError("too many active live connections")
			}
			permit = dec.Permit
			return nil
		},
	})
	if err != nil {
		return
	}
	// The permit is acquired inside the handshake; release whatever was
	// granted by the time the connection ends.
	defer func() { permit.Release() }()

	unregister := func() {}
	if h.Connections != nil {
		unregister = h.Connections.Register(connID, connections.Handle{
			Cancel: c.Cancel,
			Warn:   c.SendWarning,
		})
	}
	defer unregister()

	if h.Metrics != nil {
		h.Metrics.LiveConnectionsActive.Inc()
		defer h.Metrics.LiveConnectionsActive.Dec()
	}

	if err := c.Run(); err != nil {
		if h.Logger != nil {
			reqID, _ := mw.RequestIDFrom(r.Context())
			h.Logger.Warn("live connection ended with error",
				"conn_id", connID, "request_id", reqID, "error", err)
		}
	}
}

func randHex(nbytes int) string {
	b := make([]byte, nbytes)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
