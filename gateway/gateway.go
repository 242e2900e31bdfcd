// Package gateway serves a websocket preview chat: a browser client drives a
// conversation session directly, with no device and no notify channel, so
// sessions run in auto-history mode.
package gateway

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/jbeghtol/openmoxie/conversation"
	"github.com/jbeghtol/openmoxie/markup"
	"github.com/jbeghtol/openmoxie/remotechat"
	"github.com/jbeghtol/openmoxie/volley"
)

// SessionProvider resolves the session for a device/module/content triple.
type SessionProvider interface {
	SessionFor(deviceID, moduleID, contentID string) (*conversation.Session, error)
}

// Deps carries the gateway's collaborators. Markup and Globals are optional.
type Deps struct {
	Sessions SessionProvider
	Markup   markup.Renderer
	Globals  remotechat.GlobalMatcher
	Logger   *slog.Logger
}

// ClientMessage is one inbound preview message. Empty speech starts the
// conversation from its opener.
type ClientMessage struct {
	Speech string `json:"speech"`
}

// ServerMessage is one preview reply.
type ServerMessage struct {
	EventID string          `json:"event_id"`
	Text    string          `json:"text"`
	Markup  string          `json:"markup,omitempty"`
	Actions []volley.Action `json:"actions,omitempty"`
}

// Handler upgrades preview connections and relays chat volleys. Query
// parameters select the session: device_id, module_id, content_id.
type Handler struct {
	sessions SessionProvider
	markup   markup.Renderer
	globals  remotechat.GlobalMatcher
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a preview chat handler.
func NewHandler(deps Deps) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		sessions: deps.Sessions,
		markup:   deps.Markup,
		globals:  deps.Globals,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Preview clients are served from the same origin in production
			// deployments; the embedded dev UI connects cross-origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	deviceID := q.Get("device_id")
	moduleID := q.Get("module_id")
	contentID := q.Get("content_id")
	if deviceID == "" || moduleID == "" {
		http.Error(w, "device_id and module_id are required", http.StatusBadRequest)
		return
	}

	sess, err := h.sessions.SessionFor(deviceID, moduleID, contentID)
	if err != nil {
		http.Error(w, "unknown module", http.StatusNotFound)
		return
	}
	sess.SetAutoHistory(true)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	h.logger.Info("preview chat connected",
		"device_id", deviceID, "module_id", moduleID, "content_id", contentID)

	ctx := r.Context()
	for {
		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("preview chat read failed", "error", err)
			}
			return
		}

		v := volley.FromSpeech(msg.Speech, moduleID, contentID)
		if handler := h.matchGlobal(v); handler != nil {
			handler(v)
		} else {
			sess.HandleVolley(ctx, v)
		}
		if out := v.Response.Output; out.Markup == "" && out.Text != "" && h.markup != nil {
			v.SetOutput(out.Text, h.markup.Render(out.Text, ""))
		}

		reply := ServerMessage{
			EventID: v.Request.EventID,
			Text:    v.Response.Output.Text,
			Markup:  v.Response.Output.Markup,
		}
		if v.Response.ResponseAction.Action != "" {
			reply.Actions = v.Response.ResponseActions
		}
		if err := conn.WriteJSON(reply); err != nil {
			h.logger.Warn("preview chat write failed", "error", err)
			return
		}
	}
}

func (h *Handler) matchGlobal(v *volley.Volley) remotechat.GlobalHandler {
	if h.globals == nil {
		return nil
	}
	return h.globals.Match(v)
}
