// Package ws is the websocket session layer: handshake authentication,
// connection admission and dispatch of inbound events to the core services.
package ws

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mpetrov/chatcore/internal/auth"
	"github.com/mpetrov/chatcore/internal/calls"
	"github.com/mpetrov/chatcore/internal/chatmode"
	"github.com/mpetrov/chatcore/internal/data"
	"github.com/mpetrov/chatcore/internal/hub"
	"github.com/mpetrov/chatcore/internal/presence"
	"github.com/mpetrov/chatcore/internal/relay"
)

const opTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// In production, restrict to configured origins.
		return true
	},
}

// Handler upgrades HTTP requests into chat sessions.
type Handler struct {
	jwt      *auth.JWTManager
	users    *data.UsersStore
	hub      *hub.Hub
	presence *presence.Tracker
	relay    *relay.Service
	calls    *calls.Broker
	chatmode *chatmode.Service
	log      *zap.SugaredLogger
}

// NewHandler returns a websocket handler wired to the core services.
func NewHandler(jwtMgr *auth.JWTManager, users *data.UsersStore, h *hub.Hub, tracker *presence.Tracker,
	relaySvc *relay.Service, broker *calls.Broker, modeSvc *chatmode.Service, log *zap.SugaredLogger) *Handler {
	return &Handler{
		jwt:      jwtMgr,
		users:    users,
		hub:      h,
		presence: tracker,
		relay:    relaySvc,
		calls:    broker,
		chatmode: modeSvc,
		log:      log,
	}
}

// tokenFromRequest extracts the bearer credential from the Authorization
// header or the token query parameter.
func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer"))
	}
	return r.URL.Query().Get("token")
}

// ServeHTTP authenticates the handshake, admits the connection and runs its
// read loop. Auth failures terminate the attempt before admission, so no
// partial registry entry is ever left behind.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := tokenFromRequest(r)
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	claims, err := h.jwt.VerifyToken(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), opTimeout)
	user, err := h.users.GetUserByID(ctx, claims.UserID)
	cancel()
	if err != nil {
		http.Error(w, "unknown user", http.StatusUnauthorized)
		return
	}
	if user.AccountStatus == data.AccountBanned {
		http.Error(w, "account banned", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	userID := user.ID.Hex()
	client := newClient(conn, userID)
	connID, first := h.hub.Register(userID, client)
	client.connID = connID

	h.log.Infow("connection admitted", "userId", userID, "connId", connID,
		"first", first, "connections", h.hub.ConnectionCount(userID))

	go client.writePump()

	admitCtx, admitCancel := context.WithTimeout(context.Background(), opTimeout)
	h.presence.HandleConnect(admitCtx, userID, first)
	h.presence.SendSnapshot(client)
	h.relay.PushMyChats(admitCtx, userID)
	admitCancel()

	h.readLoop(client)
}

// readLoop processes inbound frames sequentially, which gives each sender
// in-order persistence and delivery of its own messages.
func (h *Handler) readLoop(c *Client) {
	defer func() {
		c.close()
		last := h.hub.Unregister(c.userID, c.connID)
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		h.presence.HandleDisconnect(ctx, c.userID, last)
		cancel()
		h.log.Infow("connection dismissed", "userId", c.userID, "connId", c.connID, "last", last)
	}()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var in Inbound
		if err := c.conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debugw("read error", "userId", c.userID, "error", err)
			}
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		h.dispatch(ctx, c, in)
		cancel()
	}
}
