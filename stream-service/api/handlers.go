package api

import (
	"context"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"prism-board/internal/auth"
	"prism-board/stream-service/domain"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Client frames are tiny commands.
	maxMessageSize = 4096

	membershipTimeout = 5 * time.Second
)

// Error codes carried by error frames.
const (
	codeValidation   = "validation"
	codeUnauthorized = "unauthorized"
	codeNotJoined    = "not_joined"
	codeUnknownType  = "unknown_type"
	codeInternal     = "internal"
)

// Membership decides who may join a board's room.
type Membership interface {
	IsBoardMember(ctx context.Context, userID, boardID string) (bool, error)
}

// Config tunes the websocket endpoint.
type Config struct {
	SendBuffer int
	Logger     log.FieldLogger
}

type clientFrame struct {
	Type    string `json:"type"`
	BoardID string `json:"boardId"`
}

type handler struct {
	registry   *domain.Registry
	members    Membership
	auth       auth.Authenticator
	sendBuffer int
	logger     log.FieldLogger
	upgrader   websocket.Upgrader
}

// Register wires up the realtime endpoints on the given Echo instance.
func Register(e *echo.Echo, registry *domain.Registry, members Membership, authn auth.Authenticator, cfg Config) {
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	h := &handler{
		registry:   registry,
		members:    members,
		auth:       authn,
		sendBuffer: cfg.SendBuffer,
		logger:     cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browsers connect from the web app origin; the token is the credential.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	e.GET("/ws", h.serveWS)
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{"status": "ok", "rooms": registry.Rooms()})
	})
}

func (h *handler) serveWS(c echo.Context) error {
	authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
	if token := c.QueryParam("token"); authHeader == "" && token != "" {
		authHeader = "Bearer " + token
	}
	userID, err := h.auth.UserIDFromAuthHeader(authHeader)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthenticated", "message": err.Error()})
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.WithError(err).Debug("websocket upgrade failed")
		return nil
	}

	s := domain.NewSession(uuid.NewString(), h.sendBuffer)
	if err := s.Authenticate(userID); err != nil {
		conn.Close()
		return nil
	}
	h.reply(s, domain.Frame{Type: domain.EventWelcome, Handle: s.Handle, UserID: userID})

	go h.writePump(conn, s)
	h.readPump(c.Request().Context(), conn, s)
	return nil
}

// readPump handles client commands until the connection fails or the session is dropped.
func (h *handler) readPump(ctx context.Context, conn *websocket.Conn, s *domain.Session) {
	defer func() {
		h.registry.Disconnect(s)
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.WithError(err).WithField("handle", s.Handle).Warn("websocket read failed")
			}
			return
		}
		var cmd clientFrame
		if err := sonic.Unmarshal(message, &cmd); err != nil {
			if !h.reply(s, domain.ErrorFrame("", codeValidation)) {
				return
			}
			continue
		}
		if !h.handle(ctx, s, cmd) {
			return
		}
	}
}

// handle executes one command. It returns false once the session can no longer be served.
func (h *handler) handle(ctx context.Context, s *domain.Session, cmd clientFrame) bool {
	switch cmd.Type {
	case "join":
		if cmd.BoardID == "" {
			return h.reply(s, domain.ErrorFrame("", codeValidation))
		}
		lookupCtx, cancel := context.WithTimeout(ctx, membershipTimeout)
		ok, err := h.members.IsBoardMember(lookupCtx, s.UserID(), cmd.BoardID)
		cancel()
		if err != nil {
			h.logger.WithError(err).WithField("board", cmd.BoardID).Error("membership lookup failed")
			return h.reply(s, domain.ErrorFrame(cmd.BoardID, codeInternal))
		}
		if !ok {
			return h.reply(s, domain.ErrorFrame(cmd.BoardID, codeUnauthorized))
		}
		members, err := h.registry.Join(cmd.BoardID, s)
		if err != nil {
			return false
		}
		return h.reply(s, domain.Frame{Type: domain.EventMembers, BoardID: cmd.BoardID, Handle: s.Handle, Members: members})
	case "leave":
		if err := h.registry.Leave(cmd.BoardID, s); err != nil {
			return h.reply(s, domain.ErrorFrame(cmd.BoardID, codeNotJoined))
		}
		return h.reply(s, domain.Frame{Type: domain.EventLeft, BoardID: cmd.BoardID})
	case "ping":
		return h.reply(s, domain.Frame{Type: domain.EventPong})
	default:
		return h.reply(s, domain.ErrorFrame(cmd.BoardID, codeUnknownType))
	}
}

// reply queues a frame for s alone. A session that cannot take it is dropped.
func (h *handler) reply(s *domain.Session, f domain.Frame) bool {
	payload, err := f.Encode()
	if err != nil {
		h.logger.WithError(err).Error("encode frame failed")
		return true
	}
	if s.Enqueue(payload) {
		return true
	}
	h.registry.Disconnect(s)
	return false
}

// writePump sends queued frames and keeps the connection alive with pings.
func (h *handler) writePump(conn *websocket.Conn, s *domain.Session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	out := s.Outbound()
	for {
		select {
		case message, ok := <-out:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The session was closed.
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				h.registry.Disconnect(s)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.registry.Disconnect(s)
				return
			}
		}
	}
}
