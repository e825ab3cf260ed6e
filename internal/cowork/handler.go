package cowork

import (
	"net/http"

	gorillaws "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // origin is enforced by the gateway in front of us
	},
}

// Handler upgrades HTTP requests into cowork session connections.
type Handler struct {
	hub *Hub
}

// NewHandler creates a Handler bound to the hub.
func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

// RegisterRoutes mounts the session endpoint on the given group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/cowork/:session_id", h.Connect)
}

// Connect upgrades the request and pumps inbound frames into the hub until
// the peer disconnects.
func (h *Handler) Connect(c echo.Context) error {
	sessionID := c.Param("session_id")
	userID := c.QueryParam("user_id")
	if sessionID == "" || userID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session_id and user_id are required")
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := h.hub.Join(sessionID, userID, &gorillaConn{ws})
	go h.readPump(client, ws)
	return nil
}

func (h *Handler) readPump(client *Client, ws *gorillaws.Conn) {
	defer h.hub.Leave(client)

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		h.hub.HandleMessage(client, raw)
	}
}

// gorillaConn adapts a gorilla connection to the hub's Conn interface.
type gorillaConn struct {
	conn *gorillaws.Conn
}

func (g *gorillaConn) Write(data []byte) error {
	return g.conn.WriteMessage(gorillaws.TextMessage, data)
}

func (g *gorillaConn) Close() error {
	return g.conn.Close()
}
