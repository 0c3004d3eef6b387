package hub

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/papertrade-lab/papertrade/internal/logger"
)

const (
	// pongWait is how long a connection may go without traffic before its
	// read deadline fires. Pongs refresh it.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait so pings arrive in time to
	// keep the connection alive.
	pingPeriod = 30 * time.Second

	// writeWait bounds every outbound write.
	writeWait = 10 * time.Second

	// maxMessageSize caps inbound control messages. Clients only send small
	// subscribe and unsubscribe frames.
	maxMessageSize = 512

	// sendBuffer is the per-client outbound queue. A full queue drops
	// updates for that client instead of blocking the hub.
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client is one websocket connection. Its read pump feeds subscription
// changes to the hub and its write pump drains the send queue.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	log  *logger.Logger
}

// clientMessage is the inbound control frame.
type clientMessage struct {
	Action  string   `json:"action"`
	Symbols []string `json:"symbols"`
}

// readPump reads control frames until the connection errors, then
// unregisters the client. Malformed frames and unknown actions are ignored.
func (c *Client) readPump() {
	defer func() {
		c.hub.commands <- command{kind: cmdUnregister, client: c}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("websocket read failed", zap.Error(err))
			}

			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		for _, symbol := range msg.Symbols {
			switch msg.Action {
			case "subscribe":
				c.hub.commands <- command{kind: cmdSubscribe, client: c, symbol: symbol}
			case "unsubscribe":
				c.hub.commands <- command{kind: cmdUnsubscribe, client: c, symbol: symbol}
			}
		}
	}
}

// writePump drains the send queue and keeps the connection alive with
// periodic pings. It exits when the queue closes or a write fails.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck

			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck

				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck

			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWS upgrades the request to a websocket and attaches the connection to
// the hub.
func ServeWS(h *Hub, log *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error("websocket upgrade failed", zap.Error(err))

			return
		}

		client := &Client{
			hub:  h,
			conn: conn,
			send: make(chan []byte, sendBuffer),
			log:  log,
		}

		h.commands <- command{kind: cmdRegister, client: client}

		go client.writePump()
		go client.readPump()
	}
}
