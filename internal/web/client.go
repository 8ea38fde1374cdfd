package web

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	maxMessage = 64 * 1024
	sendBuffer = 64
)

// wsClient is one connected panel.
type wsClient struct {
	id      int64
	conn    *websocket.Conn
	gateway *Gateway
	sendCh  chan Message
	done    chan struct{}
	once    sync.Once
}

func newWSClient(id int64, conn *websocket.Conn, g *Gateway) *wsClient {
	return &wsClient{
		id:      id,
		conn:    conn,
		gateway: g,
		sendCh:  make(chan Message, sendBuffer),
		done:    make(chan struct{}),
	}
}

// Send queues msg, dropping it if the client is not keeping up.
func (c *wsClient) Send(msg Message) {
	select {
	case c.sendCh <- msg:
	case <-c.done:
	default:
		c.gateway.logger.Warn("Dropping message to slow panel client", "client", c.id, "type", msg.Type)
	}
}

func (c *wsClient) Close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *wsClient) readPump() {
	defer func() {
		c.gateway.removeClient(c)
		c.Close()
	}()

	c.conn.SetReadLimit(maxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.gateway.logger.Debug("Panel read error", "client", c.id, "error", err)
			}
			return
		}

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.Send(Message{Type: TypeError, Message: "malformed command"})
			continue
		}
		c.gateway.handleCommand(c, cmd)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case msg := <-c.sendCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.gateway.logger.Debug("Panel write error", "client", c.id, "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}
