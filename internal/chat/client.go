package chat

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a frame to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Must be less than pongWait.
	maxMessageSize = 8192
	sendBuffer     = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// In prod, check origin to prevent CSRF. For dev, we allow all.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Client streams one conversation's views to a websocket.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	log  *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, log *slog.Logger) *Client {
	return &Client{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		log:  log,
		done: make(chan struct{}),
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// push queues a frame. A slow socket loses intermediate views, never the
// newest one, since every view is a full state.
func (c *Client) push(f Frame) {
	payload, err := json.Marshal(f)
	if err != nil {
		c.log.Error("frame encode failed", "err", err)
		return
	}
	for {
		select {
		case <-c.done:
			return
		case c.send <- payload:
			return
		default:
		}
		select {
		case <-c.send:
		default:
		}
	}
}

func (c *Client) pushView(v View) { c.push(Frame{Type: FrameView, View: &v}) }

// readPump hands every command to handle until the socket dies.
func (c *Client) readPump(handle func(Command)) {
	defer func() {
		c.close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Debug("websocket closed", "err", err)
			}
			return
		}
		var cmd Command
		if err := json.Unmarshal(message, &cmd); err != nil {
			c.push(Frame{Type: FrameError, Error: "malformed command"})
			continue
		}
		handle(cmd)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			// Only the newest queued frame is worth writing.
			for n := len(c.send); n > 0; n-- {
				message = <-c.send
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}
