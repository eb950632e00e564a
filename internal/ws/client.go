package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mpetrov/chatcore/internal/hub"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 64 * 1024
	sendBufferSize = 256
)

var errSlowConsumer = errors.New("send buffer full, dropping connection")

// Client is one live websocket session. Writes go through a buffered channel
// and a single write pump so fan-out to this connection never blocks the
// caller; when the buffer fills, the connection is dropped rather than
// back-pressuring unrelated connections.
type Client struct {
	conn   *websocket.Conn
	send   chan []byte
	userID string
	connID string

	closeOnce sync.Once
	done      chan struct{}
}

func newClient(conn *websocket.Conn, userID string) *Client {
	return &Client{
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		userID: userID,
		done:   make(chan struct{}),
	}
}

// Send implements hub.Sender. An error tells the hub to prune this
// connection.
func (c *Client) Send(ev hub.Event) error {
	frame, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return errors.New("connection closed")
	default:
	}

	select {
	case c.send <- frame:
		return nil
	default:
		c.close()
		return errSlowConsumer
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
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
