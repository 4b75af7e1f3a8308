package services

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"arttic/types"

	"github.com/gofiber/contrib/websocket"
)

const (
	sendBuffer  = 64
	sendTimeout = 10 * time.Second
	pingEvery   = 10 * time.Second
	pongWait    = 60 * time.Second
)

var ErrClientGone = errors.New("websocket client gone")

// socket is the part of *websocket.Conn a client needs.
type socket interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (int, []byte, error)
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

type WSClient struct {
	id   string
	conn socket
	send chan []byte
	done chan struct{}
	once sync.Once

	// one heavy action per connection
	busy atomic.Bool
}

func newWSClient(id string, c socket) *WSClient {
	return &WSClient{
		id:   id,
		conn: c,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

func (c *WSClient) ID() string { return c.id }

func (c *WSClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func encode(eventType string, data any) []byte {
	if data == nil {
		data = struct{}{}
	}
	b, _ := json.Marshal(types.WSMessage{Type: eventType, Data: data})
	return b
}

// Send queues an event that must reach the client, waiting for buffer space.
func (c *WSClient) Send(eventType string, data any) error {
	b := encode(eventType, data)
	timer := time.NewTimer(sendTimeout)
	defer timer.Stop()

	select {
	case c.send <- b:
		return nil
	case <-c.done:
		return ErrClientGone
	case <-timer.C:
		return ErrClientGone
	}
}

// Notify queues a superseding event like progress, dropping it when the
// buffer is full.
func (c *WSClient) Notify(eventType string, data any) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- encode(eventType, data):
	default:
	}
}

func (c *WSClient) writeLoop() {
	ping := time.NewTicker(pingEvery)
	defer ping.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(sendTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(sendTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *WSClient) readPump(onMessage func([]byte), onDone func()) {
	defer onDone()
	c.conn.SetReadLimit(1 << 20)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		kind, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if kind != websocket.TextMessage {
			continue
		}
		onMessage(msg)
	}
}
