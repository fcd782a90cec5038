package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const sendBuffer = 64

var (
	errClientClosed   = errors.New("client connection closed")
	errSendBufferFull = errors.New("client send buffer full")
	errSourceClosed   = errors.New("source connection closed")
)

// wsConn is the subset of *websocket.Conn the proxy uses. Tests substitute
// an in-memory fake.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// client wraps one websocket peer, source or viewer. All writes go through
// a buffered channel drained by a single pump goroutine, so gorilla's
// one-writer rule holds and a stalled peer never blocks the caller.
type client struct {
	id     string
	role   string
	conn   wsConn
	logger *zap.Logger

	send chan []byte
	done chan struct{}
	once sync.Once
}

func newClient(conn wsConn, role string, logger *zap.Logger) *client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &client{
		id:   uuid.NewString(),
		role: role,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	c.logger = logger.With(zap.String("conn", c.id), zap.String("role", role))
	go c.writePump()
	return c
}

// writePump serializes all writes to the socket. On Close it flushes
// whatever was queued first, so rejection events reach the peer before the
// socket goes away.
func (c *client) writePump() {
	for {
		select {
		case msg := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				c.Close()
				c.conn.Close()
				return
			}
		case <-c.done:
			for {
				select {
				case msg := <-c.send:
					if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
						c.conn.Close()
						return
					}
				default:
					c.conn.Close()
					return
				}
			}
		}
	}
}

// Send queues an event for delivery. It never blocks: a full buffer or a
// closed connection reports an error the caller treats as a dead peer.
func (c *client) Send(ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	select {
	case <-c.done:
		return errClientClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return errClientClosed
	default:
		return errSendBufferFull
	}
}

// ReadMessage returns the next inbound payload from the peer.
func (c *client) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

// readLoop pumps inbound messages into a channel so forwarding code can
// select on it alongside context cancellation. The channel closes when the
// peer disconnects or the read fails.
func (c *client) readLoop() <-chan []byte {
	ch := make(chan []byte, 16)
	go func() {
		defer close(ch)
		for {
			data, err := c.ReadMessage()
			if err != nil {
				return
			}
			select {
			case ch <- data:
			case <-c.done:
				return
			}
		}
	}()
	return ch
}

// Close releases the connection. Safe to call multiple times and from any
// goroutine; queued outbound events are flushed before the socket closes.
func (c *client) Close() {
	c.once.Do(func() { close(c.done) })
}
