// Package ws implements the signaling channel over a websocket connection to
// the relay.
package ws

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/huddlehq/huddle/internal/core/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Channel is a websocket-backed signaling transport. Envelopes are delivered
// in send order within one connection epoch. There is no reconnect logic:
// when the transport drops, Closed is signalled and every later Send fails
// with domain.ErrTransportUnavailable.
type Channel struct {
	url string

	mu   sync.Mutex
	conn *websocket.Conn
	open bool

	incoming chan domain.Envelope
	closed   chan struct{}
	done     chan struct{}

	closeOnce  sync.Once
	signalOnce sync.Once
}

func NewChannel(url string) *Channel {
	return &Channel{
		url:      url,
		incoming: make(chan domain.Envelope, 32),
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Open dials the relay and starts the read and keepalive loops.
func (c *Channel) Open(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial signaling endpoint: %w", err)
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	c.mu.Lock()
	c.conn = conn
	c.open = true
	c.mu.Unlock()

	go c.readLoop()
	go c.pingLoop()
	return nil
}

// Send writes one envelope. Sending while the channel is not open drops the
// message: it is logged, never queued, never retried.
func (c *Channel) Send(env domain.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.open {
		log.Warn().Str("type", string(env.Type)).Msg("Send on unavailable signaling transport, dropping")
		return domain.ErrTransportUnavailable
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

// Incoming is the stream of envelopes from the relay. The channel is closed
// when the transport ends.
func (c *Channel) Incoming() <-chan domain.Envelope {
	return c.incoming
}

// Closed is signalled once when the transport drops for any reason,
// including an explicit Close.
func (c *Channel) Closed() <-chan struct{} {
	return c.closed
}

// Close shuts the transport down.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		conn := c.conn
		c.open = false
		c.mu.Unlock()

		if conn != nil {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			conn.Close()
		}
	})
	return nil
}

func (c *Channel) readLoop() {
	defer func() {
		c.mu.Lock()
		c.open = false
		c.mu.Unlock()
		c.signalOnce.Do(func() { close(c.closed) })
		close(c.incoming)
	}()

	for {
		var env domain.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			select {
			case <-c.done:
			default:
				if websocket.IsUnexpectedCloseError(err,
					websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Warn().Err(err).Msg("Signaling read ended unexpectedly")
				}
			}
			return
		}

		select {
		case c.incoming <- env:
		case <-c.done:
			return
		}
	}
}

func (c *Channel) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			if !c.open {
				c.mu.Unlock()
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.mu.Unlock()
			if err != nil {
				return
			}

		case <-c.done:
			return

		case <-c.closed:
			return
		}
	}
}
