package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"chatrelay/internal/metrics"
	"chatrelay/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Dispatcher handles one inbound frame and returns the acknowledgment for
// its sender.
type Dispatcher interface {
	Dispatch(ctx context.Context, session models.Session, frame models.InboundFrame) models.Ack
}

type Client struct {
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	session    models.Session
	rooms      map[string]struct{} // guarded by hub.mu
	dispatcher Dispatcher
	limiter    *rateLimiter
	logger     zerolog.Logger
}

// NewClient wraps an upgraded connection. conn may be nil for a client that is
// only ever delivered to.
func NewClient(hub *Hub, conn *websocket.Conn, session models.Session, d Dispatcher) *Client {
	if conn != nil {
		conn.SetReadLimit(hub.opts.MaxMessageSize)
	}
	return &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, hub.opts.SendBuffer),
		session:    session,
		rooms:      make(map[string]struct{}),
		dispatcher: d,
		limiter:    newRateLimiter(hub.opts.RateBurst, hub.opts.RateInterval),
		logger: hub.logger.With().
			Str("component", "client").
			Str("conn", session.ConnID).
			Str("user", session.UserID).
			Logger(),
	}
}

// Session returns the identity the connection was authenticated as.
func (c *Client) Session() models.Session { return c.session }

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}
		c.handleFrame(raw)
	}
}

// handleFrame processes one inbound frame to completion before the next one
// is read, so a connection's events are applied in the order sent.
func (c *Client) handleFrame(raw []byte) {
	var frame models.InboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Event == "" {
		c.logger.Debug().Err(err).Msg("malformed frame")
		c.write(models.OutboundFrame{
			Event: "error",
			Data:  models.ErrorEvent{Error: "malformed frame"},
		})
		return
	}

	if !c.limiter.allow() {
		metrics.RateLimited.Inc()
		c.logger.Warn().Str("event", frame.Event).Msg("rate limit exceeded")
		if frame.Ack != nil {
			c.write(models.OutboundFrame{
				Event: "ack",
				Ack:   frame.Ack,
				Data: models.Ack{
					Status:     http.StatusTooManyRequests,
					StatusText: http.StatusText(http.StatusTooManyRequests),
					Errors:     map[string]string{"rate": "too many events"},
				},
			})
		}
		return
	}

	ack := c.dispatcher.Dispatch(c.hub.ctx, c.session, frame)
	if frame.Ack != nil {
		c.write(models.OutboundFrame{Event: "ack", Ack: frame.Ack, Data: ack})
	}
}

func (c *Client) write(frame models.OutboundFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error().Err(err).Str("event", frame.Event).Msg("failed to marshal frame")
		return
	}
	c.hub.sendTo(c, data)
}

func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn().Int64("limit", c.hub.opts.MaxMessageSize).Msg("frame exceeded maximum size")
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway),
		errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		c.logger.Debug().Err(err).Msg("connection closed")
	case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		c.logger.Warn().Err(err).Msg("unexpected close")
	default:
		c.logger.Debug().Err(err).Msg("read error")
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
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug().Err(err).Msg("write failed")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
