package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/Blazheiko/partygate/logger"
	errs "github.com/Blazheiko/partygate/tools/errs"
)

// Conn is one live server-side connection. All writes go through a single
// pump goroutine because gorilla's WriteMessage is not concurrency-safe.
type Conn struct {
	ID         string
	UserID     string
	SessionID  string
	RemoteAddr string

	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	writeWait time.Duration
	limiter   *rate.Limiter // transport-level flood guard, nil = disabled
}

func NewConn(ws *websocket.Conn, id, userID, sessionID string, floodRate rate.Limit, floodBurst int, writeWait time.Duration) *Conn {
	var limiter *rate.Limiter
	if floodRate > 0 {
		limiter = rate.NewLimiter(floodRate, floodBurst)
	}
	c := &Conn{
		ID:         id,
		UserID:     userID,
		SessionID:  sessionID,
		RemoteAddr: ws.RemoteAddr().String(),
		ws:         ws,
		send:       make(chan []byte, 256),
		done:       make(chan struct{}),
		writeWait:  writeWait,
		limiter:    limiter,
	}
	go c.writePump()
	return c
}

func (c *Conn) Done() <-chan struct{} { return c.done }

// AllowMessage is the per-connection token bucket checked before any
// dispatch work; window admission happens later, per route.
func (c *Conn) AllowMessage() bool {
	if c.limiter == nil {
		return true
	}
	return c.limiter.Allow()
}

// Send queues an envelope for the write pump. Never blocks the read loop:
// a full queue counts as a dead peer.
func (c *Conn) Send(env *Envelope) error {
	raw, err := env.Encode()
	if err != nil {
		return errs.WrapMsg(err, "encode envelope")
	}
	return c.SendRaw(raw)
}

func (c *Conn) SendRaw(raw []byte) error {
	select {
	case <-c.done:
		return errs.ErrInternal.WithDetail("connection closed").Wrap()
	default:
	}
	select {
	case c.send <- raw:
		return nil
	default:
		logger.Warnf("[conn] send queue full, dropping conn=%s user=%s", c.ID, c.UserID)
		c.CloseWithCode(CloseAbnormal, "send queue overflow")
		return errs.ErrInternal.WithDetail("send queue overflow").Wrap()
	}
}

// CloseWithCode writes a close frame with the given code, then tears the
// transport down. Safe to call multiple times.
func (c *Conn) CloseWithCode(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(code, reason)
		deadline := time.Now().Add(c.writeWait)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = c.ws.Close()
	})
}

func (c *Conn) writePump() {
	for {
		select {
		case raw := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				logger.Debugf("[conn] write err conn=%s user=%s err=%v", c.ID, c.UserID, err)
				c.CloseWithCode(CloseAbnormal, "write failed")
				return
			}
		case <-c.done:
			return
		}
	}
}
