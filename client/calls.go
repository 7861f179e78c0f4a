package client

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Blazheiko/partygate/logger"
	"github.com/Blazheiko/partygate/service/gateway"
	errs "github.com/Blazheiko/partygate/tools/errs"
)

// callToken correlates a response to its request. The server echoes both
// fields back untouched, so reply order is irrelevant.
type callToken struct {
	event string
	ts    int64
}

type callResult struct {
	env *gateway.Envelope
	err error
}

type pendingCall struct {
	ch chan callResult // buffered 1, written exactly once
}

// Call sends an RPC envelope for route and blocks until the correlated
// response, the per-call timeout, or ctx cancellation, whichever wins.
// Resolution and timeout are mutually exclusive: whichever side removes the
// pending entry first owns the outcome, a late response is dropped.
func (c *Conn) Call(ctx context.Context, route string, payload any) (*gateway.Envelope, error) {
	ts := c.now()
	tok := callToken{event: route, ts: ts}

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil, ErrConnectionDestroyed
	}
	if _, dup := c.pending[tok]; dup {
		c.mu.Unlock()
		return nil, ErrDuplicateInFlight
	}
	pc := &pendingCall{ch: make(chan callResult, 1)}
	c.pending[tok] = pc
	c.mu.Unlock()

	if err := c.Send(gateway.NewEnvelope(route, ts, 0, payload)); err != nil {
		c.takePending(tok)
		return nil, err
	}

	timer := time.NewTimer(c.cfg.CallTimeout)
	defer timer.Stop()
	select {
	case res := <-pc.ch:
		return res.env, res.err
	case <-ctx.Done():
		if c.takePending(tok) != nil {
			return nil, ctx.Err()
		}
		res := <-pc.ch // resolution won the race
		return res.env, res.err
	case <-timer.C:
		if c.takePending(tok) != nil {
			return nil, ErrCallTimeout
		}
		res := <-pc.ch
		return res.env, res.err
	}
}

// takePending removes and returns the pending entry, or nil if the other
// side of the race already claimed it.
func (c *Conn) takePending(tok callToken) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	pc := c.pending[tok]
	if pc != nil {
		delete(c.pending, tok)
	}
	return pc
}

// handleEnvelope classifies every inbound frame: service frames are
// protocol-internal, broadcast frames go to the owner callback, everything
// else correlates against the pending table. Uncorrelated responses are
// dropped silently; their caller already timed out.
func (c *Conn) handleEnvelope(env *gateway.Envelope) {
	switch {
	case env.Event == gateway.EventPong:
		select {
		case c.pongCh <- struct{}{}:
		default:
		}
	case env.Event == gateway.EventConnEstablished:
		c.onEstablished(env)
	case env.Event == gateway.EventError:
		c.onServiceError(env)
	case gateway.IsService(env.Event):
		logger.Debugf("[client] service frame event=%s status=%d", env.Event, env.Status)
	case gateway.IsBroadcast(env.Event):
		if c.cfg.OnBroadcast != nil {
			c.cfg.OnBroadcast(env)
		}
	default:
		c.resolve(env)
	}
}

func (c *Conn) onEstablished(env *gateway.Envelope) {
	var body struct {
		SocketID string `json:"socket_id"`
	}
	if err := json.Unmarshal(env.Payload, &body); err != nil {
		logger.Debugf("[client] bad connection_established payload: %v", err)
		return
	}
	c.mu.Lock()
	c.socketID = body.SocketID
	c.mu.Unlock()
	logger.Infof("[client] connection established socket_id=%s", body.SocketID)
}

// onServiceError handles out-of-band server errors. A status in the fatal
// range means the session is gone: tear everything down and hand control to
// the reauthorization callback.
func (c *Conn) onServiceError(env *gateway.Envelope) {
	status := int(env.Status)
	if status >= gateway.CloseFatalStart && status <= gateway.CloseFatalEnd {
		logger.Warnf("[client] session invalidated by server status=%d", status)
		reauth := c.cfg.OnReauthorize
		c.terminate(errs.ErrSessionExpired.Wrap())
		if reauth != nil {
			reauth()
		}
		return
	}
	logger.Warnf("[client] server error status=%d payload=%s", status, env.Payload)
}

// resolve matches a response envelope to its pending call. Status 200
// resolves with the envelope; anything else rejects with the wire error
// decoded into a CodeError.
func (c *Conn) resolve(env *gateway.Envelope) {
	tok := callToken{event: env.Event, ts: env.Timestamp}
	pc := c.takePending(tok)
	if pc == nil {
		logger.Debugf("[client] uncorrelated response event=%s ts=%d", env.Event, env.Timestamp)
		return
	}
	if int(env.Status) == errs.CodeOK {
		pc.ch <- callResult{env: env}
		return
	}
	pc.ch <- callResult{err: decodeWireError(env)}
}

func decodeWireError(env *gateway.Envelope) error {
	var body struct {
		Error struct {
			Code     int      `json:"code"`
			Message  string   `json:"message"`
			Messages []string `json:"messages"`
		} `json:"error"`
	}
	msg := "request failed"
	var messages []string
	if err := json.Unmarshal(env.Payload, &body); err == nil && body.Error.Message != "" {
		msg = body.Error.Message
		messages = body.Error.Messages
	}
	ce := errs.NewCodeError(int(env.Status), msg)
	if len(messages) > 0 {
		ce = ce.WithMessages(messages)
	}
	return ce
}
