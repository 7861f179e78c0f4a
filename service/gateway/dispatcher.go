package gateway

import (
	"context"
	"fmt"

	"github.com/Blazheiko/partygate/logger"
	errs "github.com/Blazheiko/partygate/tools/errs"
)

// Dispatcher runs the per-message hot path: route lookup, admission,
// validation, middleware chain, handler, correlated reply.
type Dispatcher struct {
	table     *Table
	admission *Admission
	debug     bool // surface handler error messages verbatim
}

func NewDispatcher(table *Table, admission *Admission, debug bool) *Dispatcher {
	return &Dispatcher{table: table, admission: admission, debug: debug}
}

func (d *Dispatcher) Table() *Table { return d.table }

// DispatchWS handles one inbound RPC envelope and always returns exactly
// one response envelope carrying the request's (event, timestamp) pair.
func (d *Dispatcher) DispatchWS(ctx context.Context, caller Caller, env *Envelope) *Envelope {
	rd, ok := d.table.WS[env.Event]
	if !ok {
		return NewErrorEnvelope(env.Event, env.Timestamp, errs.ErrRouteNotFound)
	}

	// Identity for the window counter is the caller's network address,
	// connection-scoped for persistent connections.
	if dec := d.admission.Check(ctx, caller.RemoteAddr, rd); !dec.Allowed {
		ce := errs.ErrRateLimited.WithMsg(
			fmt.Sprintf("too many requests, retry after %d seconds", dec.RetryAfter))
		return NewErrorEnvelope(env.Event, env.Timestamp, ce)
	}

	payload, err := env.DecodePayload()
	if err != nil {
		ce := errs.ErrValidationFailed.WithMessages([]string{"payload must be a JSON object"})
		return NewErrorEnvelope(env.Event, env.Timestamp, ce)
	}
	if rd.Validator != nil {
		if messages := rd.Validator.Validate(payload); len(messages) > 0 {
			return NewErrorEnvelope(env.Event, env.Timestamp, errs.ErrValidationFailed.WithMessages(messages))
		}
	}

	c := &Context{
		Ctx:       ctx,
		Route:     rd,
		Event:     env.Event,
		Timestamp: env.Timestamp,
		Payload:   payload,
		Caller:    caller,
	}

	result, ce := d.Execute(c)
	if ce != nil {
		return NewErrorEnvelope(env.Event, env.Timestamp, ce)
	}
	return NewEnvelope(env.Event, env.Timestamp, errs.CodeOK, result)
}

// Execute runs the middleware chain in declared order, short-circuiting on
// the first error, then the handler. Panics become internal errors instead
// of tearing the connection down.
func (d *Dispatcher) Execute(c *Context) (result any, ce *errs.CodeError) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("[dispatch] handler panic route=%s: %v", c.Route.Key(), r)
			result, ce = nil, errs.ErrInternal
		}
	}()

	for _, mw := range c.Route.Middlewares {
		if err := mw(c); err != nil {
			return nil, d.classify(c, err)
		}
	}

	out, err := c.Route.Handler(c)
	if err != nil {
		return nil, d.classify(c, err)
	}
	return out, nil
}

// classify maps handler/middleware errors onto the wire taxonomy. Unknown
// errors are 500s with the message suppressed outside debug mode.
func (d *Dispatcher) classify(c *Context, err error) *errs.CodeError {
	if ce := errs.AsCodeError(err); ce != nil {
		return ce
	}
	logger.Errorf("[dispatch] handler error route=%s user=%s: %+v", c.Route.Key(), c.Caller.UserID, err)
	if d.debug {
		return errs.ErrInternal.WithMsg(err.Error())
	}
	return errs.ErrInternal
}
