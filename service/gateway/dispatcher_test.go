package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	errs "github.com/Blazheiko/partygate/tools/errs"
)

func testDispatcher(t *testing.T, root *Group, debug bool) *Dispatcher {
	t.Helper()
	table, err := BuildTable(root)
	if err != nil {
		t.Fatalf("BuildTable: %v", err)
	}
	return NewDispatcher(table, NewAdmission(newMemCounter()), debug)
}

func wireErrorOf(t *testing.T, env *Envelope) wireError {
	t.Helper()
	var body errorPayload
	if err := json.Unmarshal(env.Payload, &body); err != nil {
		t.Fatalf("error payload: %v", err)
	}
	return body.Error
}

func rpc(event string, ts int64, payload any) *Envelope {
	return NewEnvelope(event, ts, 0, payload)
}

func TestDispatchEchoesCorrelationPair(t *testing.T) {
	t.Parallel()

	d := testDispatcher(t, &Group{Routes: []*Route{{
		URL: "echo",
		Handler: func(c *Context) (any, error) {
			return map[string]any{"got": c.Payload["msg"]}, nil
		},
	}}}, false)

	ts := time.Now().UnixMilli()
	resp := d.DispatchWS(context.Background(), Caller{}, rpc("echo", ts, map[string]any{"msg": "hi"}))

	if resp.Event != "echo" || resp.Timestamp != ts {
		t.Errorf("correlation pair = (%s, %d), want (echo, %d)", resp.Event, resp.Timestamp, ts)
	}
	if int(resp.Status) != errs.CodeOK {
		t.Errorf("status = %d, want %d", resp.Status, errs.CodeOK)
	}
}

func TestDispatchUnknownRoute(t *testing.T) {
	t.Parallel()

	d := testDispatcher(t, &Group{Routes: []*Route{{URL: "known", Handler: noopHandler}}}, false)
	resp := d.DispatchWS(context.Background(), Caller{}, rpc("missing", 1, nil))

	if int(resp.Status) != errs.CodeRouteNotFound {
		t.Fatalf("status = %d, want %d", resp.Status, errs.CodeRouteNotFound)
	}
	if resp.Event != "missing" || resp.Timestamp != 1 {
		t.Errorf("error response lost the correlation pair")
	}
}

func TestDispatchValidationMessages(t *testing.T) {
	t.Parallel()

	d := testDispatcher(t, &Group{Routes: []*Route{{
		URL:       "create",
		Handler:   noopHandler,
		Validator: Rules{"title": "required|string", "count": "number"},
	}}}, false)

	resp := d.DispatchWS(context.Background(), Caller{}, rpc("create", 1, map[string]any{"count": "nope"}))
	if int(resp.Status) != errs.CodeValidationFailed {
		t.Fatalf("status = %d, want %d", resp.Status, errs.CodeValidationFailed)
	}
	we := wireErrorOf(t, resp)
	if len(we.Messages) != 2 {
		t.Errorf("messages = %v, want one per failed field", we.Messages)
	}
}

func TestDispatchNonObjectPayload(t *testing.T) {
	t.Parallel()

	d := testDispatcher(t, &Group{Routes: []*Route{{URL: "x", Handler: noopHandler}}}, false)
	resp := d.DispatchWS(context.Background(), Caller{}, &Envelope{
		Event: "x", Timestamp: 1, Payload: json.RawMessage(`[1,2]`),
	})
	if int(resp.Status) != errs.CodeValidationFailed {
		t.Fatalf("status = %d, want %d", resp.Status, errs.CodeValidationFailed)
	}
}

func TestDispatchMiddlewareShortCircuit(t *testing.T) {
	t.Parallel()

	handlerRan := false
	d := testDispatcher(t, &Group{
		Middlewares: []Middleware{func(c *Context) error {
			return errs.ErrUnauthorized.Wrap()
		}},
		Routes: []*Route{{
			URL: "x",
			Handler: func(c *Context) (any, error) {
				handlerRan = true
				return nil, nil
			},
		}},
	}, false)

	resp := d.DispatchWS(context.Background(), Caller{}, rpc("x", 1, nil))
	if int(resp.Status) != errs.CodeUnauthorized {
		t.Fatalf("status = %d, want %d", resp.Status, errs.CodeUnauthorized)
	}
	if handlerRan {
		t.Errorf("handler ran after middleware error")
	}
}

func TestDispatchDeniedByAdmission(t *testing.T) {
	t.Parallel()

	d := testDispatcher(t, &Group{Routes: []*Route{{
		URL:       "tight",
		Handler:   noopHandler,
		RateLimit: &RateLimit{Window: time.Minute, Max: 1},
	}}}, false)

	caller := Caller{RemoteAddr: "9.9.9.9"}
	if resp := d.DispatchWS(context.Background(), caller, rpc("tight", 1, nil)); int(resp.Status) != errs.CodeOK {
		t.Fatalf("first request denied: %d", resp.Status)
	}
	resp := d.DispatchWS(context.Background(), caller, rpc("tight", 2, nil))
	if int(resp.Status) != errs.CodeRateLimited {
		t.Fatalf("status = %d, want %d", resp.Status, errs.CodeRateLimited)
	}
}

func TestDispatchUnknownErrorSuppressed(t *testing.T) {
	t.Parallel()

	boom := errors.New("pg: connection refused")
	build := func(debug bool) *Dispatcher {
		return testDispatcher(t, &Group{Routes: []*Route{{
			URL:     "x",
			Handler: func(c *Context) (any, error) { return nil, boom },
		}}}, debug)
	}

	we := wireErrorOf(t, build(false).DispatchWS(context.Background(), Caller{}, rpc("x", 1, nil)))
	if we.Message != "internal server error" {
		t.Errorf("prod message = %q, want generic", we.Message)
	}

	we = wireErrorOf(t, build(true).DispatchWS(context.Background(), Caller{}, rpc("x", 1, nil)))
	if we.Message != boom.Error() {
		t.Errorf("debug message = %q, want %q", we.Message, boom.Error())
	}
}

func TestDispatchHandlerPanicBecomesInternal(t *testing.T) {
	t.Parallel()

	d := testDispatcher(t, &Group{Routes: []*Route{{
		URL:     "x",
		Handler: func(c *Context) (any, error) { panic("oops") },
	}}}, false)

	resp := d.DispatchWS(context.Background(), Caller{}, rpc("x", 1, nil))
	if int(resp.Status) != errs.CodeInternal {
		t.Fatalf("status = %d, want %d", resp.Status, errs.CodeInternal)
	}
}

func TestDispatchCodeErrorPassthrough(t *testing.T) {
	t.Parallel()

	d := testDispatcher(t, &Group{Routes: []*Route{{
		URL: "x",
		Handler: func(c *Context) (any, error) {
			return nil, errs.ErrSessionExpired.Wrap()
		},
	}}}, false)

	resp := d.DispatchWS(context.Background(), Caller{}, rpc("x", 1, nil))
	if int(resp.Status) != errs.CodeSessionExpired {
		t.Fatalf("status = %d, want %d", resp.Status, errs.CodeSessionExpired)
	}
}
