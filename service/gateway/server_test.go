package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	errs "github.com/Blazheiko/partygate/tools/errs"
)

type fakeAuth struct {
	grants   map[string]Grant
	touchErr error
}

func (f *fakeAuth) ExchangeUpgradeToken(_ context.Context, token string) (Grant, error) {
	g, ok := f.grants[token]
	if !ok {
		return Grant{}, errs.ErrUnauthorized.Wrap()
	}
	return g, nil
}

func (f *fakeAuth) Touch(context.Context, string, string) error { return f.touchErr }

func wsTestServer(t *testing.T, auth *fakeAuth) *httptest.Server {
	return wsTestServerCfg(t, auth, Config{WriteWait: time.Second})
}

func wsTestServerCfg(t *testing.T, auth *fakeAuth, cfg Config) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	root := &Group{
		Prefix: "api",
		Routes: []*Route{
			{
				URL: "echo",
				Handler: func(c *Context) (any, error) {
					return map[string]any{"msg": c.Payload["msg"], "user": c.Caller.UserID}, nil
				},
			},
		},
	}
	table, err := BuildTable(root)
	if err != nil {
		t.Fatalf("BuildTable: %v", err)
	}
	disp := NewDispatcher(table, NewAdmission(newMemCounter()), true)
	srv := NewServer(cfg, disp, NewRegistry(), auth)

	r := gin.New()
	r.GET("/ws", srv.HandleWS)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Shutdown)
	return ts
}

func dialWS(t *testing.T, ts *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readEnvelope(t *testing.T, ws *websocket.Conn) *Envelope {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	env, perr := ParseEnvelope(data)
	if perr != nil {
		t.Fatalf("parse: %v", perr)
	}
	return env
}

func TestUpgradeRejectedWithoutValidToken(t *testing.T) {
	t.Parallel()

	ts := wsTestServer(t, &fakeAuth{grants: map[string]Grant{}})
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=bogus"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("handshake succeeded with a bad token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("resp = %v, want 401 before any upgrade", resp)
	}
}

func TestUpgradeHelloAndEcho(t *testing.T) {
	t.Parallel()

	ts := wsTestServer(t, &fakeAuth{grants: map[string]Grant{
		"good": {UserID: "u1", SessionID: "s1"},
	}})
	ws := dialWS(t, ts, "good")

	hello := readEnvelope(t, ws)
	if hello.Event != EventConnEstablished {
		t.Fatalf("first frame = %s, want %s", hello.Event, EventConnEstablished)
	}
	body, err := hello.DecodePayload()
	if err != nil || body["socket_id"] == "" {
		t.Fatalf("hello payload = %v, %v", body, err)
	}

	req := NewEnvelope("api/echo", 4242, 0, map[string]any{"msg": "hi"})
	raw, _ := req.Encode()
	if err := ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write: %v", err)
	}

	resp := readEnvelope(t, ws)
	if resp.Event != "api/echo" || resp.Timestamp != 4242 {
		t.Fatalf("correlation pair = (%s, %d)", resp.Event, resp.Timestamp)
	}
	out, _ := resp.DecodePayload()
	if out["msg"] != "hi" || out["user"] != "u1" {
		t.Errorf("payload = %v", out)
	}
}

func TestPingAnsweredWithPong(t *testing.T) {
	t.Parallel()

	ts := wsTestServer(t, &fakeAuth{grants: map[string]Grant{
		"good": {UserID: "u1", SessionID: "s1"},
	}})
	ws := dialWS(t, ts, "good")
	readEnvelope(t, ws) // hello

	raw, _ := NewServiceEnvelope("ping", errs.CodeOK, nil).Encode()
	if err := ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write: %v", err)
	}
	if env := readEnvelope(t, ws); env.Event != EventPong {
		t.Fatalf("got %s, want %s", env.Event, EventPong)
	}
}

func TestExpiredSessionClosesWithFatalCode(t *testing.T) {
	t.Parallel()

	auth := &fakeAuth{
		grants:   map[string]Grant{"good": {UserID: "u1", SessionID: "s1"}},
		touchErr: errs.ErrSessionExpired.Wrap(),
	}
	ts := wsTestServer(t, auth)
	ws := dialWS(t, ts, "good")
	readEnvelope(t, ws) // hello

	raw, _ := NewServiceEnvelope("ping", errs.CodeOK, nil).Encode()
	if err := ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write: %v", err)
	}

	env := readEnvelope(t, ws)
	if env.Event != EventError || int(env.Status) != errs.CodeSessionExpired {
		t.Fatalf("got %s status=%d, want %s/%d", env.Event, env.Status, EventError, errs.CodeSessionExpired)
	}

	// The close frame carries the same reserved code.
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	ce, ok := err.(*websocket.CloseError)
	if !ok || ce.Code != errs.CodeSessionExpired {
		t.Fatalf("close err = %v, want code %d", err, errs.CodeSessionExpired)
	}
}

func TestIdleConnectionClosedWithGoingAway(t *testing.T) {
	t.Parallel()

	ts := wsTestServerCfg(t, &fakeAuth{grants: map[string]Grant{
		"good": {UserID: "u1", SessionID: "s1"},
	}}, Config{
		KeepaliveInterval: 30 * time.Millisecond,
		PongGrace:         30 * time.Millisecond,
		WriteWait:         time.Second,
	})
	ws := dialWS(t, ts, "good")
	readEnvelope(t, ws) // hello

	// Never ping: the activity deadline expires and the server closes with
	// going-away, not a normal close.
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	ce, ok := err.(*websocket.CloseError)
	if !ok || ce.Code != websocket.CloseGoingAway {
		t.Fatalf("close err = %v, want code %d", err, websocket.CloseGoingAway)
	}
}

func TestBadFrameIsIgnoredNotFatal(t *testing.T) {
	t.Parallel()

	ts := wsTestServer(t, &fakeAuth{grants: map[string]Grant{
		"good": {UserID: "u1", SessionID: "s1"},
	}})
	ws := dialWS(t, ts, "good")
	readEnvelope(t, ws) // hello

	if err := ws.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	// The connection survives and still serves RPCs.
	raw, _ := NewEnvelope("api/echo", 1, 0, map[string]any{"msg": "still here"}).Encode()
	if err := ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write: %v", err)
	}
	if resp := readEnvelope(t, ws); resp.Event != "api/echo" {
		t.Fatalf("got %s after bad frame", resp.Event)
	}
}
