package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/Blazheiko/partygate/logger"
	errs "github.com/Blazheiko/partygate/tools/errs"
	"github.com/Blazheiko/partygate/tools/ids"
	"github.com/Blazheiko/partygate/tools/safe"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Grant is what a successful one-time token exchange yields.
type Grant struct {
	UserID    string
	SessionID string
}

// SessionAuth is the session-store contract the gateway consumes: exchange
// an upgrade token before the handshake completes, refresh the sliding TTL
// while traffic flows.
type SessionAuth interface {
	ExchangeUpgradeToken(ctx context.Context, token string) (Grant, error)
	Touch(ctx context.Context, userID, sessionID string) error
}

type Config struct {
	KeepaliveInterval time.Duration // expected client ping cadence
	PongGrace         time.Duration // slack on top before the conn is dead
	WriteWait         time.Duration
	FloodRate         rate.Limit // per-conn messages/sec ceiling, 0 = off
	FloodBurst        int
	Debug             bool
}

func (c *Config) norm() {
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = 25 * time.Second
	}
	if c.PongGrace <= 0 {
		c.PongGrace = 35 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.FloodBurst <= 0 {
		c.FloodBurst = 200
	}
}

// Server owns the upgrade endpoint, the connection registry, and the per
// connection read loops. The registry's lifetime is tied to the server;
// handlers only ever see it through broadcast helpers.
type Server struct {
	cfg  Config
	reg  *Registry
	disp *Dispatcher
	auth SessionAuth
}

func NewServer(cfg Config, disp *Dispatcher, reg *Registry, auth SessionAuth) *Server {
	cfg.norm()
	return &Server{cfg: cfg, disp: disp, reg: reg, auth: auth}
}

func (s *Server) Registry() *Registry { return s.reg }

// activityTimeout is both the server read deadline and the hint sent in
// connection_established.
func (s *Server) activityTimeout() time.Duration {
	return s.cfg.KeepaliveInterval + s.cfg.PongGrace
}

// HandleWS is the gin route for the upgrade. The one-time token is
// exchanged before the upgrade completes; a rejected exchange never reaches
// envelope traffic.
func (s *Server) HandleWS(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token = c.GetHeader("Sec-WebSocket-Protocol")
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	grant, err := s.auth.ExchangeUpgradeToken(ctx, token)
	cancel()
	if err != nil {
		logger.Infof("[ws] upgrade rejected addr=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": gin.H{"code": errs.CodeUnauthorized, "message": "unauthorized"}})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Infof("[ws] upgrade failed addr=%s err=%v", c.ClientIP(), err)
		return
	}

	conn := NewConn(ws, ids.NewConnID(), grant.UserID, grant.SessionID,
		s.cfg.FloodRate, s.cfg.FloodBurst, s.cfg.WriteWait)
	s.reg.Add(conn)
	logger.Infof("[ws] connected conn=%s user=%s addr=%s", conn.ID, conn.UserID, conn.RemoteAddr)

	_ = conn.Send(NewServiceEnvelope("connection_established", errs.CodeOK, map[string]any{
		"socket_id":           conn.ID,
		"activity_timeout_ms": s.activityTimeout().Milliseconds(),
	}))

	code := s.readLoop(conn, ws)

	s.reg.Remove(conn)
	conn.CloseWithCode(code, "")
	logger.Infof("[ws] disconnected conn=%s user=%s code=%d", conn.ID, conn.UserID, code)
}

// readLoop pumps inbound frames until the connection dies and reports the
// close code the server should answer with.
func (s *Server) readLoop(conn *Conn, ws *websocket.Conn) (code int) {
	code = CloseAbnormal
	defer safe.Recover("ws.readLoop")

	activity := s.activityTimeout()
	_ = ws.SetReadDeadline(time.Now().Add(activity))

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Debugf("[ws] peer closed conn=%s err=%v", conn.ID, err)
			} else {
				logger.Debugf("[ws] read err conn=%s err=%v", conn.ID, err)
			}
			return closeCodeFor(err)
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		_ = ws.SetReadDeadline(time.Now().Add(activity))

		if !conn.AllowMessage() {
			logger.Warnf("[ws] flood limit exceeded conn=%s user=%s", conn.ID, conn.UserID)
			conn.CloseWithCode(websocket.ClosePolicyViolation, "rate limit exceeded")
			return websocket.ClosePolicyViolation
		}

		env, perr := ParseEnvelope(data)
		if perr != nil {
			sample := data
			if len(sample) > 256 {
				sample = sample[:256]
			}
			logger.Infof("[ws] bad frame conn=%s err=%v sample=%q", conn.ID, perr, sample)
			continue
		}

		switch {
		case env.Event == EventPing:
			s.handlePing(conn)
		case IsService(env.Event), IsBroadcast(env.Event):
			// Clients own neither namespace beyond ping.
			logger.Debugf("[ws] ignoring reserved event conn=%s event=%s", conn.ID, env.Event)
		default:
			s.dispatchAsync(conn, env)
		}
	}
}

// closeCodeFor maps a dead read to the close frame the server answers with:
// a peer close echoes the peer's code, an expired activity deadline says
// going-away, anything else is abnormal.
func closeCodeFor(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Code == websocket.CloseNoStatusReceived {
			return CloseNormal
		}
		return ce.Code
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return websocket.CloseGoingAway
	}
	return CloseAbnormal
}

// handlePing answers the protocol-internal keepalive and refreshes the
// sliding session TTL. An expired session turns into the reserved service
// error followed by a fatal-range close, forcing client-side teardown.
func (s *Server) handlePing(conn *Conn) {
	safe.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.auth.Touch(ctx, conn.UserID, conn.SessionID); err != nil {
			if errs.ErrSessionExpired.Is(err) || errs.ErrUnauthorized.Is(err) {
				_ = conn.Send(NewServiceEnvelope("error", errs.CodeSessionExpired, map[string]any{
					"message": "session expired",
				}))
				conn.CloseWithCode(errs.CodeSessionExpired, "session expired")
				return
			}
			// Store hiccups never kill a healthy connection.
			logger.Warnf("[ws] session touch failed conn=%s err=%v", conn.ID, err)
		}
		_ = conn.Send(NewServiceEnvelope("pong", errs.CodeOK, nil))
	})
}

// dispatchAsync keeps the read loop free while a handler awaits stores.
// Responses are serialized by the connection's write pump, and correlation
// tokens make reply order irrelevant.
func (s *Server) dispatchAsync(conn *Conn, env *Envelope) {
	caller := Caller{
		ConnID:     conn.ID,
		UserID:     conn.UserID,
		SessionID:  conn.SessionID,
		RemoteAddr: conn.RemoteAddr,
	}
	safe.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		resp := s.disp.DispatchWS(ctx, caller, env)
		if err := conn.Send(resp); err != nil {
			logger.Debugf("[ws] reply dropped conn=%s event=%s err=%v", conn.ID, env.Event, err)
		}
	})
}

// BroadcastUser pushes an uncorrelated broadcast envelope to every live
// connection of the user on this node.
func (s *Server) BroadcastUser(userID, name string, payload any) {
	env := NewBroadcastEnvelope(name, payload)
	for _, c := range s.reg.ListByUser(userID) {
		if err := c.Send(env); err != nil {
			logger.Debugf("[ws] broadcast dropped conn=%s err=%v", c.ID, err)
		}
	}
}

// KickUser force-closes every connection of the user with the session
// expired service error, after a bulk revoke.
func (s *Server) KickUser(userID string) {
	for _, c := range s.reg.ListByUser(userID) {
		_ = c.Send(NewServiceEnvelope("error", errs.CodeSessionExpired, map[string]any{
			"message": "session revoked",
		}))
		c.CloseWithCode(errs.CodeSessionExpired, "session revoked")
	}
}

// Shutdown closes every live connection cooperatively.
func (s *Server) Shutdown() {
	for _, c := range s.reg.Drain() {
		c.CloseWithCode(websocket.CloseGoingAway, "server shutting down")
		s.reg.Remove(c)
	}
}
