package client

import (
	"math/rand"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Blazheiko/partygate/logger"
	"github.com/Blazheiko/partygate/service/gateway"
)

// State of the connection manager. Transitions are driven by Connect,
// Disconnect, Destroy, transport errors and the close-code policy.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateReconnecting
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateReconnecting:
		return "reconnecting"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

type Config struct {
	URL string // ws://host/ws endpoint

	// Token mints a fresh one-time upgrade token for every connect attempt.
	// Tokens are single-use server-side, so a reconnect cannot replay one.
	Token func() (string, error)

	BaseDelay         time.Duration // reconnect backoff base, default 500ms
	MaxDelay          time.Duration // backoff ceiling, default 30s
	MaxAttempts       int           // reconnect ceiling, default 10
	SlowRetryBase     time.Duration // fixed part of the slow-retry delay, default 5s
	SlowRetryJitter   time.Duration // random part on top, default 10s
	KeepaliveInterval time.Duration // ping cadence, default 25s
	PongTimeout       time.Duration // pong wait before forcing a close, default 10s
	CallTimeout       time.Duration // default per-call deadline, default 10s
	WriteWait         time.Duration // default 10s

	OnBroadcast   func(*gateway.Envelope) // server push, no correlation
	OnStateChange func(State)
	OnReauthorize func() // server signalled session expiry
	OnTerminal    func(error)
}

func (c *Config) norm() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.SlowRetryBase <= 0 {
		c.SlowRetryBase = 5 * time.Second
	}
	if c.SlowRetryJitter <= 0 {
		c.SlowRetryJitter = 10 * time.Second
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = 25 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 10 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
}

// Conn is the client-side connection manager: it owns the physical socket,
// the reconnect state machine, the keepalive cycle, the offline send queue
// and the pending-call table.
type Conn struct {
	cfg   Config
	state atomic.Int32

	mu             sync.Mutex
	ws             *websocket.Conn
	epoch          int // bumped per physical connection, stale goroutines bail
	attempts       int
	closeInitiated bool
	destroyed      bool
	forcedCode     int // local close reason, overrides the transport error
	queue          [][]byte
	pending        map[callToken]*pendingCall
	reconnectTimer *time.Timer
	keepaliveStop  chan struct{}
	socketID       string

	wmu    sync.Mutex // serializes transport writes
	pongCh chan struct{}

	now func() int64 // millisecond clock for correlation tokens
}

func New(cfg Config) *Conn {
	cfg.norm()
	return &Conn{
		cfg:     cfg,
		pending: map[callToken]*pendingCall{},
		pongCh:  make(chan struct{}, 1),
		now:     func() int64 { return time.Now().UnixMilli() },
	}
}

func (c *Conn) State() State { return State(c.state.Load()) }

// SocketID is the server-assigned id from connection_established, empty
// until the first open.
func (c *Conn) SocketID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.socketID
}

func (c *Conn) setState(s State) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(s)
	}
}

// Connect dials the endpoint. A failed dial behaves like an abnormal close
// and enters the reconnect schedule rather than returning the error.
func (c *Conn) Connect() error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrConnectionDestroyed
	}
	switch c.State() {
	case StateOpen, StateConnecting, StateReconnecting:
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.closeInitiated = false
	c.attempts = 0
	c.mu.Unlock()

	c.dial()
	return nil
}

func (c *Conn) dial() {
	c.setState(StateConnecting)

	ws, err := c.dialOnce()
	if err != nil {
		logger.Infof("[client] dial failed url=%s err=%v", c.cfg.URL, err)
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.destroyed {
			return
		}
		if c.closeInitiated {
			// A Disconnect raced the attempt; settle back to idle.
			c.setStateAsync(StateIdle)
			return
		}
		c.scheduleReconnectLocked(gateway.CloseAbnormal)
		return
	}

	c.mu.Lock()
	if c.destroyed || c.closeInitiated {
		if c.closeInitiated && !c.destroyed {
			c.setStateAsync(StateIdle)
		}
		c.mu.Unlock()
		_ = ws.Close()
		return
	}
	c.ws = ws
	c.epoch++
	epoch := c.epoch
	c.attempts = 0
	c.forcedCode = 0
	stop := make(chan struct{})
	c.keepaliveStop = stop
	c.mu.Unlock()

	go c.readLoop(ws, epoch)
	go c.keepalive(epoch, stop)
	c.flushAndOpen(ws)
}

func (c *Conn) dialOnce() (*websocket.Conn, error) {
	token, err := c.cfg.Token()
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.Dial(u.String(), nil)
	return ws, err
}

// flushAndOpen drains the offline queue in order before the state flips to
// open, so messages sent during the flush keep queueing behind the old ones.
func (c *Conn) flushAndOpen(ws *websocket.Conn) {
	for {
		c.mu.Lock()
		if c.destroyed || c.ws != ws {
			c.mu.Unlock()
			return
		}
		if len(c.queue) == 0 {
			c.mu.Unlock()
			c.setState(StateOpen)
			return
		}
		batch := c.queue
		c.queue = nil
		c.mu.Unlock()

		for _, raw := range batch {
			if err := c.writeRaw(ws, raw); err != nil {
				logger.Debugf("[client] queue flush write err: %v", err)
				return
			}
		}
	}
}

func (c *Conn) writeRaw(ws *websocket.Conn, raw []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	return ws.WriteMessage(websocket.TextMessage, raw)
}

// Send delivers the envelope if the connection is open, otherwise appends
// it to the FIFO offline queue for the next open.
func (c *Conn) Send(env *gateway.Envelope) error {
	raw, err := env.Encode()
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrConnectionDestroyed
	}
	ws := c.ws
	if c.State() != StateOpen || ws == nil {
		c.queue = append(c.queue, raw)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.writeRaw(ws, raw)
}

func (c *Conn) readLoop(ws *websocket.Conn, epoch int) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			code := gateway.CloseAbnormal
			if ce, ok := err.(*websocket.CloseError); ok {
				code = ce.Code
			}
			c.handleClose(epoch, code)
			return
		}
		env, perr := gateway.ParseEnvelope(data)
		if perr != nil {
			logger.Debugf("[client] bad frame: %v", perr)
			continue
		}
		c.handleEnvelope(env)
	}
}

// keepalive pings on the configured cadence and forces a close with the
// reserved keepalive code when a pong does not arrive in time.
func (c *Conn) keepalive(epoch int, stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		// Drop any pong left over from an earlier cycle or connection so
		// only a pong sent after this ping can satisfy the wait.
		select {
		case <-c.pongCh:
		default:
		}
		if err := c.Send(gateway.NewServiceEnvelope("ping", 200, nil)); err != nil {
			return
		}
		timer := time.NewTimer(c.cfg.PongTimeout)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-c.pongCh:
			timer.Stop()
		case <-timer.C:
			logger.Warnf("[client] pong timeout, forcing reconnect")
			c.forceClose(epoch, gateway.CloseKeepaliveFailed)
			return
		}
	}
}

// forceClose tears the transport down locally and records the close code so
// the reconnect policy sees it instead of the raw read error.
func (c *Conn) forceClose(epoch int, code int) {
	c.mu.Lock()
	if c.epoch != epoch || c.ws == nil {
		c.mu.Unlock()
		return
	}
	c.forcedCode = code
	ws := c.ws
	c.mu.Unlock()
	_ = ws.Close()
}

// handleClose is the single funnel for a dead transport: classify the close
// code and either stop, go terminal, or schedule a reconnect.
func (c *Conn) handleClose(epoch, code int) {
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return
	}
	if c.keepaliveStop != nil {
		close(c.keepaliveStop)
		c.keepaliveStop = nil
	}
	if c.ws != nil {
		_ = c.ws.Close()
		c.ws = nil
	}
	if c.forcedCode != 0 {
		code = c.forcedCode
		c.forcedCode = 0
	}
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	if c.closeInitiated {
		// Deliberate Disconnect: pendings survive, no reconnect.
		c.mu.Unlock()
		c.setState(StateIdle)
		return
	}
	if classifyCloseCode(code) == retryNever {
		c.mu.Unlock()
		logger.Warnf("[client] fatal close code=%d, giving up", code)
		c.terminate(ErrFatalClose)
		return
	}
	c.scheduleReconnectLocked(code)
	c.mu.Unlock()
}

type retryClass int

const (
	retryBackoff retryClass = iota
	retryNever
	retrySlow
	retryFast
)

func classifyCloseCode(code int) retryClass {
	switch {
	case code >= gateway.CloseFatalStart && code <= gateway.CloseFatalEnd:
		return retryNever
	case code >= gateway.CloseSlowRetryStart && code <= gateway.CloseSlowRetryEnd:
		return retrySlow
	case code >= gateway.CloseFastRetryMin:
		return retryFast
	default:
		return retryBackoff
	}
}

func (c *Conn) delayFor(class retryClass, attempt int) time.Duration {
	switch class {
	case retryFast:
		return 0
	case retrySlow:
		return c.cfg.SlowRetryBase + time.Duration(rand.Int63n(int64(c.cfg.SlowRetryJitter)))
	default:
		d := c.cfg.BaseDelay << uint(attempt-1)
		if d > c.cfg.MaxDelay || d <= 0 {
			d = c.cfg.MaxDelay
		}
		return d
	}
}

// scheduleReconnectLocked advances the attempt counter on every entry, so
// fast retries still count toward the ceiling. Caller holds mu.
func (c *Conn) scheduleReconnectLocked(code int) {
	c.attempts++
	if c.attempts > c.cfg.MaxAttempts {
		attempts := c.attempts
		go func() {
			logger.Warnf("[client] reconnect ceiling reached attempts=%d", attempts-1)
			c.terminate(ErrReconnectExhausted)
		}()
		return
	}
	delay := c.delayFor(classifyCloseCode(code), c.attempts)
	logger.Infof("[client] reconnect in %s attempt=%d code=%d", delay, c.attempts, code)
	c.setStateAsync(StateReconnecting)
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.destroyed || c.closeInitiated {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		c.dial()
	})
}

// setStateAsync avoids invoking the user callback under mu.
func (c *Conn) setStateAsync(s State) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	if c.cfg.OnStateChange != nil {
		go c.cfg.OnStateChange(s)
	}
}

// Disconnect closes the transport deliberately. Pending calls are kept so a
// later Connect can still receive their responses; the offline queue also
// survives.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.closeInitiated = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	ws := c.ws
	c.mu.Unlock()

	if ws == nil {
		c.setState(StateIdle)
		return
	}
	c.setState(StateClosing)
	msg := websocket.FormatCloseMessage(gateway.CloseNormal, "")
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteWait))
	_ = ws.Close()
}

// Destroy makes the manager terminally unusable: the transport is torn
// down, every pending call is rejected, the queue is dropped, and every
// later operation is a no-op.
func (c *Conn) Destroy() {
	c.terminate(ErrConnectionDestroyed)
}

func (c *Conn) terminate(cause error) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.keepaliveStop != nil {
		close(c.keepaliveStop)
		c.keepaliveStop = nil
	}
	if c.ws != nil {
		_ = c.ws.Close()
		c.ws = nil
	}
	c.queue = nil
	rejected := c.pending
	c.pending = map[callToken]*pendingCall{}
	c.mu.Unlock()

	for _, pc := range rejected {
		pc.ch <- callResult{err: cause}
	}
	c.setState(StateDestroyed)
	if cause != ErrConnectionDestroyed && c.cfg.OnTerminal != nil {
		c.cfg.OnTerminal(cause)
	}
}
