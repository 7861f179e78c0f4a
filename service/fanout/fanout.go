package fanout

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Blazheiko/partygate/logger"
	"github.com/Blazheiko/partygate/service/gateway"
	errs "github.com/Blazheiko/partygate/tools/errs"
)

// Bridge fans server-initiated broadcasts out across gateway nodes over one
// NATS core subject. It is a thin consumer of the connection registry: local
// delivery goes straight through the server, remote nodes replay the same
// message for their own registries.
type Config struct {
	Servers       []string
	Name          string // connection name, defaults to "partygate"
	Subject       string // defaults to "partygate.broadcast"
	NodeID        string // origin tag so a node skips its own messages
	ReconnectWait time.Duration
	Timeout       time.Duration
}

type message struct {
	Origin  string          `json:"origin"`
	UserID  string          `json:"user_id"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type Bridge struct {
	cfg Config
	nc  *nats.Conn
	srv *gateway.Server
	sub *nats.Subscription
}

func New(cfg Config, srv *gateway.Server) (*Bridge, error) {
	if len(cfg.Servers) == 0 {
		return nil, errs.ErrInternal.WithDetail("nats servers missing").Wrap()
	}
	if cfg.Name == "" {
		cfg.Name = "partygate"
	}
	if cfg.Subject == "" {
		cfg.Subject = "partygate.broadcast"
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, errs.WrapMsg(err, "nats connect")
	}
	return &Bridge{cfg: cfg, nc: nc, srv: srv}, nil
}

// Start subscribes for broadcasts published by other nodes.
func (b *Bridge) Start() error {
	sub, err := b.nc.Subscribe(b.cfg.Subject, func(m *nats.Msg) {
		var msg message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			logger.Warnf("[fanout] bad message: %v", err)
			return
		}
		if msg.Origin == b.cfg.NodeID {
			return
		}
		b.srv.BroadcastUser(msg.UserID, msg.Event, msg.Payload)
	})
	if err != nil {
		return errs.WrapMsg(err, "nats subscribe")
	}
	b.sub = sub
	return nil
}

// Broadcast delivers to local connections immediately and relays to every
// other node.
func (b *Bridge) Broadcast(userID, event string, payload any) error {
	b.srv.BroadcastUser(userID, event, payload)

	raw, err := json.Marshal(payload)
	if err != nil {
		return errs.WrapMsg(err, "marshal broadcast payload")
	}
	data, err := json.Marshal(message{
		Origin:  b.cfg.NodeID,
		UserID:  userID,
		Event:   event,
		Payload: raw,
	})
	if err != nil {
		return errs.WrapMsg(err, "marshal broadcast message")
	}
	return b.nc.Publish(b.cfg.Subject, data)
}

func (b *Bridge) Close() error {
	if b.sub != nil {
		_ = b.sub.Drain()
	}
	if b.nc != nil {
		return b.nc.Drain()
	}
	return nil
}
