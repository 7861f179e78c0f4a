package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Blazheiko/partygate/logger"
	"github.com/Blazheiko/partygate/service/fanout"
	"github.com/Blazheiko/partygate/service/gateway"
	"github.com/Blazheiko/partygate/service/storage"
	"github.com/Blazheiko/partygate/tools/decode"
	errs "github.com/Blazheiko/partygate/tools/errs"
	"github.com/Blazheiko/partygate/tools/ids"
)

// appDeps is what handlers reach for. srv and bridge are filled in after the
// table is built; handlers only dereference them at request time.
type appDeps struct {
	sessions *storage.SessionStore
	blobs    *storage.BlobStore
	srv      *gateway.Server
	bridge   *fanout.Bridge
}

// routeTree declares the full dispatch surface. Groups contribute prefix,
// middleware and an inheritable rate limit; event routes have no method.
func routeTree(d *appDeps) *gateway.Group {
	return &gateway.Group{
		Prefix:    "api",
		RateLimit: &gateway.RateLimit{Window: time.Minute, Max: 300},
		Groups: []*gateway.Group{
			{
				Prefix: "auth",
				Routes: []*gateway.Route{
					{
						Method:    "POST",
						URL:       "session",
						Handler:   d.createSession,
						Validator: gateway.Rules{"user_id": "required|string"},
						// Session minting gets a tighter budget than the rest.
						RateLimit: &gateway.RateLimit{Window: time.Minute, Max: 10},
					},
					{
						Method:    "POST",
						URL:       "token",
						Handler:   d.issueWSToken,
						Validator: gateway.Rules{"user_id": "required|string", "session_id": "required|string"},
					},
					{
						Method:    "POST",
						URL:       "logout",
						Handler:   d.logout,
						Validator: gateway.Rules{"user_id": "required|string"},
					},
				},
			},
			{
				Prefix:      "party",
				Middlewares: []gateway.Middleware{requireUser},
				Routes: []*gateway.Route{
					{
						URL:     "create",
						Handler: d.createParty,
						Validator: gateway.Rules{
							"title":    "required|string",
							"capacity": "number",
						},
					},
					{
						URL:       "invite",
						Handler:   d.inviteToParty,
						Validator: gateway.Rules{"party_id": "required|string", "user_id": "required|string"},
					},
					{
						Method:  "GET",
						URL:     "info/:id",
						Handler: d.partyInfo,
					},
				},
			},
			{
				Prefix:      "presence",
				Middlewares: []gateway.Middleware{requireUser},
				Routes: []*gateway.Route{
					{URL: "who", Handler: d.presenceWho},
					{URL: "check", Handler: d.presenceCheck,
						Validator: gateway.Rules{"user_id": "required|string"}},
				},
			},
		},
		Routes: []*gateway.Route{
			{Method: "GET", URL: "health", Handler: d.health},
		},
	}
}

// requireUser guards routes that only make sense for an authenticated
// caller. Event routes always carry the upgrade identity; HTTP rows get
// theirs from sessionHeaderAuth.
func requireUser(c *gateway.Context) error {
	if c.Caller.UserID == "" {
		return errs.ErrUnauthorized.Wrap()
	}
	return nil
}

// sessionGetter is the slice of the session store the HTTP auth middleware
// needs.
type sessionGetter interface {
	Get(ctx context.Context, userID, sessionID string) (*storage.SessionRecord, error)
}

// sessionHeaderAuth resolves the caller identity for HTTP rows from the
// X-User-Id / X-Session-Id headers, validated against the session store.
// Absent headers pass through anonymous and guarded routes reject in
// requireUser; present-but-invalid credentials are rejected here.
func sessionHeaderAuth(sessions sessionGetter) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader("X-User-Id")
		sessionID := c.GetHeader("X-Session-Id")
		if userID == "" || sessionID == "" {
			c.Next()
			return
		}
		if _, err := sessions.Get(c.Request.Context(), userID, sessionID); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"status": errs.CodeUnauthorized,
				"error":  gin.H{"code": errs.CodeUnauthorized, "message": "unauthorized"},
			})
			return
		}
		c.Set("userID", userID)
		c.Set("sessionID", sessionID)
		c.Next()
	}
}

func (d *appDeps) health(c *gateway.Context) (any, error) {
	return map[string]any{"ok": true, "online": d.srv.Registry().Len()}, nil
}

// createSession bootstraps a session and answers with the one-time upgrade
// token the socket endpoint consumes.
func (d *appDeps) createSession(c *gateway.Context) (any, error) {
	type body struct {
		UserID string         `json:"user_id"`
		Data   map[string]any `json:"data"`
	}
	in, err := decode.Map[body](c.Payload)
	if err != nil {
		return nil, errs.ErrValidationFailed.WithDetail(err.Error()).Wrap()
	}

	sessionID := ids.NewTokenID()
	if err := d.sessions.Set(c.Ctx, sessionID, &storage.SessionRecord{
		UserID: in.UserID,
		Data:   in.Data,
	}); err != nil {
		return nil, err
	}
	token, err := d.sessions.IssueUpgradeToken(c.Ctx, in.UserID, sessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"session_id": sessionID,
		"ws_token":   token,
	}, nil
}

// issueWSToken mints a fresh one-time upgrade token for an existing
// session, e.g. for a reconnect after the previous token was consumed.
func (d *appDeps) issueWSToken(c *gateway.Context) (any, error) {
	type body struct {
		UserID    string `json:"user_id"`
		SessionID string `json:"session_id"`
	}
	in, err := decode.Map[body](c.Payload)
	if err != nil {
		return nil, errs.ErrValidationFailed.WithDetail(err.Error()).Wrap()
	}
	token, err := d.sessions.IssueUpgradeToken(c.Ctx, in.UserID, in.SessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"ws_token": token}, nil
}

// logout revokes every session of the user and kicks live connections.
func (d *appDeps) logout(c *gateway.Context) (any, error) {
	type body struct {
		UserID string `json:"user_id"`
	}
	in, err := decode.Map[body](c.Payload)
	if err != nil {
		return nil, errs.ErrValidationFailed.WithDetail(err.Error()).Wrap()
	}
	removed, err := d.sessions.RevokeAll(c.Ctx, in.UserID)
	if err != nil {
		return nil, err
	}
	d.srv.KickUser(in.UserID)
	return map[string]any{"revoked": removed}, nil
}

type partyPayload struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Capacity int    `json:"capacity"`
	OwnerID  string `json:"owner_id"`
}

func (d *appDeps) createParty(c *gateway.Context) (any, error) {
	type body struct {
		Title    string `json:"title"`
		Capacity int    `json:"capacity"`
	}
	in, err := decode.Map[body](c.Payload)
	if err != nil {
		return nil, errs.ErrValidationFailed.WithDetail(err.Error()).Wrap()
	}
	if in.Capacity <= 0 {
		in.Capacity = 8
	}
	party := partyPayload{
		ID:       ids.NewTokenID(),
		Title:    in.Title,
		Capacity: in.Capacity,
		OwnerID:  c.Caller.UserID,
	}
	if err := d.storeParty(c, &party); err != nil {
		return nil, err
	}
	return party, nil
}

func (d *appDeps) storeParty(c *gateway.Context, p *partyPayload) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return errs.WrapMsg(err, "marshal party")
	}
	return d.blobs.Put(c.Ctx, "party:"+p.ID, raw, 24*time.Hour)
}

func (d *appDeps) loadParty(c *gateway.Context, id string) (*partyPayload, error) {
	raw, err := d.blobs.Get(c.Ctx, "party:"+id)
	if err != nil {
		return nil, err
	}
	p := &partyPayload{}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, errs.WrapMsg(err, "unmarshal party")
	}
	return p, nil
}

// inviteToParty pushes a broadcast to the invitee on every node.
func (d *appDeps) inviteToParty(c *gateway.Context) (any, error) {
	type body struct {
		PartyID string `json:"party_id"`
		UserID  string `json:"user_id"`
	}
	in, err := decode.Map[body](c.Payload)
	if err != nil {
		return nil, errs.ErrValidationFailed.WithDetail(err.Error()).Wrap()
	}
	party, err := d.loadParty(c, in.PartyID)
	if err != nil {
		return nil, err
	}
	invite := map[string]any{
		"party_id": party.ID,
		"title":    party.Title,
		"from":     c.Caller.UserID,
	}
	if d.bridge != nil {
		if err := d.bridge.Broadcast(in.UserID, "party_invite", invite); err != nil {
			logger.Warnf("[party] invite fanout failed: %v", err)
		}
	} else {
		d.srv.BroadcastUser(in.UserID, "party_invite", invite)
	}
	return map[string]any{"delivered": d.srv.Registry().IsOnline(in.UserID)}, nil
}

func (d *appDeps) partyInfo(c *gateway.Context) (any, error) {
	return d.loadParty(c, c.Params["id"])
}

func (d *appDeps) presenceWho(c *gateway.Context) (any, error) {
	return map[string]any{"users": d.srv.Registry().OnlineUsers()}, nil
}

func (d *appDeps) presenceCheck(c *gateway.Context) (any, error) {
	type body struct {
		UserID string `json:"user_id"`
	}
	in, err := decode.Map[body](c.Payload)
	if err != nil {
		return nil, errs.ErrValidationFailed.WithDetail(err.Error()).Wrap()
	}
	return map[string]any{"online": d.srv.Registry().IsOnline(in.UserID)}, nil
}
