package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/Blazheiko/partygate/logger"
	errs "github.com/Blazheiko/partygate/tools/errs"
	"github.com/Blazheiko/partygate/tools/security"
)

// Key layout:
//   session:<userID>:<sessionID> -> SessionRecord JSON, sliding TTL
//   ws:token:<jti>               -> "1", short TTL, consumed once on upgrade
func sessionKey(userID, sessionID string) string { return "session:" + userID + ":" + sessionID }
func sessionPattern(userID string) string        { return "session:" + userID + ":*" }
func wsTokenKey(jti string) string               { return "ws:token:" + jti }

// SessionRecord is the store-side session body. UserID is embedded so a
// lookup can be checked against the credentials that claimed it.
type SessionRecord struct {
	UserID    string         `json:"user_id"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt int64          `json:"created_at"`
	UpdatedAt int64          `json:"updated_at"`
}

// UpgradeGrant is the result of exchanging a one-time upgrade token.
type UpgradeGrant struct {
	UserID    string
	SessionID string
	Record    *SessionRecord
}

type SessionConfig struct {
	TTL      time.Duration // sliding session TTL
	TokenTTL time.Duration // one-time upgrade token validity
	Secret   []byte        // HMAC secret for upgrade tokens
}

type SessionStore struct {
	rdb *redis.Client
	cfg SessionConfig
}

func NewSessionStore(rdb *redis.Client, cfg SessionConfig) *SessionStore {
	if cfg.TTL <= 0 {
		cfg.TTL = 2 * time.Hour
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 30 * time.Second
	}
	return &SessionStore{rdb: rdb, cfg: cfg}
}

// Set writes the record and starts its TTL window.
func (s *SessionStore) Set(ctx context.Context, sessionID string, rec *SessionRecord) error {
	now := time.Now().UnixMilli()
	if rec.CreatedAt == 0 {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	raw, err := json.Marshal(rec)
	if err != nil {
		return errs.WrapMsg(err, "marshal session")
	}
	return s.rdb.Set(ctx, sessionKey(rec.UserID, sessionID), raw, s.cfg.TTL).Err()
}

// Get loads the record keyed (userID, sessionID) and strictly matches the
// embedded user id against the claimed one. Any mismatch is a hard
// authentication failure, never coerced.
func (s *SessionStore) Get(ctx context.Context, userID, sessionID string) (*SessionRecord, error) {
	raw, err := s.rdb.Get(ctx, sessionKey(userID, sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errs.ErrSessionExpired.Wrap()
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "session get")
	}
	rec := &SessionRecord{}
	if err := json.Unmarshal(raw, rec); err != nil {
		return nil, errs.WrapMsg(err, "unmarshal session")
	}
	if rec.UserID != userID {
		return nil, errs.ErrUnauthorized.WithDetail("session user mismatch").Wrap()
	}
	return rec, nil
}

// Touch refreshes the sliding TTL without rewriting the record. EXPIRE on a
// missing key reports false, which is how an already expired session shows
// up here.
func (s *SessionStore) Touch(ctx context.Context, userID, sessionID string) error {
	ok, err := s.rdb.Expire(ctx, sessionKey(userID, sessionID), s.cfg.TTL).Result()
	if err != nil {
		return errs.WrapMsg(err, "session touch")
	}
	if !ok {
		return errs.ErrSessionExpired.Wrap()
	}
	return nil
}

// RevokeAll deletes every session of the user via pattern scan.
func (s *SessionStore) RevokeAll(ctx context.Context, userID string) (int, error) {
	var removed int
	iter := s.rdb.Scan(ctx, 0, sessionPattern(userID), 100).Iterator()
	for iter.Next(ctx) {
		if err := s.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return removed, errs.WrapMsg(err, "session del")
		}
		removed++
	}
	if err := iter.Err(); err != nil {
		return removed, errs.WrapMsg(err, "session scan")
	}
	return removed, nil
}

// IssueUpgradeToken signs a one-time token bound to an existing session and
// registers its jti for single use.
func (s *SessionStore) IssueUpgradeToken(ctx context.Context, userID, sessionID string) (string, error) {
	if _, err := s.Get(ctx, userID, sessionID); err != nil {
		return "", err
	}
	opts := security.Options{Secret: s.cfg.Secret, TTL: s.cfg.TokenTTL}
	token, jti, _, err := security.GenerateUpgradeToken(opts, userID, sessionID)
	if err != nil {
		return "", errs.WrapMsg(err, "sign upgrade token")
	}
	if err := s.rdb.Set(ctx, wsTokenKey(jti), "1", s.cfg.TokenTTL).Err(); err != nil {
		return "", errs.WrapMsg(err, "register upgrade token")
	}
	return token, nil
}

// ExchangeUpgradeToken validates and consumes a one-time token, then loads
// the bound session. Replay, expiry and malformed tokens all fail before any
// envelope is exchanged.
func (s *SessionStore) ExchangeUpgradeToken(ctx context.Context, token string) (*UpgradeGrant, error) {
	claims, err := security.VerifyUpgradeToken(security.Options{Secret: s.cfg.Secret}, token)
	if err != nil {
		return nil, errs.ErrUnauthorized.WithDetail(err.Error()).Wrap()
	}
	// GETDEL makes consumption atomic: a replayed token loses the race.
	n, err := s.rdb.GetDel(ctx, wsTokenKey(claims.TokenID)).Result()
	if errors.Is(err, redis.Nil) || (err == nil && n == "") {
		return nil, errs.ErrUnauthorized.WithDetail("upgrade token already used").Wrap()
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "consume upgrade token")
	}
	rec, err := s.Get(ctx, claims.UserID, claims.SessionID)
	if err != nil {
		return nil, err
	}
	logger.Debugf("[session] upgrade token exchanged user=%s session=%s", claims.UserID, claims.SessionID)
	return &UpgradeGrant{UserID: claims.UserID, SessionID: claims.SessionID, Record: rec}, nil
}
