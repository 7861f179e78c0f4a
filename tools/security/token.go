package security

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/Blazheiko/partygate/tools/ids"
)

// Options controls signing and TTL.
type Options struct {
	Secret []byte        // HMAC key (production: ENV/KMS)
	Alg    string        // HS256/HS384/HS512 (default HS256)
	TTL    time.Duration // token validity (default 30s for upgrade tokens)
}

func DefaultOptions(secret []byte) Options {
	return Options{Secret: secret, Alg: "HS256", TTL: 30 * time.Second}
}

// UpgradeClaims is what a one-time WebSocket upgrade token carries.
type UpgradeClaims struct {
	UserID    string
	SessionID string
	TokenID   string // jti, consumed exactly once by the store
}

func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// GenerateUpgradeToken signs a short-lived token binding (userID, sessionID).
// The jti is returned so the caller can register it for one-time use.
func GenerateUpgradeToken(opts Options, userID, sessionID string) (token, tokenID string, expireAt time.Time, err error) {
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return "", "", time.Time{}, err
	}
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Second
	}
	now := time.Now()
	exp := now.Add(opts.TTL)
	jti := ids.NewTokenID()

	claims := jwtlib.MapClaims{
		"sub": userID,
		"sid": sessionID,
		"jti": jti,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": exp.Unix(),
	}

	tok := jwtlib.NewWithClaims(method, claims)
	signed, err := tok.SignedString(opts.Secret)
	if err != nil {
		return "", "", time.Time{}, err
	}
	return signed, jti, exp, nil
}

// VerifyUpgradeToken checks signature and expiry and extracts the claims.
// One-time-use enforcement happens against the store, not here.
func VerifyUpgradeToken(opts Options, token string) (*UpgradeClaims, error) {
	if _, err := signingMethod(opts.Alg); err != nil {
		return nil, err
	}
	parsed, err := jwtlib.Parse(token, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return opts.Secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	claims, ok := parsed.Claims.(jwtlib.MapClaims)
	if !ok {
		return nil, errors.New("claims type mismatch")
	}

	out := &UpgradeClaims{}
	if out.UserID, ok = claims["sub"].(string); !ok || out.UserID == "" {
		return nil, errors.New("missing sub claim")
	}
	if out.SessionID, ok = claims["sid"].(string); !ok || out.SessionID == "" {
		return nil, errors.New("missing sid claim")
	}
	if out.TokenID, ok = claims["jti"].(string); !ok || out.TokenID == "" {
		return nil, errors.New("missing jti claim")
	}
	return out, nil
}

func signingMethod(alg string) (jwtlib.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwtlib.SigningMethodHS256, nil
	case "HS384":
		return jwtlib.SigningMethodHS384, nil
	case "HS512":
		return jwtlib.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("unsupported alg: %s (use HS256/HS384/HS512)", alg)
	}
}
