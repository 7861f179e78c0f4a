package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/Blazheiko/partygate/service/gateway"
	"github.com/Blazheiko/partygate/service/storage"
	errs "github.com/Blazheiko/partygate/tools/errs"
)

type fakeSessions struct {
	recs map[string]*storage.SessionRecord // userID|sessionID
}

func (f *fakeSessions) Get(_ context.Context, userID, sessionID string) (*storage.SessionRecord, error) {
	rec, ok := f.recs[userID+"|"+sessionID]
	if !ok {
		return nil, errs.ErrSessionExpired.Wrap()
	}
	return rec, nil
}

// guardedRouter mounts a user-guarded HTTP row behind the header auth
// middleware, the same pipeline main wires up.
func guardedRouter(t *testing.T, sessions sessionGetter) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	root := &gateway.Group{
		Prefix: "api",
		Groups: []*gateway.Group{
			{
				Prefix:      "party",
				Middlewares: []gateway.Middleware{requireUser},
				Routes: []*gateway.Route{
					{
						Method: "GET",
						URL:    "info/:id",
						Handler: func(c *gateway.Context) (any, error) {
							return map[string]any{"id": c.Params["id"], "user": c.Caller.UserID}, nil
						},
					},
				},
			},
		},
	}
	table, err := gateway.BuildTable(root)
	if err != nil {
		t.Fatalf("BuildTable: %v", err)
	}
	r := gin.New()
	disp := gateway.NewDispatcher(table, gateway.NewAdmission(nil), false)
	gateway.MountHTTP(r.Group("/", sessionHeaderAuth(sessions)), disp)
	return r
}

func getWithHeaders(r *gin.Engine, path string, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	req := httptest.NewRequest("GET", path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	out := map[string]any{}
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func TestGuardedHTTPRouteWithSessionHeaders(t *testing.T) {
	t.Parallel()

	r := guardedRouter(t, &fakeSessions{recs: map[string]*storage.SessionRecord{
		"u1|s1": {UserID: "u1"},
	}})

	w, out := getWithHeaders(r, "/api/party/info/p1", map[string]string{
		"X-User-Id":    "u1",
		"X-Session-Id": "s1",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d body=%s", w.Code, w.Body.String())
	}
	payload, _ := out["payload"].(map[string]any)
	if payload["id"] != "p1" || payload["user"] != "u1" {
		t.Errorf("payload = %v", out)
	}
}

func TestGuardedHTTPRouteAnonymousRejected(t *testing.T) {
	t.Parallel()

	r := guardedRouter(t, &fakeSessions{recs: map[string]*storage.SessionRecord{}})
	w, _ := getWithHeaders(r, "/api/party/info/p1", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("code = %d, want 401", w.Code)
	}
}

func TestGuardedHTTPRouteBadSessionRejected(t *testing.T) {
	t.Parallel()

	r := guardedRouter(t, &fakeSessions{recs: map[string]*storage.SessionRecord{}})
	w, _ := getWithHeaders(r, "/api/party/info/p1", map[string]string{
		"X-User-Id":    "u1",
		"X-Session-Id": "expired",
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("code = %d, want 401", w.Code)
	}
}
