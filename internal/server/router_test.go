package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/kavymi/palytt-monorepo-sub008/internal/auth"
	"github.com/kavymi/palytt-monorepo-sub008/internal/config"
	"github.com/kavymi/palytt-monorepo-sub008/internal/mw"
	"github.com/kavymi/palytt-monorepo-sub008/internal/service"
	"github.com/kavymi/palytt-monorepo-sub008/internal/store"
	"github.com/kavymi/palytt-monorepo-sub008/internal/ws"
)

const sweepKey = "let-me-sweep"

type testServer struct {
	engine *gin.Engine
	svc    *service.Services
	cfg    config.Config
}

func newTestServer(t *testing.T, limit rate.Limit, burst int) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	hash, err := auth.HashKey(sweepKey)
	require.NoError(t, err)
	cfg := config.Default()
	cfg.JWTSecret = "router-test-secret"
	cfg.SweepKeyHash = hash

	svc := service.New(store.New(), service.Options{})
	hub := ws.NewHub()
	t.Cleanup(hub.Close)
	limiter := mw.NewRateLimiter(limit, burst, time.Minute)
	return &testServer{engine: SetupRouter(cfg, svc, hub, limiter), svc: svc, cfg: cfg}
}

func (s *testServer) do(t *testing.T, actorID, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actorID != "" {
		token, err := auth.GenerateAccessToken(actorID, s.cfg.JWTSecret, time.Minute)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func (s *testServer) internal(t *testing.T, key, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("X-Sweep-Key", key)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, rate.Inf, 1)
	w := s.do(t, "", http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])
}

func TestAPI_RequiresToken(t *testing.T) {
	s := newTestServer(t, rate.Inf, 1)
	w := s.do(t, "", http.MethodGet, "/api/v1/notifications", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPresenceRoutes(t *testing.T) {
	s := newTestServer(t, rate.Inf, 1)

	w := s.do(t, "u1", http.MethodPost, "/api/v1/presence/heartbeat", map[string]string{"context": "feed"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, "u2", http.MethodGet, "/api/v1/presence/u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["found"])
	assert.Equal(t, true, body["presence"].(map[string]any)["is_online"])

	w = s.do(t, "u2", http.MethodGet, "/api/v1/presence/nobody", nil)
	assert.Equal(t, false, decode(t, w)["found"])

	w = s.do(t, "u2", http.MethodGet, "/api/v1/presence/online-count", nil)
	assert.EqualValues(t, 1, decode(t, w)["count"])

	w = s.do(t, "u1", http.MethodPut, "/api/v1/presence", map[string]string{"status": "sleeping"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, "u1", http.MethodPost, "/api/v1/presence/offline", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = s.do(t, "u2", http.MethodPost, "/api/v1/presence/online-friends", map[string]any{"actor_ids": []string{"u1"}})
	assert.Empty(t, decode(t, w)["presence"])
}

func TestTypingRoutes(t *testing.T) {
	s := newTestServer(t, rate.Inf, 1)

	require.Equal(t, http.StatusOK, s.do(t, "u1", http.MethodPost, "/api/v1/conversations/c1/typing", map[string]string{"display_name": "Ann"}).Code)
	w := s.do(t, "u1", http.MethodGet, "/api/v1/conversations/c1/typing?exclude_self=true", nil)
	assert.Empty(t, decode(t, w)["typing"])
	w = s.do(t, "u2", http.MethodGet, "/api/v1/conversations/c1/typing", nil)
	assert.Len(t, decode(t, w)["typing"], 1)

	w = s.do(t, "u1", http.MethodDelete, "/api/v1/conversations/c1/typing", nil)
	assert.Equal(t, true, decode(t, w)["removed"])
}

func TestNotificationRoutes(t *testing.T) {
	s := newTestServer(t, rate.Inf, 1)

	push := map[string]any{"recipient_id": "u1", "kind": "mention", "title": "hi", "source_id": "m1", "dedup": true}
	w := s.do(t, "svc", http.MethodPost, "/api/v1/notifications", push)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	first := decode(t, w)
	assert.Equal(t, true, first["created"])
	id := first["notification"].(map[string]any)["id"].(string)

	w = s.do(t, "svc", http.MethodPost, "/api/v1/notifications", push)
	assert.Equal(t, false, decode(t, w)["created"])

	w = s.do(t, "svc", http.MethodPost, "/api/v1/notifications", map[string]any{"recipient_id": "u1", "kind": "spam"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, "u1", http.MethodGet, "/api/v1/notifications/unread-count", nil)
	assert.EqualValues(t, 1, decode(t, w)["count"])
	w = s.do(t, "u2", http.MethodGet, "/api/v1/notifications/source/m1", nil)
	assert.Empty(t, decode(t, w)["notifications"])

	// 只有接收者能修改自己的通知
	w = s.do(t, "u2", http.MethodPost, "/api/v1/notifications/"+id+"/read", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = s.do(t, "u1", http.MethodPost, "/api/v1/notifications/"+id+"/read", nil)
	assert.Equal(t, true, decode(t, w)["changed"])

	w = s.do(t, "u1", http.MethodGet, "/api/v1/notifications/kind/mention", nil)
	assert.Len(t, decode(t, w)["notifications"], 1)
	w = s.do(t, "u1", http.MethodGet, "/api/v1/notifications/kind/nope", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, "u1", http.MethodDelete, "/api/v1/notifications", nil)
	assert.EqualValues(t, 1, decode(t, w)["removed"])
}

func TestReceiptRoutes(t *testing.T) {
	s := newTestServer(t, rate.Inf, 1)

	w := s.do(t, "u1", http.MethodPost, "/api/v1/receipts", map[string]string{"message_id": "m1", "conversation_id": "c1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, "u1", http.MethodPost, "/api/v1/conversations/c1/unread-count",
		map[string]any{"message_ids": []string{"m1", "m2", "m3"}, "author_ids": []string{"u2", "u2", "u1"}})
	assert.EqualValues(t, 1, decode(t, w)["count"])

	w = s.do(t, "u2", http.MethodGet, "/api/v1/messages/m1/receipts", nil)
	assert.Len(t, decode(t, w)["receipts"], 1)

	w = s.do(t, "u1", http.MethodGet, "/api/v1/conversations/c1/last-read", nil)
	assert.Equal(t, true, decode(t, w)["found"])
}

func TestGatheringRoutes(t *testing.T) {
	s := newTestServer(t, rate.Inf, 1)

	vote := func(actor, option string) int {
		return s.do(t, actor, http.MethodPut, "/api/v1/gatherings/g1/votes/venue", map[string]string{"option_id": option}).Code
	}
	require.Equal(t, http.StatusOK, vote("u1", "cafe"))
	require.Equal(t, http.StatusOK, vote("u2", "cafe"))
	require.Equal(t, http.StatusOK, vote("u3", "bar"))

	w := s.do(t, "u1", http.MethodGet, "/api/v1/gatherings/g1/leader", nil)
	leader := decode(t, w)["leaders"].(map[string]any)["venue"].(map[string]any)
	assert.Equal(t, "cafe", leader["option_id"])
	assert.EqualValues(t, 2, leader["count"])

	w = s.do(t, "u1", http.MethodGet, "/api/v1/gatherings/g1/votes/venue/cafe", nil)
	assert.Len(t, decode(t, w)["votes"], 2)
	w = s.do(t, "u3", http.MethodGet, "/api/v1/gatherings/g1/votes/mine", nil)
	assert.Len(t, decode(t, w)["votes"], 1)

	w = s.do(t, "u1", http.MethodPut, "/api/v1/gatherings/g1/votes/mood", map[string]string{"option_id": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// 普通用户只能撤回自己的选票，清空整个聚会走内部接口
	w = s.do(t, "u1", http.MethodDelete, "/api/v1/gatherings/g1/votes", nil)
	assert.EqualValues(t, 1, decode(t, w)["removed"])
	w = s.internal(t, sweepKey, http.MethodDelete, "/internal/gatherings/g1/votes", nil)
	assert.EqualValues(t, 2, decode(t, w)["removed"])
}

func TestSocialActionRoutes(t *testing.T) {
	s := newTestServer(t, rate.Inf, 1)
	ev := map[string]any{
		"source_id": "like-1", "activity_kind": "liked", "target_id": "p1",
		"recipient_id": "u2", "notification_kind": "post_like",
	}

	w := s.do(t, "u1", http.MethodPost, "/api/v1/social-actions", ev)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, decode(t, w)["notification_sent"])
	// 重试不产生重复记录
	w = s.do(t, "u1", http.MethodPost, "/api/v1/social-actions", ev)
	res := decode(t, w)
	assert.Equal(t, false, res["activity_added"])
	assert.Equal(t, false, res["notification_sent"])

	w = s.do(t, "u2", http.MethodPost, "/api/v1/activity/feed", map[string]any{"actor_ids": []string{"u1"}})
	assert.Len(t, decode(t, w)["activities"], 1)

	w = s.do(t, "u1", http.MethodDelete, "/api/v1/social-actions", ev)
	res = decode(t, w)
	assert.EqualValues(t, 1, res["activities_removed"])
	assert.EqualValues(t, 1, res["notifications_removed"])
}

func TestLeaderboardRoutes(t *testing.T) {
	s := newTestServer(t, rate.Inf, 1)

	incr := func(body map[string]any) int {
		return s.internal(t, sweepKey, http.MethodPost, "/internal/leaderboard/increment", body).Code
	}
	require.Equal(t, http.StatusOK, incr(map[string]any{"actor_id": "u1", "delta": 3}))
	require.Equal(t, http.StatusOK, incr(map[string]any{"actor_id": "u2"}))
	assert.Equal(t, http.StatusBadRequest, incr(map[string]any{"delta": 3}))

	w := s.do(t, "u1", http.MethodGet, "/api/v1/leaderboard/weekly?limit=1", nil)
	entries := decode(t, w)["entries"].([]any)
	require.Len(t, entries, 1)
	assert.Equal(t, "u1", entries[0].(map[string]any)["actor_id"])

	w = s.do(t, "u1", http.MethodGet, "/api/v1/leaderboard/yearly", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSweepRoute(t *testing.T) {
	s := newTestServer(t, rate.Inf, 1)
	sweep := func(job, key string) *httptest.ResponseRecorder {
		return s.internal(t, key, http.MethodPost, "/internal/sweep/"+job, nil)
	}

	assert.Equal(t, http.StatusForbidden, sweep(service.JobTyping, "").Code)
	assert.Equal(t, http.StatusForbidden, sweep(service.JobTyping, "wrong").Code)
	assert.Equal(t, http.StatusNotFound, sweep("everything", sweepKey).Code)

	w := sweep(service.JobTyping, sweepKey)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, decode(t, w)["affected"])
}

func TestCallerCannotActForOthers(t *testing.T) {
	s := newTestServer(t, rate.Inf, 1)
	for _, voter := range []string{"alice", "bob"} {
		w := s.do(t, voter, http.MethodPut, "/api/v1/gatherings/g1/votes/venue", map[string]string{"option_id": "cafe"})
		require.Equal(t, http.StatusOK, w.Code)
	}

	// actor 一律取自 token
	w := s.do(t, "mallory", http.MethodPost, "/api/v1/notifications",
		map[string]any{"recipient_id": "bob", "actor_id": "alice", "kind": "mention"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "mallory", decode(t, w)["notification"].(map[string]any)["actor_id"])

	w = s.do(t, "mallory", http.MethodDelete, "/api/v1/gatherings/g1/votes", nil)
	assert.EqualValues(t, 0, decode(t, w)["removed"])
	assert.Equal(t, 2, s.svc.Gatherings.Tallies("g1").TotalVoters)

	w = s.do(t, "mallory", http.MethodPost, "/api/v1/leaderboard/increment", map[string]any{"delta": 1000000})
	assert.Equal(t, http.StatusNotFound, w.Code)
	_, ok := s.svc.Leaderboard.Get("mallory")
	assert.False(t, ok)

	// 内部接口不接受用户 token
	w = s.do(t, "mallory", http.MethodDelete, "/internal/gatherings/g1/votes", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = s.internal(t, sweepKey, http.MethodPost, "/internal/notifications",
		map[string]any{"recipient_id": "bob", "actor_id": "alice", "kind": "mention"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", decode(t, w)["notification"].(map[string]any)["actor_id"])
}

func TestRateLimitPerActor(t *testing.T) {
	s := newTestServer(t, rate.Every(time.Hour), 2)
	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, s.do(t, "u1", http.MethodGet, "/api/v1/notifications", nil).Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, s.do(t, "u1", http.MethodGet, "/api/v1/notifications", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, "u2", http.MethodGet, "/api/v1/notifications", nil).Code)
}
