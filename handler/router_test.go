package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Fuzztrack/prout-app-sub000/middleware"
	"github.com/Fuzztrack/prout-app-sub000/model"
	"github.com/Fuzztrack/prout-app-sub000/service"
	"github.com/Fuzztrack/prout-app-sub000/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubGateway struct {
	mu    sync.Mutex
	count int
}

func (g *stubGateway) Ping(ctx context.Context, req service.PingRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.count++
	return nil
}

type apiFixture struct {
	me, peer uuid.UUID
	token    string
	dir      *service.MemoryDirectory
	gateway  *stubGateway
	hub      *Hub
	mgr      *service.SessionManager
	router   *gin.Engine
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	middleware.InitAuth("test-secret")

	f := &apiFixture{
		me:      uuid.New(),
		peer:    uuid.New(),
		dir:     service.NewMemoryDirectory(),
		gateway: &stubGateway{},
		hub:     NewHub(),
	}
	meToken, peerToken := "ExponentPushToken[me]", "ExponentPushToken[peer]"
	require.NoError(t, f.dir.PutProfile(model.Profile{ID: f.me, Pseudo: "moi", PushToken: &meToken}))
	require.NoError(t, f.dir.PutProfile(model.Profile{ID: f.peer, Pseudo: "copain", PushToken: &peerToken}))
	f.dir.PutEdge(model.RelationshipEdge{OwnerID: f.me, PeerID: f.peer, Status: model.StatusAccepted, Method: model.MethodSearch})
	f.dir.PutEdge(model.RelationshipEdge{OwnerID: f.peer, PeerID: f.me, Status: model.StatusAccepted, Method: model.MethodSearch})

	var err error
	f.token, err = middleware.IssueToken(f.me, time.Hour)
	require.NoError(t, err)

	db, err := utils.OpenBadger("")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f.mgr = service.NewSessionManager(service.SessionDeps{
		Directory:    f.dir,
		Feed:         func(string) service.RealtimeFeed { return f.dir },
		Snapshots:    service.NewBadgerSnapshotStore(db),
		Gateway:      f.gateway,
		Authenticate: middleware.ValidateToken,
		OnChange:     f.hub.PublishChange,
		Notifier:     f.hub,
	}, service.DefaultSessionConfig())
	t.Cleanup(f.mgr.SignOut)

	f.router = NewRouter(f.mgr, f.hub, prometheus.NewRegistry())
	return f
}

// do 发请求并解析统一响应
func (f *apiFixture) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, utils.Response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var resp utils.Response
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func (f *apiFixture) signIn(t *testing.T) {
	t.Helper()
	w, resp := f.do(t, http.MethodPost, "/api/v1/session", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 0, resp.Code)
}

func TestRouter_Health(t *testing.T) {
	f := newAPIFixture(t)
	f.token = ""

	w, _ := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

// TestRouter_Auth 没有令牌或令牌无效时 401
func TestRouter_Auth(t *testing.T) {
	f := newAPIFixture(t)

	f.token = ""
	w, resp := f.do(t, http.MethodGet, "/api/v1/friends", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, http.StatusUnauthorized, resp.Code, "业务码与 HTTP 状态一致")

	f.token = "not-a-jwt"
	w, _ = f.do(t, http.MethodGet, "/api/v1/friends", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// TestRouter_NotSignedIn 令牌有效但没有登录会话
func TestRouter_NotSignedIn(t *testing.T) {
	f := newAPIFixture(t)

	w, _ := f.do(t, http.MethodGet, "/api/v1/session/state", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// 另一个用户的令牌访问不到当前会话
	f.signIn(t)
	other, err := middleware.IssueToken(uuid.New(), time.Hour)
	require.NoError(t, err)
	f.token = other
	w, _ = f.do(t, http.MethodGet, "/api/v1/friends", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// TestRouter_SessionLifecycle 登录、读取状态、登出
func TestRouter_SessionLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	f.signIn(t)

	w, resp := f.do(t, http.MethodGet, "/api/v1/session/state", nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := resp.Data.(map[string]interface{})
	assert.Len(t, data["friends"], 1)

	w, resp = f.do(t, http.MethodGet, "/api/v1/friends", nil)
	require.Equal(t, http.StatusOK, w.Code)
	friends := resp.Data.(map[string]interface{})["friends"].([]interface{})
	require.Len(t, friends, 1)

	w, _ = f.do(t, http.MethodDelete, "/api/v1/session", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = f.do(t, http.MethodGet, "/api/v1/friends", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code, "登出后会话不存在")
}

// TestRouter_Ping 成功 200，冷却期内 429
func TestRouter_Ping(t *testing.T) {
	f := newAPIFixture(t)
	f.signIn(t)
	body := gin.H{"recipient_id": f.peer, "sound_key": "prout2", "text": "salut"}

	w, resp := f.do(t, http.MethodPost, "/api/v1/pings", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 0, resp.Code)

	w, resp = f.do(t, http.MethodPost, "/api/v1/pings", body)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "cooldown", resp.Message)

	f.gateway.mu.Lock()
	assert.Equal(t, 1, f.gateway.count, "冷却期内不调用网关")
	f.gateway.mu.Unlock()

	w, _ = f.do(t, http.MethodPost, "/api/v1/pings", gin.H{"recipient_id": f.peer})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = f.do(t, http.MethodPost, "/api/v1/pings", gin.H{"recipient_id": f.peer, "sound_key": "prout1", "text": strings.Repeat("x", 61)})
	assert.Equal(t, http.StatusBadRequest, w.Code, "文本过长")
}

// TestRouter_ErrorMapping 服务层错误映射为状态码
func TestRouter_ErrorMapping(t *testing.T) {
	f := newAPIFixture(t)
	f.signIn(t)

	w, _ := f.do(t, http.MethodPost, "/api/v1/friends/not-a-uuid/accept", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = f.do(t, http.MethodPost, "/api/v1/friends/"+uuid.NewString()+"/accept", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = f.do(t, http.MethodPost, "/api/v1/invitations", gin.H{"channel": "pseudo", "identifier": "personne"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, resp := f.do(t, http.MethodPost, "/api/v1/invitations", gin.H{"channel": "pseudo", "identifier": "copain"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, string(service.ConflictAlreadyFriends), resp.Data.(map[string]interface{})["reason"])

	w, _ = f.do(t, http.MethodPost, "/api/v1/reveals/"+f.peer.String()+"/request", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w, resp = f.do(t, http.MethodPost, "/api/v1/reveals/"+f.peer.String()+"/request", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, string(service.ConflictRevealPending), resp.Data.(map[string]interface{})["reason"])
}

// TestRouter_MuteAndBlock 关系操作返回更新后的视图
func TestRouter_MuteAndBlock(t *testing.T) {
	f := newAPIFixture(t)
	f.signIn(t)
	peer := f.peer.String()

	w, _ := f.do(t, http.MethodPost, "/api/v1/friends/"+peer+"/mute", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	remote, ok := f.dir.Edge(f.me, f.peer)
	require.True(t, ok)
	assert.True(t, remote.IsMuted)

	w, _ = f.do(t, http.MethodPost, "/api/v1/blocks/"+peer, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w, resp := f.do(t, http.MethodGet, "/api/v1/blocks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, resp.Data.(map[string]interface{})["blocked_users"], 1)

}

// TestRouter_ZenBlocksPing 开启 zen 后 ping 返回 403 和拒绝原因
func TestRouter_ZenBlocksPing(t *testing.T) {
	f := newAPIFixture(t)
	f.signIn(t)

	w, _ := f.do(t, http.MethodPut, "/api/v1/session/zen", gin.H{"enabled": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, resp := f.do(t, http.MethodPost, "/api/v1/pings", gin.H{"recipient_id": f.peer, "sound_key": "prout1"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, string(service.DenySenderZen), resp.Message)

	f.gateway.mu.Lock()
	assert.Zero(t, f.gateway.count)
	f.gateway.mu.Unlock()
}

// TestRouter_WebSocketSync UI 连接后请求全量同步
func TestRouter_WebSocketSync(t *testing.T) {
	f := newAPIFixture(t)
	f.signIn(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + f.token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(WSMessage{Type: EventSync}))
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg WSMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type != EventSync {
			continue
		}
		var state RelationshipState
		require.NoError(t, json.Unmarshal(msg.Data, &state))
		assert.Len(t, state.Friends, 1)
		assert.True(t, state.Status.Running)
		return
	}
}

// TestRouter_WebSocketRejectsBadToken 无效令牌不升级
func TestRouter_WebSocketRejectsBadToken(t *testing.T) {
	f := newAPIFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws?token=bad", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
