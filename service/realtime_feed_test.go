package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Fuzztrack/prout-app-sub000/model"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// feedServer 模拟实时推送服务：校验订阅消息后推送一条变更
func feedServer(t *testing.T, owner uuid.UUID, edge model.RelationshipEdge, connects *int32) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(connects, 1)
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub struct {
			Type string `json:"type"`
			Data struct {
				Tables  []string  `json:"tables"`
				OwnerID uuid.UUID `json:"owner_id"`
			} `json:"data"`
		}
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		if sub.Type != "subscribe" || sub.Data.OwnerID != owner {
			conn.WriteJSON(map[string]interface{}{"type": "error", "data": "bad subscribe"})
			return
		}

		row, _ := json.Marshal(edge)
		ev := model.ChangeEvent{Table: "relationship_edges", Type: model.ChangeInsert, New: row, CommitTimestamp: time.Now()}
		conn.WriteJSON(map[string]interface{}{"type": "heartbeat"})
		conn.WriteJSON(map[string]interface{}{"type": "change", "data": ev})

		// 保持连接直到客户端关闭
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func TestWebsocketFeed_Subscribe(t *testing.T) {
	owner, peer := uuid.New(), uuid.New()
	edge := model.RelationshipEdge{ID: uuid.New(), OwnerID: peer, PeerID: owner, Status: model.StatusPending, Method: model.MethodSearch}
	var connects int32
	srv := feedServer(t, owner, edge, &connects)
	defer srv.Close()

	feed := NewWebsocketFeed("ws"+strings.TrimPrefix(srv.URL, "http"), "secret")
	ctx, cancel := context.WithCancel(context.Background())
	events, err := feed.Subscribe(ctx, owner)
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, "relationship_edges", ev.Table)
		assert.Equal(t, model.ChangeInsert, ev.Type)
		var got model.RelationshipEdge
		require.NoError(t, json.Unmarshal(ev.New, &got))
		assert.Equal(t, edge.Key(), got.Key())
	case <-time.After(3 * time.Second):
		t.Fatal("没有收到变更事件")
	}

	cancel()
	select {
	case _, ok := <-events:
		for ok {
			_, ok = <-events
		}
	case <-time.After(3 * time.Second):
		t.Fatal("ctx 结束后通道应关闭")
	}
}

// TestWebsocketFeed_Reconnects 断线后按间隔重连
func TestWebsocketFeed_Reconnects(t *testing.T) {
	var connects int32
	srv := feedServer(t, uuid.New(), model.RelationshipEdge{}, &connects)
	defer srv.Close()

	feed := NewWebsocketFeed("ws"+strings.TrimPrefix(srv.URL, "http"), "wrong")
	feed.ReconnectDelay = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := feed.Subscribe(ctx, uuid.New())
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&connects) >= 3 }, 2*time.Second, 10*time.Millisecond)
}
