package service

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/Fuzztrack/prout-app-sub000/model"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// RealtimeFeed 行级变更推送流，按 owner 过滤
type RealtimeFeed interface {
	Subscribe(ctx context.Context, ownerID uuid.UUID) (<-chan model.ChangeEvent, error)
}

// FeedTables 订阅的表
var FeedTables = []string{"relationship_edges", "identity_reveals", "profiles"}

// wsEnvelope 推送协议的消息格式 {"type": ..., "data": ...}
type wsEnvelope struct {
	Type string          `json:"type"` // 'subscribe' | 'change' | 'heartbeat' | 'error'
	Data json.RawMessage `json:"data,omitempty"`
}

// WebsocketFeed 基于 WebSocket 的实时变更客户端，断线后自动重连
type WebsocketFeed struct {
	URL            string
	Token          string
	Dialer         *websocket.Dialer
	ReconnectDelay time.Duration
	HeartbeatEvery time.Duration
}

func NewWebsocketFeed(url, token string) *WebsocketFeed {
	return &WebsocketFeed{
		URL:            url,
		Token:          token,
		Dialer:         websocket.DefaultDialer,
		ReconnectDelay: 3 * time.Second,
		HeartbeatEvery: 25 * time.Second,
	}
}

// Subscribe 建立订阅；返回的通道在 ctx 结束后关闭
func (f *WebsocketFeed) Subscribe(ctx context.Context, ownerID uuid.UUID) (<-chan model.ChangeEvent, error) {
	out := make(chan model.ChangeEvent, 256)
	go func() {
		defer close(out)
		for {
			if err := f.run(ctx, ownerID, out); err != nil && ctx.Err() == nil {
				log.Printf("[ERROR] Realtime feed disconnected: %v", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(f.ReconnectDelay):
			}
		}
	}()
	return out, nil
}

func (f *WebsocketFeed) run(ctx context.Context, ownerID uuid.UUID, out chan<- model.ChangeEvent) error {
	header := http.Header{}
	if f.Token != "" {
		header.Set("Authorization", "Bearer "+f.Token)
	}
	conn, _, err := f.Dialer.DialContext(ctx, f.URL, header)
	if err != nil {
		return err
	}

	var writeMu sync.Mutex
	write := func(v interface{}) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(v)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		conn.Close()
	}()

	subscribe := map[string]interface{}{
		"type": "subscribe",
		"data": map[string]interface{}{
			"tables":   FeedTables,
			"owner_id": ownerID,
		},
	}
	if err := write(subscribe); err != nil {
		return err
	}

	go func() {
		ticker := time.NewTicker(f.HeartbeatEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := write(map[string]interface{}{"type": "heartbeat"}); err != nil {
					return
				}
			}
		}
	}()

	for {
		var msg wsEnvelope
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		switch msg.Type {
		case "change":
			var ev model.ChangeEvent
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				log.Printf("[ERROR] Invalid change event: %v", err)
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return nil
			}
		case "error":
			log.Printf("[ERROR] Realtime feed error: %s", string(msg.Data))
		}
	}
}
