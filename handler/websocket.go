package handler

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/Fuzztrack/prout-app-sub000/middleware"
	"github.com/Fuzztrack/prout-app-sub000/service"
	"github.com/Fuzztrack/prout-app-sub000/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// 只有本机 UI 连接
		return true
	},
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// UI 推送的事件类型
const (
	EventRelationshipsUpdate = "relationships_update"
	EventPendingNotification = "pending_notification"
	EventSync                = "sync"
	EventError               = "error"
)

// Client WebSocket 客户端（一个 UI 窗口）
type Client struct {
	ID     uuid.UUID
	UserID uuid.UUID
	Conn   *websocket.Conn
	Send   chan []byte
	Hub    *Hub
	mu     sync.Mutex
	closed bool // Send channel 是否已关闭
}

// Hub 把关系存储的变更推送给 UI 连接
type Hub struct {
	// 在线用户 map[userID]map[clientID]*Client（支持多窗口）
	Clients map[uuid.UUID]map[uuid.UUID]*Client
	mu      sync.RWMutex

	// 最大连接数限制（每个用户）
	MaxConnectionsPerUser int

	// SyncState 客户端请求全量同步时调用，返回好友/请求列表
	SyncState func(userID uuid.UUID) (interface{}, error)
}

// WSMessage 客户端 <-> Hub 的消息格式
type WSMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewHub 创建 Hub
func NewHub() *Hub {
	return &Hub{
		Clients:               make(map[uuid.UUID]map[uuid.UUID]*Client),
		MaxConnectionsPerUser: 8,
	}
}

// Register 注册客户端，超过上限时拒绝
func (h *Hub) Register(client *Client) bool {
	h.mu.Lock()
	if h.Clients[client.UserID] == nil {
		h.Clients[client.UserID] = make(map[uuid.UUID]*Client)
	}

	if len(h.Clients[client.UserID]) >= h.MaxConnectionsPerUser {
		h.mu.Unlock() // 先释放锁，再进行网络操作

		log.Printf("[ERROR] User %s exceeds max connections (%d), rejecting client %s",
			client.UserID, h.MaxConnectionsPerUser, client.ID)

		if msg, err := encodeEvent(EventError, gin.H{
			"code":    "too_many_clients",
			"message": fmt.Sprintf("Maximum %d clients allowed", h.MaxConnectionsPerUser),
		}); err == nil {
			_ = client.Conn.WriteMessage(websocket.TextMessage, msg)
		}
		client.Conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "too many clients"))
		client.Conn.Close()
		return false
	}

	h.Clients[client.UserID][client.ID] = client
	count := len(h.Clients[client.UserID])
	h.mu.Unlock()

	log.Printf("User %s UI connected (client: %s), clients: %d", client.UserID, client.ID, count)
	return true
}

// Unregister 注销客户端
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	if userClients, ok := h.Clients[client.UserID]; ok {
		if _, found := userClients[client.ID]; found {
			delete(userClients, client.ID)
			if len(userClients) == 0 {
				delete(h.Clients, client.UserID)
			}
			log.Printf("User %s UI disconnected (client: %s), remaining: %d", client.UserID, client.ID, len(userClients))
		}
	}
	h.mu.Unlock()

	// 安全关闭 Send channel
	client.mu.Lock()
	if !client.closed {
		close(client.Send)
		client.closed = true
	}
	client.mu.Unlock()
}

// SendToUser 发送给用户的所有连接
func (h *Hub) SendToUser(userID uuid.UUID, message []byte) bool {
	h.mu.RLock()
	userClients := h.Clients[userID]
	clientsCopy := make([]*Client, 0, len(userClients))
	for _, client := range userClients {
		clientsCopy = append(clientsCopy, client)
	}
	h.mu.RUnlock()

	sentToAny := false
	for _, client := range clientsCopy {
		if client.trySend(message) {
			sentToAny = true
			continue
		}
		log.Printf("[ERROR] Send channel FULL: user=%s, client=%s, closing connection", userID, client.ID)
		go h.Unregister(client)
	}
	return sentToAny
}

// IsUserOnline 用户是否有 UI 连接
func (h *Hub) IsUserOnline(userID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.Clients[userID]) > 0
}

// SendNotification 推送未读 ping 标记
func (h *Hub) SendNotification(userID uuid.UUID, notification interface{}) bool {
	msg, err := encodeEvent(EventPendingNotification, notification)
	if err != nil {
		log.Printf("[ERROR] Failed to marshal notification: %v", err)
		return false
	}
	return h.SendToUser(userID, msg)
}

// changePayload relationships_update 事件的数据
type changePayload struct {
	Kind    service.ChangeKind `json:"kind"`
	OwnerID *uuid.UUID         `json:"owner_id,omitempty"`
	PeerID  *uuid.UUID         `json:"peer_id,omitempty"`
	Edge    interface{}        `json:"edge,omitempty"`
	Profile interface{}        `json:"profile,omitempty"`
	Reveal  interface{}        `json:"reveal,omitempty"`
}

// PublishChange 作为 SessionDeps.OnChange 使用：每次存储变更推送一次
func (h *Hub) PublishChange(ownerID uuid.UUID, change service.StoreChange) {
	if !h.IsUserOnline(ownerID) {
		return
	}
	p := changePayload{Kind: change.Kind}
	if change.Key.Owner != uuid.Nil {
		owner, peer := change.Key.Owner, change.Key.Peer
		p.OwnerID, p.PeerID = &owner, &peer
	}
	if change.Edge != nil {
		p.Edge = change.Edge
	}
	if change.Profile != nil {
		p.Profile = change.Profile
	}
	if change.Reveal != nil {
		p.Reveal = change.Reveal
	}
	msg, err := encodeEvent(EventRelationshipsUpdate, p)
	if err != nil {
		log.Printf("[ERROR] Failed to marshal relationships update: %v", err)
		return
	}
	h.SendToUser(ownerID, msg)
}

// CloseUser 断开用户的所有连接（登出时）
func (h *Hub) CloseUser(userID uuid.UUID) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.Clients[userID]))
	for _, c := range h.Clients[userID] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.Unregister(c)
	}
}

func encodeEvent(eventType string, data interface{}) ([]byte, error) {
	return json.Marshal(map[string]interface{}{"type": eventType, "data": data})
}

// HandleWebSocket 处理 UI 的 WebSocket 连接
func HandleWebSocket(hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := middleware.BearerToken(c)
		if !ok {
			utils.Unauthorized(c, "missing token")
			return
		}
		userID, err := middleware.ValidateToken(tokenString)
		if err != nil {
			utils.Unauthorized(c, "invalid token")
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Printf("[ERROR] WebSocket upgrade failed for user %s: %v", userID, err)
			return
		}

		client := &Client{
			ID:     uuid.New(),
			UserID: userID,
			Conn:   conn,
			Send:   make(chan []byte, 256),
			Hub:    hub,
		}
		if !hub.Register(client) {
			return
		}

		go client.readPump()
		go client.writePump()
	}
}

// readPump 从 WebSocket 读取消息
func (c *Client) readPump() {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure) {
				log.Printf("[ERROR] User %s WebSocket unexpected close error: %v", c.UserID, err)
			}
			break
		}

		var wsMsg WSMessage
		if err := json.Unmarshal(message, &wsMsg); err != nil {
			c.sendError("Invalid JSON format")
			continue
		}

		switch wsMsg.Type {
		case "heartbeat":
			c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		case EventSync:
			c.handleSync()
		default:
			c.sendError("unknown message type: " + wsMsg.Type)
		}
	}
}

// writePump 向 WebSocket 写入消息
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub 关闭了通道
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleSync 回一份全量状态，UI 重连后用
func (c *Client) handleSync() {
	if c.Hub.SyncState == nil {
		c.sendError("sync unavailable")
		return
	}
	state, err := c.Hub.SyncState(c.UserID)
	if err != nil {
		c.sendError(err.Error())
		return
	}
	msg, err := encodeEvent(EventSync, state)
	if err != nil {
		log.Printf("[ERROR] Failed to marshal sync state: %v", err)
		return
	}
	c.trySend(msg)
}

// trySend 非阻塞发送，通道已关闭或已满时返回 false
func (c *Client) trySend(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- msg:
		return true
	default:
		return false
	}
}

// sendError 发送错误消息给客户端
func (c *Client) sendError(errMsg string) {
	msg, err := encodeEvent(EventError, map[string]string{"message": errMsg})
	if err != nil {
		return
	}
	if !c.trySend(msg) {
		log.Printf("[ERROR] Failed to send error message to user %s: channel full", c.UserID)
	}
}
