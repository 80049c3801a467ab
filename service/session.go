package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/Fuzztrack/prout-app-sub000/model"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// SessionConfig 一个会话用到的全部配置
type SessionConfig struct {
	Engine   EngineConfig
	Store    StoreConfig
	Dispatch DispatchConfig
	Matcher  MatcherConfig
}

// DefaultSessionConfig 默认配置
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Engine:   DefaultEngineConfig(),
		Store:    DefaultStoreConfig(),
		Dispatch: DefaultDispatchConfig(),
		Matcher:  DefaultMatcherConfig(),
	}
}

// SessionDeps 会话的外部依赖
type SessionDeps struct {
	Directory Directory
	Feed      func(accessToken string) RealtimeFeed
	Snapshots SnapshotStore
	Gateway   NotificationGateway
	Clock     clock.Clock
	Metrics   *Metrics
	// Authenticate 校验访问令牌并返回 owner id
	Authenticate func(accessToken string) (uuid.UUID, error)
	// OnChange 每次 store 变更后调用（推送给 UI）
	OnChange func(ownerID uuid.UUID, change StoreChange)
	// Notifier 未读标记的实时推送（可选）
	Notifier HubNotifier
}

// Session 一个已登录用户的全部运行时状态
type Session struct {
	UserID        uuid.UUID
	Store         *RelationshipStore
	Engine        *ReconciliationEngine
	Matcher       *PhoneMatcher
	Dispatch      *DispatchController
	Relationships *RelationshipService
	Invitations   *InvitationResolver
	Reveals       *IdentityRevealProtocol
	Notifications *NotificationService
	Contacts      *ContactBook

	gateway NotificationGateway
	clock   clock.Clock
}

// PingResult 一次 ping 的结果
type PingResult struct {
	Sent     bool                       `json:"sent"`
	Decision Decision                   `json:"decision"`
	Outcome  Outcome                    `json:"outcome,omitempty"`
	Pending  *model.PendingNotification `json:"pending,omitempty"`
}

// SendPing 闸门检查 -> 网关 -> 结果分类 -> 冷却记账 -> 未读标记
func (s *Session) SendPing(ctx context.Context, recipient uuid.UUID, soundKey, text string) (PingResult, error) {
	if recipient == uuid.Nil || recipient == s.UserID {
		return PingResult{}, invalid("recipient", "invalid")
	}
	soundKey = strings.TrimSpace(soundKey)
	if soundKey == "" {
		return PingResult{}, invalid("sound_key", "required")
	}
	shortText, err := NormalizeShortText(text)
	if err != nil {
		return PingResult{}, err
	}

	dec := s.Dispatch.CanSend(ctx, recipient)
	if !dec.Allow {
		return PingResult{Decision: dec}, nil
	}

	peer, _ := s.Store.Profile(recipient)
	me, _ := s.Store.Profile(s.UserID)
	token := strings.TrimSpace(peer.Token())
	req := PingRequest{
		Token:    token,
		Sender:   me.Pseudo,
		ProutKey: soundKey,
	}
	if peer.Platform != nil {
		req.Platform = *peer.Platform
	}
	req.ExtraData = map[string]interface{}{"senderId": s.UserID.String()}
	if shortText != nil {
		req.ExtraData["text"] = *shortText
	}

	sendErr := s.gateway.Ping(ctx, req)
	outcome := Classify(sendErr)
	s.Dispatch.RecordOutcome(model.DispatchAttempt{RecipientID: recipient, Token: token, Outcome: string(outcome)})

	result := PingResult{Decision: dec, Outcome: outcome}
	if outcome != OutcomeSuccess {
		log.Printf("[WARN] Ping to %s failed (%s): %v", recipient, outcome, sendErr)
		return result, nil
	}
	result.Sent = true

	s.Engine.Touch(ctx, recipient, s.clock.Now())
	pending, err := s.Notifications.CreatePendingNotification(ctx, s.UserID, recipient, shortText)
	if err != nil {
		// ping 已经送达，未读标记只是辅助信息
		log.Printf("[ERROR] Failed to record pending notification for %s: %v", recipient, err)
	}
	result.Pending = pending
	return result, nil
}

// SetZenMode 设置本机 zen 模式
func (s *Session) SetZenMode(on bool) {
	s.Dispatch.SetZenMode(on)
}

// UpdateContacts 上传通讯录号码，下一次轮询时解析
func (s *Session) UpdateContacts(numbers []string) {
	s.Contacts.Set(numbers)
	s.Engine.PollNow()
}

// ConsumePending 读取并删除发给我的未读 ping
func (s *Session) ConsumePending(ctx context.Context) ([]model.PendingNotification, error) {
	return s.Notifications.ConsumePendingNotifications(ctx, s.UserID)
}

// ============================================
// SessionManager
// ============================================

// SessionManager 管理当前登录的会话，同一时刻只有一个
type SessionManager struct {
	deps SessionDeps
	cfg  SessionConfig

	mu      sync.Mutex
	current *Session
}

func NewSessionManager(deps SessionDeps, cfg SessionConfig) *SessionManager {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}
	return &SessionManager{deps: deps, cfg: cfg}
}

// SignIn 校验令牌，拆除旧会话，然后冷启动新会话
func (m *SessionManager) SignIn(ctx context.Context, accessToken string) (*Session, ColdLoadReport, error) {
	if m.deps.Authenticate == nil {
		return nil, ColdLoadReport{}, fmt.Errorf("no authenticator configured")
	}
	userID, err := m.deps.Authenticate(accessToken)
	if err != nil {
		return nil, ColdLoadReport{}, invalid("token", err.Error())
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.stopLocked()
	}

	sess := m.build(userID, accessToken)
	report, err := sess.Engine.Start(ctx)
	if err != nil {
		return nil, report, fmt.Errorf("failed to start session: %w", err)
	}
	m.current = sess
	log.Printf("[INFO] Session started for %s (snapshot=%s, refreshed=%v)", userID, report.Snapshot, report.Refreshed)
	return sess, report, nil
}

func (m *SessionManager) build(userID uuid.UUID, accessToken string) *Session {
	store := NewRelationshipStore(m.deps.Clock, m.cfg.Store)
	if m.deps.OnChange != nil {
		onChange := m.deps.OnChange
		store.Subscribe(func(ch StoreChange) { onChange(userID, ch) })
	}

	var feed RealtimeFeed
	if m.deps.Feed != nil {
		feed = m.deps.Feed(accessToken)
	}
	contacts := &ContactBook{}
	matcher := NewPhoneMatcher(m.deps.Directory, m.cfg.Matcher)
	engine := NewReconciliationEngine(userID, EngineDeps{
		Store:     store,
		Directory: m.deps.Directory,
		Feed:      feed,
		Snapshots: m.deps.Snapshots,
		Matcher:   matcher,
		Contacts:  contacts,
		Clock:     m.deps.Clock,
		Metrics:   m.deps.Metrics,
		Grace:     m.cfg.Store.Grace,
	}, m.cfg.Engine)

	rel := NewRelationshipService(engine, m.deps.Directory)
	notifications := NewNotificationService(m.deps.Directory)
	if m.deps.Notifier != nil {
		notifications.SetHubNotifier(m.deps.Notifier)
	}

	return &Session{
		UserID:        userID,
		Store:         store,
		Engine:        engine,
		Matcher:       matcher,
		Dispatch:      NewDispatchController(userID, store, m.deps.Directory, m.deps.Clock, m.cfg.Dispatch, m.deps.Metrics),
		Relationships: rel,
		Invitations:   NewInvitationResolver(engine, m.deps.Directory, rel, matcher),
		Reveals:       NewIdentityRevealProtocol(engine, m.deps.Directory),
		Notifications: notifications,
		Contacts:      contacts,
		gateway:       m.deps.Gateway,
		clock:         m.deps.Clock,
	}
}

// SignOut 原子地拆除当前会话
func (m *SessionManager) SignOut() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

func (m *SessionManager) stopLocked() {
	if m.current == nil {
		return
	}
	m.current.Engine.Stop()
	m.current.Dispatch.Reset()
	log.Printf("[INFO] Session stopped for %s", m.current.UserID)
	m.current = nil
}

// Current 当前会话
func (m *SessionManager) Current() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil, ErrNotSignedIn
	}
	return m.current, nil
}

// For 返回属于 userID 的当前会话
func (m *SessionManager) For(userID uuid.UUID) (*Session, error) {
	sess, err := m.Current()
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, ErrNotSignedIn
	}
	return sess, nil
}
