package service

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/Fuzztrack/prout-app-sub000/model"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// DenyReason 拒绝发送的原因
type DenyReason string

const (
	DenySenderZen    DenyReason = "sender_zen"
	DenyRecipientZen DenyReason = "recipient_zen"
	DenyMuted        DenyReason = "muted"
	DenyNoToken      DenyReason = "no_token"
	DenyUnroutable   DenyReason = "unroutable"
	DenyCooldown     DenyReason = "cooldown"
)

// Decision CanSend 的结果
type Decision struct {
	Allow  bool       `json:"allow"`
	Reason DenyReason `json:"reason,omitempty"`
}

func allow() Decision                 { return Decision{Allow: true} }
func deny(reason DenyReason) Decision { return Decision{Reason: reason} }

// DispatchConfig 发送闸门配置
type DispatchConfig struct {
	Cooldown         time.Duration
	RateLimitBackoff time.Duration
}

// DefaultDispatchConfig 默认 2s 冷却，限流后 30s
func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		Cooldown:         2 * time.Second,
		RateLimitBackoff: 30 * time.Second,
	}
}

type purgedToken struct {
	token string
	at    time.Time
}

// DispatchController 决定能否向某个接收者发送 ping，并根据网关结果维护冷却
// 冷却表只归它所有，ReconciliationEngine 不读取
type DispatchController struct {
	me      uuid.UUID
	store   *RelationshipStore
	mutes   MuteChecker
	clock   clock.Clock
	cfg     DispatchConfig
	metrics *Metrics

	mu       sync.Mutex
	localZen bool
	until    map[uuid.UUID]time.Time // 冷却截止时间
	prev     map[uuid.UUID]time.Time // 本次记录之前的截止时间，致命结果时回滚
	purged   map[uuid.UUID]purgedToken
}

func NewDispatchController(me uuid.UUID, store *RelationshipStore, mutes MuteChecker, clk clock.Clock, cfg DispatchConfig, metrics *Metrics) *DispatchController {
	if clk == nil {
		clk = clock.New()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &DispatchController{
		me:      me,
		store:   store,
		mutes:   mutes,
		clock:   clk,
		cfg:     cfg,
		metrics: metrics,
		until:   make(map[uuid.UUID]time.Time),
		prev:    make(map[uuid.UUID]time.Time),
		purged:  make(map[uuid.UUID]purgedToken),
	}
}

// SetZenMode 本机 zen 模式
func (d *DispatchController) SetZenMode(on bool) {
	d.mu.Lock()
	d.localZen = on
	d.mu.Unlock()
}

func (d *DispatchController) senderZen() bool {
	d.mu.Lock()
	on := d.localZen
	d.mu.Unlock()
	if on {
		return true
	}
	p, ok := d.store.Profile(d.me)
	return ok && p.IsZenMode
}

// CanSend 按顺序检查闸门，第一个命中的拒绝生效；允许时立即记录冷却
func (d *DispatchController) CanSend(ctx context.Context, recipient uuid.UUID) Decision {
	dec := d.canSend(ctx, recipient)
	result := "allow"
	if !dec.Allow {
		result = string(dec.Reason)
	}
	d.metrics.Decisions.WithLabelValues(result).Inc()
	return dec
}

func (d *DispatchController) canSend(ctx context.Context, recipient uuid.UUID) Decision {
	if d.senderZen() {
		return deny(DenySenderZen)
	}

	view := d.store.View(d.me, recipient)
	if view.AppearsZen() {
		return deny(DenyRecipientZen)
	}

	// 远端实时查询；失败时沿用缓存（缓存里的静音已在上一步体现为 zen）
	if d.mutes != nil {
		muted, err := d.mutes.IsMutedBy(ctx, recipient, d.me)
		if err != nil {
			log.Printf("[WARN] dispatch: mute check for %s failed, using cached state: %v", recipient, err)
		} else if muted {
			return deny(DenyMuted)
		}
	}

	token := strings.TrimSpace(view.Peer.Token())
	if token == "" {
		return deny(DenyNoToken)
	}

	now := d.clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	if p, ok := d.purged[recipient]; ok {
		if view.Peer.RefreshedAt.After(p.at) && token != p.token {
			delete(d.purged, recipient)
		} else {
			return deny(DenyUnroutable)
		}
	}

	if until, ok := d.until[recipient]; ok && now.Before(until) {
		return deny(DenyCooldown)
	}
	d.prev[recipient] = d.until[recipient]
	d.until[recipient] = now.Add(d.cfg.Cooldown)
	return allow()
}

// RecordOutcome 根据网关结果调整冷却
func (d *DispatchController) RecordOutcome(attempt model.DispatchAttempt) {
	outcome := Outcome(attempt.Outcome)
	d.metrics.Outcomes.WithLabelValues(string(outcome)).Inc()
	now := d.clock.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	switch outcome {
	case OutcomeSuccess:
	case OutcomeRateLimited:
		if next := now.Add(d.cfg.RateLimitBackoff); next.After(d.until[attempt.RecipientID]) {
			d.until[attempt.RecipientID] = next
		}
	case OutcomeTransportError:
		delete(d.until, attempt.RecipientID)
	case OutcomeAppUninstalled:
		if prev, ok := d.prev[attempt.RecipientID]; ok && !prev.IsZero() {
			d.until[attempt.RecipientID] = prev
		} else {
			delete(d.until, attempt.RecipientID)
		}
		d.purged[attempt.RecipientID] = purgedToken{token: strings.TrimSpace(attempt.Token), at: now}
		log.Printf("[WARN] dispatch: %s removed from routable set (app uninstalled)", attempt.RecipientID)
	default:
		log.Printf("[WARN] dispatch: unknown outcome %q for %s", attempt.Outcome, attempt.RecipientID)
	}
	delete(d.prev, attempt.RecipientID)
}

// Routable 接收者当前是否可投递（未因卸载被剔除）
func (d *DispatchController) Routable(recipient uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, purged := d.purged[recipient]
	return !purged
}

// Reset 清空冷却和剔除表（登出）
func (d *DispatchController) Reset() {
	d.mu.Lock()
	d.until = make(map[uuid.UUID]time.Time)
	d.prev = make(map[uuid.UUID]time.Time)
	d.purged = make(map[uuid.UUID]purgedToken)
	d.localZen = false
	d.mu.Unlock()
}
