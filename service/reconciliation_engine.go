package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Fuzztrack/prout-app-sub000/model"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// EngineConfig 对账引擎配置
type EngineConfig struct {
	PollInterval    time.Duration
	ColdLoadTimeout time.Duration
	SnapshotMaxAge  time.Duration
}

// DefaultEngineConfig 30s 轮询，冷启动最多等 8s，快照 24h 内有效
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		PollInterval:    30 * time.Second,
		ColdLoadTimeout: 8 * time.Second,
		SnapshotMaxAge:  24 * time.Hour,
	}
}

// ContactSource 设备通讯录（枚举本身在外部完成）
type ContactSource interface {
	PhoneNumbers(ctx context.Context) ([]string, error)
}

// ContactBook 由 UI 上传的通讯录号码
type ContactBook struct {
	mu      sync.RWMutex
	numbers []string
}

func (b *ContactBook) Set(numbers []string) {
	b.mu.Lock()
	b.numbers = append([]string(nil), numbers...)
	b.mu.Unlock()
}

func (b *ContactBook) PhoneNumbers(ctx context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.numbers...), nil
}

// ColdLoadResult 冷启动时快照的状态
type ColdLoadResult string

const (
	ColdLoadFresh   ColdLoadResult = "fresh"
	ColdLoadStale   ColdLoadResult = "stale"
	ColdLoadMissing ColdLoadResult = "missing"
)

// ColdLoadReport 冷启动结果
type ColdLoadReport struct {
	Snapshot  ColdLoadResult `json:"snapshot"`
	Seeded    int            `json:"seeded"`
	Refreshed bool           `json:"refreshed"`
	TimedOut  bool           `json:"timed_out"`
}

// EngineStatus 引擎当前状态
type EngineStatus struct {
	Running    bool      `json:"running"`
	Generation uint64    `json:"generation"`
	Trusted    bool      `json:"trusted"`
	LastPoll   time.Time `json:"last_poll"`
}

// Tag 一次本地乐观写
type Tag struct {
	Key    model.EdgeKey
	Epoch  uint64
	Result ApplyResult
}

type intent struct {
	gen  uint64
	fn   func()
	done chan struct{}
}

// ReconciliationEngine 把快照、轮询和实时推送三个来源合并到 RelationshipStore
// 所有对 store 的修改都通过 intents 通道在同一个协程里串行执行
type ReconciliationEngine struct {
	me        uuid.UUID
	store     *RelationshipStore
	dir       Directory
	feed      RealtimeFeed
	snapshots SnapshotStore
	matcher   *PhoneMatcher
	contacts  ContactSource
	clock     clock.Clock
	cfg       EngineConfig
	grace     time.Duration
	metrics   *Metrics

	intents    chan intent
	pollNow    chan struct{}
	generation atomic.Uint64
	trusted    atomic.Bool

	mu       sync.Mutex
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	retry    *clock.Timer
	lastPoll time.Time

	refreshMu sync.Mutex
}

// EngineDeps 引擎依赖
type EngineDeps struct {
	Store     *RelationshipStore
	Directory Directory
	Feed      RealtimeFeed
	Snapshots SnapshotStore
	Matcher   *PhoneMatcher
	Contacts  ContactSource
	Clock     clock.Clock
	Metrics   *Metrics
	Grace     time.Duration
}

func NewReconciliationEngine(me uuid.UUID, deps EngineDeps, cfg EngineConfig) *ReconciliationEngine {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}
	if deps.Grace <= 0 {
		deps.Grace = DefaultStoreConfig().Grace
	}
	return &ReconciliationEngine{
		me:        me,
		store:     deps.Store,
		dir:       deps.Directory,
		feed:      deps.Feed,
		snapshots: deps.Snapshots,
		matcher:   deps.Matcher,
		contacts:  deps.Contacts,
		clock:     deps.Clock,
		cfg:       cfg,
		grace:     deps.Grace,
		metrics:   deps.Metrics,
		intents:   make(chan intent, 256),
		pollNow:   make(chan struct{}, 1),
	}
}

// Me 会话 owner
func (e *ReconciliationEngine) Me() uuid.UUID { return e.me }

// Store 只读视图
func (e *ReconciliationEngine) Store() *RelationshipStore { return e.store }

// Generation 当前会话代数
func (e *ReconciliationEngine) Generation() uint64 { return e.generation.Load() }

// ============================================
// 生命周期
// ============================================

// Start 启动 actor、实时订阅和轮询，并执行一次有时间上限的冷启动
func (e *ReconciliationEngine) Start(ctx context.Context) (ColdLoadReport, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ColdLoadReport{}, errors.New("engine already running")
	}
	gen := e.generation.Add(1)
	runCtx, cancel := context.WithCancel(context.Background())
	e.ctx, e.cancel, e.running = runCtx, cancel, true
	e.trusted.Store(false)
	e.wg.Add(1)
	go e.run(runCtx)
	if e.feed != nil {
		e.wg.Add(1)
		go e.feedLoop(runCtx, gen)
	}
	e.mu.Unlock()

	report := e.coldLoad(ctx, gen)

	e.mu.Lock()
	if e.running && e.generation.Load() == gen {
		e.wg.Add(1)
		go e.pollLoop(runCtx, gen)
	}
	e.mu.Unlock()
	return report, nil
}

// Stop 原子地拆除会话：代数加一、取消所有协程并等待退出
// 之后到达的任何旧会话结果都会被丢弃
func (e *ReconciliationEngine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.generation.Add(1)
	e.running = false
	e.cancel()
	if e.retry != nil {
		e.retry.Stop()
		e.retry = nil
	}
	e.mu.Unlock()

	e.wg.Wait()
	e.trusted.Store(false)
}

// Status 引擎状态
func (e *ReconciliationEngine) Status() EngineStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return EngineStatus{
		Running:    e.running,
		Generation: e.generation.Load(),
		Trusted:    e.trusted.Load(),
		LastPoll:   e.lastPoll,
	}
}

// Trusted 是否已经有一次成功的远端刷新（或新鲜的快照）
func (e *ReconciliationEngine) Trusted() bool { return e.trusted.Load() }

func (e *ReconciliationEngine) run(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-e.intents:
			if it.gen == e.generation.Load() {
				it.fn()
			}
			if it.done != nil {
				close(it.done)
			}
		}
	}
}

func (e *ReconciliationEngine) runCtx() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx == nil {
		return nil
	}
	return e.ctx
}

// submit 投递到 actor，不等待
func (e *ReconciliationEngine) submit(gen uint64, fn func()) {
	rc := e.runCtx()
	if rc == nil {
		return
	}
	select {
	case e.intents <- intent{gen: gen, fn: fn}:
	case <-rc.Done():
	}
}

// DoGen 在 actor 上执行 fn 并等待；gen 不是当前代数时 fn 不会执行
func (e *ReconciliationEngine) DoGen(ctx context.Context, gen uint64, fn func()) error {
	rc := e.runCtx()
	if rc == nil || gen != e.generation.Load() {
		return ErrSessionClosed
	}
	ran := false
	it := intent{gen: gen, fn: func() { ran = true; fn() }, done: make(chan struct{})}
	select {
	case e.intents <- it:
	case <-rc.Done():
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-it.done:
	case <-rc.Done():
		return ErrSessionClosed
	}
	if !ran {
		return ErrSessionClosed
	}
	return nil
}

// Do 以当前代数在 actor 上执行 fn
func (e *ReconciliationEngine) Do(ctx context.Context, fn func()) error {
	return e.DoGen(ctx, e.generation.Load(), fn)
}

// ============================================
// 乐观写
// ============================================

// Optimistic 先在 actor 上应用本地乐观写，再调用远端
// 所有标记都是 no-op 时不调用远端；远端失败时按 epoch 回滚并返回错误；成功后 confirm 在 actor 上执行
func (e *ReconciliationEngine) Optimistic(ctx context.Context, local func(s *RelationshipStore) ([]Tag, error), remote func(ctx context.Context) error, confirm func(s *RelationshipStore)) (ApplyResult, error) {
	gen := e.generation.Load()

	var tags []Tag
	var localErr error
	if err := e.DoGen(ctx, gen, func() { tags, localErr = local(e.store) }); err != nil {
		return ApplyRejected, err
	}
	if localErr != nil {
		return ApplyRejected, localErr
	}

	result := ApplyNoop
	for _, t := range tags {
		e.metrics.Applies.WithLabelValues("intent", t.Result.String()).Inc()
		if t.Result == ApplyRejected {
			e.rollbackTags(ctx, gen, tags)
			return ApplyRejected, nil
		}
		if t.Result == ApplyChanged {
			result = ApplyChanged
		}
	}
	if result == ApplyNoop {
		return ApplyNoop, nil
	}

	if err := remote(ctx); err != nil {
		e.rollbackTags(ctx, gen, tags)
		return ApplyRejected, err
	}
	if confirm != nil {
		if err := e.DoGen(ctx, gen, func() { confirm(e.store) }); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (e *ReconciliationEngine) rollbackTags(ctx context.Context, gen uint64, tags []Tag) {
	e.DoGen(context.Background(), gen, func() {
		for i := len(tags) - 1; i >= 0; i-- {
			if e.store.Rollback(tags[i].Key, tags[i].Epoch) {
				e.metrics.Rollbacks.Inc()
			}
		}
	})
}

// ApplyRemote 在 actor 上应用一条远端返回的边
func (e *ReconciliationEngine) ApplyRemote(ctx context.Context, edge model.RelationshipEdge) ApplyResult {
	res := ApplyRejected
	gen := e.generation.Load()
	if err := e.DoGen(ctx, gen, func() { res = e.store.UpsertEdge(edge) }); err != nil {
		return ApplyRejected
	}
	e.afterApply("rpc", res, gen)
	return res
}

// Touch ping 成功后乐观推进两个方向的 last_interaction_at，再写远端
func (e *ReconciliationEngine) Touch(ctx context.Context, peer uuid.UUID, at time.Time) {
	gen := e.generation.Load()
	e.DoGen(ctx, gen, func() {
		e.store.TouchInteraction(e.me, peer, at)
		e.store.TouchInteraction(peer, e.me, at)
	})
	patch := EdgePatch{LastInteractionAt: &at}
	for _, key := range []model.EdgeKey{{Owner: e.me, Peer: peer}, {Owner: peer, Peer: e.me}} {
		if _, err := e.dir.UpdateEdge(ctx, key.Owner, key.Peer, patch); err != nil && !errors.Is(err, ErrNotFound) {
			log.Printf("[ERROR] Failed to update last interaction on %s: %v", key, err)
		}
	}
}

func (e *ReconciliationEngine) afterApply(source string, res ApplyResult, gen uint64) {
	e.metrics.Applies.WithLabelValues(source, res.String()).Inc()
	if res == ApplyDeferred {
		e.scheduleRetry(gen)
	}
}

// scheduleRetry 宽限期结束后再对账一次
func (e *ReconciliationEngine) scheduleRetry(gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running || e.generation.Load() != gen || e.retry != nil {
		return
	}
	e.retry = e.clock.AfterFunc(e.grace, func() {
		e.mu.Lock()
		e.retry = nil
		e.mu.Unlock()
		if e.generation.Load() == gen {
			e.PollNow()
		}
	})
}

// PollNow 请求立即轮询一次
func (e *ReconciliationEngine) PollNow() {
	select {
	case e.pollNow <- struct{}{}:
	default:
	}
}

// ============================================
// 冷启动
// ============================================

func (e *ReconciliationEngine) coldLoad(ctx context.Context, gen uint64) ColdLoadReport {
	report := e.seedFromSnapshot(ctx, gen)
	e.metrics.ColdLoads.WithLabelValues(string(report.Snapshot)).Inc()

	if report.Snapshot == ColdLoadFresh {
		// 快照可用，UI 先渲染，首轮轮询在后台进行
		e.trusted.Store(true)
		e.PollNow()
		return report
	}

	// 快照过期或缺字段：必须先做一次完整刷新，但最多等待 ColdLoadTimeout
	rctx, cancel := e.clock.WithTimeout(ctx, e.cfg.ColdLoadTimeout)
	defer cancel()
	if err := e.refresh(rctx, gen); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(rctx.Err(), context.DeadlineExceeded) {
			report.TimedOut = true
			e.metrics.ColdLoads.WithLabelValues("timeout").Inc()
			log.Printf("[WARN] Cold load refresh exceeded %s, continuing with partial state", e.cfg.ColdLoadTimeout)
		} else {
			log.Printf("[ERROR] Cold load refresh failed: %v", err)
		}
		e.PollNow()
		return report
	}
	report.Refreshed = true
	return report
}

// seedFromSnapshot 读取本地快照并立即写入 store
// 快照超过 SnapshotMaxAge，或好友项缺少推送 token 等必需字段时视为过期，不写入
func (e *ReconciliationEngine) seedFromSnapshot(ctx context.Context, gen uint64) ColdLoadReport {
	report := ColdLoadReport{Snapshot: ColdLoadMissing}
	if e.snapshots == nil {
		return report
	}

	friends, err := e.snapshots.Load(ctx, SnapshotKey(e.me, SnapshotFriends))
	if err != nil {
		log.Printf("[ERROR] Failed to load friends snapshot: %v", err)
		return report
	}
	pending, err := e.snapshots.Load(ctx, SnapshotKey(e.me, SnapshotPendingRequests))
	if err != nil {
		log.Printf("[ERROR] Failed to load pending snapshot: %v", err)
		pending = nil
	}
	if friends == nil {
		return report
	}

	now := e.clock.Now()
	if friends.Age(now) >= e.cfg.SnapshotMaxAge {
		log.Printf("[INFO] Friends snapshot is %s old, refreshing before use", friends.Age(now).Round(time.Minute))
		report.Snapshot = ColdLoadStale
		return report
	}
	for _, item := range friends.Data {
		if !e.validEntry(item, true) {
			log.Printf("[INFO] Friends snapshot has incomplete entry for %s, refreshing before use", item.Peer.ID)
			report.Snapshot = ColdLoadStale
			return report
		}
	}

	entries := append([]model.FriendEntry(nil), friends.Data...)
	if pending != nil && pending.Age(now) < e.cfg.SnapshotMaxAge {
		for _, item := range pending.Data {
			if e.validEntry(item, false) {
				entries = append(entries, item)
			}
		}
	}

	err = e.DoGen(ctx, gen, func() {
		profiles := make([]model.Profile, 0, len(entries))
		for _, item := range entries {
			if e.store.UpsertEdge(item.Edge) == ApplyChanged {
				report.Seeded++
			}
			profiles = append(profiles, item.Peer)
		}
		e.store.PutProfiles(profiles, time.Time{})
	})
	if err != nil {
		return report
	}
	report.Snapshot = ColdLoadFresh
	return report
}

func (e *ReconciliationEngine) validEntry(item model.FriendEntry, needToken bool) bool {
	edge := item.Edge
	if edge.OwnerID == uuid.Nil || edge.PeerID == uuid.Nil || !edge.Status.Valid() {
		return false
	}
	if edge.OwnerID != e.me && edge.PeerID != e.me {
		return false
	}
	if item.Peer.ID == uuid.Nil {
		return false
	}
	if needToken && strings.TrimSpace(item.Peer.Token()) == "" {
		return false
	}
	return true
}

// ============================================
// 轮询
// ============================================

func (e *ReconciliationEngine) pollLoop(ctx context.Context, gen uint64) {
	defer e.wg.Done()
	ticker := e.clock.Ticker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.pollNow:
		}
		e.Poll(ctx, gen)
	}
}

// Poll 执行一次完整对账；网络错误只记录日志
func (e *ReconciliationEngine) Poll(ctx context.Context, gen uint64) {
	start := e.clock.Now()
	err := e.refresh(ctx, gen)
	e.metrics.PollDuration.Observe(e.clock.Since(start).Seconds())
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("[ERROR] Reconciliation poll failed: %v", err)
		}
		e.metrics.Polls.WithLabelValues("error").Inc()
		return
	}
	e.metrics.Polls.WithLabelValues("ok").Inc()
}

// Refresh 以当前代数立即执行一次完整对账
func (e *ReconciliationEngine) Refresh(ctx context.Context) error {
	return e.refresh(ctx, e.generation.Load())
}

func (e *ReconciliationEngine) refresh(ctx context.Context, gen uint64) error {
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()
	if gen != e.generation.Load() {
		return ErrSessionClosed
	}

	startedAt := e.clock.Now()
	me := e.me

	var outbound, inbound []model.RelationshipEdge
	var matches map[string]uuid.UUID
	firstResolve := false

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rows, err := e.dir.QueryEdges(gctx, EdgeFilter{OwnerID: &me})
		if err != nil {
			return fmt.Errorf("failed to query outbound edges: %w", err)
		}
		outbound = rows
		return nil
	})
	g.Go(func() error {
		rows, err := e.dir.QueryEdges(gctx, EdgeFilter{PeerID: &me})
		if err != nil {
			return fmt.Errorf("failed to query inbound edges: %w", err)
		}
		inbound = rows
		return nil
	})
	if e.matcher != nil && e.contacts != nil {
		g.Go(func() error {
			var err error
			if e.matcher.Resolved() {
				matches, err = e.matcher.Refresh(gctx)
				return err
			}
			raws, err := e.contacts.PhoneNumbers(gctx)
			if err != nil {
				return fmt.Errorf("failed to read contacts: %w", err)
			}
			canonical := e.matcher.NormalizeAll(raws)
			if len(canonical) == 0 {
				return nil
			}
			firstResolve = true
			matches, err = e.matcher.Resolve(gctx, canonical)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	peers := map[uuid.UUID]bool{me: true}
	for _, r := range outbound {
		peers[r.PeerID] = true
	}
	for _, r := range inbound {
		peers[r.OwnerID] = true
	}
	for _, id := range matches {
		peers[id] = true
	}
	ids := make([]uuid.UUID, 0, len(peers))
	for id := range peers {
		ids = append(ids, id)
	}
	profiles, err := e.dir.ProfilesByIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("failed to load profiles: %w", err)
	}

	rows := append(append([]model.RelationshipEdge{}, outbound...), inbound...)
	refreshedAt := e.clock.Now()
	var report ReconcileReport
	err = e.DoGen(ctx, gen, func() {
		e.store.PutProfiles(profiles, refreshedAt)
		report = e.store.Reconcile(func(k model.EdgeKey) bool {
			return k.Owner == me || k.Peer == me
		}, rows, startedAt)
	})
	if err != nil {
		return err
	}
	if report.Deferred > 0 {
		e.scheduleRetry(gen)
	}
	e.metrics.Applies.WithLabelValues("poll", "changed").Add(float64(report.Changed + report.Removed))
	e.metrics.Applies.WithLabelValues("poll", "deferred").Add(float64(report.Deferred))
	e.metrics.Applies.WithLabelValues("poll", "rejected").Add(float64(report.Rejected))
	e.metrics.ActiveEdges.Set(float64(len(e.store.EdgesFor(me))))

	if firstResolve {
		e.linkContacts(ctx, gen, matches)
	}

	e.trusted.Store(true)
	e.mu.Lock()
	e.lastPoll = refreshedAt
	e.mu.Unlock()

	e.saveSnapshots(ctx)
	return nil
}

// linkContacts 为首次解析到的联系人创建 contact 边；任一方向已有边时不动
func (e *ReconciliationEngine) linkContacts(ctx context.Context, gen uint64, matches map[string]uuid.UUID) {
	for _, peer := range matches {
		if peer == e.me {
			continue
		}
		peer := peer
		var created model.RelationshipEdge
		_, err := e.Optimistic(ctx,
			func(s *RelationshipStore) ([]Tag, error) {
				if _, ok := s.Edge(e.me, peer); ok {
					return nil, nil
				}
				if _, ok := s.Edge(peer, e.me); ok {
					return nil, nil
				}
				edge := model.RelationshipEdge{OwnerID: e.me, PeerID: peer, Status: model.StatusAccepted, Method: model.MethodContact}
				epoch, res := s.CreateOptimistic(edge)
				return []Tag{{Key: edge.Key(), Epoch: epoch, Result: res}}, nil
			},
			func(ctx context.Context) error {
				var err error
				created, err = e.dir.UpsertEdge(ctx, model.RelationshipEdge{OwnerID: e.me, PeerID: peer, Status: model.StatusAccepted, Method: model.MethodContact})
				return err
			},
			func(s *RelationshipStore) { s.UpsertEdge(created) },
		)
		if err != nil {
			log.Printf("[ERROR] Failed to link contact %s: %v", peer, err)
		}
	}
}

func (e *ReconciliationEngine) saveSnapshots(ctx context.Context) {
	if e.snapshots == nil {
		return
	}
	friends, pending := e.store.SnapshotEntries(e.me)
	ts := e.clock.Now().UnixMilli()
	if err := e.snapshots.Save(ctx, SnapshotKey(e.me, SnapshotFriends), model.Snapshot{Data: friends, Timestamp: ts}); err != nil {
		log.Printf("[ERROR] Failed to save friends snapshot: %v", err)
	}
	if err := e.snapshots.Save(ctx, SnapshotKey(e.me, SnapshotPendingRequests), model.Snapshot{Data: pending, Timestamp: ts}); err != nil {
		log.Printf("[ERROR] Failed to save pending snapshot: %v", err)
	}
}

// ============================================
// 实时推送
// ============================================

func (e *ReconciliationEngine) feedLoop(ctx context.Context, gen uint64) {
	defer e.wg.Done()
	events, err := e.feed.Subscribe(ctx, e.me)
	if err != nil {
		// 只靠轮询也必须正确
		log.Printf("[ERROR] Failed to subscribe to realtime feed: %v", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			e.submit(gen, func() { e.applyEvent(ev, gen) })
		}
	}
}

// applyEvent 在 actor 上应用一条实时变更
func (e *ReconciliationEngine) applyEvent(ev model.ChangeEvent, gen uint64) {
	res := ApplyNoop
	switch ev.Table {
	case "relationship_edges":
		res = e.applyEdgeEvent(ev)
	case "identity_reveals":
		var r model.IdentityReveal
		if err := json.Unmarshal(ev.New, &r); err != nil {
			log.Printf("[ERROR] Invalid reveal event: %v", err)
			return
		}
		if r.RequesterID != e.me && r.TargetID != e.me {
			return
		}
		res = e.store.ApplyReveal(r)
	case "profiles":
		var p model.Profile
		if err := json.Unmarshal(ev.New, &p); err != nil {
			log.Printf("[ERROR] Invalid profile event: %v", err)
			return
		}
		if _, known := e.store.Profile(p.ID); known || p.ID == e.me {
			e.store.PutProfiles([]model.Profile{p}, time.Time{})
			res = ApplyChanged
		}
	default:
		return
	}
	e.metrics.FeedEvents.WithLabelValues(ev.Table, res.String()).Inc()
	if res == ApplyDeferred {
		e.scheduleRetry(gen)
	}
}

func (e *ReconciliationEngine) applyEdgeEvent(ev model.ChangeEvent) ApplyResult {
	if ev.Type == model.ChangeDelete {
		var old model.RelationshipEdge
		if err := json.Unmarshal(ev.Old, &old); err != nil {
			log.Printf("[ERROR] Invalid edge delete event: %v", err)
			return ApplyRejected
		}
		if old.OwnerID != e.me && old.PeerID != e.me {
			return ApplyNoop
		}
		return e.store.RemoveRow(old.Key(), old.ID)
	}

	var edge model.RelationshipEdge
	if err := json.Unmarshal(ev.New, &edge); err != nil {
		log.Printf("[ERROR] Invalid edge event: %v", err)
		return ApplyRejected
	}
	if edge.OwnerID != e.me && edge.PeerID != e.me {
		return ApplyNoop
	}
	return e.store.UpsertEdge(edge)
}
