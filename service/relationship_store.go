package service

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/Fuzztrack/prout-app-sub000/model"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// ApplyResult 一次变更的结果
type ApplyResult int

const (
	ApplyNoop     ApplyResult = iota // 幂等，无变化
	ApplyChanged                     // 已应用
	ApplyRejected                    // 违反状态格或属于已删除的行，丢弃
	ApplyDeferred                    // 与宽限期内的乐观写冲突，保留本地值，需要重试对账
)

func (r ApplyResult) String() string {
	switch r {
	case ApplyNoop:
		return "noop"
	case ApplyChanged:
		return "changed"
	case ApplyRejected:
		return "rejected"
	case ApplyDeferred:
		return "deferred"
	}
	return "unknown"
}

// ChangeKind 存储变更类型（推送给 UI）
type ChangeKind string

const (
	ChangeEdgeUpserted ChangeKind = "edge_upserted"
	ChangeEdgeRemoved  ChangeKind = "edge_removed"
	ChangeProfile      ChangeKind = "profile"
	ChangeReveal       ChangeKind = "reveal"
)

// StoreChange 一次已应用的变更
type StoreChange struct {
	Kind    ChangeKind
	Key     model.EdgeKey
	Edge    *model.RelationshipEdge
	Profile *model.Profile
	Reveal  *model.IdentityReveal
}

// StoreConfig 存储配置
type StoreConfig struct {
	Grace        time.Duration // 乐观写宽限期
	TombstoneTTL time.Duration // 墓碑保留时长
}

// DefaultStoreConfig 默认配置
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Grace:        5 * time.Second,
		TombstoneTTL: 30 * time.Second,
	}
}

type entrySnapshot struct {
	present   bool
	edge      model.RelationshipEdge
	removed   bool
	removedAt time.Time
}

// optimisticWrite 本地乐观写标记
type optimisticWrite struct {
	epoch  uint64
	at     time.Time
	status model.EdgeStatus // 目标状态（删除为 StatusRemoved）
	muted  *bool
	prev   entrySnapshot // 回滚用，始终是最早一次乐观写之前的值
}

type edgeEntry struct {
	edge       model.RelationshipEdge
	removed    bool // 墓碑
	removedAt  time.Time
	observedAt time.Time
	optimistic *optimisticWrite
}

func (e *edgeEntry) status() model.EdgeStatus {
	if e.removed {
		return model.StatusRemoved
	}
	return e.edge.Status
}

func (e *edgeEntry) snapshot() entrySnapshot {
	return entrySnapshot{present: true, edge: e.edge, removed: e.removed, removedAt: e.removedAt}
}

type revealKey struct {
	requester uuid.UUID
	target    uuid.UUID
}

// RelationshipStore 有向关系图的内存表示
// 所有变更由 ReconciliationEngine 的单写协程串行调用；锁只保护并发读
type RelationshipStore struct {
	mu       sync.RWMutex
	clock    clock.Clock
	cfg      StoreConfig
	epoch    uint64
	edges    map[model.EdgeKey]*edgeEntry
	profiles map[uuid.UUID]model.Profile
	reveals  map[revealKey]model.IdentityReveal

	listenersMu sync.RWMutex
	listeners   []func(StoreChange)
}

func NewRelationshipStore(clk clock.Clock, cfg StoreConfig) *RelationshipStore {
	if clk == nil {
		clk = clock.New()
	}
	return &RelationshipStore{
		clock:    clk,
		cfg:      cfg,
		edges:    make(map[model.EdgeKey]*edgeEntry),
		profiles: make(map[uuid.UUID]model.Profile),
		reveals:  make(map[revealKey]model.IdentityReveal),
	}
}

// Subscribe 注册变更监听（在变更应用后、锁外调用）
func (s *RelationshipStore) Subscribe(fn func(StoreChange)) {
	s.listenersMu.Lock()
	s.listeners = append(s.listeners, fn)
	s.listenersMu.Unlock()
}

func (s *RelationshipStore) notify(changes []StoreChange) {
	if len(changes) == 0 {
		return
	}
	s.listenersMu.RLock()
	listeners := append([]func(StoreChange){}, s.listeners...)
	s.listenersMu.RUnlock()
	for _, ch := range changes {
		for _, fn := range listeners {
			fn(ch)
		}
	}
}

func upserted(e *edgeEntry) StoreChange {
	edge := e.edge
	return StoreChange{Kind: ChangeEdgeUpserted, Key: edge.Key(), Edge: &edge}
}

func removed(key model.EdgeKey) StoreChange {
	return StoreChange{Kind: ChangeEdgeRemoved, Key: key}
}

// ============================================
// 远端确认路径（轮询 / 实时 / RPC 返回）
// ============================================

// UpsertEdge 以 (owner_id, peer_id) 为键写入远端观察到的边
func (s *RelationshipStore) UpsertEdge(edge model.RelationshipEdge) ApplyResult {
	s.mu.Lock()
	res, changes := s.upsertLocked(edge, s.clock.Now())
	s.mu.Unlock()
	s.notify(changes)
	return res
}

func (s *RelationshipStore) upsertLocked(edge model.RelationshipEdge, now time.Time) (ApplyResult, []StoreChange) {
	if !edge.Status.Valid() {
		log.Printf("[WARN] lattice: ignoring edge %s with status %q", edge.Key(), edge.Status)
		return ApplyRejected, nil
	}

	key := edge.Key()
	e := s.edges[key]
	if e == nil {
		e = &edgeEntry{edge: edge, observedAt: now}
		s.edges[key] = e
		return ApplyChanged, []StoreChange{upserted(e)}
	}

	if e.optimistic != nil {
		return s.resolveOptimisticLocked(e, &edge, now)
	}

	if e.removed {
		// 同一行的迟到事件不能复活已删除的边
		if edge.ID != uuid.Nil && edge.ID == e.edge.ID {
			log.Printf("[WARN] lattice: late event for deleted row %s on %s", edge.ID, key)
			return ApplyRejected, nil
		}
		*e = edgeEntry{edge: edge, observedAt: now}
		return ApplyChanged, []StoreChange{upserted(e)}
	}

	// 同一有序对出现新行：旧行已删除但删除事件丢失
	if e.edge.ID != uuid.Nil && edge.ID != uuid.Nil && e.edge.ID != edge.ID {
		*e = edgeEntry{edge: edge, observedAt: now}
		return ApplyChanged, []StoreChange{upserted(e)}
	}

	return s.mergeLocked(e, edge, now)
}

func (s *RelationshipStore) mergeLocked(e *edgeEntry, remote model.RelationshipEdge, now time.Time) (ApplyResult, []StoreChange) {
	if !model.CanTransition(e.edge.Status, remote.Status) {
		log.Printf("[WARN] lattice: rejected %s -> %s on %s", e.edge.Status, remote.Status, e.edge.Key())
		return ApplyRejected, nil
	}

	next := e.edge
	if next.ID == uuid.Nil {
		next.ID = remote.ID
	}
	next.Status = remote.Status
	if next.Method == "" {
		next.Method = remote.Method
	} else if remote.Method != "" && remote.Method != next.Method {
		log.Printf("[WARN] edge %s method is immutable (%s), ignoring %s", next.Key(), next.Method, remote.Method)
	}
	next.IsMuted = remote.IsMuted
	next.LastInteractionAt = model.LaterInteraction(next.LastInteractionAt, remote.LastInteractionAt)
	if next.CreatedAt.IsZero() {
		next.CreatedAt = remote.CreatedAt
	}

	e.observedAt = now
	if sameEdge(next, e.edge) {
		return ApplyNoop, nil
	}
	e.edge = next
	return ApplyChanged, []StoreChange{upserted(e)}
}

// resolveOptimisticLocked 远端观察到带乐观标记的边；remote 为 nil 表示远端已删除
func (s *RelationshipStore) resolveOptimisticLocked(e *edgeEntry, remote *model.RelationshipEdge, now time.Time) (ApplyResult, []StoreChange) {
	w := e.optimistic
	key := e.edge.Key()

	remoteStatus := model.StatusRemoved
	if remote != nil {
		remoteStatus = remote.Status
	}
	confirms := remoteStatus.Rank() > w.status.Rank() ||
		(remoteStatus.Rank() == w.status.Rank() && (w.muted == nil || remote == nil || remote.IsMuted == *w.muted))
	// 本地新建的边在远端缺席只说明还没写入
	if remote == nil && w.status != model.StatusRemoved && (!w.prev.present || w.prev.removed) {
		confirms = false
	}

	if !confirms {
		if now.Sub(w.at) < s.cfg.Grace {
			return ApplyDeferred, nil
		}
		log.Printf("[WARN] optimistic write on %s not confirmed after %s, remote wins", key, s.cfg.Grace)
		wasVisible := !e.removed
		s.restoreLocked(key, w.prev)
		var res ApplyResult
		var changes []StoreChange
		if remote == nil {
			res, changes = s.removeLocked(key, uuid.Nil, now)
		} else {
			res, changes = s.upsertLocked(*remote, now)
		}
		if res != ApplyChanged {
			// 回滚本身也是一次可见变化
			if cur := s.edges[key]; cur != nil && !cur.removed {
				changes = append(changes, upserted(cur))
			} else if wasVisible {
				changes = append(changes, removed(key))
			}
			res = ApplyChanged
		}
		return res, changes
	}

	e.optimistic = nil
	if remote == nil {
		if e.removed {
			e.removedAt = now
			return ApplyNoop, nil
		}
		e.removed = true
		e.removedAt = now
		return ApplyChanged, []StoreChange{removed(key)}
	}
	if e.removed {
		*e = edgeEntry{edge: *remote, observedAt: now}
		return ApplyChanged, []StoreChange{upserted(e)}
	}
	return s.mergeLocked(e, *remote, now)
}

func (s *RelationshipStore) restoreLocked(key model.EdgeKey, prev entrySnapshot) {
	if !prev.present {
		delete(s.edges, key)
		return
	}
	s.edges[key] = &edgeEntry{edge: prev.edge, removed: prev.removed, removedAt: prev.removedAt, observedAt: s.clock.Now()}
}

// ApplyStatus 应用远端状态，遵守单调状态格
func (s *RelationshipStore) ApplyStatus(ownerID, peerID uuid.UUID, status model.EdgeStatus) ApplyResult {
	if status == model.StatusRemoved {
		return s.Remove(ownerID, peerID)
	}

	s.mu.Lock()
	res, changes := s.applyStatusLocked(model.EdgeKey{Owner: ownerID, Peer: peerID}, status, s.clock.Now())
	s.mu.Unlock()
	s.notify(changes)
	return res
}

func (s *RelationshipStore) applyStatusLocked(key model.EdgeKey, status model.EdgeStatus, now time.Time) (ApplyResult, []StoreChange) {
	e := s.edges[key]
	if e == nil || (e.removed && e.optimistic == nil) {
		return ApplyRejected, nil
	}
	if e.optimistic != nil {
		remote := e.edge
		remote.Status = status
		return s.resolveOptimisticLocked(e, &remote, now)
	}
	if !model.CanTransition(e.edge.Status, status) {
		log.Printf("[WARN] lattice: rejected %s -> %s on %s", e.edge.Status, status, key)
		return ApplyRejected, nil
	}
	e.observedAt = now
	if e.edge.Status == status {
		return ApplyNoop, nil
	}
	e.edge.Status = status
	return ApplyChanged, []StoreChange{upserted(e)}
}

// Remove 远端确认删除；重复删除为 no-op
func (s *RelationshipStore) Remove(ownerID, peerID uuid.UUID) ApplyResult {
	return s.RemoveRow(model.EdgeKey{Owner: ownerID, Peer: peerID}, uuid.Nil)
}

// RemoveRow 删除指定行；rowID 与当前行不一致时视为旧行的迟到删除
func (s *RelationshipStore) RemoveRow(key model.EdgeKey, rowID uuid.UUID) ApplyResult {
	s.mu.Lock()
	res, changes := s.removeLocked(key, rowID, s.clock.Now())
	s.mu.Unlock()
	s.notify(changes)
	return res
}

func (s *RelationshipStore) removeLocked(key model.EdgeKey, rowID uuid.UUID, now time.Time) (ApplyResult, []StoreChange) {
	e := s.edges[key]
	if e == nil {
		return ApplyNoop, nil
	}
	if rowID != uuid.Nil && e.edge.ID != uuid.Nil && rowID != e.edge.ID {
		log.Printf("[WARN] lattice: delete for stale row %s on %s", rowID, key)
		return ApplyRejected, nil
	}
	if e.optimistic != nil {
		return s.resolveOptimisticLocked(e, nil, now)
	}
	if e.removed {
		return ApplyNoop, nil
	}
	e.removed = true
	e.removedAt = now
	e.observedAt = now
	return ApplyChanged, []StoreChange{removed(key)}
}

// SetMuted 应用远端静音标记（仅影响 owner 一侧）
func (s *RelationshipStore) SetMuted(ownerID, peerID uuid.UUID, muted bool) ApplyResult {
	key := model.EdgeKey{Owner: ownerID, Peer: peerID}
	now := s.clock.Now()

	s.mu.Lock()
	e := s.edges[key]
	if e == nil || e.removed {
		s.mu.Unlock()
		return ApplyRejected
	}
	if w := e.optimistic; w != nil && w.muted != nil {
		if *w.muted != muted && now.Sub(w.at) < s.cfg.Grace {
			s.mu.Unlock()
			return ApplyDeferred
		}
		w.muted = nil
		// 只有静音的乐观写到此已确认
		if w.prev.present && !w.prev.removed && w.prev.edge.Status == w.status {
			e.optimistic = nil
		}
	}
	if e.edge.IsMuted == muted {
		s.mu.Unlock()
		return ApplyNoop
	}
	e.edge.IsMuted = muted
	e.observedAt = now
	ch := upserted(e)
	s.mu.Unlock()

	s.notify([]StoreChange{ch})
	return ApplyChanged
}

// Repurpose 强制重置边的来源和状态（仅用于把已有边改为邀请）
func (s *RelationshipStore) Repurpose(edge model.RelationshipEdge) {
	now := s.clock.Now()
	s.mu.Lock()
	e := &edgeEntry{edge: edge, observedAt: now}
	if prev := s.edges[edge.Key()]; prev != nil && !prev.removed {
		e.edge.LastInteractionAt = model.LaterInteraction(prev.edge.LastInteractionAt, edge.LastInteractionAt)
		if e.edge.ID == uuid.Nil {
			e.edge.ID = prev.edge.ID
		}
	}
	s.edges[edge.Key()] = e
	ch := upserted(e)
	s.mu.Unlock()

	s.notify([]StoreChange{ch})
}

// TouchInteraction 推进 last_interaction_at（单调不减）
func (s *RelationshipStore) TouchInteraction(ownerID, peerID uuid.UUID, at time.Time) ApplyResult {
	key := model.EdgeKey{Owner: ownerID, Peer: peerID}

	s.mu.Lock()
	e := s.edges[key]
	if e == nil || e.removed {
		s.mu.Unlock()
		return ApplyNoop
	}
	if e.edge.LastInteractionAt != nil && !at.After(*e.edge.LastInteractionAt) {
		s.mu.Unlock()
		return ApplyNoop
	}
	t := at
	e.edge.LastInteractionAt = &t
	ch := upserted(e)
	s.mu.Unlock()

	s.notify([]StoreChange{ch})
	return ApplyChanged
}

// ReconcileReport 一次全量对账的统计
type ReconcileReport struct {
	Changed  int
	Deferred int
	Rejected int
	Removed  int
}

// Reconcile 用轮询得到的全量结果对账 scope 内的边
// startedAt 之后被实时事件更新过的边不会因为缺席而被删除
func (s *RelationshipStore) Reconcile(scope func(model.EdgeKey) bool, rows []model.RelationshipEdge, startedAt time.Time) ReconcileReport {
	var report ReconcileReport
	var changes []StoreChange
	now := s.clock.Now()

	s.mu.Lock()
	seen := make(map[model.EdgeKey]bool, len(rows))
	for _, row := range rows {
		seen[row.Key()] = true
		res, ch := s.upsertLocked(row, now)
		report.count(res)
		changes = append(changes, ch...)
	}

	for key, e := range s.edges {
		if seen[key] || !scope(key) {
			continue
		}
		if e.removed && e.optimistic == nil {
			continue
		}
		if e.optimistic == nil && e.observedAt.After(startedAt) {
			continue
		}
		res, ch := s.removeLocked(key, uuid.Nil, now)
		if res == ApplyChanged {
			report.Removed++
		} else {
			report.count(res)
		}
		changes = append(changes, ch...)
	}

	s.purgeTombstonesLocked(now)
	s.mu.Unlock()

	s.notify(changes)
	return report
}

func (r *ReconcileReport) count(res ApplyResult) {
	switch res {
	case ApplyChanged:
		r.Changed++
	case ApplyDeferred:
		r.Deferred++
	case ApplyRejected:
		r.Rejected++
	}
}

func (s *RelationshipStore) purgeTombstonesLocked(now time.Time) {
	for key, e := range s.edges {
		if e.removed && e.optimistic == nil && now.Sub(e.removedAt) >= s.cfg.TombstoneTTL {
			delete(s.edges, key)
		}
	}
}

// ============================================
// 本地乐观写路径（UI 意图）
// ============================================

func (s *RelationshipStore) tagLocked(e *edgeEntry, prev entrySnapshot, status model.EdgeStatus, muted *bool, now time.Time) uint64 {
	s.epoch++
	w := &optimisticWrite{epoch: s.epoch, at: now, status: status, muted: muted, prev: prev}
	if e.optimistic != nil {
		w.prev = e.optimistic.prev
		if muted == nil {
			w.muted = e.optimistic.muted
		}
	}
	e.optimistic = w
	return w.epoch
}

// CreateOptimistic 本地创建一条边（搜索、联系人匹配、邀请），等待远端确认
func (s *RelationshipStore) CreateOptimistic(edge model.RelationshipEdge) (uint64, ApplyResult) {
	if !edge.Status.Valid() || !edge.Method.Valid() {
		return 0, ApplyRejected
	}
	key := edge.Key()
	now := s.clock.Now()

	s.mu.Lock()
	e := s.edges[key]
	if e != nil && !e.removed {
		s.mu.Unlock()
		return 0, ApplyNoop
	}
	prev := entrySnapshot{}
	if e != nil {
		prev = e.snapshot()
	}
	ne := &edgeEntry{edge: edge, observedAt: now}
	if e != nil && e.optimistic != nil {
		ne.optimistic = e.optimistic
	}
	s.edges[key] = ne
	epoch := s.tagLocked(ne, prev, edge.Status, nil, now)
	ch := upserted(ne)
	s.mu.Unlock()

	s.notify([]StoreChange{ch})
	return epoch, ApplyChanged
}

// ApplyStatusOptimistic 本地状态迁移（接受、拉黑），同样受状态格约束
func (s *RelationshipStore) ApplyStatusOptimistic(ownerID, peerID uuid.UUID, status model.EdgeStatus) (uint64, ApplyResult) {
	if status == model.StatusRemoved {
		return s.RemoveOptimistic(ownerID, peerID)
	}
	key := model.EdgeKey{Owner: ownerID, Peer: peerID}
	now := s.clock.Now()

	s.mu.Lock()
	e := s.edges[key]
	if e == nil || e.removed {
		s.mu.Unlock()
		return 0, ApplyRejected
	}
	if e.edge.Status == status {
		s.mu.Unlock()
		return 0, ApplyNoop
	}
	if !model.CanTransition(e.edge.Status, status) {
		s.mu.Unlock()
		log.Printf("[WARN] lattice: rejected local %s -> %s on %s", e.edge.Status, status, key)
		return 0, ApplyRejected
	}
	prev := e.snapshot()
	e.edge.Status = status
	epoch := s.tagLocked(e, prev, status, nil, now)
	ch := upserted(e)
	s.mu.Unlock()

	s.notify([]StoreChange{ch})
	return epoch, ApplyChanged
}

// RemoveOptimistic 本地删除（拒绝、解除好友）
func (s *RelationshipStore) RemoveOptimistic(ownerID, peerID uuid.UUID) (uint64, ApplyResult) {
	key := model.EdgeKey{Owner: ownerID, Peer: peerID}
	now := s.clock.Now()

	s.mu.Lock()
	e := s.edges[key]
	if e == nil || e.removed {
		s.mu.Unlock()
		return 0, ApplyNoop
	}
	prev := e.snapshot()
	e.removed = true
	e.removedAt = now
	epoch := s.tagLocked(e, prev, model.StatusRemoved, nil, now)
	s.mu.Unlock()

	s.notify([]StoreChange{removed(key)})
	return epoch, ApplyChanged
}

// SetMutedOptimistic 本地静音/取消静音
func (s *RelationshipStore) SetMutedOptimistic(ownerID, peerID uuid.UUID, muted bool) (uint64, ApplyResult) {
	key := model.EdgeKey{Owner: ownerID, Peer: peerID}
	now := s.clock.Now()

	s.mu.Lock()
	e := s.edges[key]
	if e == nil || e.removed {
		s.mu.Unlock()
		return 0, ApplyRejected
	}
	if e.edge.IsMuted == muted {
		s.mu.Unlock()
		return 0, ApplyNoop
	}
	prev := e.snapshot()
	e.edge.IsMuted = muted
	m := muted
	epoch := s.tagLocked(e, prev, e.edge.Status, &m, now)
	ch := upserted(e)
	s.mu.Unlock()

	s.notify([]StoreChange{ch})
	return epoch, ApplyChanged
}

// Rollback 远端调用失败时恢复乐观写之前的值；epoch 不匹配（已有更新的写）时不动
func (s *RelationshipStore) Rollback(key model.EdgeKey, epoch uint64) bool {
	if epoch == 0 {
		return false
	}
	s.mu.Lock()
	e := s.edges[key]
	if e == nil || e.optimistic == nil || e.optimistic.epoch != epoch {
		s.mu.Unlock()
		return false
	}
	s.restoreLocked(key, e.optimistic.prev)
	var ch StoreChange
	if cur := s.edges[key]; cur != nil && !cur.removed {
		ch = upserted(cur)
	} else {
		ch = removed(key)
	}
	s.mu.Unlock()

	s.notify([]StoreChange{ch})
	return true
}

// ============================================
// 读视图
// ============================================

// EdgesFor 返回 owner 的所有出边（按最近互动倒序）
func (s *RelationshipStore) EdgesFor(ownerID uuid.UUID) []model.RelationshipEdge {
	s.mu.RLock()
	out := make([]model.RelationshipEdge, 0)
	for key, e := range s.edges {
		if key.Owner == ownerID && !e.removed {
			out = append(out, e.edge)
		}
	}
	s.mu.RUnlock()

	sortByInteraction(out)
	return out
}

// Edge 返回指定有序对的边
func (s *RelationshipStore) Edge(ownerID, peerID uuid.UUID) (model.RelationshipEdge, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e := s.edges[model.EdgeKey{Owner: ownerID, Peer: peerID}]
	if e == nil || e.removed {
		return model.RelationshipEdge{}, false
	}
	return e.edge, true
}

// HasOptimistic 是否存在未确认的乐观写
func (s *RelationshipStore) HasOptimistic(ownerID, peerID uuid.UUID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e := s.edges[model.EdgeKey{Owner: ownerID, Peer: peerID}]
	return e != nil && e.optimistic != nil
}

// FriendView 好友列表项：对端资料 + 两个方向的边
type FriendView struct {
	Peer     model.Profile           `json:"peer"`
	Outbound *model.RelationshipEdge `json:"outbound,omitempty"`
	Inbound  *model.RelationshipEdge `json:"inbound,omitempty"`
}

// AppearsZen 对端本人开启 zen，或对端静音了我
func (v FriendView) AppearsZen() bool {
	return v.Peer.IsZenMode || (v.Inbound != nil && v.Inbound.IsMuted)
}

func (s *RelationshipStore) viewLocked(me, peer uuid.UUID) FriendView {
	v := FriendView{Peer: s.profiles[peer]}
	if v.Peer.ID == uuid.Nil {
		v.Peer.ID = peer
	}
	if e := s.edges[model.EdgeKey{Owner: me, Peer: peer}]; e != nil && !e.removed {
		out := e.edge
		v.Outbound = &out
	}
	if e := s.edges[model.EdgeKey{Owner: peer, Peer: me}]; e != nil && !e.removed {
		in := e.edge
		v.Inbound = &in
	}
	return v
}

// Friends 已接受的好友；只有一个方向可见的过渡窗口也算好友
func (s *RelationshipStore) Friends(me uuid.UUID) []FriendView {
	s.mu.RLock()
	peers := make(map[uuid.UUID]bool)
	for key, e := range s.edges {
		if e.removed || e.edge.Status != model.StatusAccepted {
			continue
		}
		if key.Owner == me {
			peers[key.Peer] = true
		} else if key.Peer == me {
			peers[key.Owner] = true
		}
	}
	out := make([]FriendView, 0, len(peers))
	for peer := range peers {
		out = append(out, s.viewLocked(me, peer))
	}
	s.mu.RUnlock()

	sortViews(out)
	return out
}

// PendingInbound 收到的待处理请求；反方向已是 accepted 的请求不再展示
func (s *RelationshipStore) PendingInbound(me uuid.UUID) []FriendView {
	s.mu.RLock()
	out := make([]FriendView, 0)
	for key, e := range s.edges {
		if key.Peer != me || e.removed || e.edge.Status != model.StatusPending {
			continue
		}
		if rev := s.edges[key.Reverse()]; rev != nil && !rev.removed && rev.edge.Status == model.StatusAccepted {
			continue
		}
		out = append(out, s.viewLocked(me, key.Owner))
	}
	s.mu.RUnlock()

	sortViews(out)
	return out
}

// PendingOutbound 我发出的待处理请求
func (s *RelationshipStore) PendingOutbound(me uuid.UUID) []FriendView {
	s.mu.RLock()
	out := make([]FriendView, 0)
	for key, e := range s.edges {
		if key.Owner == me && !e.removed && e.edge.Status == model.StatusPending {
			out = append(out, s.viewLocked(me, key.Peer))
		}
	}
	s.mu.RUnlock()

	sortViews(out)
	return out
}

// View 返回与某个对端的关系视图
func (s *RelationshipStore) View(me, peer uuid.UUID) FriendView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.viewLocked(me, peer)
}

// PutProfiles 写入目录资料；refreshedAt 非零表示来自一次目录刷新
func (s *RelationshipStore) PutProfiles(profiles []model.Profile, refreshedAt time.Time) {
	var changes []StoreChange
	s.mu.Lock()
	for _, p := range profiles {
		if p.ID == uuid.Nil {
			continue
		}
		p.RefreshedAt = refreshedAt
		if old, ok := s.profiles[p.ID]; ok && refreshedAt.IsZero() {
			p.RefreshedAt = old.RefreshedAt
		}
		s.profiles[p.ID] = p
		pc := p
		changes = append(changes, StoreChange{Kind: ChangeProfile, Profile: &pc})
	}
	s.mu.Unlock()
	s.notify(changes)
}

// Profile 返回缓存的资料
func (s *RelationshipStore) Profile(id uuid.UUID) (model.Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	return p, ok
}

// ApplyReveal 应用身份揭示状态（单调，revealed 为终态）
func (s *RelationshipStore) ApplyReveal(r model.IdentityReveal) ApplyResult {
	key := revealKey{requester: r.RequesterID, target: r.TargetID}

	s.mu.Lock()
	cur, ok := s.reveals[key]
	if ok && r.State.Rank() < cur.State.Rank() {
		s.mu.Unlock()
		log.Printf("[WARN] reveal: rejected %s -> %s for %s/%s", cur.State, r.State, r.RequesterID, r.TargetID)
		return ApplyRejected
	}
	if ok && cur.State == model.RevealRevealed {
		s.mu.Unlock()
		return ApplyNoop
	}
	if ok && cur.State == r.State && sameAlias(cur.Alias, r.Alias) {
		s.mu.Unlock()
		return ApplyNoop
	}
	s.reveals[key] = r
	rc := r
	s.mu.Unlock()

	s.notify([]StoreChange{{Kind: ChangeReveal, Reveal: &rc}})
	return ApplyChanged
}

// Reveal 返回身份揭示状态
func (s *RelationshipStore) Reveal(requesterID, targetID uuid.UUID) (model.IdentityReveal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reveals[revealKey{requester: requesterID, target: targetID}]
	return r, ok
}

// SnapshotEntries 构造用于持久化的好友 / 待处理请求快照
func (s *RelationshipStore) SnapshotEntries(me uuid.UUID) (friends, pending []model.FriendEntry) {
	for _, v := range s.Friends(me) {
		edge := v.Outbound
		if edge == nil {
			edge = v.Inbound
		}
		friends = append(friends, model.FriendEntry{Edge: *edge, Peer: v.Peer})
	}
	for _, v := range s.PendingInbound(me) {
		pending = append(pending, model.FriendEntry{Edge: *v.Inbound, Peer: v.Peer})
	}
	return friends, pending
}

func sameEdge(a, b model.RelationshipEdge) bool {
	if a.ID != b.ID || a.Status != b.Status || a.Method != b.Method || a.IsMuted != b.IsMuted {
		return false
	}
	if (a.LastInteractionAt == nil) != (b.LastInteractionAt == nil) {
		return false
	}
	return a.LastInteractionAt == nil || a.LastInteractionAt.Equal(*b.LastInteractionAt)
}

func sameAlias(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func interactionOf(e *model.RelationshipEdge) time.Time {
	if e == nil || e.LastInteractionAt == nil {
		return time.Time{}
	}
	return *e.LastInteractionAt
}

func sortByInteraction(edges []model.RelationshipEdge) {
	sort.SliceStable(edges, func(i, j int) bool {
		ti, tj := interactionOf(&edges[i]), interactionOf(&edges[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return edges[i].PeerID.String() < edges[j].PeerID.String()
	})
}

func sortViews(views []FriendView) {
	sort.SliceStable(views, func(i, j int) bool {
		ti := model.LaterInteraction(lastOf(views[i].Outbound), lastOf(views[i].Inbound))
		tj := model.LaterInteraction(lastOf(views[j].Outbound), lastOf(views[j].Inbound))
		a, b := time.Time{}, time.Time{}
		if ti != nil {
			a = *ti
		}
		if tj != nil {
			b = *tj
		}
		if !a.Equal(b) {
			return a.After(b)
		}
		return views[i].Peer.ID.String() < views[j].Peer.ID.String()
	})
}

func lastOf(e *model.RelationshipEdge) *time.Time {
	if e == nil {
		return nil
	}
	return e.LastInteractionAt
}
