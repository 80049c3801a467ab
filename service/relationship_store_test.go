package service

import (
	"testing"
	"time"

	"github.com/Fuzztrack/prout-app-sub000/model"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore() (*RelationshipStore, *clock.Mock) {
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	return NewRelationshipStore(clk, DefaultStoreConfig()), clk
}

func edge(owner, peer uuid.UUID, status model.EdgeStatus, method model.EdgeMethod) model.RelationshipEdge {
	return model.RelationshipEdge{ID: uuid.New(), OwnerID: owner, PeerID: peer, Status: status, Method: method}
}

// TestStore_UpsertIdempotent 同一条边应用两次，第二次为 no-op
func TestStore_UpsertIdempotent(t *testing.T) {
	s, _ := newTestStore()
	a, b := uuid.New(), uuid.New()
	e := edge(a, b, model.StatusAccepted, model.MethodSearch)

	assert.Equal(t, ApplyChanged, s.UpsertEdge(e))
	assert.Equal(t, ApplyNoop, s.UpsertEdge(e))
	assert.Len(t, s.EdgesFor(a), 1)
	assert.Empty(t, s.EdgesFor(b), "边是有向的")
}

// TestStore_LatticeRejectsDowngrade 迟到的 pending 不能覆盖 accepted
func TestStore_LatticeRejectsDowngrade(t *testing.T) {
	s, _ := newTestStore()
	a, b := uuid.New(), uuid.New()
	e := edge(a, b, model.StatusAccepted, model.MethodInvitation)
	require.Equal(t, ApplyChanged, s.UpsertEdge(e))

	late := e
	late.Status = model.StatusPending
	assert.Equal(t, ApplyRejected, s.UpsertEdge(late))

	got, ok := s.Edge(a, b)
	require.True(t, ok)
	assert.Equal(t, model.StatusAccepted, got.Status)

	assert.Equal(t, ApplyChanged, s.ApplyStatus(a, b, model.StatusBlocked))
	assert.Equal(t, ApplyRejected, s.ApplyStatus(a, b, model.StatusAccepted))
	assert.Equal(t, ApplyNoop, s.ApplyStatus(a, b, model.StatusBlocked))
}

// TestStore_ReorderedEventsConverge 两种到达顺序收敛到同一状态
func TestStore_ReorderedEventsConverge(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	pending := edge(a, b, model.StatusPending, model.MethodInvitation)
	accepted := pending
	accepted.Status = model.StatusAccepted

	s1, _ := newTestStore()
	s1.UpsertEdge(pending)
	s1.UpsertEdge(accepted)

	s2, _ := newTestStore()
	s2.UpsertEdge(accepted)
	s2.UpsertEdge(pending)

	e1, _ := s1.Edge(a, b)
	e2, _ := s2.Edge(a, b)
	assert.Equal(t, e1.Status, e2.Status)
	assert.Equal(t, model.StatusAccepted, e1.Status)
}

// TestStore_MethodImmutable 普通 upsert 不改变来源
func TestStore_MethodImmutable(t *testing.T) {
	s, _ := newTestStore()
	a, b := uuid.New(), uuid.New()
	e := edge(a, b, model.StatusAccepted, model.MethodContact)
	s.UpsertEdge(e)

	other := e
	other.Method = model.MethodInvitation
	s.UpsertEdge(other)
	got, _ := s.Edge(a, b)
	assert.Equal(t, model.MethodContact, got.Method)

	// 只有 Repurpose 可以改
	other.Status = model.StatusPending
	s.Repurpose(other)
	got, _ = s.Edge(a, b)
	assert.Equal(t, model.MethodInvitation, got.Method)
	assert.Equal(t, model.StatusPending, got.Status)
}

// TestStore_RemoveIdempotent 重复删除为 no-op
func TestStore_RemoveIdempotent(t *testing.T) {
	s, _ := newTestStore()
	a, b := uuid.New(), uuid.New()
	s.UpsertEdge(edge(a, b, model.StatusAccepted, model.MethodSearch))

	assert.Equal(t, ApplyChanged, s.Remove(a, b))
	assert.Equal(t, ApplyNoop, s.Remove(a, b))
	assert.Equal(t, ApplyNoop, s.Remove(b, a), "不存在的边删除也是 no-op")
	assert.Empty(t, s.EdgesFor(a))
}

// TestStore_TombstoneRejectsLateRow 已删除行的迟到事件不能复活，新行可以
func TestStore_TombstoneRejectsLateRow(t *testing.T) {
	s, clk := newTestStore()
	a, b := uuid.New(), uuid.New()
	e := edge(a, b, model.StatusPending, model.MethodSearch)
	s.UpsertEdge(e)

	require.Equal(t, ApplyChanged, s.RemoveRow(e.Key(), e.ID))

	late := e
	late.Status = model.StatusAccepted
	assert.Equal(t, ApplyRejected, s.UpsertEdge(late))
	_, ok := s.Edge(a, b)
	assert.False(t, ok)

	fresh := edge(a, b, model.StatusPending, model.MethodInvitation)
	assert.Equal(t, ApplyChanged, s.UpsertEdge(fresh))
	got, ok := s.Edge(a, b)
	require.True(t, ok)
	assert.Equal(t, fresh.ID, got.ID)

	// 旧行的删除事件不影响新行
	assert.Equal(t, ApplyRejected, s.RemoveRow(e.Key(), e.ID))
	_, ok = s.Edge(a, b)
	assert.True(t, ok)

	// 墓碑过期后被清理
	s.RemoveRow(fresh.Key(), fresh.ID)
	clk.Add(DefaultStoreConfig().TombstoneTTL + time.Second)
	s.Reconcile(func(model.EdgeKey) bool { return false }, nil, clk.Now())
	assert.Equal(t, ApplyChanged, s.UpsertEdge(fresh), "墓碑清理后同一行可以重新出现")
}

// TestStore_OptimisticDeferredWithinGrace 宽限期内远端旧值不覆盖本地乐观写，过期后远端获胜
func TestStore_OptimisticDeferredWithinGrace(t *testing.T) {
	s, clk := newTestStore()
	me, peer := uuid.New(), uuid.New()
	in := edge(peer, me, model.StatusPending, model.MethodSearch)
	s.UpsertEdge(in)

	epoch, res := s.ApplyStatusOptimistic(peer, me, model.StatusAccepted)
	require.Equal(t, ApplyChanged, res)
	require.NotZero(t, epoch)
	assert.True(t, s.HasOptimistic(peer, me))

	clk.Add(2 * time.Second)
	assert.Equal(t, ApplyDeferred, s.UpsertEdge(in))
	got, _ := s.Edge(peer, me)
	assert.Equal(t, model.StatusAccepted, got.Status)

	clk.Add(4 * time.Second)
	assert.Equal(t, ApplyChanged, s.UpsertEdge(in))
	got, _ = s.Edge(peer, me)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.False(t, s.HasOptimistic(peer, me))
}

// TestStore_OptimisticConfirmed 远端确认后清除乐观标记
func TestStore_OptimisticConfirmed(t *testing.T) {
	s, _ := newTestStore()
	me, peer := uuid.New(), uuid.New()
	in := edge(peer, me, model.StatusPending, model.MethodSearch)
	s.UpsertEdge(in)
	s.ApplyStatusOptimistic(peer, me, model.StatusAccepted)

	confirmed := in
	confirmed.Status = model.StatusAccepted
	assert.Equal(t, ApplyNoop, s.UpsertEdge(confirmed))
	assert.False(t, s.HasOptimistic(peer, me))

	// 重复接受是 no-op
	_, res := s.ApplyStatusOptimistic(peer, me, model.StatusAccepted)
	assert.Equal(t, ApplyNoop, res)
}

// TestStore_Rollback 远端失败后恢复到乐观写之前
func TestStore_Rollback(t *testing.T) {
	s, _ := newTestStore()
	me, peer := uuid.New(), uuid.New()
	out := edge(me, peer, model.StatusAccepted, model.MethodSearch)
	s.UpsertEdge(out)

	epoch, res := s.RemoveOptimistic(me, peer)
	require.Equal(t, ApplyChanged, res)
	_, ok := s.Edge(me, peer)
	require.False(t, ok)

	assert.False(t, s.Rollback(out.Key(), epoch+1), "epoch 不匹配不回滚")
	assert.True(t, s.Rollback(out.Key(), epoch))
	got, ok := s.Edge(me, peer)
	require.True(t, ok)
	assert.Equal(t, model.StatusAccepted, got.Status)
	assert.False(t, s.HasOptimistic(me, peer))

	// 新建边的回滚等于删除
	other := uuid.New()
	epoch, res = s.CreateOptimistic(edge(me, other, model.StatusPending, model.MethodInvitation))
	require.Equal(t, ApplyChanged, res)
	assert.True(t, s.Rollback(model.EdgeKey{Owner: me, Peer: other}, epoch))
	_, ok = s.Edge(me, other)
	assert.False(t, ok)
}

// TestStore_ReconcileKeepsOptimisticCreate 轮询早于远端写入时，本地新建的边在宽限期内保留
func TestStore_ReconcileKeepsOptimisticCreate(t *testing.T) {
	s, clk := newTestStore()
	a, b := uuid.New(), uuid.New()
	scope := func(k model.EdgeKey) bool { return k.Owner == a || k.Peer == a }

	startedAt := clk.Now()
	local := edge(a, b, model.StatusPending, model.MethodInvitation)
	local.ID = uuid.Nil
	_, res := s.CreateOptimistic(local)
	require.Equal(t, ApplyChanged, res)

	clk.Add(100 * time.Millisecond)
	report := s.Reconcile(scope, nil, startedAt)
	assert.Equal(t, 0, report.Removed)
	assert.Equal(t, 1, report.Deferred, "需要安排重试")
	_, ok := s.Edge(a, b)
	assert.True(t, ok, "宽限期内保留乐观新建的边")
	assert.True(t, s.HasOptimistic(a, b))

	// 远端写入后确认
	confirmed := edge(a, b, model.StatusPending, model.MethodInvitation)
	s.UpsertEdge(confirmed)
	assert.False(t, s.HasOptimistic(a, b))
	got, ok := s.Edge(a, b)
	require.True(t, ok)
	assert.Equal(t, confirmed.ID, got.ID)
}

// TestStore_ReconcileDropsUnconfirmedCreate 超过宽限期仍缺席，远端获胜
func TestStore_ReconcileDropsUnconfirmedCreate(t *testing.T) {
	s, clk := newTestStore()
	a, b := uuid.New(), uuid.New()
	scope := func(k model.EdgeKey) bool { return k.Owner == a || k.Peer == a }

	_, res := s.CreateOptimistic(edge(a, b, model.StatusPending, model.MethodSearch))
	require.Equal(t, ApplyChanged, res)

	clk.Add(6 * time.Second)
	report := s.Reconcile(scope, nil, clk.Now())
	assert.Equal(t, 1, report.Removed)
	_, ok := s.Edge(a, b)
	assert.False(t, ok)
	assert.False(t, s.HasOptimistic(a, b))
}

// TestStore_MuteAsymmetric 静音只影响 owner 一侧的边
func TestStore_MuteAsymmetric(t *testing.T) {
	s, _ := newTestStore()
	a, b := uuid.New(), uuid.New()
	s.UpsertEdge(edge(a, b, model.StatusAccepted, model.MethodSearch))
	s.UpsertEdge(edge(b, a, model.StatusAccepted, model.MethodSearch))

	_, res := s.SetMutedOptimistic(a, b, true)
	require.Equal(t, ApplyChanged, res)

	ab, _ := s.Edge(a, b)
	ba, _ := s.Edge(b, a)
	assert.True(t, ab.IsMuted)
	assert.False(t, ba.IsMuted)

	// b 看 a：a 静音了 b，所以 a 对 b 显示为 zen
	assert.True(t, s.View(b, a).AppearsZen())
	assert.False(t, s.View(a, b).AppearsZen())

	// 远端确认
	assert.Equal(t, ApplyNoop, s.SetMuted(a, b, true))
	assert.False(t, s.HasOptimistic(a, b))
}

// TestStore_ReconcileRemovesMissing 全量对账删除缺席的边，但保留对账开始后被实时事件更新的边
func TestStore_ReconcileRemovesMissing(t *testing.T) {
	s, clk := newTestStore()
	me := uuid.New()
	b, c, d := uuid.New(), uuid.New(), uuid.New()
	eb := edge(me, b, model.StatusAccepted, model.MethodSearch)
	s.UpsertEdge(eb)
	s.UpsertEdge(edge(me, c, model.StatusAccepted, model.MethodSearch))

	clk.Add(time.Second)
	startedAt := clk.Now()
	clk.Add(time.Second)
	s.UpsertEdge(edge(me, d, model.StatusPending, model.MethodInvitation))

	report := s.Reconcile(func(k model.EdgeKey) bool { return k.Owner == me || k.Peer == me }, []model.RelationshipEdge{eb}, startedAt)
	assert.Equal(t, 1, report.Removed)
	assert.Equal(t, 0, report.Changed)

	_, ok := s.Edge(me, c)
	assert.False(t, ok)
	_, ok = s.Edge(me, d)
	assert.True(t, ok, "实时事件刚写入的边不能被旧的轮询结果删除")
}

// TestStore_FriendViews 好友与待处理请求视图
func TestStore_FriendViews(t *testing.T) {
	s, _ := newTestStore()
	me := uuid.New()
	friend, asker, asked := uuid.New(), uuid.New(), uuid.New()

	s.PutProfiles([]model.Profile{{ID: friend, Pseudo: "friend"}, {ID: asker, Pseudo: "asker"}}, time.Time{})
	// 只有一个方向可见的过渡窗口也算好友
	s.UpsertEdge(edge(friend, me, model.StatusAccepted, model.MethodInvitation))
	s.UpsertEdge(edge(asker, me, model.StatusPending, model.MethodSearch))
	s.UpsertEdge(edge(me, asked, model.StatusPending, model.MethodSearch))

	friends := s.Friends(me)
	require.Len(t, friends, 1)
	assert.Equal(t, "friend", friends[0].Peer.Pseudo)
	assert.Nil(t, friends[0].Outbound)
	assert.NotNil(t, friends[0].Inbound)

	inbound := s.PendingInbound(me)
	require.Len(t, inbound, 1)
	assert.Equal(t, asker, inbound[0].Peer.ID)

	outbound := s.PendingOutbound(me)
	require.Len(t, outbound, 1)
	assert.Equal(t, asked, outbound[0].Peer.ID)

	// 反方向已接受后，请求不再出现在收件箱
	s.UpsertEdge(edge(me, asker, model.StatusAccepted, model.MethodSearch))
	assert.Empty(t, s.PendingInbound(me))

	friendsSnap, pendingSnap := s.SnapshotEntries(me)
	assert.Len(t, friendsSnap, 2)
	assert.Empty(t, pendingSnap)
}

// TestStore_RevealMonotonic 身份揭示状态只前进
func TestStore_RevealMonotonic(t *testing.T) {
	s, _ := newTestStore()
	a, b := uuid.New(), uuid.New()
	alias := "Jean"

	assert.Equal(t, ApplyChanged, s.ApplyReveal(model.IdentityReveal{RequesterID: a, TargetID: b, State: model.RevealPending}))
	assert.Equal(t, ApplyChanged, s.ApplyReveal(model.IdentityReveal{RequesterID: a, TargetID: b, State: model.RevealRevealed, Alias: &alias}))
	assert.Equal(t, ApplyRejected, s.ApplyReveal(model.IdentityReveal{RequesterID: a, TargetID: b, State: model.RevealPending}))

	r, ok := s.Reveal(a, b)
	require.True(t, ok)
	assert.Equal(t, model.RevealRevealed, r.State)
	_, ok = s.Reveal(b, a)
	assert.False(t, ok, "揭示是有向的")
}

// TestStore_SubscribeNotifies 每次可见变化通知一次
func TestStore_SubscribeNotifies(t *testing.T) {
	s, _ := newTestStore()
	var kinds []ChangeKind
	s.Subscribe(func(ch StoreChange) { kinds = append(kinds, ch.Kind) })

	a, b := uuid.New(), uuid.New()
	e := edge(a, b, model.StatusPending, model.MethodSearch)
	s.UpsertEdge(e)
	s.UpsertEdge(e)
	s.Remove(a, b)

	assert.Equal(t, []ChangeKind{ChangeEdgeUpserted, ChangeEdgeRemoved}, kinds)
}
