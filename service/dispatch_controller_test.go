package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Fuzztrack/prout-app-sub000/model"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dispatchFixture struct {
	me, peer uuid.UUID
	clk      *clock.Mock
	store    *RelationshipStore
	dir      *MemoryDirectory
	dc       *DispatchController
}

func newDispatchFixture(t *testing.T) *dispatchFixture {
	t.Helper()
	f := &dispatchFixture{me: uuid.New(), peer: uuid.New(), dir: NewMemoryDirectory()}
	f.store, f.clk = newTestStore()
	f.store.PutProfiles([]model.Profile{
		{ID: f.me, Pseudo: "me", PushToken: strPtr("ExponentPushToken[me]")},
		{ID: f.peer, Pseudo: "peer", PushToken: strPtr("ExponentPushToken[peer]")},
	}, f.clk.Now())

	out := f.dir.PutEdge(model.RelationshipEdge{OwnerID: f.me, PeerID: f.peer, Status: model.StatusAccepted, Method: model.MethodSearch})
	in := f.dir.PutEdge(model.RelationshipEdge{OwnerID: f.peer, PeerID: f.me, Status: model.StatusAccepted, Method: model.MethodSearch})
	f.store.UpsertEdge(out)
	f.store.UpsertEdge(in)

	f.dc = NewDispatchController(f.me, f.store, f.dir, f.clk, DefaultDispatchConfig(), nil)
	return f
}

func (f *dispatchFixture) canSend() Decision {
	return f.dc.CanSend(context.Background(), f.peer)
}

// TestDispatch_Cooldown 同一接收者 2s 内只允许一次
func TestDispatch_Cooldown(t *testing.T) {
	f := newDispatchFixture(t)

	require.True(t, f.canSend().Allow)
	assert.Equal(t, Decision{Reason: DenyCooldown}, f.canSend())

	f.clk.Add(1999 * time.Millisecond)
	assert.Equal(t, DenyCooldown, f.canSend().Reason)

	f.clk.Add(time.Millisecond)
	assert.True(t, f.canSend().Allow, "冷却结束后允许")

	// 冷却按接收者计算
	other := uuid.New()
	f.store.PutProfiles([]model.Profile{{ID: other, PushToken: strPtr("tok")}}, f.clk.Now())
	assert.True(t, f.dc.CanSend(context.Background(), other).Allow)
}

// TestDispatch_GateOrder 第一个命中的闸门生效
func TestDispatch_GateOrder(t *testing.T) {
	f := newDispatchFixture(t)

	// 接收方静音了我，同时我开了 zen：报告 SenderZen
	f.dir.PutEdge(model.RelationshipEdge{OwnerID: f.peer, PeerID: f.me, Status: model.StatusAccepted, Method: model.MethodSearch, IsMuted: true})
	f.dc.SetZenMode(true)
	assert.Equal(t, DenySenderZen, f.canSend().Reason)

	f.dc.SetZenMode(false)
	assert.Equal(t, DenyMuted, f.canSend().Reason, "本地缓存未静音，远端实时查询命中")

	f.store.SetMuted(f.peer, f.me, true)
	assert.Equal(t, DenyRecipientZen, f.canSend().Reason, "缓存里的静音表现为 zen")
}

// TestDispatch_RecipientZen 对端开启 zen
func TestDispatch_RecipientZen(t *testing.T) {
	f := newDispatchFixture(t)
	f.store.PutProfiles([]model.Profile{{ID: f.peer, Pseudo: "peer", PushToken: strPtr("tok"), IsZenMode: true}}, f.clk.Now())
	assert.Equal(t, DenyRecipientZen, f.canSend().Reason)
}

// TestDispatch_SenderZenFromProfile 我的资料里开启了 zen
func TestDispatch_SenderZenFromProfile(t *testing.T) {
	f := newDispatchFixture(t)
	f.store.PutProfiles([]model.Profile{{ID: f.me, Pseudo: "me", IsZenMode: true}}, f.clk.Now())
	assert.Equal(t, DenySenderZen, f.canSend().Reason)
}

// TestDispatch_MuteIsAsymmetric 我静音对端不影响我给对端发送
func TestDispatch_MuteIsAsymmetric(t *testing.T) {
	f := newDispatchFixture(t)
	f.dir.PutEdge(model.RelationshipEdge{OwnerID: f.me, PeerID: f.peer, Status: model.StatusAccepted, Method: model.MethodSearch, IsMuted: true})
	f.store.SetMuted(f.me, f.peer, true)

	assert.True(t, f.canSend().Allow)
}

// TestDispatch_MuteCheckFailureFallsBack 远端查询失败时使用缓存
func TestDispatch_MuteCheckFailureFallsBack(t *testing.T) {
	f := newDispatchFixture(t)
	f.dir.FailOn("IsMutedBy", errors.New("timeout"))
	assert.True(t, f.canSend().Allow)
}

// TestDispatch_NoToken 空白 token 不会被转发
func TestDispatch_NoToken(t *testing.T) {
	f := newDispatchFixture(t)
	f.store.PutProfiles([]model.Profile{{ID: f.peer, Pseudo: "peer", PushToken: strPtr("   ")}}, f.clk.Now())
	assert.Equal(t, DenyNoToken, f.canSend().Reason)
}

// TestDispatch_OutcomeRateLimited 限流后退避
func TestDispatch_OutcomeRateLimited(t *testing.T) {
	f := newDispatchFixture(t)
	require.True(t, f.canSend().Allow)
	f.dc.RecordOutcome(model.DispatchAttempt{RecipientID: f.peer, Outcome: string(OutcomeRateLimited)})

	f.clk.Add(10 * time.Second)
	assert.Equal(t, DenyCooldown, f.canSend().Reason)
	f.clk.Add(20 * time.Second)
	assert.True(t, f.canSend().Allow)
}

// TestDispatch_OutcomeTransportError 传输错误清除冷却，可以立即重试
func TestDispatch_OutcomeTransportError(t *testing.T) {
	f := newDispatchFixture(t)
	require.True(t, f.canSend().Allow)
	f.dc.RecordOutcome(model.DispatchAttempt{RecipientID: f.peer, Outcome: string(OutcomeTransportError)})
	assert.True(t, f.canSend().Allow)
}

// TestDispatch_OutcomeUninstalled 卸载后剔除接收者，直到目录刷新出新的 token
func TestDispatch_OutcomeUninstalled(t *testing.T) {
	f := newDispatchFixture(t)
	require.True(t, f.canSend().Allow)
	f.dc.RecordOutcome(model.DispatchAttempt{RecipientID: f.peer, Token: "ExponentPushToken[peer]", Outcome: string(OutcomeAppUninstalled)})

	assert.False(t, f.dc.Routable(f.peer))
	assert.Equal(t, DenyUnroutable, f.canSend().Reason)

	// 刷新后 token 未变：仍然不可投递
	f.clk.Add(time.Second)
	f.store.PutProfiles([]model.Profile{{ID: f.peer, Pseudo: "peer", PushToken: strPtr("ExponentPushToken[peer]")}}, f.clk.Now())
	assert.Equal(t, DenyUnroutable, f.canSend().Reason)

	// 新 token
	f.store.PutProfiles([]model.Profile{{ID: f.peer, Pseudo: "peer", PushToken: strPtr("ExponentPushToken[new]")}}, f.clk.Now())
	assert.True(t, f.canSend().Allow)
	assert.True(t, f.dc.Routable(f.peer))
}

func TestDispatch_Reset(t *testing.T) {
	f := newDispatchFixture(t)
	require.True(t, f.canSend().Allow)
	f.dc.SetZenMode(true)
	f.dc.Reset()
	assert.True(t, f.canSend().Allow)
}
