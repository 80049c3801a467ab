package service

import (
	"context"
	"testing"
	"time"

	"github.com/Fuzztrack/prout-app-sub000/model"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestReveal_RequestTwice 已在 pending 时再次请求返回冲突
func TestReveal_RequestTwice(t *testing.T) {
	f := newEngineFixture(t)
	peer := f.addPeer(t, "alice")
	f.befriend(peer)
	f.start(t)
	p := NewIdentityRevealProtocol(f.engine, f.dir)

	r, err := p.Request(context.Background(), peer)
	require.NoError(t, err)
	assert.Equal(t, model.RevealPending, r.State)

	r, err = p.Request(context.Background(), peer)
	assert.True(t, IsConflict(err, ConflictRevealPending))
	assert.Equal(t, model.RevealPending, r.State)
	assert.Equal(t, 1, f.dir.Calls("UpsertReveal"))

	_, err = p.Request(context.Background(), f.me)
	assert.True(t, IsValidation(err))
}

// TestReveal_TargetReveals 被请求方揭示后为终态
func TestReveal_TargetReveals(t *testing.T) {
	f := newEngineFixture(t)
	requester := f.addPeer(t, "bob")
	f.befriend(requester)
	require.NoError(t, f.dir.UpsertReveal(context.Background(), &model.IdentityReveal{RequesterID: requester, TargetID: f.me, State: model.RevealPending}))
	f.start(t)
	p := NewIdentityRevealProtocol(f.engine, f.dir)

	cur, err := p.State(context.Background(), requester, f.me)
	require.NoError(t, err)
	assert.Equal(t, model.RevealPending, cur.State, "本地没有时从远端读取")

	r, err := p.Reveal(context.Background(), requester, "  Jean Dupont ")
	require.NoError(t, err)
	assert.Equal(t, model.RevealRevealed, r.State)
	require.NotNil(t, r.Alias)
	assert.Equal(t, "Jean Dupont", *r.Alias)

	local, ok := f.store.Reveal(requester, f.me)
	require.True(t, ok)
	assert.Equal(t, model.RevealRevealed, local.State)

	// 终态：重复揭示不写远端
	writes := f.dir.Calls("UpsertReveal")
	_, err = p.Reveal(context.Background(), requester, "Autre")
	require.NoError(t, err)
	assert.Equal(t, writes, f.dir.Calls("UpsertReveal"))
}

// TestReveal_WithoutRequest 没有请求时不能揭示
func TestReveal_WithoutRequest(t *testing.T) {
	f := newEngineFixture(t)
	f.start(t)
	p := NewIdentityRevealProtocol(f.engine, f.dir)

	_, err := p.Reveal(context.Background(), uuid.New(), "Jean")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = p.Reveal(context.Background(), uuid.New(), "   ")
	assert.True(t, IsValidation(err))
}

// TestReveal_RequestAfterRevealed 已揭示时请求直接返回当前状态
func TestReveal_RequestAfterRevealed(t *testing.T) {
	f := newEngineFixture(t)
	target := f.addPeer(t, "carol")
	alias := "Caroline"
	require.NoError(t, f.dir.UpsertReveal(context.Background(), &model.IdentityReveal{RequesterID: f.me, TargetID: target, State: model.RevealRevealed, Alias: &alias}))
	f.start(t)
	p := NewIdentityRevealProtocol(f.engine, f.dir)

	r, err := p.Request(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, model.RevealRevealed, r.State)
	assert.Equal(t, "Caroline", *r.Alias)
}

// TestReveal_ArrivesViaFeed 对端揭示后通过实时推送更新本地状态
func TestReveal_ArrivesViaFeed(t *testing.T) {
	f := newEngineFixture(t)
	target := f.addPeer(t, "dave")
	f.start(t)
	p := NewIdentityRevealProtocol(f.engine, f.dir)

	_, err := p.Request(context.Background(), target)
	require.NoError(t, err)

	alias := "David"
	assert.Eventually(t, func() bool {
		f.dir.UpsertReveal(context.Background(), &model.IdentityReveal{RequesterID: f.me, TargetID: target, State: model.RevealRevealed, Alias: &alias})
		r, ok := f.store.Reveal(f.me, target)
		return ok && r.State == model.RevealRevealed
	}, 2*time.Second, 10*time.Millisecond)

	// 迟到的 pending 不能回退
	assert.Equal(t, ApplyRejected, f.store.ApplyReveal(model.IdentityReveal{RequesterID: f.me, TargetID: target, State: model.RevealPending}))
}
