package service

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/Fuzztrack/prout-app-sub000/model"

	"github.com/google/uuid"
)

const maxAliasLength = 100

// IdentityRevealProtocol 按 (requester, target) 的身份揭示状态机：none -> pending -> revealed
type IdentityRevealProtocol struct {
	engine *ReconciliationEngine
	repo   RevealRepository
}

func NewIdentityRevealProtocol(engine *ReconciliationEngine, repo RevealRepository) *IdentityRevealProtocol {
	return &IdentityRevealProtocol{engine: engine, repo: repo}
}

// State 返回当前状态；本地没有时向远端查询一次
func (p *IdentityRevealProtocol) State(ctx context.Context, requesterID, targetID uuid.UUID) (model.IdentityReveal, error) {
	if r, ok := p.engine.Store().Reveal(requesterID, targetID); ok {
		return r, nil
	}
	remote, err := p.repo.GetReveal(ctx, requesterID, targetID)
	if err != nil {
		return model.IdentityReveal{}, fmt.Errorf("failed to load reveal: %w", err)
	}
	if remote == nil {
		return model.IdentityReveal{RequesterID: requesterID, TargetID: targetID, State: model.RevealNone}, nil
	}
	p.apply(ctx, *remote)
	return *remote, nil
}

// Request 我请求对端揭示身份
// 已在 pending 时返回 ConflictRevealPending，调用方可提示"已经问过，是否再提醒"
func (p *IdentityRevealProtocol) Request(ctx context.Context, targetID uuid.UUID) (model.IdentityReveal, error) {
	me := p.engine.Me()
	if targetID == uuid.Nil || targetID == me {
		return model.IdentityReveal{}, invalid("target_id", "invalid")
	}

	cur, err := p.State(ctx, me, targetID)
	if err != nil {
		return model.IdentityReveal{}, err
	}
	switch cur.State {
	case model.RevealPending:
		return cur, conflict(ConflictRevealPending)
	case model.RevealRevealed:
		return cur, nil
	}

	r := &model.IdentityReveal{RequesterID: me, TargetID: targetID, State: model.RevealPending}
	if err := p.repo.UpsertReveal(ctx, r); err != nil {
		return model.IdentityReveal{}, fmt.Errorf("failed to request reveal: %w", err)
	}
	p.apply(ctx, *r)
	return *r, nil
}

// Reveal 对端（target 为我）同意揭示，alias 只对 requester 可见；revealed 为终态
func (p *IdentityRevealProtocol) Reveal(ctx context.Context, requesterID uuid.UUID, alias string) (model.IdentityReveal, error) {
	me := p.engine.Me()
	alias = strings.TrimSpace(alias)
	if alias == "" {
		return model.IdentityReveal{}, invalid("alias", "required")
	}
	if utf8.RuneCountInString(alias) > maxAliasLength {
		return model.IdentityReveal{}, invalid("alias", "too long")
	}

	cur, err := p.State(ctx, requesterID, me)
	if err != nil {
		return model.IdentityReveal{}, err
	}
	switch cur.State {
	case model.RevealRevealed:
		return cur, nil
	case model.RevealNone:
		return model.IdentityReveal{}, ErrNotFound
	}

	r := &model.IdentityReveal{RequesterID: requesterID, TargetID: me, State: model.RevealRevealed, Alias: &alias}
	if err := p.repo.UpsertReveal(ctx, r); err != nil {
		return model.IdentityReveal{}, fmt.Errorf("failed to reveal identity: %w", err)
	}
	p.apply(ctx, *r)
	return *r, nil
}

func (p *IdentityRevealProtocol) apply(ctx context.Context, r model.IdentityReveal) {
	p.engine.Do(ctx, func() { p.engine.Store().ApplyReveal(r) })
}
