package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/mail"
	"strings"
	"unicode/utf8"

	"github.com/Fuzztrack/prout-app-sub000/model"

	"github.com/google/uuid"
)

const (
	maxPseudoLength  = 50
	minSearchLength  = 2
	defaultSearchMax = 20
)

// InvitationResolver 把邀请（搜索 / pseudo / email / 电话）映射到至多一条关系边
type InvitationResolver struct {
	engine  *ReconciliationEngine
	dir     Directory
	rel     *RelationshipService
	matcher *PhoneMatcher
}

func NewInvitationResolver(engine *ReconciliationEngine, dir Directory, rel *RelationshipService, matcher *PhoneMatcher) *InvitationResolver {
	return &InvitationResolver{engine: engine, dir: dir, rel: rel, matcher: matcher}
}

// canonicalIdentifier 本地校验并规范化标识，任何网络调用之前完成
func (r *InvitationResolver) canonicalIdentifier(channel model.InvitationChannel, identifier string) (string, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "", invalid("identifier", "required")
	}
	switch channel {
	case model.ChannelSearch:
		id, err := uuid.Parse(identifier)
		if err != nil {
			return "", invalid("identifier", "not a user id")
		}
		return id.String(), nil
	case model.ChannelPseudo:
		if utf8.RuneCountInString(identifier) > maxPseudoLength {
			return "", invalid("identifier", "pseudo too long")
		}
		return identifier, nil
	case model.ChannelEmail:
		addr, err := mail.ParseAddress(identifier)
		if err != nil || addr.Address != identifier {
			return "", invalid("identifier", "malformed email")
		}
		return strings.ToLower(identifier), nil
	case model.ChannelPhone:
		c, ok := r.matcher.Normalize(identifier)
		if !ok {
			return "", invalid("identifier", "malformed phone number")
		}
		return c, nil
	}
	return "", invalid("channel", "unknown")
}

// CreateInvitation 创建邀请
// 已解析到用户的目标走双向边决策表；尚未注册的 email / 电话只创建邀请记录
func (r *InvitationResolver) CreateInvitation(ctx context.Context, channel model.InvitationChannel, identifier string) (*model.InvitationRecord, error) {
	me := r.engine.Me()
	canonical, err := r.canonicalIdentifier(channel, identifier)
	if err != nil {
		return nil, err
	}

	target, err := r.dir.FindProfile(ctx, channel, canonical)
	switch {
	case errors.Is(err, ErrNotFound):
		if channel == model.ChannelEmail || channel == model.ChannelPhone {
			return r.recordOnly(ctx, me, channel, canonical)
		}
		return nil, ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("failed to resolve invitation target: %w", err)
	}
	if target.ID == me {
		return nil, invalid("identifier", "cannot invite yourself")
	}
	return r.invitePeer(ctx, me, target.ID)
}

// recordOnly 目标尚未注册：只记录邀请，不创建边
func (r *InvitationResolver) recordOnly(ctx context.Context, me uuid.UUID, channel model.InvitationChannel, canonical string) (*model.InvitationRecord, error) {
	existing, err := r.dir.FindPendingInvitation(ctx, me, channel, canonical)
	if err != nil {
		return nil, fmt.Errorf("failed to check invitations: %w", err)
	}
	if existing != nil {
		return nil, conflict(ConflictInvitationPending)
	}

	rec := model.NewInvitationRecord(me, channel, canonical)
	if err := rec.Validate(); err != nil {
		return nil, invalid("identifier", err.Error())
	}
	if err := r.dir.CreateInvitation(ctx, &rec); err != nil {
		return nil, fmt.Errorf("failed to create invitation: %w", err)
	}
	return &rec, nil
}

// invitePeer 对已知 peer 按顺序套用决策表
func (r *InvitationResolver) invitePeer(ctx context.Context, me, peer uuid.UUID) (*model.InvitationRecord, error) {
	ab, ba, err := r.dir.EdgesBetween(ctx, me, peer)
	if err != nil {
		return nil, fmt.Errorf("failed to load edges: %w", err)
	}

	if isStatus(ab, model.StatusBlocked) || isStatus(ba, model.StatusBlocked) {
		return nil, conflict(ConflictBlocked)
	}

	// 1. 任一方向已接受；单独存在的反向 contact 边留给第 4 条处理
	loneReverseContact := isStatus(ba, model.StatusAccepted) && ba.Method == model.MethodContact && !isStatus(ab, model.StatusAccepted)
	if isStatus(ab, model.StatusAccepted) || (isStatus(ba, model.StatusAccepted) && !loneReverseContact) {
		return nil, conflict(ConflictAlreadyFriends)
	}

	// 2. 任一方向已有待处理的邀请
	if (isStatus(ab, model.StatusPending) && ab.Method == model.MethodInvitation) ||
		(isStatus(ba, model.StatusPending) && ba.Method == model.MethodInvitation) {
		return nil, conflict(ConflictInvitationPending)
	}

	// 3. A->B 以其他来源存在：原地改为邀请
	if ab != nil {
		if err := r.repurpose(ctx, *ab); err != nil {
			return nil, err
		}
		return r.mirrorRecord(ctx, me, peer), nil
	}

	// 4. 搜索邀请不能和反向的 contact accepted 边共存
	if loneReverseContact {
		if err := r.dropReverseContact(ctx, me, peer); err != nil {
			return nil, err
		}
	}

	// 5. 新建 A->B 邀请边并镜像一条邀请记录
	return r.createInvitationEdge(ctx, me, peer)
}

func isStatus(e *model.RelationshipEdge, status model.EdgeStatus) bool {
	return e != nil && e.Status == status
}

func (r *InvitationResolver) repurpose(ctx context.Context, ab model.RelationshipEdge) error {
	method := model.MethodInvitation
	status := model.StatusPending
	gen := r.engine.Generation()
	updated, err := r.dir.UpdateEdge(ctx, ab.OwnerID, ab.PeerID, EdgePatch{Method: &method, Status: &status})
	if err != nil {
		return fmt.Errorf("failed to convert edge to invitation: %w", err)
	}
	return r.engine.DoGen(ctx, gen, func() { r.engine.Store().Repurpose(updated) })
}

func (r *InvitationResolver) dropReverseContact(ctx context.Context, me, peer uuid.UUID) error {
	_, err := r.engine.Optimistic(ctx,
		func(st *RelationshipStore) ([]Tag, error) {
			epoch, res := st.RemoveOptimistic(peer, me)
			return []Tag{{Key: model.EdgeKey{Owner: peer, Peer: me}, Epoch: epoch, Result: res}}, nil
		},
		func(ctx context.Context) error {
			if err := r.dir.DeleteEdge(ctx, peer, me); err != nil && !errors.Is(err, ErrNotFound) {
				return fmt.Errorf("failed to delete reverse contact edge: %w", err)
			}
			return nil
		},
		func(st *RelationshipStore) { st.Remove(peer, me) },
	)
	return err
}

func (r *InvitationResolver) createInvitationEdge(ctx context.Context, me, peer uuid.UUID) (*model.InvitationRecord, error) {
	edge := model.RelationshipEdge{OwnerID: me, PeerID: peer, Status: model.StatusPending, Method: model.MethodInvitation}
	var created model.RelationshipEdge
	remote := func(ctx context.Context) error {
		var err error
		created, err = r.dir.UpsertEdge(ctx, edge)
		if err != nil {
			return fmt.Errorf("failed to create invitation edge: %w", err)
		}
		return nil
	}

	res, err := r.engine.Optimistic(ctx,
		func(st *RelationshipStore) ([]Tag, error) {
			epoch, res := st.CreateOptimistic(edge)
			return []Tag{{Key: edge.Key(), Epoch: epoch, Result: res}}, nil
		},
		remote,
		func(st *RelationshipStore) { st.UpsertEdge(created) },
	)
	if err != nil {
		return nil, err
	}
	if res == ApplyNoop {
		// 本地还留着远端已经没有的边，直接以远端为准
		if err := remote(ctx); err != nil {
			return nil, err
		}
		r.engine.ApplyRemote(ctx, created)
	}
	return r.mirrorRecord(ctx, me, peer), nil
}

// mirrorRecord 为已解析的邀请保留一条记录；边才是权威状态，记录失败只记日志并返回 nil
func (r *InvitationResolver) mirrorRecord(ctx context.Context, me, peer uuid.UUID) *model.InvitationRecord {
	existing, err := r.dir.FindPendingInvitation(ctx, me, model.ChannelSearch, peer.String())
	if err != nil {
		log.Printf("[ERROR] Failed to check invitation record for %s: %v", peer, err)
	}
	if existing != nil {
		return existing
	}
	rec := model.NewInvitationRecord(me, model.ChannelSearch, peer.String())
	if err := r.dir.CreateInvitation(ctx, &rec); err != nil {
		log.Printf("[ERROR] Failed to mirror invitation record for %s: %v", peer, err)
		return nil
	}
	return &rec
}

// ============================================
// 收到的邀请记录
// ============================================

// myIdentifiers 当前用户的规范化 email / 电话
func (r *InvitationResolver) myIdentifiers() (email, phone string) {
	p, ok := r.engine.Store().Profile(r.engine.Me())
	if !ok {
		return "", ""
	}
	if p.Email != nil {
		email = strings.ToLower(strings.TrimSpace(*p.Email))
	}
	if p.Phone != nil {
		if c, ok := r.matcher.Normalize(*p.Phone); ok {
			phone = c
		}
	}
	return email, phone
}

// ListPendingInvitations 发给我的待处理邀请记录（按 user id / email / 电话）
func (r *InvitationResolver) ListPendingInvitations(ctx context.Context) ([]model.InvitationRecord, error) {
	email, phone := r.myIdentifiers()
	recs, err := r.dir.ListInvitationsTo(ctx, r.engine.Me(), email, phone)
	if err != nil {
		return nil, fmt.Errorf("failed to list invitations: %w", err)
	}
	out := make([]model.InvitationRecord, 0, len(recs))
	for _, rec := range recs {
		if rec.Status == model.InvitationPending {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *InvitationResolver) loadAddressedToMe(ctx context.Context, id uuid.UUID) (*model.InvitationRecord, error) {
	rec, err := r.dir.GetInvitation(ctx, id)
	if err != nil {
		return nil, err
	}
	me := r.engine.Me()
	email, phone := r.myIdentifiers()
	ch, target := rec.Target()
	addressed := (ch == model.ChannelSearch && target == me.String()) ||
		(ch == model.ChannelEmail && email != "" && strings.EqualFold(target, email)) ||
		(ch == model.ChannelPhone && phone != "" && target == phone)
	if !addressed {
		return nil, ErrNotFound
	}
	return rec, nil
}

// AcceptInvitationRecord 接受一条邀请记录
// 邮件 / 电话邀请在这里提升为邀请边（与第 5 条相同），然后对邀请人的出边做一次权威的 accepted 迁移
func (r *InvitationResolver) AcceptInvitationRecord(ctx context.Context, id uuid.UUID) error {
	rec, err := r.loadAddressedToMe(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status == model.InvitationAccepted {
		return nil
	}
	if rec.Status != model.InvitationPending {
		return invalid("invitation", "already "+string(rec.Status))
	}
	me, from := r.engine.Me(), rec.FromID

	if _, ok := r.engine.Store().Edge(from, me); !ok {
		edge := model.RelationshipEdge{OwnerID: from, PeerID: me, Status: model.StatusPending, Method: model.MethodInvitation}
		created, err := r.dir.UpsertEdge(ctx, edge)
		if err != nil {
			return fmt.Errorf("failed to promote invitation: %w", err)
		}
		r.engine.ApplyRemote(ctx, created)
	}
	if err := r.rel.Accept(ctx, from); err != nil {
		return err
	}
	if err := r.dir.SetInvitationStatus(ctx, rec.ID, model.InvitationAccepted); err != nil {
		log.Printf("[ERROR] Failed to update invitation %s: %v", rec.ID, err)
	}
	return nil
}

// RejectInvitationRecord 拒绝一条邀请记录
func (r *InvitationResolver) RejectInvitationRecord(ctx context.Context, id uuid.UUID) error {
	rec, err := r.loadAddressedToMe(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status == model.InvitationRejected {
		return nil
	}
	if rec.Status != model.InvitationPending {
		return invalid("invitation", "already "+string(rec.Status))
	}
	if edge, ok := r.engine.Store().Edge(rec.FromID, r.engine.Me()); ok && edge.Status == model.StatusPending {
		if err := r.rel.Reject(ctx, rec.FromID); err != nil {
			return err
		}
	}
	if err := r.dir.SetInvitationStatus(ctx, rec.ID, model.InvitationRejected); err != nil {
		return fmt.Errorf("failed to reject invitation: %w", err)
	}
	return nil
}

// ============================================
// 搜索与建议
// ============================================

// SearchByPseudo 按 pseudo 前缀搜索用户（不含自己）
func (r *InvitationResolver) SearchByPseudo(ctx context.Context, prefix string, limit int) ([]model.Profile, error) {
	prefix = strings.TrimSpace(prefix)
	if utf8.RuneCountInString(prefix) < minSearchLength {
		return nil, invalid("query", "too short")
	}
	if limit <= 0 || limit > defaultSearchMax {
		limit = defaultSearchMax
	}
	profiles, err := r.dir.SearchProfiles(ctx, prefix, limit+1)
	if err != nil {
		return nil, fmt.Errorf("failed to search profiles: %w", err)
	}
	me := r.engine.Me()
	out := make([]model.Profile, 0, len(profiles))
	for _, p := range profiles {
		if p.ID != me && len(out) < limit {
			out = append(out, p)
		}
	}
	return out, nil
}

// Suggestions 通讯录里存了我的号码的用户（仅作为建议）
func (r *InvitationResolver) Suggestions(ctx context.Context) ([]model.Profile, error) {
	_, phone := r.myIdentifiers()
	if phone == "" {
		return []model.Profile{}, nil
	}
	profiles, err := r.matcher.Suggestions(ctx, phone)
	if err != nil {
		return nil, err
	}
	me := r.engine.Me()
	st := r.engine.Store()
	out := make([]model.Profile, 0, len(profiles))
	for _, p := range profiles {
		if p.ID == me {
			continue
		}
		if _, ok := st.Edge(me, p.ID); ok {
			continue
		}
		if _, ok := st.Edge(p.ID, me); ok {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}
