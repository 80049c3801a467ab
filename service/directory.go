package service

import (
	"context"
	"time"

	"github.com/Fuzztrack/prout-app-sub000/model"

	"github.com/google/uuid"
)

// 远端关系库（目录 / 存储 RPC）的契约
// 远端保证：(owner_id, peer_id) 唯一；新建边默认 status=pending；
// 邀请边变为 accepted 后最终会由触发器创建反向的 accepted 边（不一定同步）

// EdgeFilter 边查询条件
type EdgeFilter struct {
	OwnerID  *uuid.UUID
	PeerID   *uuid.UUID
	Statuses []model.EdgeStatus
}

// EdgePatch 边的部分更新
type EdgePatch struct {
	Status            *model.EdgeStatus
	Method            *model.EdgeMethod
	IsMuted           *bool
	LastInteractionAt *time.Time
}

// EdgeDirectory 关系边表
type EdgeDirectory interface {
	QueryEdges(ctx context.Context, filter EdgeFilter) ([]model.RelationshipEdge, error)
	EdgesBetween(ctx context.Context, a, b uuid.UUID) (ab, ba *model.RelationshipEdge, err error)
	UpsertEdge(ctx context.Context, edge model.RelationshipEdge) (model.RelationshipEdge, error)
	UpdateEdge(ctx context.Context, ownerID, peerID uuid.UUID, patch EdgePatch) (model.RelationshipEdge, error)
	DeleteEdge(ctx context.Context, ownerID, peerID uuid.UUID) error
}

// ProfileDirectory 用户目录
type ProfileDirectory interface {
	ContactDirectory
	FindProfile(ctx context.Context, channel model.InvitationChannel, identifier string) (*model.Profile, error)
	SearchProfiles(ctx context.Context, prefix string, limit int) ([]model.Profile, error)
}

// MuteChecker 实时查询 owner 是否静音了 peer
type MuteChecker interface {
	IsMutedBy(ctx context.Context, ownerID, peerID uuid.UUID) (bool, error)
}

// InvitationRepository 邀请记录表
type InvitationRepository interface {
	CreateInvitation(ctx context.Context, rec *model.InvitationRecord) error
	FindPendingInvitation(ctx context.Context, fromID uuid.UUID, channel model.InvitationChannel, identifier string) (*model.InvitationRecord, error)
	GetInvitation(ctx context.Context, id uuid.UUID) (*model.InvitationRecord, error)
	ListInvitationsTo(ctx context.Context, userID uuid.UUID, email, phone string) ([]model.InvitationRecord, error)
	SetInvitationStatus(ctx context.Context, id uuid.UUID, status model.InvitationStatus) error
	SetPairInvitationStatus(ctx context.Context, fromID, toID uuid.UUID, status model.InvitationStatus) error
}

// NotificationRepository 未读 ping 标记表
type NotificationRepository interface {
	UpsertPendingNotification(ctx context.Context, n *model.PendingNotification) error
	ConsumePendingNotifications(ctx context.Context, toID uuid.UUID) ([]model.PendingNotification, error)
}

// RevealRepository 身份揭示表
type RevealRepository interface {
	GetReveal(ctx context.Context, requesterID, targetID uuid.UUID) (*model.IdentityReveal, error)
	UpsertReveal(ctx context.Context, r *model.IdentityReveal) error
}

// Directory 远端关系库的完整契约
type Directory interface {
	EdgeDirectory
	ProfileDirectory
	MuteChecker
	InvitationRepository
	NotificationRepository
	RevealRepository
}
