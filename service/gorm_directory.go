package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Fuzztrack/prout-app-sub000/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormDirectory 基于 Postgres 的远端关系库
type GormDirectory struct {
	db *gorm.DB
}

func NewGormDirectory(db *gorm.DB) *GormDirectory {
	return &GormDirectory{db: db}
}

// Migrate 建表；profiles.contacts 是反向匹配用的号码数组，不映射到模型
func (d *GormDirectory) Migrate() error {
	if err := d.db.AutoMigrate(
		&model.Profile{},
		&model.RelationshipEdge{},
		&model.InvitationRecord{},
		&model.PendingNotification{},
		&model.IdentityReveal{},
	); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	if err := d.db.Exec(`ALTER TABLE profiles ADD COLUMN IF NOT EXISTS contacts text[] NOT NULL DEFAULT '{}'`).Error; err != nil {
		return fmt.Errorf("failed to add contacts column: %w", err)
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// ============================================
// EdgeDirectory
// ============================================

func (d *GormDirectory) QueryEdges(ctx context.Context, filter EdgeFilter) ([]model.RelationshipEdge, error) {
	q := d.db.WithContext(ctx).Model(&model.RelationshipEdge{})
	if filter.OwnerID != nil {
		q = q.Where("owner_id = ?", *filter.OwnerID)
	}
	if filter.PeerID != nil {
		q = q.Where("peer_id = ?", *filter.PeerID)
	}
	if len(filter.Statuses) > 0 {
		q = q.Where("status IN ?", filter.Statuses)
	}

	var edges []model.RelationshipEdge
	if err := q.Order("id").Find(&edges).Error; err != nil {
		return nil, fmt.Errorf("failed to query edges: %w", err)
	}
	return edges, nil
}

func (d *GormDirectory) EdgesBetween(ctx context.Context, a, b uuid.UUID) (*model.RelationshipEdge, *model.RelationshipEdge, error) {
	var edges []model.RelationshipEdge
	err := d.db.WithContext(ctx).
		Where("(owner_id = ? AND peer_id = ?) OR (owner_id = ? AND peer_id = ?)", a, b, b, a).
		Find(&edges).Error
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query edges: %w", err)
	}

	var ab, ba *model.RelationshipEdge
	for i := range edges {
		if edges[i].OwnerID == a {
			ab = &edges[i]
		} else {
			ba = &edges[i]
		}
	}
	return ab, ba, nil
}

// UpsertEdge 以 (owner_id, peer_id) 为键写入；method 在冲突时保持不变
func (d *GormDirectory) UpsertEdge(ctx context.Context, edge model.RelationshipEdge) (model.RelationshipEdge, error) {
	if edge.ID == uuid.Nil {
		edge.ID = uuid.New()
	}
	if edge.Status == "" {
		edge.Status = model.StatusPending
	}
	err := d.db.WithContext(ctx).
		Clauses(
			clause.OnConflict{
				Columns:   []clause.Column{{Name: "owner_id"}, {Name: "peer_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"status", "is_muted"}),
			},
			clause.Returning{},
		).
		Create(&edge).Error
	if err != nil {
		return model.RelationshipEdge{}, fmt.Errorf("failed to upsert edge: %w", err)
	}
	return edge, nil
}

func (d *GormDirectory) UpdateEdge(ctx context.Context, ownerID, peerID uuid.UUID, patch EdgePatch) (model.RelationshipEdge, error) {
	updates := map[string]interface{}{}
	if patch.Status != nil {
		updates["status"] = *patch.Status
	}
	if patch.Method != nil {
		updates["method"] = *patch.Method
	}
	if patch.IsMuted != nil {
		updates["is_muted"] = *patch.IsMuted
	}
	if patch.LastInteractionAt != nil {
		// 单调不减
		updates["last_interaction_at"] = gorm.Expr("GREATEST(COALESCE(last_interaction_at, ?), ?)", *patch.LastInteractionAt, *patch.LastInteractionAt)
	}
	if len(updates) == 0 {
		var edge model.RelationshipEdge
		err := d.db.WithContext(ctx).Where("owner_id = ? AND peer_id = ?", ownerID, peerID).First(&edge).Error
		if err != nil {
			return model.RelationshipEdge{}, notFound(err)
		}
		return edge, nil
	}

	var edges []model.RelationshipEdge
	result := d.db.WithContext(ctx).
		Model(&edges).
		Clauses(clause.Returning{}).
		Where("owner_id = ? AND peer_id = ?", ownerID, peerID).
		Updates(updates)
	if result.Error != nil {
		return model.RelationshipEdge{}, fmt.Errorf("failed to update edge: %w", result.Error)
	}
	if result.RowsAffected == 0 || len(edges) == 0 {
		return model.RelationshipEdge{}, ErrNotFound
	}
	return edges[0], nil
}

func (d *GormDirectory) DeleteEdge(ctx context.Context, ownerID, peerID uuid.UUID) error {
	err := d.db.WithContext(ctx).
		Where("owner_id = ? AND peer_id = ?", ownerID, peerID).
		Delete(&model.RelationshipEdge{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete edge: %w", err)
	}
	return nil
}

// ============================================
// ProfileDirectory / MuteChecker
// ============================================

func (d *GormDirectory) ResolveContacts(ctx context.Context, numbers []string) ([]model.Profile, error) {
	var profiles []model.Profile
	if len(numbers) == 0 {
		return profiles, nil
	}
	if err := d.db.WithContext(ctx).Where("phone IN ?", numbers).Find(&profiles).Error; err != nil {
		return nil, fmt.Errorf("failed to resolve contacts: %w", err)
	}
	return profiles, nil
}

func (d *GormDirectory) ProfilesByIDs(ctx context.Context, ids []uuid.UUID) ([]model.Profile, error) {
	var profiles []model.Profile
	if len(ids) == 0 {
		return profiles, nil
	}
	if err := d.db.WithContext(ctx).Where("id IN ?", ids).Find(&profiles).Error; err != nil {
		return nil, fmt.Errorf("failed to load profiles: %w", err)
	}
	return profiles, nil
}

func (d *GormDirectory) ReverseContactMatches(ctx context.Context, phone string) ([]model.Profile, error) {
	var profiles []model.Profile
	if err := d.db.WithContext(ctx).Where("? = ANY(contacts)", phone).Find(&profiles).Error; err != nil {
		return nil, fmt.Errorf("failed to query reverse matches: %w", err)
	}
	return profiles, nil
}

func (d *GormDirectory) FindProfile(ctx context.Context, channel model.InvitationChannel, identifier string) (*model.Profile, error) {
	q := d.db.WithContext(ctx)
	switch channel {
	case model.ChannelSearch:
		q = q.Where("id = ?", identifier)
	case model.ChannelPseudo:
		q = q.Where("LOWER(pseudo) = LOWER(?)", identifier)
	case model.ChannelEmail:
		q = q.Where("LOWER(email) = LOWER(?)", identifier)
	case model.ChannelPhone:
		q = q.Where("phone = ?", identifier)
	default:
		return nil, invalid("channel", "unknown")
	}

	var profile model.Profile
	if err := q.First(&profile).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find profile: %w", err)
	}
	return &profile, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (d *GormDirectory) SearchProfiles(ctx context.Context, prefix string, limit int) ([]model.Profile, error) {
	var profiles []model.Profile
	q := d.db.WithContext(ctx).
		Where("LOWER(pseudo) LIKE ?", strings.ToLower(escapeLike(prefix))+"%").
		Order("pseudo")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&profiles).Error; err != nil {
		return nil, fmt.Errorf("failed to search profiles: %w", err)
	}
	return profiles, nil
}

func (d *GormDirectory) IsMutedBy(ctx context.Context, ownerID, peerID uuid.UUID) (bool, error) {
	var count int64
	err := d.db.WithContext(ctx).Model(&model.RelationshipEdge{}).
		Where("owner_id = ? AND peer_id = ? AND is_muted = ?", ownerID, peerID, true).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check mute: %w", err)
	}
	return count > 0, nil
}

// ============================================
// InvitationRepository
// ============================================

func (d *GormDirectory) CreateInvitation(ctx context.Context, rec *model.InvitationRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if err := d.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("failed to create invitation: %w", err)
	}
	return nil
}

func invitationColumn(channel model.InvitationChannel) (string, bool) {
	switch channel {
	case model.ChannelSearch:
		return "to_user_id", false
	case model.ChannelEmail:
		return "to_email", true
	case model.ChannelPseudo:
		return "to_pseudo", true
	case model.ChannelPhone:
		return "to_phone", false
	}
	return "", false
}

func (d *GormDirectory) FindPendingInvitation(ctx context.Context, fromID uuid.UUID, channel model.InvitationChannel, identifier string) (*model.InvitationRecord, error) {
	column, fold := invitationColumn(channel)
	if column == "" {
		return nil, invalid("channel", "unknown")
	}
	q := d.db.WithContext(ctx).Where("from_id = ? AND status = ?", fromID, model.InvitationPending)
	if fold {
		q = q.Where("LOWER("+column+") = LOWER(?)", identifier)
	} else {
		q = q.Where(column+" = ?", identifier)
	}

	var rec model.InvitationRecord
	if err := q.First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find invitation: %w", err)
	}
	return &rec, nil
}

func (d *GormDirectory) GetInvitation(ctx context.Context, id uuid.UUID) (*model.InvitationRecord, error) {
	var rec model.InvitationRecord
	if err := d.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		return nil, notFound(err)
	}
	return &rec, nil
}

func (d *GormDirectory) ListInvitationsTo(ctx context.Context, userID uuid.UUID, email, phone string) ([]model.InvitationRecord, error) {
	q := d.db.WithContext(ctx).Where("to_user_id = ?", userID)
	if email != "" {
		q = q.Or("LOWER(to_email) = LOWER(?)", email)
	}
	if phone != "" {
		q = q.Or("to_phone = ?", phone)
	}

	var recs []model.InvitationRecord
	if err := q.Order("created_at ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list invitations: %w", err)
	}
	return recs, nil
}

func (d *GormDirectory) SetInvitationStatus(ctx context.Context, id uuid.UUID, status model.InvitationStatus) error {
	result := d.db.WithContext(ctx).Model(&model.InvitationRecord{}).
		Where("id = ?", id).
		Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("failed to update invitation: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *GormDirectory) SetPairInvitationStatus(ctx context.Context, fromID, toID uuid.UUID, status model.InvitationStatus) error {
	err := d.db.WithContext(ctx).Model(&model.InvitationRecord{}).
		Where("from_id = ? AND to_user_id = ? AND status = ?", fromID, toID, model.InvitationPending).
		Update("status", status).Error
	if err != nil {
		return fmt.Errorf("failed to update invitations: %w", err)
	}
	return nil
}

// ============================================
// NotificationRepository / RevealRepository
// ============================================

// UpsertPendingNotification 每对 (from_id, to_id) 只保留最新一条
func (d *GormDirectory) UpsertPendingNotification(ctx context.Context, n *model.PendingNotification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	n.CreatedAt = time.Now()
	err := d.db.WithContext(ctx).
		Clauses(
			clause.OnConflict{
				Columns:   []clause.Column{{Name: "from_id"}, {Name: "to_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"short_text", "created_at"}),
			},
			clause.Returning{},
		).
		Create(n).Error
	if err != nil {
		return fmt.Errorf("failed to upsert pending notification: %w", err)
	}
	return nil
}

// ConsumePendingNotifications 一条语句读取并删除
func (d *GormDirectory) ConsumePendingNotifications(ctx context.Context, toID uuid.UUID) ([]model.PendingNotification, error) {
	var list []model.PendingNotification
	err := d.db.WithContext(ctx).
		Clauses(clause.Returning{}).
		Where("to_id = ?", toID).
		Delete(&list).Error
	if err != nil {
		return nil, fmt.Errorf("failed to consume pending notifications: %w", err)
	}
	return list, nil
}

func (d *GormDirectory) GetReveal(ctx context.Context, requesterID, targetID uuid.UUID) (*model.IdentityReveal, error) {
	var r model.IdentityReveal
	err := d.db.WithContext(ctx).
		Where("requester_id = ? AND target_id = ?", requesterID, targetID).
		First(&r).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load reveal: %w", err)
	}
	return &r, nil
}

// UpsertReveal 已是 revealed 的行不会被改回 pending
func (d *GormDirectory) UpsertReveal(ctx context.Context, r *model.IdentityReveal) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	err := d.db.WithContext(ctx).
		Clauses(
			clause.OnConflict{
				Columns: []clause.Column{{Name: "requester_id"}, {Name: "target_id"}},
				DoUpdates: clause.Assignments(map[string]interface{}{
					"state":      gorm.Expr("CASE WHEN identity_reveals.state = ? THEN identity_reveals.state ELSE excluded.state END", model.RevealRevealed),
					"alias":      gorm.Expr("COALESCE(excluded.alias, identity_reveals.alias)"),
					"updated_at": gorm.Expr("NOW()"),
				}),
			},
			clause.Returning{},
		).
		Create(r).Error
	if err != nil {
		return fmt.Errorf("failed to upsert reveal: %w", err)
	}
	return nil
}

var _ Directory = (*GormDirectory)(nil)
