package service

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/Fuzztrack/prout-app-sub000/model"

	"github.com/google/uuid"
)

// MaxShortTextLength ping 附带短文本的最大长度（字符）
const MaxShortTextLength = 60

// NotificationService 管理未读 ping 标记
type NotificationService struct {
	repo        NotificationRepository
	hubNotifier HubNotifier // Interface to send WebSocket notifications
}

// HubNotifier 接口用于发送WebSocket通知
type HubNotifier interface {
	SendNotification(userID uuid.UUID, notification interface{}) bool
	IsUserOnline(userID uuid.UUID) bool
}

func NewNotificationService(repo NotificationRepository) *NotificationService {
	return &NotificationService{repo: repo}
}

// SetHubNotifier 设置Hub通知器（用于依赖注入）
func (s *NotificationService) SetHubNotifier(notifier HubNotifier) {
	s.hubNotifier = notifier
}

// NormalizeShortText 去掉首尾空白；空文本返回 nil
func NormalizeShortText(text string) (*string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	if !utf8.ValidString(text) {
		return nil, invalid("text", "not valid utf-8")
	}
	if utf8.RuneCountInString(text) > MaxShortTextLength {
		return nil, invalid("text", fmt.Sprintf("longer than %d characters", MaxShortTextLength))
	}
	return &text, nil
}

// CreatePendingNotification 为接收方写入未读标记，每对 (from, to) 最多一条，新的覆盖旧的
func (s *NotificationService) CreatePendingNotification(ctx context.Context, fromID, toID uuid.UUID, text *string) (*model.PendingNotification, error) {
	if fromID == uuid.Nil || toID == uuid.Nil {
		return nil, invalid("recipient", "required")
	}
	n := &model.PendingNotification{
		FromID:    fromID,
		ToID:      toID,
		ShortText: text,
	}
	if err := s.repo.UpsertPendingNotification(ctx, n); err != nil {
		return nil, fmt.Errorf("failed to create pending notification: %w", err)
	}

	// 只推送给在线用户
	if s.hubNotifier != nil && s.hubNotifier.IsUserOnline(toID) {
		s.hubNotifier.SendNotification(toID, n)
	}
	return n, nil
}

// ConsumePendingNotifications 读取并删除发给 userID 的未读标记
func (s *NotificationService) ConsumePendingNotifications(ctx context.Context, userID uuid.UUID) ([]model.PendingNotification, error) {
	list, err := s.repo.ConsumePendingNotifications(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to consume pending notifications: %w", err)
	}
	return list, nil
}
