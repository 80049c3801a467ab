package service

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound 目标不存在（边、用户、邀请）
	ErrNotFound = errors.New("not found")
	// ErrSessionClosed 会话已登出或已销毁
	ErrSessionClosed = errors.New("session closed")
	// ErrNotSignedIn 没有活动会话
	ErrNotSignedIn = errors.New("not signed in")
)

// ValidationError 本地校验失败，在任何网络调用之前返回
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ConflictReason 冲突原因，调用方据此分支
type ConflictReason string

const (
	ConflictAlreadyFriends    ConflictReason = "already_friends"
	ConflictInvitationPending ConflictReason = "invitation_pending"
	ConflictBlocked           ConflictReason = "blocked"
	ConflictDuplicatePseudo   ConflictReason = "duplicate_pseudo"
	ConflictDuplicateEdge     ConflictReason = "duplicate_edge"
	ConflictRevealPending     ConflictReason = "reveal_already_pending"
)

// ConflictError 唯一性或状态冲突
type ConflictError struct {
	Reason ConflictReason
}

func (e *ConflictError) Error() string {
	return "conflict: " + string(e.Reason)
}

func conflict(reason ConflictReason) error {
	return &ConflictError{Reason: reason}
}

// IsConflict 判断 err 是否为指定原因的冲突
func IsConflict(err error, reason ConflictReason) bool {
	var ce *ConflictError
	return errors.As(err, &ce) && ce.Reason == reason
}

// IsValidation 判断 err 是否为校验错误
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
