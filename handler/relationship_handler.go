package handler

import (
	"context"

	"github.com/Fuzztrack/prout-app-sub000/middleware"
	"github.com/Fuzztrack/prout-app-sub000/service"
	"github.com/Fuzztrack/prout-app-sub000/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type RelationshipHandler struct {
	mgr *service.SessionManager
}

func NewRelationshipHandler(mgr *service.SessionManager) *RelationshipHandler {
	return &RelationshipHandler{mgr: mgr}
}

// GetFriends 好友列表
func (h *RelationshipHandler) GetFriends(c *gin.Context) {
	sess := sessionFor(c, h.mgr)
	if sess == nil {
		return
	}
	utils.SuccessResponse(c, gin.H{"friends": sess.Store.Friends(sess.UserID)})
}

// GetPendingRequests 收到和发出的待处理请求
func (h *RelationshipHandler) GetPendingRequests(c *gin.Context) {
	sess := sessionFor(c, h.mgr)
	if sess == nil {
		return
	}
	utils.SuccessResponse(c, gin.H{
		"inbound":  sess.Store.PendingInbound(sess.UserID),
		"outbound": sess.Store.PendingOutbound(sess.UserID),
	})
}

// edgeIntent 对 :peer_id 执行一个关系操作
func (h *RelationshipHandler) edgeIntent(c *gin.Context, message string, op func(*service.RelationshipService, context.Context, uuid.UUID) error) {
	sess := sessionFor(c, h.mgr)
	if sess == nil {
		return
	}
	peer, ok := peerParam(c)
	if !ok {
		return
	}
	if err := op(sess.Relationships, c.Request.Context(), peer); err != nil {
		middleware.WriteError(c, err)
		return
	}
	utils.SuccessWithMessage(c, message, gin.H{"peer": sess.Store.View(sess.UserID, peer)})
}

// Accept 接受好友请求
func (h *RelationshipHandler) Accept(c *gin.Context) {
	h.edgeIntent(c, "request accepted", (*service.RelationshipService).Accept)
}

// Reject 拒绝好友请求
func (h *RelationshipHandler) Reject(c *gin.Context) {
	h.edgeIntent(c, "request rejected", (*service.RelationshipService).Reject)
}

// Unfriend 删除好友
func (h *RelationshipHandler) Unfriend(c *gin.Context) {
	h.edgeIntent(c, "friend removed", (*service.RelationshipService).Unfriend)
}

// Mute 静音
func (h *RelationshipHandler) Mute(c *gin.Context) {
	h.edgeIntent(c, "friend muted", (*service.RelationshipService).Mute)
}

// Unmute 取消静音
func (h *RelationshipHandler) Unmute(c *gin.Context) {
	h.edgeIntent(c, "friend unmuted", (*service.RelationshipService).Unmute)
}

// BlockUser 拉黑用户
func (h *RelationshipHandler) BlockUser(c *gin.Context) {
	h.edgeIntent(c, "user blocked successfully", (*service.RelationshipService).Block)
}

// UnblockUser 取消拉黑
func (h *RelationshipHandler) UnblockUser(c *gin.Context) {
	h.edgeIntent(c, "user unblocked successfully", (*service.RelationshipService).Unblock)
}

// GetBlockedUsers 获取拉黑列表
func (h *RelationshipHandler) GetBlockedUsers(c *gin.Context) {
	sess := sessionFor(c, h.mgr)
	if sess == nil {
		return
	}
	utils.SuccessResponse(c, gin.H{"blocked_users": sess.Relationships.GetBlockedUsers()})
}
