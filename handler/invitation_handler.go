package handler

import (
	"strconv"

	"github.com/Fuzztrack/prout-app-sub000/middleware"
	"github.com/Fuzztrack/prout-app-sub000/model"
	"github.com/Fuzztrack/prout-app-sub000/service"
	"github.com/Fuzztrack/prout-app-sub000/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type InvitationHandler struct {
	mgr *service.SessionManager
}

func NewInvitationHandler(mgr *service.SessionManager) *InvitationHandler {
	return &InvitationHandler{mgr: mgr}
}

// CreateInvitation 按渠道邀请
func (h *InvitationHandler) CreateInvitation(c *gin.Context) {
	sess := sessionFor(c, h.mgr)
	if sess == nil {
		return
	}

	var req struct {
		Channel    model.InvitationChannel `json:"channel" binding:"required"`
		Identifier string                  `json:"identifier" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequest(c, err.Error())
		return
	}

	rec, err := sess.Invitations.CreateInvitation(c.Request.Context(), req.Channel, req.Identifier)
	if err != nil {
		middleware.WriteError(c, err)
		return
	}
	utils.SuccessWithMessage(c, "invitation sent", gin.H{"invitation": rec})
}

// ListReceived 发给我的待处理邀请记录
func (h *InvitationHandler) ListReceived(c *gin.Context) {
	sess := sessionFor(c, h.mgr)
	if sess == nil {
		return
	}
	list, err := sess.Invitations.ListPendingInvitations(c.Request.Context())
	if err != nil {
		middleware.WriteError(c, err)
		return
	}
	utils.SuccessResponse(c, gin.H{"invitations": list})
}

func invitationParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.BadRequest(c, "invalid invitation id")
		return uuid.Nil, false
	}
	return id, true
}

// AcceptInvitation 接受邀请记录
func (h *InvitationHandler) AcceptInvitation(c *gin.Context) {
	sess := sessionFor(c, h.mgr)
	if sess == nil {
		return
	}
	id, ok := invitationParam(c)
	if !ok {
		return
	}
	if err := sess.Invitations.AcceptInvitationRecord(c.Request.Context(), id); err != nil {
		middleware.WriteError(c, err)
		return
	}
	utils.SuccessWithMessage(c, "invitation accepted", nil)
}

// RejectInvitation 拒绝邀请记录
func (h *InvitationHandler) RejectInvitation(c *gin.Context) {
	sess := sessionFor(c, h.mgr)
	if sess == nil {
		return
	}
	id, ok := invitationParam(c)
	if !ok {
		return
	}
	if err := sess.Invitations.RejectInvitationRecord(c.Request.Context(), id); err != nil {
		middleware.WriteError(c, err)
		return
	}
	utils.SuccessWithMessage(c, "invitation rejected", nil)
}

// Search 按昵称前缀搜索
func (h *InvitationHandler) Search(c *gin.Context) {
	sess := sessionFor(c, h.mgr)
	if sess == nil {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	profiles, err := sess.Invitations.SearchByPseudo(c.Request.Context(), c.Query("q"), limit)
	if err != nil {
		middleware.WriteError(c, err)
		return
	}
	utils.SuccessResponse(c, gin.H{"users": profiles})
}

// Suggestions 把我存进通讯录的用户
func (h *InvitationHandler) Suggestions(c *gin.Context) {
	sess := sessionFor(c, h.mgr)
	if sess == nil {
		return
	}
	profiles, err := sess.Invitations.Suggestions(c.Request.Context())
	if err != nil {
		middleware.WriteError(c, err)
		return
	}
	utils.SuccessResponse(c, gin.H{"users": profiles})
}
