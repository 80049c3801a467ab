package handler

import (
	"github.com/Fuzztrack/prout-app-sub000/middleware"
	"github.com/Fuzztrack/prout-app-sub000/service"
	"github.com/Fuzztrack/prout-app-sub000/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// sessionFor 取出请求用户的会话；没有登录会话时写 401 并返回 nil
func sessionFor(c *gin.Context, mgr *service.SessionManager) *service.Session {
	userID, exists := middleware.GetUserID(c)
	if !exists {
		utils.Unauthorized(c, "unauthorized")
		return nil
	}
	sess, err := mgr.For(userID)
	if err != nil {
		middleware.WriteError(c, err)
		return nil
	}
	return sess
}

// peerParam 解析路径中的 :peer_id
func peerParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("peer_id"))
	if err != nil {
		utils.BadRequest(c, "invalid peer id")
		return uuid.Nil, false
	}
	return id, true
}

// RelationshipState 好友页面需要的全部列表
type RelationshipState struct {
	Friends  []service.FriendView `json:"friends"`
	Inbound  []service.FriendView `json:"pending_inbound"`
	Outbound []service.FriendView `json:"pending_outbound"`
	Blocked  []service.FriendView `json:"blocked"`
	Status   service.EngineStatus `json:"status"`
}

// StateOf 读取会话的本地状态
func StateOf(sess *service.Session) RelationshipState {
	return RelationshipState{
		Friends:  sess.Store.Friends(sess.UserID),
		Inbound:  sess.Store.PendingInbound(sess.UserID),
		Outbound: sess.Store.PendingOutbound(sess.UserID),
		Blocked:  sess.Relationships.GetBlockedUsers(),
		Status:   sess.Engine.Status(),
	}
}

type SessionHandler struct {
	mgr *service.SessionManager
	hub *Hub
}

func NewSessionHandler(mgr *service.SessionManager, hub *Hub) *SessionHandler {
	return &SessionHandler{mgr: mgr, hub: hub}
}

// SignIn 用访问令牌登录：拆除旧会话，冷启动新会话
func (h *SessionHandler) SignIn(c *gin.Context) {
	token := middleware.GetAccessToken(c)
	if token == "" {
		utils.Unauthorized(c, "missing token")
		return
	}

	sess, report, err := h.mgr.SignIn(c.Request.Context(), token)
	if err != nil {
		middleware.WriteError(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{
		"user_id":   sess.UserID,
		"cold_load": report,
		"state":     StateOf(sess),
	})
}

// SignOut 登出并断开 UI 推送
func (h *SessionHandler) SignOut(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)
	if sess, err := h.mgr.Current(); err == nil && sess.UserID == userID {
		h.mgr.SignOut()
	}
	if h.hub != nil {
		h.hub.CloseUser(userID)
	}
	utils.SuccessWithMessage(c, "signed out", nil)
}

// State 返回本地关系状态
func (h *SessionHandler) State(c *gin.Context) {
	sess := sessionFor(c, h.mgr)
	if sess == nil {
		return
	}
	utils.SuccessResponse(c, StateOf(sess))
}

// Refresh 立即对远端做一次全量对账
func (h *SessionHandler) Refresh(c *gin.Context) {
	sess := sessionFor(c, h.mgr)
	if sess == nil {
		return
	}
	if err := sess.Engine.Refresh(c.Request.Context()); err != nil {
		middleware.WriteError(c, err)
		return
	}
	utils.SuccessResponse(c, StateOf(sess))
}

// UpdateContacts 上传本地通讯录号码
func (h *SessionHandler) UpdateContacts(c *gin.Context) {
	sess := sessionFor(c, h.mgr)
	if sess == nil {
		return
	}

	var req struct {
		PhoneNumbers []string `json:"phone_numbers"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequest(c, err.Error())
		return
	}

	sess.UpdateContacts(req.PhoneNumbers)
	utils.SuccessWithMessage(c, "contacts queued", gin.H{"count": len(req.PhoneNumbers)})
}

// SetZenMode 开关本机 zen 模式
func (h *SessionHandler) SetZenMode(c *gin.Context) {
	sess := sessionFor(c, h.mgr)
	if sess == nil {
		return
	}

	var req struct {
		Enabled *bool `json:"enabled" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequest(c, err.Error())
		return
	}

	sess.SetZenMode(*req.Enabled)
	utils.SuccessResponse(c, gin.H{"zen_mode": *req.Enabled})
}
