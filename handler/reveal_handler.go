package handler

import (
	"github.com/Fuzztrack/prout-app-sub000/middleware"
	"github.com/Fuzztrack/prout-app-sub000/service"
	"github.com/Fuzztrack/prout-app-sub000/utils"

	"github.com/gin-gonic/gin"
)

type RevealHandler struct {
	mgr *service.SessionManager
}

func NewRevealHandler(mgr *service.SessionManager) *RevealHandler {
	return &RevealHandler{mgr: mgr}
}

// State 我对 :peer_id 的揭示请求状态，以及 :peer_id 对我的请求状态
func (h *RevealHandler) State(c *gin.Context) {
	sess := sessionFor(c, h.mgr)
	if sess == nil {
		return
	}
	peer, ok := peerParam(c)
	if !ok {
		return
	}

	asked, err := sess.Reveals.State(c.Request.Context(), sess.UserID, peer)
	if err != nil {
		middleware.WriteError(c, err)
		return
	}
	askedMe, err := sess.Reveals.State(c.Request.Context(), peer, sess.UserID)
	if err != nil {
		middleware.WriteError(c, err)
		return
	}
	utils.SuccessResponse(c, gin.H{"requested": asked, "received": askedMe})
}

// Request 请求 :peer_id 揭示身份
func (h *RevealHandler) Request(c *gin.Context) {
	sess := sessionFor(c, h.mgr)
	if sess == nil {
		return
	}
	peer, ok := peerParam(c)
	if !ok {
		return
	}

	r, err := sess.Reveals.Request(c.Request.Context(), peer)
	if err != nil {
		middleware.WriteError(c, err)
		return
	}
	utils.SuccessResponse(c, gin.H{"reveal": r})
}

// Reveal 向 :peer_id（请求方）揭示我的身份
func (h *RevealHandler) Reveal(c *gin.Context) {
	sess := sessionFor(c, h.mgr)
	if sess == nil {
		return
	}
	peer, ok := peerParam(c)
	if !ok {
		return
	}

	var req struct {
		Alias string `json:"alias" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequest(c, err.Error())
		return
	}

	r, err := sess.Reveals.Reveal(c.Request.Context(), peer, req.Alias)
	if err != nil {
		middleware.WriteError(c, err)
		return
	}
	utils.SuccessResponse(c, gin.H{"reveal": r})
}
