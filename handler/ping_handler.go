package handler

import (
	"net/http"

	"github.com/Fuzztrack/prout-app-sub000/middleware"
	"github.com/Fuzztrack/prout-app-sub000/service"
	"github.com/Fuzztrack/prout-app-sub000/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type PingHandler struct {
	mgr *service.SessionManager
}

func NewPingHandler(mgr *service.SessionManager) *PingHandler {
	return &PingHandler{mgr: mgr}
}

// SendPing 发送一个 ping
// 被闸门拒绝或网关失败都不是服务端错误，按结果映射状态码
func (h *PingHandler) SendPing(c *gin.Context) {
	sess := sessionFor(c, h.mgr)
	if sess == nil {
		return
	}

	var req struct {
		RecipientID uuid.UUID `json:"recipient_id" binding:"required"`
		SoundKey    string    `json:"sound_key" binding:"required"`
		Text        string    `json:"text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequest(c, err.Error())
		return
	}

	result, err := sess.SendPing(c.Request.Context(), req.RecipientID, req.SoundKey, req.Text)
	if err != nil {
		middleware.WriteError(c, err)
		return
	}

	switch {
	case result.Sent:
		utils.SuccessResponse(c, result)
	case !result.Decision.Allow && result.Decision.Reason == service.DenyCooldown:
		utils.TooManyRequests(c, "cooldown", result)
	case !result.Decision.Allow:
		utils.ErrorWithData(c, http.StatusForbidden, string(result.Decision.Reason), result)
	case result.Outcome == service.OutcomeRateLimited:
		utils.TooManyRequests(c, string(result.Outcome), result)
	case result.Outcome == service.OutcomeAppUninstalled:
		utils.ErrorWithData(c, http.StatusGone, string(result.Outcome), result)
	default:
		utils.ErrorWithData(c, http.StatusBadGateway, string(result.Outcome), result)
	}
}
