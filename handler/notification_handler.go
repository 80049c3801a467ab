package handler

import (
	"github.com/Fuzztrack/prout-app-sub000/middleware"
	"github.com/Fuzztrack/prout-app-sub000/service"
	"github.com/Fuzztrack/prout-app-sub000/utils"

	"github.com/gin-gonic/gin"
)

type NotificationHandler struct {
	mgr *service.SessionManager
}

func NewNotificationHandler(mgr *service.SessionManager) *NotificationHandler {
	return &NotificationHandler{mgr: mgr}
}

// ConsumePending 读取并删除发给我的未读 ping 标记
func (h *NotificationHandler) ConsumePending(c *gin.Context) {
	sess := sessionFor(c, h.mgr)
	if sess == nil {
		return
	}

	list, err := sess.ConsumePending(c.Request.Context())
	if err != nil {
		middleware.WriteError(c, err)
		return
	}
	utils.SuccessResponse(c, gin.H{"notifications": list, "count": len(list)})
}
