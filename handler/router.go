package handler

import (
	"net/http"

	"github.com/Fuzztrack/prout-app-sub000/middleware"
	"github.com/Fuzztrack/prout-app-sub000/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter 注册全部路由
func NewRouter(mgr *service.SessionManager, hub *Hub, gatherer prometheus.Gatherer) *gin.Engine {
	r := gin.Default()
	r.Use(middleware.ErrorHandlerMiddleware())

	if hub.SyncState == nil {
		hub.SyncState = func(userID uuid.UUID) (interface{}, error) {
			sess, err := mgr.For(userID)
			if err != nil {
				return nil, err
			}
			return StateOf(sess), nil
		}
	}

	sessionHandler := NewSessionHandler(mgr, hub)
	relHandler := NewRelationshipHandler(mgr)
	invHandler := NewInvitationHandler(mgr)
	pingHandler := NewPingHandler(mgr)
	notifHandler := NewNotificationHandler(mgr)
	revealHandler := NewRevealHandler(mgr)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	r.GET("/ws", HandleWebSocket(hub))

	api := r.Group("/api/v1")
	api.Use(middleware.AuthMiddleware())
	{
		// 会话
		api.POST("/session", sessionHandler.SignIn)
		api.DELETE("/session", sessionHandler.SignOut)
		api.GET("/session/state", sessionHandler.State)
		api.POST("/session/refresh", sessionHandler.Refresh)
		api.PUT("/session/contacts", sessionHandler.UpdateContacts)
		api.PUT("/session/zen", sessionHandler.SetZenMode)

		// 关系
		api.GET("/friends", relHandler.GetFriends)
		api.GET("/friends/requests", relHandler.GetPendingRequests)
		api.POST("/friends/:peer_id/accept", relHandler.Accept)
		api.POST("/friends/:peer_id/reject", relHandler.Reject)
		api.DELETE("/friends/:peer_id", relHandler.Unfriend)
		api.POST("/friends/:peer_id/mute", relHandler.Mute)
		api.DELETE("/friends/:peer_id/mute", relHandler.Unmute)
		api.POST("/blocks/:peer_id", relHandler.BlockUser)
		api.DELETE("/blocks/:peer_id", relHandler.UnblockUser)
		api.GET("/blocks", relHandler.GetBlockedUsers)

		// 邀请
		api.POST("/invitations", invHandler.CreateInvitation)
		api.GET("/invitations", invHandler.ListReceived)
		api.POST("/invitations/:id/accept", invHandler.AcceptInvitation)
		api.POST("/invitations/:id/reject", invHandler.RejectInvitation)
		api.GET("/users/search", invHandler.Search)
		api.GET("/users/suggestions", invHandler.Suggestions)

		// ping
		api.POST("/pings", pingHandler.SendPing)
		api.POST("/notifications/consume", notifHandler.ConsumePending)

		// 身份揭示
		api.GET("/reveals/:peer_id", revealHandler.State)
		api.POST("/reveals/:peer_id/request", revealHandler.Request)
		api.POST("/reveals/:peer_id/reveal", revealHandler.Reveal)
	}

	return r
}
