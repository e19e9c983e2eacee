package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kavymi/palytt-monorepo-sub008/internal/auth"
	"github.com/kavymi/palytt-monorepo-sub008/internal/config"
	"github.com/kavymi/palytt-monorepo-sub008/internal/metrics"
	"github.com/kavymi/palytt-monorepo-sub008/internal/mw"
	"github.com/kavymi/palytt-monorepo-sub008/internal/service"
	"github.com/kavymi/palytt-monorepo-sub008/internal/ws"
)

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
// limiter 由调用方创建，停服时负责 Stop。
func SetupRouter(cfg config.Config, svc *service.Services, hub *ws.Hub, limiter *mw.RL) *gin.Engine {
	h := NewHandler(svc, service.NewSweeper(svc), cfg.SweepKeyHash)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": hub.Connections()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 内部接口供后端与运维调用，没有 actor，按 IP 限速并校验服务密钥。
	internal := r.Group("/internal")
	internal.Use(limiter.Handler(), h.ServiceKey())
	internal.POST("/sweep/:job", h.Sweep)
	internal.POST("/notifications", h.PushNotificationAs)
	internal.DELETE("/gatherings/:id/votes", h.ClearGathering)
	internal.POST("/leaderboard/increment", h.IncrementLeaderboard)

	api := r.Group("/api/v1")
	api.Use(auth.ActorMiddleware(cfg.JWTSecret), limiter.Handler())

	api.POST("/presence/heartbeat", h.Heartbeat)
	api.PUT("/presence", h.UpdatePresence)
	api.POST("/presence/offline", h.SetOffline)
	api.GET("/presence/online-count", h.OnlineCount)
	api.GET("/presence/:actorId", h.GetPresence)
	api.POST("/presence/batch", h.BatchPresence)
	api.POST("/presence/online-friends", h.OnlineFriends)

	api.POST("/conversations/:id/typing", h.StartTyping)
	api.DELETE("/conversations/:id/typing", h.StopTyping)
	api.GET("/conversations/:id/typing", h.GetTyping)
	api.POST("/conversations/:id/read", h.MarkConversationRead)
	api.POST("/conversations/:id/unread-count", h.ConversationUnreadCount)
	api.GET("/conversations/:id/last-read", h.LastRead)

	api.POST("/notifications", h.PushNotification)
	api.GET("/notifications", h.NotificationFeed)
	api.DELETE("/notifications", h.ClearNotifications)
	api.GET("/notifications/unread", h.UnreadNotifications)
	api.GET("/notifications/unread-count", h.UnreadNotificationCount)
	api.GET("/notifications/kind/:kind", h.NotificationsByKind)
	api.GET("/notifications/source/:sourceId", h.NotificationsBySource)
	api.POST("/notifications/read", h.MarkNotificationsRead)
	api.POST("/notifications/read-all", h.MarkAllNotificationsRead)
	api.POST("/notifications/:id/read", h.MarkNotificationRead)
	api.DELETE("/notifications/:id", h.DeleteNotification)

	api.POST("/receipts", h.MarkMessageRead)
	api.POST("/receipts/batch", h.MarkMessagesRead)
	api.POST("/receipts/lookup", h.LookupReceipts)
	api.GET("/messages/:id/receipts", h.MessageReceipts)

	api.PUT("/gatherings/:id/votes/:category", h.CastVote)
	api.DELETE("/gatherings/:id/votes/:category", h.RemoveVote)
	api.DELETE("/gatherings/:id/votes", h.RemoveMyVotes)
	api.GET("/gatherings/:id/tallies", h.Tallies)
	api.GET("/gatherings/:id/leader", h.Leader)
	api.GET("/gatherings/:id/votes/mine", h.MyVotes)
	api.GET("/gatherings/:id/votes/:category/:optionId", h.VotesByOption)

	api.POST("/activity", h.RecordActivity)
	api.DELETE("/activity", h.UndoActivity)
	api.POST("/activity/feed", h.ActivityFeed)
	api.POST("/social-actions", h.SocialAction)
	api.DELETE("/social-actions", h.UndoSocialAction)

	api.GET("/leaderboard/:window", h.LeaderboardTop)

	r.GET("/ws", auth.ActorMiddleware(cfg.JWTSecret), ws.Serve(hub, svc))
	return r
}
