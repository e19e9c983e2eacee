package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/kavymi/palytt-monorepo-sub008/internal/auth"
	"github.com/kavymi/palytt-monorepo-sub008/internal/models"
	"github.com/kavymi/palytt-monorepo-sub008/internal/service"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
// 调用者身份一律取自 token，请求体里的 actor 字段会被覆盖。
type Handler struct {
	svc          *service.Services
	sweeper      *service.Sweeper
	sweepKeyHash string
}

func NewHandler(svc *service.Services, sweeper *service.Sweeper, sweepKeyHash string) *Handler {
	return &Handler{svc: svc, sweeper: sweeper, sweepKeyHash: sweepKeyHash}
}

// fail 把 service 层错误映射为 HTTP 状态码。
func fail(c *gin.Context, op string, err error) {
	switch {
	case service.IsValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, service.ErrUnknownJob):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		log.Error().Err(err).Str("op", op).Str("actor", auth.GetActorID(c)).Msg("request failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable"})
	}
}

func bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return false
	}
	return true
}

// limitParam 读取 ?limit=，非法或缺省时返回 0（不限制）。
func limitParam(c *gin.Context) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n < 0 {
		return 0
	}
	if n > 500 {
		n = 500
	}
	return n
}

func boolParam(c *gin.Context, name string) bool {
	v, _ := strconv.ParseBool(c.Query(name))
	return v
}

// ---- presence ----

func (h *Handler) Heartbeat(c *gin.Context) {
	var req struct {
		Context string `json:"context"`
	}
	if c.Request.ContentLength != 0 && !bind(c, &req) {
		return
	}
	rec, err := h.svc.Presence.Heartbeat(c.Request.Context(), auth.GetActorID(c), req.Context)
	if err != nil {
		fail(c, "heartbeat", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"presence": rec})
}

func (h *Handler) UpdatePresence(c *gin.Context) {
	var req struct {
		Status  models.PresenceStatus `json:"status"`
		Context string                `json:"context"`
		Device  *models.Device        `json:"device"`
	}
	if !bind(c, &req) {
		return
	}
	rec, err := h.svc.Presence.UpdatePresence(c.Request.Context(), auth.GetActorID(c), req.Status, req.Context, req.Device)
	if err != nil {
		fail(c, "update presence", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"presence": rec})
}

func (h *Handler) SetOffline(c *gin.Context) {
	if err := h.svc.Presence.SetOffline(c.Request.Context(), auth.GetActorID(c)); err != nil {
		fail(c, "set offline", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) GetPresence(c *gin.Context) {
	v, ok := h.svc.Presence.GetPresence(c.Param("actorId"))
	if !ok {
		c.JSON(http.StatusOK, gin.H{"found": false, "presence": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"found": true, "presence": v})
}

type actorIDsRequest struct {
	ActorIDs []string `json:"actor_ids"`
	Limit    int      `json:"limit"`
}

func (h *Handler) BatchPresence(c *gin.Context) {
	var req actorIDsRequest
	if !bind(c, &req) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"presence": h.svc.Presence.GetBatchPresence(req.ActorIDs)})
}

func (h *Handler) OnlineFriends(c *gin.Context) {
	var req actorIDsRequest
	if !bind(c, &req) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"presence": h.svc.Presence.GetOnlineFriends(req.ActorIDs)})
}

func (h *Handler) OnlineCount(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"count": h.svc.Presence.GetOnlineCount()})
}

// ---- typing ----

func (h *Handler) StartTyping(c *gin.Context) {
	var req struct {
		DisplayName  string `json:"display_name"`
		DisplayImage string `json:"display_image"`
	}
	if c.Request.ContentLength != 0 && !bind(c, &req) {
		return
	}
	rec, err := h.svc.Typing.StartTyping(c.Request.Context(), c.Param("id"), auth.GetActorID(c), req.DisplayName, req.DisplayImage)
	if err != nil {
		fail(c, "start typing", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"typing": rec})
}

func (h *Handler) StopTyping(c *gin.Context) {
	removed, err := h.svc.Typing.StopTyping(c.Request.Context(), c.Param("id"), auth.GetActorID(c))
	if err != nil {
		fail(c, "stop typing", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (h *Handler) GetTyping(c *gin.Context) {
	exclude := ""
	if boolParam(c, "exclude_self") {
		exclude = auth.GetActorID(c)
	}
	c.JSON(http.StatusOK, gin.H{"typing": h.svc.Typing.GetTyping(c.Param("id"), exclude)})
}

// ---- receipts ----

func (h *Handler) MarkMessageRead(c *gin.Context) {
	var req struct {
		MessageID      string `json:"message_id"`
		ConversationID string `json:"conversation_id"`
	}
	if !bind(c, &req) {
		return
	}
	created, err := h.svc.Receipts.MarkRead(c.Request.Context(), req.MessageID, req.ConversationID, auth.GetActorID(c))
	if err != nil {
		fail(c, "mark read", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"created": created})
}

func (h *Handler) MarkMessagesRead(c *gin.Context) {
	var req struct {
		MessageIDs     []string `json:"message_ids"`
		ConversationID string   `json:"conversation_id"`
	}
	if !bind(c, &req) {
		return
	}
	n, err := h.svc.Receipts.MarkManyRead(c.Request.Context(), req.MessageIDs, req.ConversationID, auth.GetActorID(c))
	if err != nil {
		fail(c, "mark many read", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"created": n})
}

type conversationMessages struct {
	MessageIDs []string `json:"message_ids"`
	AuthorIDs  []string `json:"author_ids"`
}

func (h *Handler) MarkConversationRead(c *gin.Context) {
	var req conversationMessages
	if !bind(c, &req) {
		return
	}
	n, err := h.svc.Receipts.MarkConversationRead(c.Request.Context(), c.Param("id"), auth.GetActorID(c), req.MessageIDs)
	if err != nil {
		fail(c, "mark conversation read", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"created": n})
}

func (h *Handler) MessageReceipts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"receipts": h.svc.Receipts.ReceiptsFor(c.Param("id"))})
}

func (h *Handler) LookupReceipts(c *gin.Context) {
	var req struct {
		MessageIDs []string `json:"message_ids"`
	}
	if !bind(c, &req) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipts": h.svc.Receipts.BatchReceiptsFor(req.MessageIDs)})
}

func (h *Handler) ConversationUnreadCount(c *gin.Context) {
	var req conversationMessages
	if !bind(c, &req) {
		return
	}
	n := h.svc.Receipts.UnreadCountIn(c.Param("id"), auth.GetActorID(c), req.MessageIDs, req.AuthorIDs)
	c.JSON(http.StatusOK, gin.H{"count": n})
}

func (h *Handler) LastRead(c *gin.Context) {
	rec, ok := h.svc.Receipts.LastReadMessage(c.Param("id"), auth.GetActorID(c))
	if !ok {
		c.JSON(http.StatusOK, gin.H{"found": false, "receipt": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"found": true, "receipt": rec})
}

// ---- internal ----

// ServiceKey 保护 /internal 接口：X-Sweep-Key 必须与配置中的 bcrypt 哈希匹配，
// 未配置哈希时整组接口关闭。
func (h *Handler) ServiceKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.sweepKeyHash == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "internal endpoints disabled"})
			return
		}
		if !auth.VerifyKey(h.sweepKeyHash, strings.TrimSpace(c.GetHeader("X-Sweep-Key"))) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid sweep key"})
			return
		}
		c.Next()
	}
}

// Sweep 手动触发一个清理任务。
func (h *Handler) Sweep(c *gin.Context) {
	job := c.Param("job")
	n, err := h.sweeper.Run(c.Request.Context(), job)
	if err != nil {
		fail(c, "sweep "+job, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job, "affected": n})
}
