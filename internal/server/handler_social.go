package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kavymi/palytt-monorepo-sub008/internal/auth"
	"github.com/kavymi/palytt-monorepo-sub008/internal/models"
	"github.com/kavymi/palytt-monorepo-sub008/internal/service"
)

// ---- notifications ----

type pushRequest struct {
	service.PushInput
	Dedup bool `json:"dedup"`
}

func (h *Handler) push(c *gin.Context, req pushRequest) {
	if req.Dedup {
		n, created, err := h.svc.Notifications.PushOnce(c.Request.Context(), req.PushInput)
		if err != nil {
			fail(c, "push notification once", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"notification": n, "created": created})
		return
	}
	n, err := h.svc.Notifications.Push(c.Request.Context(), req.PushInput)
	if err != nil {
		fail(c, "push notification", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notification": n, "created": true})
}

// PushNotification 以调用者身份推送通知；dedup=true 时按 (接收者, source_id) 去重。
func (h *Handler) PushNotification(c *gin.Context) {
	var req pushRequest
	if !bind(c, &req) {
		return
	}
	req.ActorID = auth.GetActorID(c)
	h.push(c, req)
}

// PushNotificationAs 供后端代表任意 actor 推送，只挂在 /internal 下。
func (h *Handler) PushNotificationAs(c *gin.Context) {
	var req pushRequest
	if !bind(c, &req) {
		return
	}
	h.push(c, req)
}

func (h *Handler) NotificationFeed(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"notifications": h.svc.Notifications.Feed(auth.GetActorID(c), limitParam(c))})
}

func (h *Handler) UnreadNotifications(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"notifications": h.svc.Notifications.Unread(auth.GetActorID(c), limitParam(c))})
}

func (h *Handler) UnreadNotificationCount(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"count": h.svc.Notifications.UnreadCount(auth.GetActorID(c))})
}

func (h *Handler) NotificationsByKind(c *gin.Context) {
	rows, err := h.svc.Notifications.ByKind(auth.GetActorID(c), models.NotificationKind(c.Param("kind")), limitParam(c))
	if err != nil {
		fail(c, "notifications by kind", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": rows})
}

// NotificationsBySource 只返回调用者自己收到的同源通知。
func (h *Handler) NotificationsBySource(c *gin.Context) {
	actorID := auth.GetActorID(c)
	rows := h.svc.Notifications.GetBySourceID(c.Param("sourceId"))
	out := make([]models.Notification, 0, len(rows))
	for _, n := range rows {
		if n.RecipientID == actorID {
			out = append(out, n)
		}
	}
	c.JSON(http.StatusOK, gin.H{"notifications": out})
}

func (h *Handler) MarkNotificationRead(c *gin.Context) {
	changed, err := h.svc.Notifications.MarkRead(c.Request.Context(), auth.GetActorID(c), c.Param("id"))
	if err != nil {
		fail(c, "mark notification read", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"changed": changed})
}

func (h *Handler) MarkNotificationsRead(c *gin.Context) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if !bind(c, &req) {
		return
	}
	n, err := h.svc.Notifications.MarkManyRead(c.Request.Context(), auth.GetActorID(c), req.IDs)
	if err != nil {
		fail(c, "mark notifications read", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"changed": n})
}

func (h *Handler) MarkAllNotificationsRead(c *gin.Context) {
	n, err := h.svc.Notifications.MarkAllRead(c.Request.Context(), auth.GetActorID(c))
	if err != nil {
		fail(c, "mark all notifications read", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"changed": n})
}

func (h *Handler) DeleteNotification(c *gin.Context) {
	removed, err := h.svc.Notifications.Delete(c.Request.Context(), auth.GetActorID(c), c.Param("id"))
	if err != nil {
		fail(c, "delete notification", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (h *Handler) ClearNotifications(c *gin.Context) {
	n, err := h.svc.Notifications.ClearAll(c.Request.Context(), auth.GetActorID(c))
	if err != nil {
		fail(c, "clear notifications", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": n})
}

// ---- gatherings ----

func (h *Handler) CastVote(c *gin.Context) {
	var req struct {
		OptionID    string `json:"option_id"`
		DisplayName string `json:"display_name"`
	}
	if !bind(c, &req) {
		return
	}
	v, err := h.svc.Gatherings.CastVote(c.Request.Context(), c.Param("id"), auth.GetActorID(c),
		models.VoteCategory(c.Param("category")), req.OptionID, req.DisplayName)
	if err != nil {
		fail(c, "cast vote", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"vote": v})
}

func (h *Handler) RemoveVote(c *gin.Context) {
	removed, err := h.svc.Gatherings.RemoveVote(c.Request.Context(), c.Param("id"), auth.GetActorID(c), models.VoteCategory(c.Param("category")))
	if err != nil {
		fail(c, "remove vote", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// RemoveMyVotes 撤回调用者在聚会中的全部选票。
func (h *Handler) RemoveMyVotes(c *gin.Context) {
	n, err := h.svc.Gatherings.RemoveVoterVotes(c.Request.Context(), c.Param("id"), auth.GetActorID(c))
	if err != nil {
		fail(c, "remove my votes", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": n})
}

// ClearGathering 清除聚会的全部选票，只挂在 /internal 下。
func (h *Handler) ClearGathering(c *gin.Context) {
	n, err := h.svc.Gatherings.ClearGathering(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, "clear gathering", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": n})
}

func (h *Handler) Tallies(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tallies": h.svc.Gatherings.Tallies(c.Param("id"))})
}

func (h *Handler) Leader(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"leaders": h.svc.Gatherings.GetLeader(c.Param("id"))})
}

func (h *Handler) MyVotes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"votes": h.svc.Gatherings.GetUserVotes(c.Param("id"), auth.GetActorID(c))})
}

func (h *Handler) VotesByOption(c *gin.Context) {
	rows := h.svc.Gatherings.GetVotesByOption(c.Param("id"), models.VoteCategory(c.Param("category")), c.Param("optionId"))
	c.JSON(http.StatusOK, gin.H{"votes": rows})
}

// ---- activity ----

func (h *Handler) RecordActivity(c *gin.Context) {
	var in service.ActivityInput
	if !bind(c, &in) {
		return
	}
	in.ActorID = auth.GetActorID(c)
	rec, created, err := h.svc.Activity.Record(c.Request.Context(), in)
	if err != nil {
		fail(c, "record activity", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"activity": rec, "created": created})
}

func (h *Handler) UndoActivity(c *gin.Context) {
	var req struct {
		Kind     models.ActivityKind `json:"kind"`
		TargetID string              `json:"target_id"`
	}
	if !bind(c, &req) {
		return
	}
	n, err := h.svc.Activity.Undo(c.Request.Context(), auth.GetActorID(c), req.Kind, req.TargetID)
	if err != nil {
		fail(c, "undo activity", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": n})
}

func (h *Handler) ActivityFeed(c *gin.Context) {
	var req actorIDsRequest
	if !bind(c, &req) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"activities": h.svc.Activity.ForActors(req.ActorIDs, req.Limit)})
}

func (h *Handler) SocialAction(c *gin.Context) {
	var ev service.SocialEvent
	if !bind(c, &ev) {
		return
	}
	ev.ActorID = auth.GetActorID(c)
	res, err := h.svc.Fanout.SocialAction(c.Request.Context(), ev)
	if err != nil {
		fail(c, "social action", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) UndoSocialAction(c *gin.Context) {
	var ev service.SocialEvent
	if !bind(c, &ev) {
		return
	}
	ev.ActorID = auth.GetActorID(c)
	res, err := h.svc.Fanout.UndoSocialAction(c.Request.Context(), ev)
	if err != nil {
		fail(c, "undo social action", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ---- leaderboard ----

// IncrementLeaderboard 由后端在业务事件发生后给 actor 加分，只挂在 /internal 下。
func (h *Handler) IncrementLeaderboard(c *gin.Context) {
	var req struct {
		ActorID     string `json:"actor_id"`
		DisplayName string `json:"display_name"`
		Delta       int64  `json:"delta"`
	}
	if !bind(c, &req) {
		return
	}
	if req.Delta == 0 {
		req.Delta = 1
	}
	e, err := h.svc.Leaderboard.Increment(c.Request.Context(), req.ActorID, req.DisplayName, req.Delta)
	if err != nil {
		fail(c, "increment leaderboard", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entry": e})
}

func (h *Handler) LeaderboardTop(c *gin.Context) {
	rows, err := h.svc.Leaderboard.Top(models.LeaderboardWindow(c.Param("window")), limitParam(c))
	if err != nil {
		fail(c, "leaderboard top", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": rows})
}
