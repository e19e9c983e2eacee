package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kavymi/palytt-monorepo-sub008/internal/models"
	"github.com/kavymi/palytt-monorepo-sub008/internal/store"
)

const DefaultNotificationMaxAge = 30 * 24 * time.Hour

// NotificationService 维护应用内通知 feed 及已读状态。
// 通知只是持久事件之上的 UI 便利层，过期即清理。
type NotificationService struct {
	s       *store.Store
	records *store.Collection[models.Notification]
	maxAge  time.Duration
}

func NewNotificationService(s *store.Store, maxAge time.Duration) *NotificationService {
	if maxAge <= 0 {
		maxAge = DefaultNotificationMaxAge
	}
	return &NotificationService{
		s: s,
		records: store.NewCollection(s, "notifications",
			func(n models.Notification) string { return n.ID },
			store.Index[models.Notification]{Name: "recipient", Key: func(n models.Notification) string { return n.RecipientID }},
			store.Index[models.Notification]{Name: "source", Key: func(n models.Notification) string { return n.SourceID }},
			store.Index[models.Notification]{Name: "recipient_source", Key: func(n models.Notification) string {
				if n.SourceID == "" {
					return ""
				}
				return store.Key(n.RecipientID, n.SourceID)
			}},
		),
		maxAge: maxAge,
	}
}

func (n *NotificationService) Collection() *store.Collection[models.Notification] { return n.records }

type PushInput struct {
	RecipientID string                  `json:"recipient_id"`
	ActorID     string                  `json:"actor_id,omitempty"`
	Kind        models.NotificationKind `json:"kind"`
	Title       string                  `json:"title"`
	Body        string                  `json:"body"`
	Metadata    map[string]string       `json:"metadata,omitempty"`
	SourceID    string                  `json:"source_id,omitempty"`
}

func (n *NotificationService) build(in PushInput) (models.Notification, error) {
	if in.RecipientID == "" {
		return models.Notification{}, fmt.Errorf("recipient id: %w", ErrMissingField)
	}
	if !in.Kind.Valid() {
		return models.Notification{}, fmt.Errorf("%q: %w", in.Kind, ErrInvalidKind)
	}
	return models.Notification{
		ID:          uuid.NewString(),
		RecipientID: in.RecipientID,
		ActorID:     in.ActorID,
		Kind:        in.Kind,
		Title:       in.Title,
		Body:        in.Body,
		Metadata:    in.Metadata,
		SourceID:    in.SourceID,
		CreatedAt:   n.s.Now(),
	}, nil
}

// Push 总是插入一条新的未读通知；需要去重时调用方先查 GetBySourceID，或改用 PushOnce。
func (n *NotificationService) Push(ctx context.Context, in PushInput) (models.Notification, error) {
	rec, err := n.build(in)
	if err != nil {
		return models.Notification{}, err
	}
	_, err = n.records.InsertIfAbsent(ctx, rec)
	return rec, err
}

// PushOnce 按 (recipient, sourceID) 原子去重；重复投递返回已有通知与 false。
// 没有 sourceID 时退化为 Push。
func (n *NotificationService) PushOnce(ctx context.Context, in PushInput) (models.Notification, bool, error) {
	if in.SourceID == "" {
		rec, err := n.Push(ctx, in)
		return rec, err == nil, err
	}
	rec, err := n.build(in)
	if err != nil {
		return models.Notification{}, false, err
	}
	return n.records.InsertUnique(ctx, rec, "recipient_source")
}

// GetBySourceID 返回同一源事件产生的通知（可能属于多个接收者）。
func (n *NotificationService) GetBySourceID(sourceID string) []models.Notification {
	if sourceID == "" {
		return nil
	}
	return n.records.Lookup("source", sourceID)
}

func (n *NotificationService) owned(actorID, id string) (models.Notification, bool, error) {
	rec, ok := n.records.Get(id)
	if !ok {
		return rec, false, nil
	}
	if actorID != "" && rec.RecipientID != actorID {
		return rec, false, ErrForbidden
	}
	return rec, true, nil
}

// MarkRead 翻转单条通知为已读；actorID 非空时校验归属。
func (n *NotificationService) MarkRead(ctx context.Context, actorID, id string) (bool, error) {
	if _, ok, err := n.owned(actorID, id); !ok || err != nil {
		return false, err
	}
	_, changed, err := n.records.Update(ctx, id, func(rec models.Notification) (models.Notification, bool) {
		if rec.IsRead {
			return rec, false
		}
		rec.IsRead = true
		return rec, true
	})
	return changed, err
}

// MarkManyRead 逐条标记，遇到不属于 actor 的通知立即返回 ErrForbidden。
func (n *NotificationService) MarkManyRead(ctx context.Context, actorID string, ids []string) (int, error) {
	count := 0
	for _, id := range ids {
		changed, err := n.MarkRead(ctx, actorID, id)
		if err != nil {
			return count, err
		}
		if changed {
			count++
		}
	}
	return count, nil
}

func (n *NotificationService) MarkAllRead(ctx context.Context, recipientID string) (int, error) {
	return n.records.UpdateByIndex(ctx, "recipient", recipientID, func(rec models.Notification) (models.Notification, bool) {
		if rec.IsRead {
			return rec, false
		}
		rec.IsRead = true
		return rec, true
	})
}

// Delete 删除单条通知；只有接收者可以删除。
func (n *NotificationService) Delete(ctx context.Context, actorID, id string) (bool, error) {
	if _, ok, err := n.owned(actorID, id); !ok || err != nil {
		return false, err
	}
	return n.records.Delete(ctx, id)
}

func (n *NotificationService) ClearAll(ctx context.Context, recipientID string) (int, error) {
	return n.records.DeleteByIndex(ctx, "recipient", recipientID, nil)
}

// DeleteBySource 删除某个接收者由 sourceID 产生的通知，用于撤销扇出。
func (n *NotificationService) DeleteBySource(ctx context.Context, recipientID, sourceID string) (int, error) {
	if sourceID == "" {
		return 0, nil
	}
	return n.records.DeleteByIndex(ctx, "recipient_source", store.Key(recipientID, sourceID), nil)
}

func (n *NotificationService) list(recipientID string, limit int, keep func(models.Notification) bool) []models.Notification {
	rows := n.records.Lookup("recipient", recipientID)
	out := make([]models.Notification, 0, len(rows))
	for _, rec := range rows {
		if keep == nil || keep(rec) {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Feed 按时间倒序返回接收者的通知。
func (n *NotificationService) Feed(recipientID string, limit int) []models.Notification {
	return n.list(recipientID, limit, nil)
}

func (n *NotificationService) Unread(recipientID string, limit int) []models.Notification {
	return n.list(recipientID, limit, func(rec models.Notification) bool { return !rec.IsRead })
}

func (n *NotificationService) UnreadCount(recipientID string) int {
	return len(n.Unread(recipientID, 0))
}

func (n *NotificationService) ByKind(recipientID string, kind models.NotificationKind, limit int) ([]models.Notification, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%q: %w", kind, ErrInvalidKind)
	}
	return n.list(recipientID, limit, func(rec models.Notification) bool { return rec.Kind == kind }), nil
}

// CleanupOld 删除超过 maxAge 的通知。
func (n *NotificationService) CleanupOld(ctx context.Context) (int, error) {
	cutoff := n.s.Now().Add(-n.maxAge)
	return n.records.DeleteWhere(ctx, func(rec models.Notification) bool {
		return rec.CreatedAt.Before(cutoff)
	})
}

func (n *NotificationService) recipientTags(recipientID string) []store.Tag {
	return []store.Tag{n.records.IndexTag("recipient", recipientID)}
}

func (n *NotificationService) WatchFeed(ctx context.Context, recipientID string, limit int) *store.Sub[[]models.Notification] {
	return store.Watch(ctx, n.s, n.recipientTags(recipientID), func() ([]models.Notification, error) {
		return n.Feed(recipientID, limit), nil
	}, store.WithName("notifications.feed"))
}

func (n *NotificationService) WatchUnread(ctx context.Context, recipientID string, limit int) *store.Sub[[]models.Notification] {
	return store.Watch(ctx, n.s, n.recipientTags(recipientID), func() ([]models.Notification, error) {
		return n.Unread(recipientID, limit), nil
	}, store.WithName("notifications.unread"))
}

func (n *NotificationService) WatchUnreadCount(ctx context.Context, recipientID string) *store.Sub[int] {
	return store.Watch(ctx, n.s, n.recipientTags(recipientID), func() (int, error) {
		return n.UnreadCount(recipientID), nil
	}, store.WithName("notifications.unread_count"))
}
