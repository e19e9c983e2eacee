package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/kavymi/palytt-monorepo-sub008/internal/models"
	"github.com/kavymi/palytt-monorepo-sub008/internal/store"
)

const DefaultTypingTTL = 5000 * time.Millisecond

// TypingService 管理 (conversation, actor) 级别的输入中标记。
// 客户端可能来不及发送 stop，过期是唯一可靠的终止路径。
type TypingService struct {
	s       *store.Store
	records *store.Collection[models.Typing]
	ttl     time.Duration
}

func NewTypingService(s *store.Store, ttl time.Duration) *TypingService {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	return &TypingService{
		s: s,
		records: store.NewCollection(s, "typing",
			func(t models.Typing) string { return store.Key(t.ConversationID, t.ActorID) },
			store.Index[models.Typing]{Name: "conversation", Key: func(t models.Typing) string { return t.ConversationID }},
		),
		ttl: ttl,
	}
}

func (t *TypingService) Collection() *store.Collection[models.Typing] { return t.records }

// StartTyping 写入或刷新 expiresAt；startedAt 在持续输入期间保持不变。
func (t *TypingService) StartTyping(ctx context.Context, conversationID, actorID, displayName, displayImage string) (models.Typing, error) {
	if conversationID == "" || actorID == "" {
		return models.Typing{}, fmt.Errorf("conversation and actor id: %w", ErrMissingField)
	}
	now := t.s.Now()
	rec, _, err := t.records.Mutate(ctx, store.Key(conversationID, actorID), func(cur models.Typing, exists bool) (models.Typing, bool) {
		if !exists || !cur.ExpiresAt.After(now) {
			cur = models.Typing{ConversationID: conversationID, ActorID: actorID, StartedAt: now}
		}
		cur.ExpiresAt = now.Add(t.ttl)
		if displayName != "" {
			cur.DisplayName = displayName
		}
		if displayImage != "" {
			cur.DisplayImage = displayImage
		}
		return cur, true
	})
	return rec, err
}

// StopTyping 删除记录；没有正在输入的记录时返回 false。
func (t *TypingService) StopTyping(ctx context.Context, conversationID, actorID string) (bool, error) {
	return t.records.Delete(ctx, store.Key(conversationID, actorID))
}

// GetTyping 返回会话内未过期的记录，可排除调用者自己，按开始时间排序。
func (t *TypingService) GetTyping(conversationID, excludeActorID string) []models.Typing {
	now := t.s.Now()
	out := make([]models.Typing, 0)
	for _, rec := range t.records.Lookup("conversation", conversationID) {
		if !rec.ExpiresAt.After(now) {
			continue
		}
		if excludeActorID != "" && rec.ActorID == excludeActorID {
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// CleanupExpired 删除 expiresAt < now 的记录。
func (t *TypingService) CleanupExpired(ctx context.Context) (int, error) {
	now := t.s.Now()
	return t.records.DeleteWhere(ctx, func(rec models.Typing) bool {
		return rec.ExpiresAt.Before(now)
	})
}

// WatchTyping 每秒刷新一次，使过期的标记在清理任务运行前就从结果中消失。
func (t *TypingService) WatchTyping(ctx context.Context, conversationID, excludeActorID string) *store.Sub[[]models.Typing] {
	tags := []store.Tag{t.records.IndexTag("conversation", conversationID)}
	return store.Watch(ctx, t.s, tags, func() ([]models.Typing, error) {
		return t.GetTyping(conversationID, excludeActorID), nil
	}, store.WithRefresh(time.Second), store.WithName("typing"))
}
