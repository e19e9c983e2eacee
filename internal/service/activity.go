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

const DefaultActivityTTL = 24 * time.Hour

// ActivityService 维护好友动态流，记录在 createdAt + ttl 后过期。
type ActivityService struct {
	s       *store.Store
	records *store.Collection[models.Activity]
	ttl     time.Duration
}

func NewActivityService(s *store.Store, ttl time.Duration) *ActivityService {
	if ttl <= 0 {
		ttl = DefaultActivityTTL
	}
	return &ActivityService{
		s: s,
		records: store.NewCollection(s, "activities",
			func(a models.Activity) string { return a.ID },
			store.Index[models.Activity]{Name: "actor", Key: func(a models.Activity) string { return a.ActorID }},
		),
		ttl: ttl,
	}
}

func (a *ActivityService) Collection() *store.Collection[models.Activity] { return a.records }

type ActivityInput struct {
	// ID 可选；提供时插入幂等，重复调用不会产生第二条记录。
	ID         string              `json:"id,omitempty"`
	ActorID    string              `json:"actor_id"`
	Kind       models.ActivityKind `json:"kind"`
	TargetID   string              `json:"target_id,omitempty"`
	TargetKind string              `json:"target_kind,omitempty"`
	Preview    string              `json:"preview,omitempty"`
}

// Record 写入一条动态，返回记录以及是否为新增。
func (a *ActivityService) Record(ctx context.Context, in ActivityInput) (models.Activity, bool, error) {
	if in.ActorID == "" {
		return models.Activity{}, false, fmt.Errorf("actor id: %w", ErrMissingField)
	}
	if !in.Kind.Valid() {
		return models.Activity{}, false, fmt.Errorf("%q: %w", in.Kind, ErrInvalidActivityKind)
	}
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := a.s.Now()
	rec := models.Activity{
		ID:         id,
		ActorID:    in.ActorID,
		Kind:       in.Kind,
		TargetID:   in.TargetID,
		TargetKind: in.TargetKind,
		Preview:    in.Preview,
		CreatedAt:  now,
		ExpiresAt:  now.Add(a.ttl),
	}
	var added bool
	stored, _, err := a.records.Mutate(ctx, id, func(cur models.Activity, exists bool) (models.Activity, bool) {
		if exists {
			return cur, false
		}
		added = true
		return rec, true
	})
	return stored, added, err
}

// Undo 删除 actor 与 (kind, target) 完全匹配的动态，其他动态不受影响。
func (a *ActivityService) Undo(ctx context.Context, actorID string, kind models.ActivityKind, targetID string) (int, error) {
	if actorID == "" {
		return 0, fmt.Errorf("actor id: %w", ErrMissingField)
	}
	if !kind.Valid() {
		return 0, fmt.Errorf("%q: %w", kind, ErrInvalidActivityKind)
	}
	return a.records.DeleteByIndex(ctx, "actor", actorID, func(rec models.Activity) bool {
		return rec.Kind == kind && rec.TargetID == targetID
	})
}

// ForActors 合并多个 actor 的未过期动态，按时间倒序。
func (a *ActivityService) ForActors(actorIDs []string, limit int) []models.Activity {
	now := a.s.Now()
	out := make([]models.Activity, 0)
	seen := make(map[string]struct{}, len(actorIDs))
	for _, id := range actorIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		for _, rec := range a.records.Lookup("actor", id) {
			if rec.ExpiresAt.After(now) {
				out = append(out, rec)
			}
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

// CleanupExpired 删除 expiresAt < now 的动态。
func (a *ActivityService) CleanupExpired(ctx context.Context) (int, error) {
	now := a.s.Now()
	return a.records.DeleteWhere(ctx, func(rec models.Activity) bool {
		return rec.ExpiresAt.Before(now)
	})
}

func (a *ActivityService) WatchForActors(ctx context.Context, actorIDs []string, limit int) *store.Sub[[]models.Activity] {
	tags := make([]store.Tag, 0, len(actorIDs))
	for _, id := range actorIDs {
		tags = append(tags, a.records.IndexTag("actor", id))
	}
	return store.Watch(ctx, a.s, tags, func() ([]models.Activity, error) {
		return a.ForActors(actorIDs, limit), nil
	}, store.WithRefresh(time.Minute), store.WithName("activity.feed"))
}
