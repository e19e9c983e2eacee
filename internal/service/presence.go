package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kavymi/palytt-monorepo-sub008/internal/models"
	"github.com/kavymi/palytt-monorepo-sub008/internal/store"
)

const (
	DefaultStaleThreshold    = 120 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
)

// PresenceService 维护每个 actor 的在线状态。
// 心跳缺失超过 staleThreshold 即视为离线，这是唯一的离线判定信号。
type PresenceService struct {
	s              *store.Store
	records        *store.Collection[models.Presence]
	staleThreshold time.Duration
	refresh        time.Duration
}

func NewPresenceService(s *store.Store, staleThreshold, heartbeatInterval time.Duration) *PresenceService {
	if staleThreshold <= 0 {
		staleThreshold = DefaultStaleThreshold
	}
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	return &PresenceService{
		s:              s,
		records:        store.NewCollection(s, "presence", func(p models.Presence) string { return p.ActorID }),
		staleThreshold: staleThreshold,
		refresh:        heartbeatInterval,
	}
}

func (p *PresenceService) Collection() *store.Collection[models.Presence] { return p.records }

// PresenceView 是读取时的视图，Status 已按过期规则推导。
type PresenceView struct {
	models.Presence
	StoredStatus models.PresenceStatus `json:"stored_status"`
	IsOnline     bool                  `json:"is_online"`
}

// UpdatePresence 整体覆盖 actor 的状态记录。
func (p *PresenceService) UpdatePresence(ctx context.Context, actorID string, status models.PresenceStatus, currentContext string, device *models.Device) (models.Presence, error) {
	if actorID == "" {
		return models.Presence{}, fmt.Errorf("actor id: %w", ErrMissingField)
	}
	if !status.Valid() {
		return models.Presence{}, fmt.Errorf("%q: %w", status, ErrInvalidStatus)
	}
	rec := models.Presence{
		ActorID:        actorID,
		Status:         status,
		LastSeenAt:     p.s.Now(),
		CurrentContext: currentContext,
	}
	if device != nil {
		rec.DeviceID = device.ID
		rec.DeviceClass = device.Class
	}
	_, _, err := p.records.Upsert(ctx, rec)
	return rec, err
}

// Heartbeat 强制 online 并刷新 lastSeenAt；记录不存在时创建，保留已有设备信息。
func (p *PresenceService) Heartbeat(ctx context.Context, actorID, currentContext string) (models.Presence, error) {
	if actorID == "" {
		return models.Presence{}, fmt.Errorf("actor id: %w", ErrMissingField)
	}
	now := p.s.Now()
	rec, _, err := p.records.Mutate(ctx, actorID, func(cur models.Presence, exists bool) (models.Presence, bool) {
		if !exists {
			cur = models.Presence{ActorID: actorID}
		}
		cur.Status = models.StatusOnline
		cur.LastSeenAt = now
		if currentContext != "" {
			cur.CurrentContext = currentContext
		}
		return cur, true
	})
	return rec, err
}

// SetOffline 显式下线（例如登出）。从未上线过的 actor 也会得到一条 offline 记录。
func (p *PresenceService) SetOffline(ctx context.Context, actorID string) error {
	if actorID == "" {
		return fmt.Errorf("actor id: %w", ErrMissingField)
	}
	now := p.s.Now()
	_, _, err := p.records.Mutate(ctx, actorID, func(cur models.Presence, exists bool) (models.Presence, bool) {
		if !exists {
			cur = models.Presence{ActorID: actorID}
		}
		cur.Status = models.StatusOffline
		cur.LastSeenAt = now
		cur.CurrentContext = ""
		return cur, true
	})
	return err
}

func (p *PresenceService) view(rec models.Presence, now time.Time) PresenceView {
	v := PresenceView{Presence: rec, StoredStatus: rec.Status}
	if now.Sub(rec.LastSeenAt) > p.staleThreshold {
		v.Status = models.StatusOffline
	}
	v.IsOnline = v.Status != models.StatusOffline
	return v
}

// GetPresence 返回 actor 的有效状态；没有记录时返回 false。
func (p *PresenceService) GetPresence(actorID string) (PresenceView, bool) {
	rec, ok := p.records.Get(actorID)
	if !ok {
		return PresenceView{}, false
	}
	return p.view(rec, p.s.Now()), true
}

// GetBatchPresence 按输入顺序返回，缺失的 actor 以 offline 占位。
func (p *PresenceService) GetBatchPresence(actorIDs []string) []PresenceView {
	now := p.s.Now()
	out := make([]PresenceView, 0, len(actorIDs))
	for _, id := range actorIDs {
		rec, ok := p.records.Get(id)
		if !ok {
			out = append(out, PresenceView{
				Presence:     models.Presence{ActorID: id, Status: models.StatusOffline},
				StoredStatus: models.StatusOffline,
			})
			continue
		}
		out = append(out, p.view(rec, now))
	}
	return out
}

// GetOnlineFriends 过滤出当前有效在线（online 或 away）的好友。
func (p *PresenceService) GetOnlineFriends(friendIDs []string) []PresenceView {
	now := p.s.Now()
	out := make([]PresenceView, 0)
	for _, id := range friendIDs {
		rec, ok := p.records.Get(id)
		if !ok {
			continue
		}
		if v := p.view(rec, now); v.IsOnline {
			out = append(out, v)
		}
	}
	return out
}

func (p *PresenceService) GetOnlineCount() int {
	now := p.s.Now()
	return len(p.records.Scan(func(rec models.Presence) bool {
		return p.view(rec, now).IsOnline
	}))
}

// CleanupStale 把超过阈值的非 offline 记录落盘为 offline，返回修改数量。
func (p *PresenceService) CleanupStale(ctx context.Context) (int, error) {
	now := p.s.Now()
	return p.records.UpdateWhere(ctx,
		func(rec models.Presence) bool {
			return rec.Status != models.StatusOffline && now.Sub(rec.LastSeenAt) > p.staleThreshold
		},
		func(rec models.Presence) models.Presence {
			rec.Status = models.StatusOffline
			return rec
		},
	)
}

// WatchPresence 订阅一组 actor 的有效状态；按心跳间隔刷新以反映过期。
func (p *PresenceService) WatchPresence(ctx context.Context, actorIDs []string) *store.Sub[[]PresenceView] {
	tags := make([]store.Tag, 0, len(actorIDs))
	for _, id := range actorIDs {
		tags = append(tags, p.records.KeyTag(id))
	}
	return store.Watch(ctx, p.s, tags, func() ([]PresenceView, error) {
		return p.GetBatchPresence(actorIDs), nil
	}, store.WithRefresh(p.refresh), store.WithName("presence"))
}
