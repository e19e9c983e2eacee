package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/kavymi/palytt-monorepo-sub008/internal/models"
	"github.com/kavymi/palytt-monorepo-sub008/internal/store"
)

// WeekID 返回 UTC 下的 ISO 周标识，例如 2026-W03。
func WeekID(t time.Time) string {
	year, week := t.UTC().ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

// MonthID 返回 UTC 下的月份标识，例如 2026-01。
func MonthID(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// LeaderboardService 按 actor 累计计数。周/月计数在写入时发现窗口标识过期会懒重置，
// 定时的 ResetWeekly/ResetMonthly 只是额外保障，不依赖它在边界准时运行。
type LeaderboardService struct {
	s       *store.Store
	entries *store.Collection[models.LeaderboardEntry]
}

func NewLeaderboardService(s *store.Store) *LeaderboardService {
	return &LeaderboardService{
		s:       s,
		entries: store.NewCollection(s, "leaderboard", func(e models.LeaderboardEntry) string { return e.ActorID }),
	}
}

func (l *LeaderboardService) Collection() *store.Collection[models.LeaderboardEntry] {
	return l.entries
}

// Increment 给 actor 的各窗口计数加上 delta。
func (l *LeaderboardService) Increment(ctx context.Context, actorID, displayName string, delta int64) (models.LeaderboardEntry, error) {
	if actorID == "" {
		return models.LeaderboardEntry{}, fmt.Errorf("actor id: %w", ErrMissingField)
	}
	now := l.s.Now()
	week, month := WeekID(now), MonthID(now)
	e, _, err := l.entries.Mutate(ctx, actorID, func(cur models.LeaderboardEntry, exists bool) (models.LeaderboardEntry, bool) {
		if !exists {
			cur = models.LeaderboardEntry{ActorID: actorID, CurrentWeekID: week, CurrentMonthID: month}
		}
		if cur.CurrentWeekID != week {
			cur.WeeklyCount, cur.CurrentWeekID = 0, week
		}
		if cur.CurrentMonthID != month {
			cur.MonthlyCount, cur.CurrentMonthID = 0, month
		}
		if displayName != "" {
			cur.DisplayName = displayName
		}
		cur.TotalCount += delta
		cur.WeeklyCount += delta
		cur.MonthlyCount += delta
		cur.LastUpdatedAt = now
		return cur, true
	})
	return e, err
}

// normalize 把过期窗口的计数按零呈现，不写回。
func normalize(e models.LeaderboardEntry, now time.Time) models.LeaderboardEntry {
	if e.CurrentWeekID != WeekID(now) {
		e.WeeklyCount = 0
	}
	if e.CurrentMonthID != MonthID(now) {
		e.MonthlyCount = 0
	}
	return e
}

func (l *LeaderboardService) Get(actorID string) (models.LeaderboardEntry, bool) {
	e, ok := l.entries.Get(actorID)
	if !ok {
		return e, false
	}
	return normalize(e, l.s.Now()), true
}

func countIn(e models.LeaderboardEntry, w models.LeaderboardWindow) int64 {
	switch w {
	case models.WindowWeekly:
		return e.WeeklyCount
	case models.WindowMonthly:
		return e.MonthlyCount
	default:
		return e.TotalCount
	}
}

// Top 返回窗口内计数最高的 limit 个条目，计数为零的条目不参与排名。
func (l *LeaderboardService) Top(window models.LeaderboardWindow, limit int) ([]models.LeaderboardEntry, error) {
	if !window.Valid() {
		return nil, fmt.Errorf("%q: %w", window, ErrInvalidWindow)
	}
	now := l.s.Now()
	out := make([]models.LeaderboardEntry, 0)
	for _, e := range l.entries.Scan(nil) {
		e = normalize(e, now)
		if countIn(e, window) > 0 {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		ci, cj := countIn(out[i], window), countIn(out[j], window)
		if ci != cj {
			return ci > cj
		}
		return out[i].ActorID < out[j].ActorID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ResetWeekly 只归零仍停留在旧周的条目，同一周内重复执行或延迟执行都不影响本周计数。
func (l *LeaderboardService) ResetWeekly(ctx context.Context) (int, error) {
	week := WeekID(l.s.Now())
	return l.entries.UpdateWhere(ctx,
		func(e models.LeaderboardEntry) bool { return e.CurrentWeekID != week },
		func(e models.LeaderboardEntry) models.LeaderboardEntry {
			e.WeeklyCount, e.CurrentWeekID = 0, week
			return e
		},
	)
}

func (l *LeaderboardService) ResetMonthly(ctx context.Context) (int, error) {
	month := MonthID(l.s.Now())
	return l.entries.UpdateWhere(ctx,
		func(e models.LeaderboardEntry) bool { return e.CurrentMonthID != month },
		func(e models.LeaderboardEntry) models.LeaderboardEntry {
			e.MonthlyCount, e.CurrentMonthID = 0, month
			return e
		},
	)
}

// WatchTop 订阅排行榜；按分钟刷新使跨越窗口边界后的结果归零。
func (l *LeaderboardService) WatchTop(ctx context.Context, window models.LeaderboardWindow, limit int) (*store.Sub[[]models.LeaderboardEntry], error) {
	if !window.Valid() {
		return nil, fmt.Errorf("%q: %w", window, ErrInvalidWindow)
	}
	return store.Watch(ctx, l.s, []store.Tag{l.entries.Tag()}, func() ([]models.LeaderboardEntry, error) {
		return l.Top(window, limit)
	}, store.WithRefresh(time.Minute), store.WithName("leaderboard.top")), nil
}
