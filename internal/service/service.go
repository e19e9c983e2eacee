// Package service 实现各类临时状态组件：在线状态、输入中、通知、已读回执、
// 聚会投票、好友动态与排行榜。所有组件共享同一个 store.Store。
package service

import (
	"time"

	"github.com/kavymi/palytt-monorepo-sub008/internal/store"
)

// Options 汇总各组件的时间参数，零值使用默认值。
type Options struct {
	StaleThreshold     time.Duration
	HeartbeatInterval  time.Duration
	TypingTTL          time.Duration
	NotificationMaxAge time.Duration
	ActivityTTL        time.Duration
}

type Services struct {
	Store         *store.Store
	Presence      *PresenceService
	Typing        *TypingService
	Notifications *NotificationService
	Receipts      *ReceiptService
	Gatherings    *GatheringService
	Activity      *ActivityService
	Leaderboard   *LeaderboardService
	Fanout        *FanoutService
}

func New(s *store.Store, opts Options) *Services {
	svc := &Services{
		Store:         s,
		Presence:      NewPresenceService(s, opts.StaleThreshold, opts.HeartbeatInterval),
		Typing:        NewTypingService(s, opts.TypingTTL),
		Notifications: NewNotificationService(s, opts.NotificationMaxAge),
		Receipts:      NewReceiptService(s),
		Gatherings:    NewGatheringService(s),
		Activity:      NewActivityService(s, opts.ActivityTTL),
		Leaderboard:   NewLeaderboardService(s),
	}
	svc.Fanout = NewFanoutService(svc.Activity, svc.Notifications)
	return svc
}
