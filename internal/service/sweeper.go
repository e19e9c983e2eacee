package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kavymi/palytt-monorepo-sub008/internal/metrics"
)

const (
	JobTyping             = "typing"
	JobPresence           = "presence"
	JobActivity           = "activity"
	JobNotifications      = "notifications"
	JobLeaderboardWeekly  = "leaderboard-weekly"
	JobLeaderboardMonthly = "leaderboard-monthly"
)

// Jobs 是全部清理任务名，顺序固定。
var Jobs = []string{
	JobTyping, JobPresence, JobActivity, JobNotifications,
	JobLeaderboardWeekly, JobLeaderboardMonthly,
}

// Sweeper 把各服务的 cleanup/reset 暴露为具名任务。它自身没有定时器，
// 由 scheduler、HTTP 或 rtctl 触发。
type Sweeper struct {
	jobs map[string]func(context.Context) (int, error)
}

func NewSweeper(svc *Services) *Sweeper {
	return &Sweeper{jobs: map[string]func(context.Context) (int, error){
		JobTyping:             svc.Typing.CleanupExpired,
		JobPresence:           svc.Presence.CleanupStale,
		JobActivity:           svc.Activity.CleanupExpired,
		JobNotifications:      svc.Notifications.CleanupOld,
		JobLeaderboardWeekly:  svc.Leaderboard.ResetWeekly,
		JobLeaderboardMonthly: svc.Leaderboard.ResetMonthly,
	}}
}

func (s *Sweeper) Has(name string) bool {
	_, ok := s.jobs[name]
	return ok
}

// Run 执行一个任务，返回删除或修改的记录数。
func (s *Sweeper) Run(ctx context.Context, name string) (int, error) {
	job, ok := s.jobs[name]
	if !ok {
		return 0, fmt.Errorf("%q: %w", name, ErrUnknownJob)
	}
	start := time.Now()
	n, err := job(ctx)
	metrics.SweepAffected.WithLabelValues(name).Add(float64(n))
	ev := log.Debug()
	if err != nil {
		ev = log.Error().Err(err)
	} else if n > 0 {
		ev = log.Info()
	}
	ev.Str("component", "sweeper").Str("job", name).Int("affected", n).
		Dur("took", time.Since(start)).Msg("sweep finished")
	return n, err
}
