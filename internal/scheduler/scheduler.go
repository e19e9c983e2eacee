// Package scheduler 按 cron 表达式在进程内触发清理任务。
// 多节点部署时只应在一个节点上开启，其余节点可以关闭并依赖 rtctl 或 HTTP 触发。
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/kavymi/palytt-monorepo-sub008/internal/log"
	"github.com/kavymi/palytt-monorepo-sub008/internal/service"
)

// DefaultSpecs 是各任务的默认周期，时间按 UTC 计算。
// 排行榜在 ISO 周一和每月 1 日零点重置，与 WeekID/MonthID 的边界一致。
var DefaultSpecs = map[string]string{
	service.JobTyping:             "@every 5s",
	service.JobPresence:           "@every 60s",
	service.JobNotifications:      "@daily",
	service.JobActivity:           "@daily",
	service.JobLeaderboardWeekly:  "0 0 * * 1",
	service.JobLeaderboardMonthly: "0 0 1 * *",
}

// Runner 是被调度的任务执行者，service.Sweeper 实现了它。
type Runner interface {
	Run(ctx context.Context, name string) (int, error)
}

type Scheduler struct {
	cron   *cron.Cron
	runner Runner
	logger zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// New 注册 specs 中的全部任务；任一表达式非法时返回错误。
// 同一任务上一轮未结束时跳过本轮。
func New(runner Runner, specs map[string]string) (*Scheduler, error) {
	logger := log.Component("scheduler")
	cl := cronLogger{logger}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
			cron.WithLogger(cl),
		),
		runner: runner,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		job := name
		if _, err := s.cron.AddFunc(specs[job], func() { s.run(job) }); err != nil {
			cancel()
			return nil, fmt.Errorf("schedule %s %q: %w", job, specs[job], err)
		}
	}
	return s, nil
}

func (s *Scheduler) run(job string) {
	if _, err := s.runner.Run(s.ctx, job); err != nil {
		s.logger.Warn().Err(err).Str("job", job).Msg("scheduled sweep failed")
	}
}

// Jobs 返回已注册的任务数。
func (s *Scheduler) Jobs() int { return len(s.cron.Entries()) }

// Next 返回每个任务下一次运行的时间。
func (s *Scheduler) Next() []time.Time {
	entries := s.cron.Entries()
	out := make([]time.Time, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Next)
	}
	return out
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Int("jobs", s.Jobs()).Msg("scheduler started")
}

// Stop 停止调度并等待正在运行的任务结束，或 ctx 到期。
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn().Msg("scheduler stop timed out")
	}
	s.cancel()
	s.logger.Info().Msg("scheduler stopped")
}

// cronLogger 把 cron 的内部日志转到 zerolog。
type cronLogger struct{ l zerolog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
