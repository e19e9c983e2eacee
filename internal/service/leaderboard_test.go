package service_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kavymi/palytt-monorepo-sub008/internal/models"
	"github.com/kavymi/palytt-monorepo-sub008/internal/service"
)

func TestWindowIDs(t *testing.T) {
	tests := []struct {
		at    time.Time
		week  string
		month string
	}{
		{time.Date(2025, 12, 29, 0, 0, 0, 0, time.UTC), "2026-W01", "2025-12"},
		{time.Date(2026, 1, 4, 23, 59, 0, 0, time.UTC), "2026-W01", "2026-01"},
		{time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC), "2026-W02", "2026-01"},
		{time.Date(2026, 2, 1, 1, 0, 0, 0, time.FixedZone("UTC+8", 8*3600)), "2026-W05", "2026-01"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.week, service.WeekID(tt.at), tt.at.String())
		assert.Equal(t, tt.month, service.MonthID(tt.at), tt.at.String())
	}
}

func TestLeaderboard_LazyWindowReset(t *testing.T) {
	f := newFixture(t)
	lb := f.svc.Leaderboard

	_, err := lb.Increment(f.ctx, "u1", "Ann", 3)
	require.NoError(t, err)

	f.clk.Advance(8 * 24 * time.Hour)
	e, ok := lb.Get("u1")
	require.True(t, ok)
	assert.Equal(t, int64(3), e.TotalCount)
	assert.Zero(t, e.WeeklyCount, "stale week reads as zero")
	assert.Equal(t, int64(3), e.MonthlyCount)

	e, err = lb.Increment(f.ctx, "u1", "", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), e.TotalCount)
	assert.Equal(t, int64(2), e.WeeklyCount)
	assert.Equal(t, int64(5), e.MonthlyCount)
	assert.Equal(t, "Ann", e.DisplayName)
	assert.Equal(t, service.WeekID(f.clk.Now()), e.CurrentWeekID)
}

func TestLeaderboard_TopAndScheduledReset(t *testing.T) {
	f := newFixture(t)
	lb := f.svc.Leaderboard

	for actor, n := range map[string]int64{"u1": 1, "u2": 5, "u3": 5} {
		_, err := lb.Increment(f.ctx, actor, "", n)
		require.NoError(t, err)
	}

	top, err := lb.Top(models.WindowWeekly, 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, []string{"u2", "u3"}, []string{top[0].ActorID, top[1].ActorID})

	_, err = lb.Top(models.LeaderboardWindow("daily"), 10)
	assert.ErrorIs(t, err, service.ErrInvalidWindow)

	// 本周内执行重置不影响本周计数
	n, err := lb.ResetWeekly(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clk.Advance(8 * 24 * time.Hour)
	n, err = lb.ResetWeekly(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	top, err = lb.Top(models.WindowWeekly, 0)
	require.NoError(t, err)
	assert.Empty(t, top)

	top, err = lb.Top(models.WindowTotal, 0)
	require.NoError(t, err)
	assert.Len(t, top, 3)

	n, err = lb.ResetMonthly(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "still January")
	e, _ := lb.Get("u2")
	assert.Equal(t, int64(5), e.MonthlyCount)

	f.clk.Set(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	n, err = lb.ResetMonthly(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	e, _ = lb.Get("u2")
	assert.Zero(t, e.MonthlyCount)
	assert.Equal(t, int64(5), e.TotalCount)
}

func TestLeaderboard_ResetTwiceInSameWindow(t *testing.T) {
	f := newFixture(t)
	lb := f.svc.Leaderboard

	_, err := lb.ResetWeekly(f.ctx)
	require.NoError(t, err)
	_, err = lb.ResetMonthly(f.ctx)
	require.NoError(t, err)
	_, err = lb.Increment(f.ctx, "u1", "", 5)
	require.NoError(t, err)

	// 调度延迟或重复触发
	f.clk.Advance(3 * time.Hour)
	n, err := lb.ResetWeekly(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	f.clk.Set(time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC))
	n, err = lb.ResetMonthly(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	e, ok := lb.Get("u1")
	require.True(t, ok)
	assert.Equal(t, int64(5), e.MonthlyCount)
	assert.Equal(t, int64(5), e.TotalCount)
	// 1 月 15 日已进入下一周，周计数按零呈现
	assert.Zero(t, e.WeeklyCount)
	f.clk.Set(t0.Add(4 * time.Hour))
	e, _ = lb.Get("u1")
	assert.Equal(t, int64(5), e.WeeklyCount)
}
