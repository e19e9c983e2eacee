package service_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kavymi/palytt-monorepo-sub008/internal/models"
	"github.com/kavymi/palytt-monorepo-sub008/internal/service"
	"github.com/kavymi/palytt-monorepo-sub008/internal/store/storetest"
)

func TestPresence_HeartbeatIsIdempotent(t *testing.T) {
	f := newFixture(t)
	p := f.svc.Presence

	_, err := p.Heartbeat(f.ctx, "u1", "feed")
	require.NoError(t, err)
	_, err = p.Heartbeat(f.ctx, "u1", "")
	require.NoError(t, err)

	assert.Equal(t, 1, p.Collection().Len())
	v, ok := p.GetPresence("u1")
	require.True(t, ok)
	assert.Equal(t, models.StatusOnline, v.Status)
	assert.True(t, v.IsOnline)
	assert.Equal(t, "feed", v.CurrentContext, "empty context keeps the previous one")
}

func TestPresence_HeartbeatKeepsDevice(t *testing.T) {
	f := newFixture(t)
	p := f.svc.Presence

	_, err := p.UpdatePresence(f.ctx, "u1", models.StatusAway, "map", &models.Device{ID: "d1", Class: "ios"})
	require.NoError(t, err)
	rec, err := p.Heartbeat(f.ctx, "u1", "")
	require.NoError(t, err)

	assert.Equal(t, models.StatusOnline, rec.Status)
	assert.Equal(t, "d1", rec.DeviceID)
	assert.Equal(t, "ios", rec.DeviceClass)
}

func TestPresence_Staleness(t *testing.T) {
	f := newFixture(t)
	p := f.svc.Presence

	_, err := p.Heartbeat(f.ctx, "u1", "")
	require.NoError(t, err)

	f.clk.Advance(119 * time.Second)
	v, _ := p.GetPresence("u1")
	assert.True(t, v.IsOnline)
	assert.Equal(t, 1, p.GetOnlineCount())

	f.clk.Advance(2 * time.Second)
	v, _ = p.GetPresence("u1")
	assert.False(t, v.IsOnline)
	assert.Equal(t, models.StatusOffline, v.Status)
	assert.Equal(t, models.StatusOnline, v.StoredStatus, "stored record is untouched until cleanup")
	assert.Equal(t, 0, p.GetOnlineCount())

	n, err := p.CleanupStale(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	v, _ = p.GetPresence("u1")
	assert.Equal(t, models.StatusOffline, v.StoredStatus)

	n, err = p.CleanupStale(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "already offline records are not counted again")
}

func TestPresence_InvalidStatusWritesNothing(t *testing.T) {
	f := newFixture(t)
	p := f.svc.Presence

	_, err := p.UpdatePresence(f.ctx, "u1", models.PresenceStatus("busy"), "", nil)
	require.ErrorIs(t, err, service.ErrInvalidStatus)
	assert.True(t, service.IsValidation(err))
	assert.Zero(t, p.Collection().Len())
}

func TestPresence_BatchAndFriends(t *testing.T) {
	f := newFixture(t)
	p := f.svc.Presence

	_, err := p.Heartbeat(f.ctx, "u1", "")
	require.NoError(t, err)
	_, err = p.UpdatePresence(f.ctx, "u2", models.StatusAway, "", nil)
	require.NoError(t, err)
	require.NoError(t, p.SetOffline(f.ctx, "u3"))

	batch := p.GetBatchPresence([]string{"u3", "missing", "u1"})
	require.Len(t, batch, 3)
	assert.Equal(t, "u3", batch[0].ActorID)
	assert.Equal(t, models.StatusOffline, batch[0].Status)
	assert.Equal(t, "missing", batch[1].ActorID)
	assert.False(t, batch[1].IsOnline)
	assert.True(t, batch[2].IsOnline)

	friends := p.GetOnlineFriends([]string{"u1", "u2", "u3", "missing"})
	ids := make([]string, 0, len(friends))
	for _, v := range friends {
		ids = append(ids, v.ActorID)
	}
	assert.Equal(t, []string{"u1", "u2"}, ids, "away counts as online")
}

func TestPresence_WatchConvergesToOffline(t *testing.T) {
	f := newFixture(t)
	p := f.svc.Presence

	sub := p.WatchPresence(f.ctx, []string{"u1"})
	defer sub.Close()
	first := storetest.Next(t, sub.C, wait)
	require.Len(t, first, 1)
	assert.False(t, first[0].IsOnline)

	_, err := p.Heartbeat(f.ctx, "u1", "")
	require.NoError(t, err)
	storetest.Until(t, sub.C, wait, func(v []service.PresenceView) bool { return v[0].IsOnline })

	// 没有任何写入，仅靠刷新观察到过期
	f.clk.Advance(121 * time.Second)
	storetest.Until(t, sub.C, wait, func(v []service.PresenceView) bool { return !v[0].IsOnline })
}
