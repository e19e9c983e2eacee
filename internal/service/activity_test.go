package service_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kavymi/palytt-monorepo-sub008/internal/models"
	"github.com/kavymi/palytt-monorepo-sub008/internal/service"
)

func TestActivity_UndoRemovesExactlyOne(t *testing.T) {
	f := newFixture(t)
	a := f.svc.Activity

	for _, in := range []service.ActivityInput{
		{ActorID: "u1", Kind: models.ActivityLiked, TargetID: "P9", TargetKind: "post"},
		{ActorID: "u1", Kind: models.ActivityLiked, TargetID: "P10", TargetKind: "post"},
		{ActorID: "u1", Kind: models.ActivityCommented, TargetID: "P9", TargetKind: "post"},
		{ActorID: "u2", Kind: models.ActivityLiked, TargetID: "P9", TargetKind: "post"},
	} {
		_, added, err := a.Record(f.ctx, in)
		require.NoError(t, err)
		require.True(t, added)
	}

	n, err := a.Undo(f.ctx, "u1", models.ActivityLiked, "P9")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	left := a.ForActors([]string{"u1"}, 0)
	require.Len(t, left, 2)
	for _, rec := range left {
		assert.False(t, rec.Kind == models.ActivityLiked && rec.TargetID == "P9")
	}
	assert.Len(t, a.ForActors([]string{"u2"}, 0), 1)
}

func TestActivity_RecordWithIDIsIdempotent(t *testing.T) {
	f := newFixture(t)
	a := f.svc.Activity
	in := service.ActivityInput{ID: "evt-1", ActorID: "u1", Kind: models.ActivityPosted, TargetID: "P1"}

	first, added, err := a.Record(f.ctx, in)
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, first.CreatedAt.Add(service.DefaultActivityTTL), first.ExpiresAt)

	f.clk.Advance(time.Minute)
	second, added, err := a.Record(f.ctx, in)
	require.NoError(t, err)
	assert.False(t, added)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, a.Collection().Len())

	_, _, err = a.Record(f.ctx, service.ActivityInput{ActorID: "u1", Kind: "waved"})
	assert.ErrorIs(t, err, service.ErrInvalidActivityKind)
}

func TestActivity_ExpiryAndFeedOrder(t *testing.T) {
	f := newFixture(t)
	a := f.svc.Activity

	_, _, err := a.Record(f.ctx, service.ActivityInput{ActorID: "u1", Kind: models.ActivityPosted})
	require.NoError(t, err)
	f.clk.Advance(12 * time.Hour)
	late, _, err := a.Record(f.ctx, service.ActivityInput{ActorID: "u2", Kind: models.ActivityJoined})
	require.NoError(t, err)

	feed := a.ForActors([]string{"u1", "u2", "u1"}, 0)
	require.Len(t, feed, 2)
	assert.Equal(t, late.ID, feed[0].ID)

	f.clk.Advance(13 * time.Hour)
	feed = a.ForActors([]string{"u1", "u2"}, 0)
	require.Len(t, feed, 1, "expired records are filtered before the sweep runs")

	n, err := a.CleanupExpired(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
