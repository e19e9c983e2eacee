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

func vote(t *testing.T, f *fixture, voter, option string) {
	t.Helper()
	_, err := f.svc.Gatherings.CastVote(f.ctx, "g1", voter, models.CategoryVenue, option, voter+"-name")
	require.NoError(t, err)
	f.clk.Advance(time.Second)
}

func TestGathering_TalliesAndLeaderFlip(t *testing.T) {
	f := newFixture(t)
	g := f.svc.Gatherings

	vote(t, f, "a", "x")
	vote(t, f, "b", "x")
	vote(t, f, "c", "y")

	tl := g.Tallies("g1")
	assert.Equal(t, 3, tl.TotalVoters)
	assert.Equal(t, 2, tl.Option(models.CategoryVenue, "x").Count)
	assert.Equal(t, []string{"a-name", "b-name"}, tl.Option(models.CategoryVenue, "x").VoterNames)
	leader := g.GetLeader("g1")[models.CategoryVenue]
	assert.Equal(t, "x", leader.OptionID)
	assert.False(t, leader.Tied)

	// b 改投 y：x 减一，y 加一，总票数不变
	vote(t, f, "b", "y")
	tl = g.Tallies("g1")
	assert.Equal(t, 1, tl.Option(models.CategoryVenue, "x").Count)
	assert.Equal(t, 2, tl.Option(models.CategoryVenue, "y").Count)
	assert.Equal(t, 3, tl.Categories[models.CategoryVenue].Voters)
	assert.Equal(t, 3, g.Collection().Len())
	assert.Equal(t, "y", g.GetLeader("g1")[models.CategoryVenue].OptionID)
}

func TestGathering_TieBreakIsDeterministic(t *testing.T) {
	f := newFixture(t)
	g := f.svc.Gatherings

	vote(t, f, "a", "zeta")
	vote(t, f, "b", "alpha")

	leader := g.GetLeader("g1")[models.CategoryVenue]
	assert.True(t, leader.Tied)
	assert.Equal(t, "zeta", leader.OptionID, "earliest current ballot wins the tie")
	assert.Equal(t, []string{"zeta", "alpha"}, leader.TiedOptions)
	assert.Equal(t, 1, leader.Count)

	for i := 0; i < 5; i++ {
		assert.Equal(t, "zeta", g.GetLeader("g1")[models.CategoryVenue].OptionID)
	}
}

func TestGathering_RevotePreservesCreatedAt(t *testing.T) {
	f := newFixture(t)
	g := f.svc.Gatherings

	first, err := g.CastVote(f.ctx, "g1", "a", models.CategoryDate, "d1", "")
	require.NoError(t, err)
	f.clk.Advance(time.Minute)
	second, err := g.CastVote(f.ctx, "g1", "a", models.CategoryDate, "d2", "")
	require.NoError(t, err)

	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt))

	mine := g.GetUserVotes("g1", "a")
	require.Len(t, mine, 1)
	assert.Equal(t, "d2", mine[models.CategoryDate].OptionID)
	assert.Len(t, g.GetVotesByOption("g1", models.CategoryDate, "d2"), 1)
	assert.Empty(t, g.GetVotesByOption("g1", models.CategoryDate, "d1"))
}

func TestGathering_RemoveAndClear(t *testing.T) {
	f := newFixture(t)
	g := f.svc.Gatherings

	vote(t, f, "a", "x")
	vote(t, f, "b", "x")

	ok, err := g.RemoveVote(f.ctx, "g1", "a", models.CategoryVenue)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = g.RemoveVote(f.ctx, "g1", "a", models.CategoryVenue)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := g.ClearGathering(f.ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, g.GetLeader("g1"))
	assert.Zero(t, g.Tallies("g1").TotalVoters)
}

func TestGathering_RemoveVoterVotesKeepsOthers(t *testing.T) {
	f := newFixture(t)
	g := f.svc.Gatherings

	vote(t, f, "a", "x")
	vote(t, f, "b", "x")
	_, err := g.CastVote(f.ctx, "g1", "a", models.CategoryDate, "fri", "")
	require.NoError(t, err)

	n, err := g.RemoveVoterVotes(f.ctx, "g1", "mallory")
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = g.RemoveVoterVotes(f.ctx, "g1", "a")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, g.Tallies("g1").TotalVoters)
	assert.Equal(t, "x", g.GetLeader("g1")[models.CategoryVenue].OptionID)

	_, err = g.RemoveVoterVotes(f.ctx, "g1", "")
	require.ErrorIs(t, err, service.ErrMissingField)
}

func TestGathering_InvalidCategory(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Gatherings.CastVote(f.ctx, "g1", "a", models.VoteCategory("budget"), "x", "")
	require.ErrorIs(t, err, service.ErrInvalidCategory)
	assert.Zero(t, f.svc.Gatherings.Collection().Len())
}

func TestGathering_WatchTallies(t *testing.T) {
	f := newFixture(t)
	g := f.svc.Gatherings

	sub := g.WatchTallies(f.ctx, "g1")
	defer sub.Close()
	assert.Zero(t, storetest.Next(t, sub.C, wait).TotalVoters)

	vote(t, f, "a", "x")
	snap := storetest.Until(t, sub.C, wait, func(s service.TallySnapshot) bool { return s.TotalVoters == 1 })
	assert.Equal(t, "x", snap.Leaders[models.CategoryVenue].OptionID)
}
