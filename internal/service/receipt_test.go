package service_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kavymi/palytt-monorepo-sub008/internal/service"
	"github.com/kavymi/palytt-monorepo-sub008/internal/store/storetest"
)

func TestReceipts_MarkReadIsIdempotent(t *testing.T) {
	f := newFixture(t)
	r := f.svc.Receipts

	ok, err := r.MarkRead(f.ctx, "m1", "c1", "u1")
	require.NoError(t, err)
	assert.True(t, ok)
	first := r.ReceiptsFor("m1")[0].ReadAt

	f.clk.Advance(time.Minute)
	ok, err = r.MarkRead(f.ctx, "m1", "c1", "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	got := r.ReceiptsFor("m1")
	require.Len(t, got, 1)
	assert.Equal(t, first, got[0].ReadAt, "receipts are never rewritten")

	_, err = r.MarkRead(f.ctx, "m1", "", "u1")
	assert.ErrorIs(t, err, service.ErrMissingField)
}

func TestReceipts_UnreadCountIn(t *testing.T) {
	f := newFixture(t)
	r := f.svc.Receipts

	msgs := []string{"m1", "m2", "m3", "m4"}
	authors := []string{"u2", "u2", "u1", "u2"}
	assert.Equal(t, 3, r.UnreadCountIn("c1", "u1", msgs, authors), "own messages never count")

	n, err := r.MarkManyRead(f.ctx, []string{"m1", "m2"}, "c1", "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, r.UnreadCountIn("c1", "u1", msgs, authors))

	n, err = r.MarkConversationRead(f.ctx, "c1", "u1", msgs)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "only m3 and m4 are new")
	assert.Zero(t, r.UnreadCountIn("c1", "u1", msgs, authors))
}

func TestReceipts_UnreadCountInIgnoresDuplicateIDs(t *testing.T) {
	f := newFixture(t)
	r := f.svc.Receipts

	msgs := []string{"m1", "m1", "m2", "m1"}
	authors := []string{"u2", "u2", "u2", "u2"}
	assert.Equal(t, 2, r.UnreadCountIn("c1", "u1", msgs, authors))

	_, err := r.MarkRead(f.ctx, "m2", "c1", "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, r.UnreadCountIn("c1", "u1", msgs, authors))
}

func TestReceipts_BatchAndLastRead(t *testing.T) {
	f := newFixture(t)
	r := f.svc.Receipts

	_, err := r.MarkRead(f.ctx, "m1", "c1", "u1")
	require.NoError(t, err)
	f.clk.Advance(time.Second)
	_, err = r.MarkRead(f.ctx, "m2", "c1", "u1")
	require.NoError(t, err)
	_, err = r.MarkRead(f.ctx, "m1", "c1", "u2")
	require.NoError(t, err)

	batch := r.BatchReceiptsFor([]string{"m1", "m2", "m9"})
	assert.Len(t, batch["m1"], 2)
	assert.Len(t, batch["m2"], 1)
	assert.NotNil(t, batch["m9"])
	assert.Empty(t, batch["m9"])

	assert.True(t, r.HasRead("m2", "u1"))
	assert.False(t, r.HasRead("m2", "u2"))

	last, ok := r.LastReadMessage("c1", "u1")
	require.True(t, ok)
	assert.Equal(t, "m2", last.MessageID)
	_, ok = r.LastReadMessage("c1", "u3")
	assert.False(t, ok)
}

func TestReceipts_WatchUnreadCount(t *testing.T) {
	f := newFixture(t)
	r := f.svc.Receipts
	msgs := []string{"m1", "m2"}
	authors := []string{"u2", "u2"}

	sub := r.WatchUnreadCount(f.ctx, "c1", "u1", msgs, authors)
	defer sub.Close()
	assert.Equal(t, 2, storetest.Next(t, sub.C, wait))

	_, err := r.MarkRead(f.ctx, "m1", "c1", "u1")
	require.NoError(t, err)
	storetest.Until(t, sub.C, wait, func(n int) bool { return n == 1 })

	// 以其他会话 id 写入的回执也会让未读数下降
	_, err = r.MarkRead(f.ctx, "m2", "c-other", "u1")
	require.NoError(t, err)
	storetest.Until(t, sub.C, wait, func(n int) bool { return n == 0 })
}
