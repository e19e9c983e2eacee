package db

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kavymi/palytt-monorepo-sub008/internal/store"
)

func testJournal(t *testing.T) *Journal {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("TEST_DATABASE_DSN not set")
	}
	gdb, err := Open(dsn)
	if err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}
	require.NoError(t, Migrate(gdb))
	return NewJournal(gdb)
}

func TestJournal_LastWriteWins(t *testing.T) {
	ctx := context.Background()
	j := testJournal(t)
	coll := "test_" + uuid.NewString()[:8]
	t.Cleanup(func() { _, _ = j.Truncate(ctx, coll) })

	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, j.Save(ctx, coll, "k", []byte(`{"v":2}`), now))
	require.NoError(t, j.Save(ctx, coll, "k", []byte(`{"v":1}`), now.Add(-time.Second)))

	rows, err := j.Load(ctx, coll)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(rows["k"]), "older write must not overwrite")

	require.NoError(t, j.Remove(ctx, coll, "k", now.Add(-time.Second)))
	rows, err = j.Load(ctx, coll)
	require.NoError(t, err)
	assert.Len(t, rows, 1, "older delete must not remove a newer row")

	require.NoError(t, j.Remove(ctx, coll, "k", now.Add(time.Second)))
	rows, err = j.Load(ctx, coll)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestJournal_RestoresStore(t *testing.T) {
	ctx := context.Background()
	j := testJournal(t)
	coll := "test_" + uuid.NewString()[:8]
	t.Cleanup(func() { _, _ = j.Truncate(ctx, coll) })

	type row struct {
		ID string `json:"id"`
		N  int    `json:"n"`
	}
	first := store.NewCollection(store.New(store.WithJournal(j)), coll, func(r row) string { return r.ID })
	_, _, err := first.Upsert(ctx, row{ID: "a", N: 1})
	require.NoError(t, err)
	_, _, err = first.Upsert(ctx, row{ID: "b", N: 2})
	require.NoError(t, err)
	_, err = first.Delete(ctx, "a")
	require.NoError(t, err)

	second := store.NewCollection(store.New(store.WithJournal(j)), coll, func(r row) string { return r.ID })
	n, err := second.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, ok := second.Get("b")
	require.True(t, ok)
	assert.Equal(t, 2, got.N)
}
