package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/kavymi/palytt-monorepo-sub008/internal/service"
	"github.com/kavymi/palytt-monorepo-sub008/internal/store"
	"github.com/kavymi/palytt-monorepo-sub008/internal/store/storetest"
)

const wait = 2 * time.Second

var t0 = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

type fixture struct {
	ctx   context.Context
	clk   *storetest.Clock
	store *store.Store
	svc   *service.Services
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	clk := storetest.NewClock(t0)
	s := store.New(store.WithClock(clk.Now))
	return &fixture{
		ctx:   ctx,
		clk:   clk,
		store: s,
		svc: service.New(s, service.Options{
			// 订阅测试依赖刷新来观察时间推移
			HeartbeatInterval: 20 * time.Millisecond,
		}),
	}
}
