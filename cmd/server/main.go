package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/kavymi/palytt-monorepo-sub008/internal/bus"
	"github.com/kavymi/palytt-monorepo-sub008/internal/config"
	"github.com/kavymi/palytt-monorepo-sub008/internal/db"
	clog "github.com/kavymi/palytt-monorepo-sub008/internal/log"
	"github.com/kavymi/palytt-monorepo-sub008/internal/mw"
	"github.com/kavymi/palytt-monorepo-sub008/internal/scheduler"
	"github.com/kavymi/palytt-monorepo-sub008/internal/server"
	"github.com/kavymi/palytt-monorepo-sub008/internal/service"
	"github.com/kavymi/palytt-monorepo-sub008/internal/store"
	"github.com/kavymi/palytt-monorepo-sub008/internal/ws"
)

const shutdownTimeout = 10 * time.Second

// presenceHooks 把 websocket 连接数的变化映射到在线状态。
// 多节点部署时本节点的最后一个连接断开不代表用户离线，下线交给 stale 判定与清理任务。
func presenceHooks(ctx context.Context, cfg config.Config, svc *service.Services) []ws.HubOption {
	opts := []ws.HubOption{
		ws.OnFirstConnect(func(actorID string) {
			hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if _, err := svc.Presence.Heartbeat(hctx, actorID, ""); err != nil {
				log.Warn().Err(err).Str("actor", actorID).Msg("mark online on connect")
			}
		}),
	}
	if cfg.MultiNode() {
		return opts
	}
	return append(opts, ws.OnLastDisconnect(func(actorID string) {
		hctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := svc.Presence.SetOffline(hctx, actorID); err != nil {
			log.Warn().Err(err).Str("actor", actorID).Msg("mark offline on disconnect")
		}
	}))
}

func main() {
	// main 函数负责加载配置、初始化日志、恢复状态并启动 Gin 服务。
	cfg := config.Load()
	clog.Init(cfg.Env, cfg.LogLevel)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []store.Option{store.WithLogger(clog.Component("store"))}
	if cfg.DatabaseDSN != "" {
		gdb, err := db.Connect(cfg.DatabaseDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("db connect")
		}
		if err := db.Migrate(gdb); err != nil {
			log.Fatal().Err(err).Msg("db migrate")
		}
		opts = append(opts, store.WithJournal(db.NewJournal(gdb)))
	} else {
		log.Warn().Msg("DATABASE_DSN is empty, state will not survive restarts")
	}
	b, err := bus.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.BusDriver).Msg("bus connect")
	}
	if b != nil {
		opts = append(opts, store.WithBus(b))
		defer b.Close()
	}

	st := store.New(opts...)
	svc := service.New(st, service.Options{
		StaleThreshold:     cfg.StaleThreshold,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		TypingTTL:          cfg.TypingTTL,
		NotificationMaxAge: cfg.NotificationMaxAge,
		ActivityTTL:        cfg.ActivityTTL,
	})
	// 先恢复再订阅远端变更，避免旧快照覆盖较新的远端写入
	if _, err := st.Restore(ctx); err != nil {
		log.Fatal().Err(err).Msg("restore state")
	}
	if err := st.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("subscribe bus")
	}

	hub := ws.NewHub(presenceHooks(ctx, cfg, svc)...)
	defer hub.Close()

	var sched *scheduler.Scheduler
	if cfg.SchedulerEnabled {
		sched, err = scheduler.New(service.NewSweeper(svc), scheduler.DefaultSpecs)
		if err != nil {
			log.Fatal().Err(err).Msg("scheduler")
		}
		sched.Start()
	}

	limiter := mw.NewRateLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst, 2*time.Minute).Start()
	defer limiter.Stop()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.SetupRouter(cfg, svc, hub, limiter),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("node", st.NodeID()).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("server run")
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if sched != nil {
		sched.Stop(sctx)
	}
	if err := srv.Shutdown(sctx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
	log.Info().Msg("server stopped")
}
