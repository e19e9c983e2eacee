package bus

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/kavymi/palytt-monorepo-sub008/internal/store"
)

// Redis 用 Redis Pub/Sub 频道广播变更。消息不持久化，
// 节点离线期间错过的变更靠 journal 恢复或后续写入纠正。
type Redis struct {
	rdb     *redis.Client
	channel string
	logger  zerolog.Logger

	mu   sync.Mutex
	subs []*redis.PubSub
}

func NewRedis(addr, channel string) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrapf(err, "connect redis %s", addr)
	}
	return &Redis{rdb: rdb, channel: channel, logger: component("redis")}, nil
}

func (r *Redis) Publish(ctx context.Context, c store.Change) error {
	b, err := encode(c)
	if err != nil {
		return err
	}
	return errors.Wrap(r.rdb.Publish(ctx, r.channel, b).Err(), "redis publish")
}

// Subscribe 等待订阅确认后返回，之后在后台投递直到 ctx 结束。
func (r *Redis) Subscribe(ctx context.Context, handler func(store.Change)) error {
	ps := r.rdb.Subscribe(ctx, r.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return errors.Wrap(err, "redis subscribe")
	}
	r.mu.Lock()
	r.subs = append(r.subs, ps)
	r.mu.Unlock()

	ch := ps.Channel()
	go func() {
		defer ps.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				deliver(r.logger, []byte(msg.Payload), handler)
			}
		}
	}()
	return nil
}

func (r *Redis) Close() error {
	r.mu.Lock()
	for _, ps := range r.subs {
		_ = ps.Close()
	}
	r.subs = nil
	r.mu.Unlock()
	return r.rdb.Close()
}
