package store

import (
	"context"
	"reflect"
	"time"

	"github.com/kavymi/palytt-monorepo-sub008/internal/metrics"
)

// Tag 是失效标签：写入发出 tag，订阅按 tag 登记。
type Tag string

func CollectionTag(collection string) Tag { return Tag(collection) }

func KeyTag(collection, key string) Tag { return Tag(collection + "#" + key) }

func IndexTag(collection, index, value string) Tag {
	return Tag(collection + "/" + index + "=" + value)
}

type watcher struct {
	tags  []Tag
	dirty chan struct{}
}

func (w *watcher) invalidate() {
	select {
	case w.dirty <- struct{}{}:
	default:
	}
}

func (s *Store) addWatcher(w *watcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range w.tags {
		set := s.watchers[t]
		if set == nil {
			set = make(map[*watcher]struct{})
			s.watchers[t] = set
		}
		set[w] = struct{}{}
	}
	metrics.SubscriptionsActive.Inc()
}

func (s *Store) removeWatcher(w *watcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range w.tags {
		if set := s.watchers[t]; set != nil {
			delete(set, w)
			if len(set) == 0 {
				delete(s.watchers, t)
			}
		}
	}
	metrics.SubscriptionsActive.Dec()
}

func (s *Store) notify(tags []Tag) {
	if len(tags) == 0 {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range tags {
		for w := range s.watchers[t] {
			w.invalidate()
		}
	}
}

// Sub 是一个活动订阅。C 上总是能读到最新一次查询结果，
// 未被读取的旧结果会被新结果替换。
type Sub[R any] struct {
	C      <-chan R
	cancel context.CancelFunc
	done   chan struct{}
}

// Close 注销订阅并等待后台 goroutine 退出，可重复调用。
func (s *Sub[R]) Close() {
	s.cancel()
	<-s.done
}

type watchOptions struct {
	refresh time.Duration
	name    string
}

type WatchOption func(*watchOptions)

// WithRefresh 按固定周期重新执行查询，
// 用于结果依赖当前时间（TTL、过期判定）而不依赖写入的场景。
func WithRefresh(d time.Duration) WatchOption {
	return func(o *watchOptions) { o.refresh = d }
}

// WithName 仅用于日志。
func WithName(name string) WatchOption {
	return func(o *watchOptions) { o.name = name }
}

// Watch 注册订阅：立即执行一次 query 并推送，之后每当有写入
// 发出 tags 中任意一个，就重新执行并推送新结果。
// query 出错时保留上一次的结果，等待下一次失效重试。
func Watch[R any](ctx context.Context, s *Store, tags []Tag, query func() (R, error), opts ...WatchOption) *Sub[R] {
	var o watchOptions
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithCancel(ctx)
	out := make(chan R, 1)
	done := make(chan struct{})
	w := &watcher{tags: tags, dirty: make(chan struct{}, 1)}
	s.addWatcher(w)
	w.invalidate()

	go func() {
		defer close(done)
		defer close(out)
		defer s.removeWatcher(w)

		var tick <-chan time.Time
		if o.refresh > 0 {
			t := time.NewTicker(o.refresh)
			defer t.Stop()
			tick = t.C
		}
		var (
			last      R
			delivered bool
		)
		for {
			fromTick := false
			select {
			case <-ctx.Done():
				return
			case <-w.dirty:
			case <-tick:
				fromTick = true
			}
			res, err := query()
			if err != nil {
				s.logger.Warn().Err(err).Str("watch", o.name).Msg("subscription query failed, keeping last result")
				continue
			}
			if fromTick && delivered && reflect.DeepEqual(res, last) {
				continue
			}
			last, delivered = res, true
			// 丢弃尚未被消费的旧结果，保证缓冲区里只有最新值
			select {
			case <-out:
			default:
			}
			select {
			case out <- res:
				metrics.SubscriptionPushes.Inc()
			case <-ctx.Done():
				return
			}
		}
	}()
	return &Sub[R]{C: out, cancel: cancel, done: done}
}
