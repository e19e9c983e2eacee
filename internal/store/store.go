// Package store 是一个内存中的响应式集合存储：
// 带二级索引的类型化集合、按 tag 失效的订阅查询，以及可选的
// 写穿透持久化（Journal）和跨节点变更复制（Bus）。
//
// 每次单 key 写入是原子的；跨集合的多步流程没有事务，
// 调用方需要让每一步独立可重试。
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Op string

const (
	OpPut    Op = "put"
	OpDelete Op = "delete"
)

// Change 描述一次已提交的写入，由 Bus 在节点间传播。
type Change struct {
	Origin     string          `json:"origin"`
	Collection string          `json:"collection"`
	Key        string          `json:"key"`
	Op         Op              `json:"op"`
	Data       json.RawMessage `json:"data,omitempty"`
	At         time.Time       `json:"at"`
}

// Journal 镜像集合内容，用于进程重启后恢复。
type Journal interface {
	Save(ctx context.Context, collection, key string, data []byte, at time.Time) error
	Remove(ctx context.Context, collection, key string, at time.Time) error
	Load(ctx context.Context, collection string) (map[string][]byte, error)
}

// Bus 把本地写入广播给其他节点，并把远端写入交给 handler。
// Subscribe 在 ctx 结束前持续投递。
type Bus interface {
	Publish(ctx context.Context, c Change) error
	Subscribe(ctx context.Context, handler func(Change)) error
	Close() error
}

type registered interface {
	applyRemote(c Change) error
	Restore(ctx context.Context) (int, error)
}

type Store struct {
	nodeID  string
	clock   func() time.Time
	journal Journal
	bus     Bus
	logger  zerolog.Logger

	mu          sync.RWMutex
	collections map[string]registered
	watchers    map[Tag]map[*watcher]struct{}
}

type Option func(*Store)

func WithClock(clock func() time.Time) Option { return func(s *Store) { s.clock = clock } }

func WithJournal(j Journal) Option { return func(s *Store) { s.journal = j } }

func WithBus(b Bus) Option { return func(s *Store) { s.bus = b } }

func WithNodeID(id string) Option { return func(s *Store) { s.nodeID = id } }

func WithLogger(l zerolog.Logger) Option { return func(s *Store) { s.logger = l } }

func New(opts ...Option) *Store {
	s := &Store{
		nodeID:      uuid.NewString(),
		clock:       time.Now,
		logger:      log.Logger.With().Str("component", "store").Logger(),
		collections: make(map[string]registered),
		watchers:    make(map[Tag]map[*watcher]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now 返回存储使用的时钟，服务层统一用它计算 TTL。
func (s *Store) Now() time.Time { return s.clock() }

func (s *Store) NodeID() string { return s.nodeID }

// Start 开始消费远端变更；未配置 Bus 时直接返回。
func (s *Store) Start(ctx context.Context) error {
	if s.bus == nil {
		return nil
	}
	return s.bus.Subscribe(ctx, s.applyRemote)
}

func (s *Store) register(name string, c registered) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[name]; ok {
		panic(fmt.Sprintf("store: collection %q registered twice", name))
	}
	s.collections[name] = c
}

// Restore 依次恢复所有已注册集合，返回载入的总行数。
func (s *Store) Restore(ctx context.Context) (int, error) {
	s.mu.RLock()
	names := make([]string, 0, len(s.collections))
	for name := range s.collections {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	total := 0
	for _, name := range names {
		s.mu.RLock()
		c := s.collections[name]
		s.mu.RUnlock()
		n, err := c.Restore(ctx)
		if err != nil {
			return total, err
		}
		s.logger.Info().Str("collection", name).Int("rows", n).Msg("restored")
		total += n
	}
	return total, nil
}

func (s *Store) applyRemote(c Change) {
	if c.Origin == s.nodeID {
		return
	}
	s.mu.RLock()
	coll := s.collections[c.Collection]
	s.mu.RUnlock()
	if coll == nil {
		s.logger.Debug().Str("collection", c.Collection).Msg("remote change for unknown collection")
		return
	}
	if err := coll.applyRemote(c); err != nil {
		s.logger.Warn().Err(err).Str("collection", c.Collection).Str("key", c.Key).Msg("apply remote change")
	}
}

// Key 拼接复合主键。
func Key(parts ...string) string { return strings.Join(parts, "\x1f") }
