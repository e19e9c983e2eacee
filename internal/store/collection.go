package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kavymi/palytt-monorepo-sub008/internal/metrics"
)

// Index 定义二级索引；Key 返回空串表示该行不进入索引。
type Index[T any] struct {
	Name string
	Key  func(T) string
}

// Collection 是按主键 upsert 的类型化集合。
type Collection[T any] struct {
	s       *Store
	name    string
	key     func(T) string
	indexes []Index[T]

	mu     sync.RWMutex
	rows   map[string]T
	stamps map[string]time.Time
	byIdx  map[string]map[string]map[string]struct{}
}

type mutation[T any] struct {
	key     string
	prev    T
	hadPrev bool
	next    T
	hasNext bool
	at      time.Time
}

func NewCollection[T any](s *Store, name string, key func(T) string, indexes ...Index[T]) *Collection[T] {
	c := &Collection[T]{
		s:       s,
		name:    name,
		key:     key,
		indexes: indexes,
		rows:    make(map[string]T),
		stamps:  make(map[string]time.Time),
		byIdx:   make(map[string]map[string]map[string]struct{}, len(indexes)),
	}
	for _, ix := range indexes {
		c.byIdx[ix.Name] = make(map[string]map[string]struct{})
	}
	s.register(name, c)
	return c
}

func (c *Collection[T]) Name() string { return c.name }

// KeyOf 返回行的主键。
func (c *Collection[T]) KeyOf(v T) string { return c.key(v) }

func (c *Collection[T]) Tag() Tag { return CollectionTag(c.name) }

func (c *Collection[T]) KeyTag(key string) Tag { return KeyTag(c.name, key) }

func (c *Collection[T]) IndexTag(index, value string) Tag { return IndexTag(c.name, index, value) }

func (c *Collection[T]) Get(key string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.rows[key]
	return v, ok
}

// Lookup 返回索引值匹配的全部行，按主键排序。
func (c *Collection[T]) Lookup(index, value string) []T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.byIdx[index]
	if !ok {
		panic(fmt.Sprintf("store: collection %q has no index %q", c.name, index))
	}
	set := m[value]
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]T, 0, len(keys))
	for _, k := range keys {
		out = append(out, c.rows[k])
	}
	return out
}

// Scan 全量扫描，pred 为 nil 时返回所有行。
func (c *Collection[T]) Scan(pred func(T) bool) []T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.rows))
	for k, v := range c.rows {
		if pred == nil || pred(v) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]T, 0, len(keys))
	for _, k := range keys {
		out = append(out, c.rows[k])
	}
	return out
}

func (c *Collection[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rows)
}

// Mutate 对单个 key 做原子的读-改-写。fn 返回 write=false 时不写入。
// 返回写入后的值（或未写入时的当前值）以及是否发生写入。
func (c *Collection[T]) Mutate(ctx context.Context, key string, fn func(cur T, exists bool) (next T, write bool)) (T, bool, error) {
	c.mu.Lock()
	cur, exists := c.rows[key]
	next, write := fn(cur, exists)
	if !write {
		c.mu.Unlock()
		return cur, false, nil
	}
	m := c.put(key, next)
	c.mu.Unlock()
	return next, true, c.publish(ctx, []mutation[T]{m})
}

// Upsert 插入或整体替换。
func (c *Collection[T]) Upsert(ctx context.Context, v T) (prev T, replaced bool, err error) {
	key := c.key(v)
	c.mu.Lock()
	m := c.put(key, v)
	c.mu.Unlock()
	return m.prev, m.hadPrev, c.publish(ctx, []mutation[T]{m})
}

// InsertIfAbsent 幂等插入：key 已存在时不做任何事并返回 false。
func (c *Collection[T]) InsertIfAbsent(ctx context.Context, v T) (bool, error) {
	_, inserted, err := c.Mutate(ctx, c.key(v), func(_ T, exists bool) (T, bool) {
		return v, !exists
	})
	return inserted, err
}

// InsertUnique 在 index 上保证唯一：若已有行的索引值相同，返回已有行与 false。
func (c *Collection[T]) InsertUnique(ctx context.Context, v T, index string) (T, bool, error) {
	ix, ok := c.indexByName(index)
	if !ok {
		panic(fmt.Sprintf("store: collection %q has no index %q", c.name, index))
	}
	value := ix.Key(v)
	c.mu.Lock()
	if value != "" {
		for k := range c.byIdx[index][value] {
			existing := c.rows[k]
			c.mu.Unlock()
			return existing, false, nil
		}
	}
	key := c.key(v)
	if existing, ok := c.rows[key]; ok {
		c.mu.Unlock()
		return existing, false, nil
	}
	m := c.put(key, v)
	c.mu.Unlock()
	return v, true, c.publish(ctx, []mutation[T]{m})
}

// Update 只修改已存在的行；key 不存在时返回 false。
func (c *Collection[T]) Update(ctx context.Context, key string, fn func(T) (T, bool)) (T, bool, error) {
	return c.Mutate(ctx, key, func(cur T, exists bool) (T, bool) {
		if !exists {
			return cur, false
		}
		return fn(cur)
	})
}

// UpdateWhere 批量修改满足 pred 的行，返回实际修改的行数。
func (c *Collection[T]) UpdateWhere(ctx context.Context, pred func(T) bool, fn func(T) T) (int, error) {
	c.mu.Lock()
	var muts []mutation[T]
	for k, v := range c.rows {
		if pred(v) {
			muts = append(muts, c.put(k, fn(v)))
		}
	}
	c.mu.Unlock()
	return len(muts), c.publish(ctx, muts)
}

// UpdateByIndex 与 UpdateWhere 相同，但只扫描一个索引桶。
func (c *Collection[T]) UpdateByIndex(ctx context.Context, index, value string, fn func(T) (T, bool)) (int, error) {
	c.mu.Lock()
	var muts []mutation[T]
	for _, k := range c.indexKeys(index, value) {
		if next, ok := fn(c.rows[k]); ok {
			muts = append(muts, c.put(k, next))
		}
	}
	c.mu.Unlock()
	return len(muts), c.publish(ctx, muts)
}

// Delete 删除单行；不存在时返回 false，不视为错误。
func (c *Collection[T]) Delete(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	m, ok := c.del(key)
	c.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, c.publish(ctx, []mutation[T]{m})
}

// DeleteWhere 删除满足 pred 的所有行，返回删除数量。
func (c *Collection[T]) DeleteWhere(ctx context.Context, pred func(T) bool) (int, error) {
	c.mu.Lock()
	var muts []mutation[T]
	for k, v := range c.rows {
		if pred(v) {
			if m, ok := c.del(k); ok {
				muts = append(muts, m)
			}
		}
	}
	c.mu.Unlock()
	return len(muts), c.publish(ctx, muts)
}

// DeleteByIndex 删除索引桶内满足 pred 的行，pred 为 nil 时删除整个桶。
func (c *Collection[T]) DeleteByIndex(ctx context.Context, index, value string, pred func(T) bool) (int, error) {
	c.mu.Lock()
	var muts []mutation[T]
	for _, k := range c.indexKeys(index, value) {
		if pred != nil && !pred(c.rows[k]) {
			continue
		}
		if m, ok := c.del(k); ok {
			muts = append(muts, m)
		}
	}
	c.mu.Unlock()
	return len(muts), c.publish(ctx, muts)
}

// Restore 从 Journal 载入行，启动时调用；不触发订阅。
func (c *Collection[T]) Restore(ctx context.Context) (int, error) {
	if c.s.journal == nil {
		return 0, nil
	}
	rows, err := c.s.journal.Load(ctx, c.name)
	if err != nil {
		return 0, fmt.Errorf("restore %s: %w", c.name, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key, data := range rows {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			c.s.logger.Warn().Err(err).Str("collection", c.name).Str("key", key).Msg("skip undecodable journal row")
			continue
		}
		c.put(key, v)
		n++
	}
	return n, nil
}

func (c *Collection[T]) applyRemote(ch Change) error {
	c.mu.Lock()
	if stamp, ok := c.stamps[ch.Key]; ok && stamp.After(ch.At) {
		c.mu.Unlock()
		return nil
	}
	var m mutation[T]
	switch ch.Op {
	case OpPut:
		var v T
		if err := json.Unmarshal(ch.Data, &v); err != nil {
			c.mu.Unlock()
			return fmt.Errorf("decode remote %s: %w", c.name, err)
		}
		m = c.put(ch.Key, v)
	case OpDelete:
		var ok bool
		if m, ok = c.del(ch.Key); !ok {
			c.stamps[ch.Key] = ch.At
			c.mu.Unlock()
			return nil
		}
	default:
		c.mu.Unlock()
		return fmt.Errorf("unknown op %q", ch.Op)
	}
	c.stamps[ch.Key] = ch.At
	c.mu.Unlock()
	c.s.notify(c.tagsFor(m))
	return nil
}

// put/del 必须在持有写锁时调用。
func (c *Collection[T]) put(key string, v T) mutation[T] {
	prev, had := c.rows[key]
	if had {
		c.indexRemove(key, prev)
	}
	c.rows[key] = v
	c.indexAdd(key, v)
	at := c.s.clock()
	c.stamps[key] = at
	return mutation[T]{key: key, prev: prev, hadPrev: had, next: v, hasNext: true, at: at}
}

func (c *Collection[T]) del(key string) (mutation[T], bool) {
	prev, had := c.rows[key]
	if !had {
		return mutation[T]{}, false
	}
	c.indexRemove(key, prev)
	delete(c.rows, key)
	// 保留删除时间作为墓碑，迟到的更早远端写入不会让行复活
	at := c.s.clock()
	c.stamps[key] = at
	return mutation[T]{key: key, prev: prev, hadPrev: true, at: at}, true
}

func (c *Collection[T]) indexByName(name string) (Index[T], bool) {
	for _, ix := range c.indexes {
		if ix.Name == name {
			return ix, true
		}
	}
	return Index[T]{}, false
}

func (c *Collection[T]) indexKeys(index, value string) []string {
	m, ok := c.byIdx[index]
	if !ok {
		panic(fmt.Sprintf("store: collection %q has no index %q", c.name, index))
	}
	keys := make([]string, 0, len(m[value]))
	for k := range m[value] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c *Collection[T]) indexAdd(key string, v T) {
	for _, ix := range c.indexes {
		value := ix.Key(v)
		if value == "" {
			continue
		}
		set := c.byIdx[ix.Name][value]
		if set == nil {
			set = make(map[string]struct{})
			c.byIdx[ix.Name][value] = set
		}
		set[key] = struct{}{}
	}
}

func (c *Collection[T]) indexRemove(key string, v T) {
	for _, ix := range c.indexes {
		value := ix.Key(v)
		if value == "" {
			continue
		}
		if set := c.byIdx[ix.Name][value]; set != nil {
			delete(set, key)
			if len(set) == 0 {
				delete(c.byIdx[ix.Name], value)
			}
		}
	}
}

func (c *Collection[T]) tagsFor(m mutation[T]) []Tag {
	tags := []Tag{c.Tag(), c.KeyTag(m.key)}
	for _, ix := range c.indexes {
		if m.hadPrev {
			if v := ix.Key(m.prev); v != "" {
				tags = append(tags, c.IndexTag(ix.Name, v))
			}
		}
		if m.hasNext {
			if v := ix.Key(m.next); v != "" {
				tags = append(tags, c.IndexTag(ix.Name, v))
			}
		}
	}
	return tags
}

// publish 在释放锁之后执行：通知订阅、写 Journal、广播到 Bus。
func (c *Collection[T]) publish(ctx context.Context, muts []mutation[T]) error {
	if len(muts) == 0 {
		return nil
	}
	var tags []Tag
	for _, m := range muts {
		tags = append(tags, c.tagsFor(m)...)
	}
	c.s.notify(tags)

	var errs []error
	for _, m := range muts {
		op := OpDelete
		var data []byte
		if m.hasNext {
			op = OpPut
			b, err := json.Marshal(m.next)
			if err != nil {
				errs = append(errs, fmt.Errorf("encode %s/%s: %w", c.name, m.key, err))
				continue
			}
			data = b
		}
		metrics.StoreWrites.WithLabelValues(c.name, string(op)).Inc()
		if c.s.journal != nil {
			var err error
			if op == OpPut {
				err = c.s.journal.Save(ctx, c.name, m.key, data, m.at)
			} else {
				err = c.s.journal.Remove(ctx, c.name, m.key, m.at)
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("journal %s/%s: %w", c.name, m.key, err))
			}
		}
		if c.s.bus != nil {
			ch := Change{Origin: c.s.nodeID, Collection: c.name, Key: m.key, Op: op, Data: data, At: m.at}
			if err := c.s.bus.Publish(ctx, ch); err != nil {
				errs = append(errs, fmt.Errorf("publish %s/%s: %w", c.name, m.key, err))
			}
		}
	}
	return errors.Join(errs...)
}
