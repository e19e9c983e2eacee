// Package storetest provides helpers for testing code built on the store
// package: a manually advanced clock, an in-memory journal and a loopback bus
// that connects several stores inside one process.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kavymi/palytt-monorepo-sub008/internal/store"
)

// Clock is a thread-safe manual clock.
//
//	clk := storetest.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	s := store.New(store.WithClock(clk.Now))
//	clk.Advance(5 * time.Second)
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock { return &Clock{now: start} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Next waits for the next value on ch, failing the test after timeout.
func Next[R any](t testing.TB, ch <-chan R, timeout time.Duration) R {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatal("subscription channel closed")
		}
		return v
	case <-time.After(timeout):
		t.Fatalf("no value received within %s", timeout)
	}
	var zero R
	return zero
}

// Until reads values from ch until pred accepts one or timeout elapses.
// Intermediate results are expected with at-least-once delivery.
func Until[R any](t testing.TB, ch <-chan R, timeout time.Duration, pred func(R) bool) R {
	t.Helper()
	deadline := time.After(timeout)
	var last R
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				t.Fatal("subscription channel closed")
			}
			if pred(v) {
				return v
			}
			last = v
		case <-deadline:
			t.Fatalf("condition not met within %s, last value: %+v", timeout, last)
			return last
		}
	}
}

// Journal is an in-memory store.Journal. Setting Err makes every call fail.
type Journal struct {
	mu   sync.Mutex
	rows map[string]map[string][]byte
	Err  error
}

func NewJournal() *Journal { return &Journal{rows: make(map[string]map[string][]byte)} }

func (j *Journal) Save(_ context.Context, collection, key string, data []byte, _ time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.Err != nil {
		return j.Err
	}
	m := j.rows[collection]
	if m == nil {
		m = make(map[string][]byte)
		j.rows[collection] = m
	}
	m[key] = append([]byte(nil), data...)
	return nil
}

func (j *Journal) Remove(_ context.Context, collection, key string, _ time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.Err != nil {
		return j.Err
	}
	delete(j.rows[collection], key)
	return nil
}

func (j *Journal) Load(_ context.Context, collection string) (map[string][]byte, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.Err != nil {
		return nil, j.Err
	}
	out := make(map[string][]byte, len(j.rows[collection]))
	for k, v := range j.rows[collection] {
		out[k] = v
	}
	return out, nil
}

// Count returns the number of journaled rows for collection.
func (j *Journal) Count(collection string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.rows[collection])
}

// Loopback is a store.Bus that delivers every published change to all
// subscribers synchronously, including the publisher itself.
type Loopback struct {
	mu       sync.Mutex
	handlers []func(store.Change)
	closed   bool
}

func NewLoopback() *Loopback { return &Loopback{} }

func (l *Loopback) Publish(_ context.Context, c store.Change) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errors.New("loopback closed")
	}
	hs := append([]func(store.Change){}, l.handlers...)
	l.mu.Unlock()
	for _, h := range hs {
		h(c)
	}
	return nil
}

func (l *Loopback) Subscribe(_ context.Context, handler func(store.Change)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, handler)
	return nil
}

func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}
