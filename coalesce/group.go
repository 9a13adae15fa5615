// Package coalesce deduplicates concurrent fetches of the same external resource
package coalesce

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	callQueueLen           = 60
	inflightMapSize        = 50
	defaultCleanupInterval = 5 * time.Millisecond
)

// Loader supplies the fetch and cache operations of a Group.
type Loader[T any] struct {
	Fetch  func(ctx context.Context, key string) (T, error)
	Store  func(key string, value T)
	Lookup func(key string) (T, bool)
}

type call[T any] struct {
	key string
	res chan<- outcome[T]
}

type outcome[T any] struct {
	value T
	err   error
}

// Group serves reads for a keyed resource. Concurrent calls for the same key
// share one fetch, completed fetches are served from the loader's cache.
// Errors are fanned out to the waiters of the failed fetch but not cached.
type Group[T any] struct {
	mu       sync.Mutex
	loader   Loader[T]
	calls    chan call[T]
	inflight map[string][]chan<- outcome[T]
}

// NewCustomGroup creates a Group with a caller-controlled cache. Use it when
// the cache needs non-default expiry or shared storage.
func NewCustomGroup[T any](loader Loader[T]) *Group[T] {
	g := &Group[T]{
		loader:   loader,
		calls:    make(chan call[T], callQueueLen),
		inflight: make(map[string][]chan<- outcome[T], inflightMapSize),
	}
	go g.run()
	return g
}

// NewGroup creates a Group backed by an expiring in-memory cache. It is the
// preferred constructor.
func NewGroup[T any](fetch func(ctx context.Context, key string) (T, error), cacheTime time.Duration) *Group[T] {
	cache := gocache.New(cacheTime, defaultCleanupInterval)
	return NewCustomGroup[T](Loader[T]{
		Fetch: fetch,
		Store: func(key string, value T) {
			cache.Set(key, value, cacheTime)
		},
		Lookup: func(key string) (T, bool) {
			v, ok := cache.Get(key)
			if !ok {
				var zero T
				return zero, false
			}
			//nolint:forcetypeassert
			return v.(T), true
		},
	})
}

// Do returns the value for key, fetching it at most once per cache window no
// matter how many callers ask concurrently.
func (g *Group[T]) Do(ctx context.Context, key string) (T, error) { //nolint:ireturn
	if v, ok := g.loader.Lookup(key); ok {
		return v, nil
	}

	res := make(chan outcome[T], 1)
	g.calls <- call[T]{key: key, res: res}
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case out := <-res:
		return out.value, out.err
	}
}

func (g *Group[T]) run() {
	for c := range g.calls {
		g.mu.Lock()
		done := g.deliverOrJoinLocked(c)
		g.mu.Unlock()
		if !done {
			go g.fetch(c)
		}
	}
}

// deliverOrJoinLocked serves the call from cache or attaches it to an
// in-flight fetch. A false return means the caller must start the fetch.
func (g *Group[T]) deliverOrJoinLocked(c call[T]) bool {
	if v, ok := g.loader.Lookup(c.key); ok {
		c.res <- outcome[T]{value: v}
		close(c.res)
		return true
	}
	if waiting, ok := g.inflight[c.key]; ok {
		g.inflight[c.key] = append(waiting, c.res)
		return true
	}
	return false
}

func (g *Group[T]) fetch(c call[T]) {
	// the key may have been fetched or claimed since the call was queued
	g.mu.Lock()
	if g.deliverOrJoinLocked(c) {
		g.mu.Unlock()
		return
	}
	g.inflight[c.key] = []chan<- outcome[T]{c.res}
	g.mu.Unlock()

	value, err := g.loader.Fetch(context.Background(), c.key)
	if err == nil {
		g.loader.Store(c.key, value)
	}

	g.mu.Lock()
	for _, ch := range g.inflight[c.key] {
		ch <- outcome[T]{value: value, err: err}
		close(ch)
	}
	delete(g.inflight, c.key)
	g.mu.Unlock()
}
