// Package ttscache hands synthesis parameters from the moment a request is
// queued to the moment the renderer pulls the audio stream. Each job can be
// consumed exactly once.
package ttscache

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned for an unknown or already consumed id.
var ErrNotFound = errors.New("tts job not found")

// Hooks observe cache traffic. Any of them may be nil.
type Hooks struct {
	Enqueued func()
	Consumed func()
	Missed   func()
	Expired  func(n int)
}

type entry[T any] struct {
	params  T
	created time.Time
}

// Cache is a single-use job store keyed by random ids.
type Cache[T any] struct {
	mu    sync.Mutex
	jobs  map[string]entry[T]
	now   func() time.Time
	hooks Hooks
}

// New creates an empty cache.
func New[T any](hooks Hooks) *Cache[T] {
	return &Cache[T]{
		jobs:  make(map[string]entry[T]),
		now:   time.Now,
		hooks: hooks,
	}
}

// Enqueue stores params under a fresh id.
func (c *Cache[T]) Enqueue(params T) string {
	id := uuid.NewString()

	c.mu.Lock()
	c.jobs[id] = entry[T]{params: params, created: c.now()}
	c.mu.Unlock()

	if c.hooks.Enqueued != nil {
		c.hooks.Enqueued()
	}
	return id
}

// Consume removes and returns the job. The entry is gone whether or not the
// caller's generation succeeds, so a retried pull cannot generate twice.
func (c *Cache[T]) Consume(id string) (T, error) {
	c.mu.Lock()
	e, ok := c.jobs[id]
	delete(c.jobs, id)
	c.mu.Unlock()

	if !ok {
		if c.hooks.Missed != nil {
			c.hooks.Missed()
		}
		var zero T
		return zero, ErrNotFound
	}
	if c.hooks.Consumed != nil {
		c.hooks.Consumed()
	}
	return e.params, nil
}

// Len returns the number of unconsumed jobs.
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.jobs)
}

// Sweep drops jobs older than maxAge that were never pulled, typically
// because the renderer was closed before playback started.
func (c *Cache[T]) Sweep(maxAge time.Duration) int {
	cutoff := c.now().Add(-maxAge)

	c.mu.Lock()
	n := 0
	for id, e := range c.jobs {
		if e.created.Before(cutoff) {
			delete(c.jobs, id)
			n++
		}
	}
	c.mu.Unlock()

	if n > 0 && c.hooks.Expired != nil {
		c.hooks.Expired(n)
	}
	return n
}
