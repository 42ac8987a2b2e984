// Package coalesce deduplicates concurrent identical in-flight work: callers
// with the same key share one invocation and its result. Entries linger a
// short grace delay after settling so back-to-back calls still coalesce.
package coalesce

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrInvalidCoalescerConfig reports a rejected configuration.
var ErrInvalidCoalescerConfig = errors.New("invalid coalescer config")

const (
	defaultMaxAge      = 30 * time.Second
	defaultSettleGrace = 100 * time.Millisecond
)

// Config carries the coalescer's injected settings.
type Config struct {
	MaxAge      time.Duration
	SettleGrace time.Duration
	Now         func() time.Time
}

func (config *Config) applyDefaults() error {
	if config.MaxAge < 0 || config.SettleGrace < 0 {
		return fmt.Errorf("%w: negative setting", ErrInvalidCoalescerConfig)
	}
	if config.MaxAge == 0 {
		config.MaxAge = defaultMaxAge
	}
	if config.SettleGrace == 0 {
		config.SettleGrace = defaultSettleGrace
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return nil
}

type entry struct {
	done        chan struct{}
	value       any
	err         error
	createdAt   time.Time
	subscribers int
}

// Coalescer shares one in-flight computation across concurrent duplicate
// requests. State is explicitly constructed; no package-level registry.
type Coalescer struct {
	mu      sync.Mutex
	config  Config
	entries map[string]*entry
}

// New wires a Coalescer.
func New(config Config) (*Coalescer, error) {
	if err := config.applyDefaults(); err != nil {
		return nil, err
	}
	return &Coalescer{config: config, entries: make(map[string]*entry)}, nil
}

// Do returns the result of operation for key, attaching to a pending
// invocation younger than MaxAge instead of starting a duplicate one.
func (coalescer *Coalescer) Do(key string, operation func() (any, error)) (any, error) {
	coalescer.mu.Lock()
	if pending, exists := coalescer.entries[key]; exists && coalescer.config.Now().Sub(pending.createdAt) <= coalescer.config.MaxAge {
		pending.subscribers++
		coalescer.mu.Unlock()
		<-pending.done
		return pending.value, pending.err
	}
	started := &entry{
		done:        make(chan struct{}),
		createdAt:   coalescer.config.Now(),
		subscribers: 1,
	}
	coalescer.entries[key] = started
	coalescer.mu.Unlock()

	started.value, started.err = operation()
	close(started.done)
	time.AfterFunc(coalescer.config.SettleGrace, func() {
		coalescer.remove(key, started)
	})
	return started.value, started.err
}

// Pending reports how many entries are registered; diagnostic only.
func (coalescer *Coalescer) Pending() int {
	coalescer.mu.Lock()
	defer coalescer.mu.Unlock()
	return len(coalescer.entries)
}

// Subscribers reports how many callers shared the entry for key; diagnostic only.
func (coalescer *Coalescer) Subscribers(key string) int {
	coalescer.mu.Lock()
	defer coalescer.mu.Unlock()
	if pending, exists := coalescer.entries[key]; exists {
		return pending.subscribers
	}
	return 0
}

// remove drops the entry only if it is still the registered one; a stale
// entry replaced by a newer invocation must not evict its successor.
func (coalescer *Coalescer) remove(key string, settled *entry) {
	coalescer.mu.Lock()
	defer coalescer.mu.Unlock()
	if coalescer.entries[key] == settled {
		delete(coalescer.entries, key)
	}
}
