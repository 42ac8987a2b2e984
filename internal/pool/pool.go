// Package pool bounds and multiplexes handles to a single-writer SQLite
// database. Every handle is a dedicated gorm connection capped at one open
// conn, opened with WAL journaling, NORMAL synchronous mode, and a bounded
// busy timeout.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Pool-level error values.
var (
	ErrAcquireTimeout    = errors.New("pool acquire timeout")
	ErrPoolClosed        = errors.New("pool closed")
	ErrInvalidPoolConfig = errors.New("invalid pool config")
)

const (
	defaultMaxConns       = 4
	defaultAcquireTimeout = 5 * time.Second
	defaultIdleTimeout    = 5 * time.Minute
	defaultBusyTimeout    = 5 * time.Second
)

// Config carries the pool's injected settings.
type Config struct {
	Path           string
	MaxConns       int
	AcquireTimeout time.Duration
	IdleTimeout    time.Duration
	BusyTimeout    time.Duration
	Logger         *zap.Logger
}

func (config *Config) applyDefaults() error {
	if config.Path == "" {
		return fmt.Errorf("%w: database path is required", ErrInvalidPoolConfig)
	}
	if config.MaxConns <= 0 {
		config.MaxConns = defaultMaxConns
	}
	if config.AcquireTimeout <= 0 {
		config.AcquireTimeout = defaultAcquireTimeout
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = defaultIdleTimeout
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = defaultBusyTimeout
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return nil
}

// Handle is a pooled database connection. It is exclusively owned by the pool
// and checked out to one caller at a time.
type Handle struct {
	db         *gorm.DB
	inUse      bool
	lastUsedAt time.Time
	createdAt  time.Time
}

// DB exposes the underlying gorm connection while the handle is checked out.
func (handle *Handle) DB() *gorm.DB {
	return handle.db
}

// Pool hands out bounded database handles with FIFO waiter semantics.
type Pool struct {
	mu      sync.Mutex
	config  Config
	handles []*Handle
	waiters []chan *Handle
	closed  bool
	stop    chan struct{}
	done    chan struct{}
	nowFn   func() time.Time
}

// New opens the pool with one live handle and starts the idle sweep.
func New(config Config) (*Pool, error) {
	if err := config.applyDefaults(); err != nil {
		return nil, err
	}
	pool := &Pool{
		config: config,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		nowFn:  time.Now,
	}
	handle, err := pool.openHandle()
	if err != nil {
		return nil, err
	}
	pool.handles = append(pool.handles, handle)
	go pool.sweepLoop()
	return pool, nil
}

// Acquire checks out a free handle, opening a new one below MaxConns,
// otherwise queueing the caller FIFO until a release or the acquire timeout.
func (pool *Pool) Acquire(ctx context.Context) (*Handle, error) {
	pool.mu.Lock()
	if pool.closed {
		pool.mu.Unlock()
		return nil, ErrPoolClosed
	}
	for _, handle := range pool.handles {
		if !handle.inUse {
			handle.inUse = true
			pool.mu.Unlock()
			return handle, nil
		}
	}
	if len(pool.handles) < pool.config.MaxConns {
		handle, err := pool.openHandle()
		if err != nil {
			pool.mu.Unlock()
			return nil, err
		}
		handle.inUse = true
		pool.handles = append(pool.handles, handle)
		pool.mu.Unlock()
		return handle, nil
	}
	waiter := make(chan *Handle, 1)
	pool.waiters = append(pool.waiters, waiter)
	pool.mu.Unlock()

	timer := time.NewTimer(pool.config.AcquireTimeout)
	defer timer.Stop()
	select {
	case handle, open := <-waiter:
		if !open {
			return nil, ErrPoolClosed
		}
		return handle, nil
	case <-timer.C:
		return pool.abandonWaiter(waiter, ErrAcquireTimeout)
	case <-ctx.Done():
		return pool.abandonWaiter(waiter, ctx.Err())
	}
}

// abandonWaiter removes waiter from the queue, keeping a handle that won the
// race against the timeout instead of leaking it.
func (pool *Pool) abandonWaiter(waiter chan *Handle, cause error) (*Handle, error) {
	pool.mu.Lock()
	for index, queued := range pool.waiters {
		if queued == waiter {
			pool.waiters = append(pool.waiters[:index], pool.waiters[index+1:]...)
			pool.mu.Unlock()
			return nil, cause
		}
	}
	pool.mu.Unlock()
	select {
	case handle, open := <-waiter:
		if open && handle != nil {
			return handle, nil
		}
	default:
	}
	return nil, cause
}

// Release returns the handle to the pool, handing it directly to the oldest
// waiter if one exists so a release/acquire race cannot idle the handle.
func (pool *Pool) Release(handle *Handle) {
	pool.mu.Lock()
	if pool.closed {
		pool.mu.Unlock()
		pool.closeHandle(handle)
		return
	}
	if len(pool.waiters) > 0 {
		waiter := pool.waiters[0]
		pool.waiters = pool.waiters[1:]
		// Buffered send under the lock: a waiter that times out after this
		// point drains the channel and still gets the handle.
		waiter <- handle
		pool.mu.Unlock()
		return
	}
	handle.inUse = false
	handle.lastUsedAt = pool.nowFn()
	pool.mu.Unlock()
}

// WithConnection runs fn with a checked-out handle, releasing on every exit path.
func (pool *Pool) WithConnection(ctx context.Context, fn func(db *gorm.DB) error) error {
	handle, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer pool.Release(handle)
	return fn(handle.db.WithContext(ctx))
}

// WithTransaction runs fn inside an all-or-nothing transaction on a
// checked-out handle.
func (pool *Pool) WithTransaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return pool.WithConnection(ctx, func(db *gorm.DB) error {
		return db.Transaction(fn)
	})
}

// Close releases every handle and fails pending waiters. Idempotent.
func (pool *Pool) Close() error {
	pool.mu.Lock()
	if pool.closed {
		pool.mu.Unlock()
		return nil
	}
	pool.closed = true
	close(pool.stop)
	waiters := pool.waiters
	pool.waiters = nil
	handles := pool.handles
	pool.handles = nil
	pool.mu.Unlock()

	<-pool.done
	for _, waiter := range waiters {
		close(waiter)
	}
	var firstErr error
	for _, handle := range handles {
		if err := pool.closeHandle(handle); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Size reports the number of live handles.
func (pool *Pool) Size() int {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	return len(pool.handles)
}

func (pool *Pool) sweepLoop() {
	defer close(pool.done)
	ticker := time.NewTicker(pool.config.IdleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			pool.sweepIdle()
		case <-pool.stop:
			return
		}
	}
}

// sweepIdle closes handles idle past the timeout, always keeping one alive.
func (pool *Pool) sweepIdle() {
	now := pool.nowFn()
	var expired []*Handle
	pool.mu.Lock()
	if pool.closed {
		pool.mu.Unlock()
		return
	}
	kept := pool.handles[:0]
	for _, handle := range pool.handles {
		idleFor := now.Sub(handle.lastUsedAt)
		if !handle.inUse && idleFor > pool.config.IdleTimeout && len(pool.handles)-len(expired) > 1 {
			expired = append(expired, handle)
			continue
		}
		kept = append(kept, handle)
	}
	pool.handles = kept
	pool.mu.Unlock()
	for _, handle := range expired {
		if err := pool.closeHandle(handle); err != nil {
			pool.config.Logger.Warn("idle handle close failed", zap.Error(err))
		}
	}
}

func (pool *Pool) openHandle() (*Handle, error) {
	dsn := fmt.Sprintf(
		"%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		pool.config.Path,
		pool.config.BusyTimeout.Milliseconds(),
	)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite handle: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("unwrap sql db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	now := pool.nowFn()
	return &Handle{db: db, createdAt: now, lastUsedAt: now}, nil
}

func (pool *Pool) closeHandle(handle *Handle) error {
	sqlDB, err := handle.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
