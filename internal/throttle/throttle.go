// Package throttle is a generic failed-attempt counter with lockout, keyed by
// any identifier. State is explicitly constructed and injectable so tests run
// in isolation and multiple configurations can coexist.
package throttle

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrInvalidThrottleConfig reports a rejected configuration.
var ErrInvalidThrottleConfig = errors.New("invalid throttle config")

const (
	defaultMaxAttempts     = 5
	defaultWindow          = 15 * time.Minute
	defaultLockoutDuration = 15 * time.Minute
	hashedIdentifierLength = 16
)

// Config carries the throttle's injected settings.
type Config struct {
	MaxAttempts     int
	Window          time.Duration
	LockoutDuration time.Duration
	SweepInterval   time.Duration
	Now             func() time.Time
}

func (config *Config) applyDefaults() error {
	if config.MaxAttempts < 0 || config.Window < 0 || config.LockoutDuration < 0 {
		return fmt.Errorf("%w: negative setting", ErrInvalidThrottleConfig)
	}
	if config.MaxAttempts == 0 {
		config.MaxAttempts = defaultMaxAttempts
	}
	if config.Window == 0 {
		config.Window = defaultWindow
	}
	if config.LockoutDuration == 0 {
		config.LockoutDuration = defaultLockoutDuration
	}
	if config.SweepInterval == 0 {
		config.SweepInterval = config.Window
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return nil
}

type attemptRecord struct {
	count          int
	firstAttemptAt time.Time
	lastAttemptAt  time.Time
	lockedUntil    time.Time
}

// FailureStatus is the outcome of recording a failed attempt.
type FailureStatus struct {
	Locked            bool
	RemainingAttempts int
	RetryAfter        time.Duration
}

// LockStatus reports an identifier's active lockout.
type LockStatus struct {
	Locked     bool
	RetryAfter time.Duration
}

// Throttle counts failures per identifier inside a fixed window and locks the
// identifier out once the threshold is reached.
type Throttle struct {
	mu       sync.Mutex
	config   Config
	records  map[string]*attemptRecord
	stop     chan struct{}
	stopOnce sync.Once
	started  bool
}

// New wires a Throttle. Call Start to run the background sweep.
func New(config Config) (*Throttle, error) {
	if err := config.applyDefaults(); err != nil {
		return nil, err
	}
	return &Throttle{
		config:  config,
		records: make(map[string]*attemptRecord),
		stop:    make(chan struct{}),
	}, nil
}

// RecordFailure counts a failed attempt. The window is fixed from the first
// failure; once the threshold is hit the identifier is locked out.
func (throttle *Throttle) RecordFailure(identifier string) FailureStatus {
	now := throttle.config.Now()
	throttle.mu.Lock()
	defer throttle.mu.Unlock()

	record, exists := throttle.records[identifier]
	if exists && record.lockedUntil.After(now) {
		record.lastAttemptAt = now
		return FailureStatus{Locked: true, RetryAfter: record.lockedUntil.Sub(now)}
	}
	if !exists || now.Sub(record.firstAttemptAt) >= throttle.config.Window {
		record = &attemptRecord{count: 0, firstAttemptAt: now}
		throttle.records[identifier] = record
	}
	record.count++
	record.lastAttemptAt = now
	if record.count >= throttle.config.MaxAttempts {
		record.lockedUntil = now.Add(throttle.config.LockoutDuration)
		return FailureStatus{Locked: true, RetryAfter: throttle.config.LockoutDuration}
	}
	return FailureStatus{RemainingAttempts: throttle.config.MaxAttempts - record.count}
}

// IsLockedOut reports whether identifier is locked out and for how much longer.
func (throttle *Throttle) IsLockedOut(identifier string) LockStatus {
	now := throttle.config.Now()
	throttle.mu.Lock()
	defer throttle.mu.Unlock()

	record, exists := throttle.records[identifier]
	if !exists || !record.lockedUntil.After(now) {
		return LockStatus{}
	}
	return LockStatus{Locked: true, RetryAfter: record.lockedUntil.Sub(now)}
}

// RecordSuccess clears the identifier's record.
func (throttle *Throttle) RecordSuccess(identifier string) {
	throttle.mu.Lock()
	defer throttle.mu.Unlock()
	delete(throttle.records, identifier)
}

// Len reports the number of tracked identifiers; diagnostic only.
func (throttle *Throttle) Len() int {
	throttle.mu.Lock()
	defer throttle.mu.Unlock()
	return len(throttle.records)
}

// Start launches the periodic sweep removing fully expired records.
func (throttle *Throttle) Start() {
	throttle.mu.Lock()
	if throttle.started {
		throttle.mu.Unlock()
		return
	}
	throttle.started = true
	throttle.mu.Unlock()
	go throttle.sweepLoop()
}

// Close stops the sweep. Idempotent.
func (throttle *Throttle) Close() {
	throttle.stopOnce.Do(func() { close(throttle.stop) })
}

func (throttle *Throttle) sweepLoop() {
	ticker := time.NewTicker(throttle.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			throttle.sweep()
		case <-throttle.stop:
			return
		}
	}
}

// sweep drops records whose window and lockout have both fully expired.
func (throttle *Throttle) sweep() {
	now := throttle.config.Now()
	throttle.mu.Lock()
	defer throttle.mu.Unlock()
	for identifier, record := range throttle.records {
		windowExpired := now.Sub(record.firstAttemptAt) >= throttle.config.Window
		lockoutExpired := !record.lockedUntil.After(now)
		if windowExpired && lockoutExpired {
			delete(throttle.records, identifier)
		}
	}
}

// HashIdentifier derives a safe throttle key from a secret-bearing value so
// raw secrets never become map keys.
func HashIdentifier(raw string) string {
	digest := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(digest[:])[:hashedIdentifierLength]
}
