// Package pool provides a bounded pool of expensive reusable resources
// (transcoder processes, synthesis connections) shared by all call
// sessions. Members are pre-created to a target size so calls never pay
// creation latency, capped at a maximum, retired when stale, and
// force-discarded when a checkout holds one past its usage deadline.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/outdialhq/voice-agent/internal/observability"
)

// ErrExhausted is returned when no member frees up within the acquire timeout
var ErrExhausted = errors.New("pool exhausted")

// ErrClosed is returned after the pool has been shut down
var ErrClosed = errors.New("pool closed")

// Resource is the contract pooled handles must satisfy
type Resource interface {
	Healthy() bool
	Close() error
}

// Factory creates a new pool member
type Factory[T Resource] func() (T, error)

// Config tunes one pool instance
type Config struct {
	Name           string
	TargetSize     int           // Warmed and replenished toward this
	MaxSize        int           // Hard membership cap
	AcquireTimeout time.Duration // Bounded wait for a free member
	MaxUsage       time.Duration // Force-discard a checkout held longer
	MaxAge         time.Duration // Retire members older than this
	HealthInterval time.Duration // Period of the maintenance pass
}

type member[T Resource] struct {
	id        string
	res       T
	createdAt time.Time
	lastUsed  time.Time
	busy      bool
}

// Checkout is a live claim on one pool member
type Checkout[T Resource] struct {
	Resource T

	m        *member[T]
	pool     *Pool[T]
	settled  atomic.Bool
	expireTm *time.Timer
}

// Pool is a bounded, warmed set of resources. Safe for concurrent use.
type Pool[T Resource] struct {
	cfg     Config
	factory Factory[T]
	logger  zerolog.Logger

	mu       sync.Mutex
	members  map[string]*member[T]
	creating int // reserved slots for factories in flight
	waiters  []chan *member[T]
	closed   bool

	stopHealth chan struct{}
	healthDone chan struct{}
}

// New creates a pool and warms it to the target size. Members that fail
// to create during warm-up are skipped; the health pass keeps trying.
func New[T Resource](cfg Config, factory Factory[T], logger zerolog.Logger) *Pool[T] {
	p := &Pool[T]{
		cfg:        cfg,
		factory:    factory,
		logger:     logger.With().Str("pool", cfg.Name).Logger(),
		members:    make(map[string]*member[T]),
		stopHealth: make(chan struct{}),
		healthDone: make(chan struct{}),
	}

	for i := 0; i < cfg.TargetSize; i++ {
		if err := p.addIdleMember(); err != nil {
			p.logger.Warn().Err(err).Msg("Pool warm-up member creation failed")
		}
	}
	p.updateGauges()

	go p.healthLoop()
	return p
}

// Acquire claims an idle healthy member, creating one if the pool is
// below its maximum, or waiting (bounded) for a release otherwise.
func (p *Pool[T]) Acquire(ctx context.Context) (*Checkout[T], error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}

	if m := p.claimIdleLocked(); m != nil {
		p.mu.Unlock()
		return p.checkout(m), nil
	}

	// Reserve a slot before releasing the lock so concurrent acquires
	// racing a slow factory can never push membership past the cap.
	if len(p.members)+p.creating < p.cfg.MaxSize {
		p.creating++
		p.mu.Unlock()
		res, err := p.factory()
		p.mu.Lock()
		p.creating--
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		m := &member[T]{
			id:        uuid.New().String(),
			res:       res,
			createdAt: time.Now(),
			busy:      true,
		}
		p.members[m.id] = m
		p.updateGaugesLocked()
		p.mu.Unlock()
		return p.checkout(m), nil
	}

	// At capacity: wait for a release
	waiter := make(chan *member[T], 1)
	p.waiters = append(p.waiters, waiter)
	p.mu.Unlock()

	timeout := p.cfg.AcquireTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case m := <-waiter:
		if m == nil {
			return nil, ErrClosed
		}
		return p.checkout(m), nil
	case <-timer.C:
		p.removeWaiter(waiter)
		return nil, ErrExhausted
	case <-ctx.Done():
		p.removeWaiter(waiter)
		return nil, ctx.Err()
	}
}

// Release returns a checkout to the pool. forceDiscard, or an unhealthy
// resource, destroys the member and schedules a replacement when below
// target. Releasing twice is a no-op.
func (p *Pool[T]) Release(co *Checkout[T], forceDiscard bool) {
	if co == nil || !co.settled.CompareAndSwap(false, true) {
		return
	}
	if co.expireTm != nil {
		co.expireTm.Stop()
	}

	if forceDiscard || !co.Resource.Healthy() {
		reason := "forced"
		if !forceDiscard {
			reason = "error"
		}
		p.destroyMember(co.m, reason)
		return
	}

	p.mu.Lock()
	co.m.busy = false
	co.m.lastUsed = time.Now()

	// Hand straight to a waiter if one is queued
	if len(p.waiters) > 0 {
		waiter := p.waiters[0]
		p.waiters = p.waiters[1:]
		co.m.busy = true
		p.mu.Unlock()
		waiter <- co.m
		return
	}
	p.updateGaugesLocked()
	p.mu.Unlock()
}

// Stats returns current membership and busy counts
func (p *Pool[T]) Stats() (size, busy int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.members {
		if m.busy {
			busy++
		}
	}
	return len(p.members), busy
}

// Close shuts down the health pass and destroys idle members. Busy
// members are destroyed as their checkouts settle.
func (p *Pool[T]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	waiters := p.waiters
	p.waiters = nil
	var idle []*member[T]
	for id, m := range p.members {
		if !m.busy {
			idle = append(idle, m)
			delete(p.members, id)
		}
	}
	p.mu.Unlock()

	close(p.stopHealth)
	<-p.healthDone

	for _, w := range waiters {
		w <- nil
	}
	for _, m := range idle {
		_ = m.res.Close()
	}
	p.updateGauges()
}

func (p *Pool[T]) checkout(m *member[T]) *Checkout[T] {
	co := &Checkout[T]{Resource: m.res, m: m, pool: p}
	if p.cfg.MaxUsage > 0 {
		co.expireTm = time.AfterFunc(p.cfg.MaxUsage, func() {
			p.expire(co)
		})
	}
	p.updateGauges()
	return co
}

// expire force-discards a checkout held past the usage deadline
func (p *Pool[T]) expire(co *Checkout[T]) {
	if !co.settled.CompareAndSwap(false, true) {
		return
	}
	p.logger.Warn().Str("member_id", co.m.id).Msg("Checkout exceeded max usage, discarding member")
	p.destroyMember(co.m, "timeout")
}

func (p *Pool[T]) claimIdleLocked() *member[T] {
	for _, m := range p.members {
		if m.busy {
			continue
		}
		if !m.res.Healthy() {
			delete(p.members, m.id)
			go func(r T) { _ = r.Close() }(m.res)
			observability.RecordPoolDiscard(p.cfg.Name, "error")
			continue
		}
		m.busy = true
		return m
	}
	return nil
}

func (p *Pool[T]) destroyMember(m *member[T], reason string) {
	p.mu.Lock()
	delete(p.members, m.id)
	belowTarget := len(p.members) < p.cfg.TargetSize && !p.closed
	p.updateGaugesLocked()
	p.mu.Unlock()

	_ = m.res.Close()
	observability.RecordPoolDiscard(p.cfg.Name, reason)

	if belowTarget {
		go func() {
			if err := p.replenishOne(); err != nil {
				p.logger.Warn().Err(err).Msg("Pool replacement creation failed")
			}
		}()
	}
}

// addIdleMember creates one idle member; caller must not hold the lock
func (p *Pool[T]) addIdleMember() error {
	res, err := p.factory()
	if err != nil {
		return err
	}
	m := &member[T]{
		id:        uuid.New().String(),
		res:       res,
		createdAt: time.Now(),
	}
	p.mu.Lock()
	if p.closed || len(p.members)+p.creating >= p.cfg.MaxSize {
		p.mu.Unlock()
		return res.Close()
	}
	p.members[m.id] = m
	p.updateGaugesLocked()
	p.mu.Unlock()
	return nil
}

// replenishOne creates a member and hands it to a waiter if one is queued
func (p *Pool[T]) replenishOne() error {
	res, err := p.factory()
	if err != nil {
		return err
	}
	m := &member[T]{
		id:        uuid.New().String(),
		res:       res,
		createdAt: time.Now(),
	}

	p.mu.Lock()
	if p.closed || len(p.members)+p.creating >= p.cfg.MaxSize {
		p.mu.Unlock()
		return res.Close()
	}
	p.members[m.id] = m
	if len(p.waiters) > 0 {
		waiter := p.waiters[0]
		p.waiters = p.waiters[1:]
		m.busy = true
		p.updateGaugesLocked()
		p.mu.Unlock()
		waiter <- m
		return nil
	}
	p.updateGaugesLocked()
	p.mu.Unlock()
	return nil
}

func (p *Pool[T]) healthLoop() {
	defer close(p.healthDone)

	interval := p.cfg.HealthInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.healthPass()
		case <-p.stopHealth:
			return
		}
	}
}

// healthPass retires stale idle members and replenishes toward target
func (p *Pool[T]) healthPass() {
	now := time.Now()

	p.mu.Lock()
	var retired []*member[T]
	for id, m := range p.members {
		if m.busy {
			continue
		}
		if !m.res.Healthy() || (p.cfg.MaxAge > 0 && now.Sub(m.createdAt) > p.cfg.MaxAge) {
			retired = append(retired, m)
			delete(p.members, id)
		}
	}
	deficit := p.cfg.TargetSize - len(p.members)
	p.updateGaugesLocked()
	p.mu.Unlock()

	for _, m := range retired {
		_ = m.res.Close()
		observability.RecordPoolDiscard(p.cfg.Name, "stale")
	}

	for i := 0; i < deficit; i++ {
		if err := p.addIdleMember(); err != nil {
			p.logger.Warn().Err(err).Msg("Pool replenish creation failed")
			break
		}
	}
}

func (p *Pool[T]) removeWaiter(waiter chan *member[T]) {
	p.mu.Lock()
	for i, w := range p.waiters {
		if w == waiter {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	// A release may have handed a member over before removal won the race
	select {
	case m := <-waiter:
		if m != nil {
			p.Release(&Checkout[T]{Resource: m.res, m: m, pool: p}, false)
		}
	default:
	}
}

func (p *Pool[T]) updateGauges() {
	p.mu.Lock()
	p.updateGaugesLocked()
	p.mu.Unlock()
}

func (p *Pool[T]) updateGaugesLocked() {
	busy := 0
	for _, m := range p.members {
		if m.busy {
			busy++
		}
	}
	observability.SetPoolGauges(p.cfg.Name, len(p.members), busy)
}
