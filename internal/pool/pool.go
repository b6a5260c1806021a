/**
 * Copyright (c) 2024 Peking University and Peking University
 * Changsha Institute for Computing and Digital Economy
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

// Package pool bounds the number of live BMC sessions.
//
// At most one handle exists per identity and it is lent to one caller at
// a time. A slot stays counted until its session has been closed, so the
// number of open sessions never exceeds the capacity.
package pool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	logrus "github.com/sirupsen/logrus"

	"CraneBmc/internal/session"
	"CraneBmc/internal/types"
)

var log = logrus.WithField("component", "Pool")

const (
	DefaultCapacity     = 50
	DefaultIdleTimeout  = 5 * time.Minute
	DefaultCloseTimeout = 5 * time.Second
	DefaultDialTimeout  = 10 * time.Second
)

type BusyPolicy int

const (
	// BusyWait queues a second caller for an identity that is lent out.
	BusyWait BusyPolicy = iota
	// BusyFail returns KindBusy to such a caller instead.
	BusyFail
)

func ParseBusyPolicy(s string) (BusyPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "wait":
		return BusyWait, nil
	case "fail":
		return BusyFail, nil
	}
	return BusyWait, fmt.Errorf("unknown busy policy %q", s)
}

func (b BusyPolicy) String() string {
	if b == BusyFail {
		return "fail"
	}
	return "wait"
}

type Options struct {
	Capacity     int
	IdleTimeout  time.Duration
	ReapInterval time.Duration
	CloseTimeout time.Duration
	// DialTimeout bounds one handshake. Waiting for a slot is bounded
	// separately by the Acquire wait timeout.
	DialTimeout time.Duration
	BusyPolicy  BusyPolicy
}

type Stats struct {
	Capacity          int
	Live              int
	Lent              int
	Idle              int
	Waiting           int
	Peak              int
	Handshakes        int64
	HandshakeFailures int64
	Reuses            int64
	Evictions         int64
	Reclaimed         int64
	Exhausted         int64
}

// Handle is a pooled session. Between Acquire and Release/Evict it is
// owned exclusively by the caller.
type Handle struct {
	key      string
	identity types.ServerIdentity
	session  session.Session
	created  time.Time
	lastUsed time.Time
	healthy  bool
	reused   bool
}

func (h *Handle) Session() session.Session       { return h.session }
func (h *Handle) Identity() types.ServerIdentity { return h.identity }
func (h *Handle) Reused() bool                   { return h.reused }
func (h *Handle) LastUsed() time.Time            { return h.lastUsed }

// MarkUnhealthy makes the next Release evict the handle.
func (h *Handle) MarkUnhealthy() { h.healthy = false }

type entry struct {
	handle *Handle // nil while the handshake is in progress
	lent   bool
}

type grant struct {
	handle *Handle
	dial   bool
	// retire is an idle session whose slot was handed to this grant. It
	// must be closed before dialing.
	retire session.Session
}

type waiter struct {
	key   string
	ready chan struct{}
	grant *grant
	err   error
	elem  *list.Element
}

type Pool struct {
	dialer session.Dialer
	opts   Options
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	live    int
	waiters *list.List
	closed  bool
	stats   Stats
}

func New(dialer session.Dialer, opts Options) *Pool {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = opts.IdleTimeout / 2
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = DefaultCloseTimeout
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	return &Pool{
		dialer:  dialer,
		opts:    opts,
		now:     time.Now,
		entries: make(map[string]*entry),
		waiters: list.New(),
		stats:   Stats{Capacity: opts.Capacity},
	}
}

func (p *Pool) Capacity() int { return p.opts.Capacity }

// Acquire lends the handle for id, creating it if needed. When the pool
// is full the caller waits in FIFO order for up to waitTimeout and then
// fails with KindPoolExhausted.
func (p *Pool) Acquire(ctx context.Context, id types.ServerIdentity, waitTimeout time.Duration) (*Handle, error) {
	key := id.Key()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errPoolClosed(key)
	}
	g, ok := p.tryAcquireLocked(key)
	if !ok {
		if _, busy := p.entries[key]; busy && p.opts.BusyPolicy == BusyFail {
			p.mu.Unlock()
			return nil, types.NewError(types.KindBusy, "", "acquire "+key,
				errors.New("session is in use by another request"))
		}
		w := &waiter{key: key, ready: make(chan struct{})}
		w.elem = p.waiters.PushBack(w)
		p.mu.Unlock()

		var err error
		if g, err = p.wait(ctx, w, waitTimeout); err != nil {
			return nil, err
		}
	} else {
		p.mu.Unlock()
	}

	if g.retire != nil {
		p.closeSession(g.retire)
	}
	if g.dial {
		return p.dial(ctx, key, id)
	}
	return g.handle, nil
}

// tryAcquireLocked either lends an idle handle, reserves a slot for a new
// handshake, or reports that the caller has to wait.
func (p *Pool) tryAcquireLocked(key string) (grant, bool) {
	if e, ok := p.entries[key]; ok {
		if e.handle == nil || e.lent {
			return grant{}, false
		}
		e.lent = true
		e.handle.reused = true
		p.stats.Reuses++
		return grant{handle: e.handle}, true
	}

	var retire session.Session
	if p.live >= p.opts.Capacity {
		if retire = p.reclaimIdleLocked(); retire == nil {
			return grant{}, false
		}
	} else {
		p.live++
		if p.live > p.stats.Peak {
			p.stats.Peak = p.live
		}
	}
	p.entries[key] = &entry{}
	return grant{dial: true, retire: retire}, true
}

// reclaimIdleLocked removes the least recently used idle handle. Its slot
// stays counted and is handed over to the caller.
func (p *Pool) reclaimIdleLocked() session.Session {
	var (
		oldKey string
		oldest *Handle
	)
	for k, e := range p.entries {
		if e.handle == nil || e.lent {
			continue
		}
		if oldest == nil || e.handle.lastUsed.Before(oldest.lastUsed) {
			oldKey, oldest = k, e.handle
		}
	}
	if oldest == nil {
		return nil
	}
	delete(p.entries, oldKey)
	p.stats.Reclaimed++
	log.Debugf("Reclaiming idle session %s", oldKey)
	return oldest.session
}

func (p *Pool) wait(ctx context.Context, w *waiter, timeout time.Duration) (grant, error) {
	var timeoutC <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timeoutC = t.C
	} else {
		expired := make(chan time.Time)
		close(expired)
		timeoutC = expired
	}

	var cause error
	select {
	case <-w.ready:
	case <-timeoutC:
	case <-ctx.Done():
		cause = ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if w.grant != nil {
		return *w.grant, nil
	}
	if w.err != nil {
		return grant{}, w.err
	}
	p.waiters.Remove(w.elem)
	p.stats.Exhausted++

	if errors.Is(cause, context.Canceled) {
		return grant{}, types.NewError(types.KindCancelled, "", "acquire "+w.key, cause)
	}
	return grant{}, types.NewError(types.KindPoolExhausted, "", "acquire "+w.key,
		fmt.Errorf("no session slot available within %s", timeout))
}

func (p *Pool) dial(ctx context.Context, key string, id types.ServerIdentity) (*Handle, error) {
	dctx, cancel := context.WithTimeout(ctx, p.opts.DialTimeout)
	sess, err := p.dialer.Dial(dctx, id)
	cancel()

	p.mu.Lock()
	p.stats.Handshakes++
	if err != nil {
		p.stats.HandshakeFailures++
		delete(p.entries, key)
		p.live--
		p.notifyLocked()
		p.mu.Unlock()
		log.Debugf("Handshake with %s failed: %v", key, err)
		return nil, session.Wrap(err, "dial "+key)
	}
	if p.closed {
		delete(p.entries, key)
		p.mu.Unlock()
		p.retire(sess)
		return nil, errPoolClosed(key)
	}

	now := p.now()
	h := &Handle{
		key:      key,
		identity: id,
		session:  sess,
		created:  now,
		lastUsed: now,
		healthy:  true,
	}
	p.entries[key] = &entry{handle: h, lent: true}
	p.mu.Unlock()

	log.Tracef("Session %s created", key)
	return h, nil
}

// Release returns h to the pool. Unhealthy handles are evicted instead.
func (p *Pool) Release(h *Handle) {
	if h == nil {
		return
	}
	p.mu.Lock()
	e, ok := p.entries[h.key]
	if !ok || e.handle != h || !e.lent {
		p.mu.Unlock()
		return
	}
	if !h.healthy || p.closed {
		delete(p.entries, h.key)
		if !h.healthy {
			p.stats.Evictions++
		}
		p.mu.Unlock()
		p.retire(h.session)
		return
	}
	e.lent = false
	h.lastUsed = p.now()
	p.notifyLocked()
	p.mu.Unlock()
}

// Evict drops h after a protocol-level error so the next Acquire for the
// same identity performs a fresh handshake.
func (p *Pool) Evict(h *Handle) {
	if h == nil {
		return
	}
	p.mu.Lock()
	e, ok := p.entries[h.key]
	if !ok || e.handle != h {
		p.mu.Unlock()
		return
	}
	delete(p.entries, h.key)
	p.stats.Evictions++
	p.mu.Unlock()

	log.Debugf("Evicting session %s", h.key)
	p.retire(h.session)
}

// retire closes sessions whose entries are already gone and then frees
// their slots.
func (p *Pool) retire(sessions ...session.Session) {
	for _, s := range sessions {
		p.closeSession(s)
	}
	p.mu.Lock()
	p.live -= len(sessions)
	p.notifyLocked()
	p.mu.Unlock()
}

func (p *Pool) closeSession(s session.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.CloseTimeout)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		log.Debugf("Failed to close session %s: %v", s.Identity(), err)
	}
}

// notifyLocked hands whatever became available to queued callers in
// arrival order. Waiters that still cannot proceed keep their place.
func (p *Pool) notifyLocked() {
	for el := p.waiters.Front(); el != nil; {
		next := el.Next()
		w := el.Value.(*waiter)
		if p.closed {
			p.waiters.Remove(el)
			w.err = errPoolClosed(w.key)
			close(w.ready)
		} else if g, ok := p.tryAcquireLocked(w.key); ok {
			p.waiters.Remove(el)
			w.grant = &g
			close(w.ready)
		}
		el = next
	}
}

// ReapIdle closes idle handles not used since now minus the idle timeout
// and returns how many were closed.
func (p *Pool) ReapIdle(now time.Time) int {
	var stale []session.Session
	p.mu.Lock()
	for k, e := range p.entries {
		if e.handle == nil || e.lent {
			continue
		}
		if now.Sub(e.handle.lastUsed) >= p.opts.IdleTimeout {
			stale = append(stale, e.handle.session)
			delete(p.entries, k)
		}
	}
	p.mu.Unlock()

	if len(stale) > 0 {
		log.Debugf("Reaping %d idle sessions", len(stale))
		p.retire(stale...)
	}
	return len(stale)
}

// Start runs the idle reaper until ctx is done.
func (p *Pool) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(p.opts.ReapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.ReapIdle(p.now())
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close closes every idle session and fails all waiters. Lent handles are
// closed when they come back.
func (p *Pool) Close() {
	var idle []session.Session
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for k, e := range p.entries {
		if e.handle != nil && !e.lent {
			idle = append(idle, e.handle.session)
			delete(p.entries, k)
		}
	}
	p.notifyLocked()
	p.mu.Unlock()

	p.retire(idle...)
	log.Infof("Connection pool closed, %d idle sessions released", len(idle))
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Live = p.live
	s.Waiting = p.waiters.Len()
	s.Lent, s.Idle = 0, 0
	for _, e := range p.entries {
		switch {
		case e.handle == nil:
		case e.lent:
			s.Lent++
		default:
			s.Idle++
		}
	}
	return s
}

func errPoolClosed(key string) error {
	return types.NewError(types.KindPoolExhausted, "", "acquire "+key, errors.New("pool is closed"))
}
