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

package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CraneBmc/internal/session"
	"CraneBmc/internal/types"
)

func ident(host string) types.ServerIdentity {
	return types.ServerIdentity{Host: host, Port: 623, Username: "admin", Secret: "secret"}
}

func newTestPool(capacity int) (*Pool, *session.FakeDialer) {
	f := session.NewFakeDialer()
	return New(f, Options{Capacity: capacity}), f
}

func TestAcquireReusesIdleHandle(t *testing.T) {
	t.Parallel()
	p, f := newTestPool(4)
	ctx := context.Background()

	h1, err := p.Acquire(ctx, ident("10.0.0.1"), time.Second)
	require.NoError(t, err)
	assert.False(t, h1.Reused())
	p.Release(h1)

	h2, err := p.Acquire(ctx, ident("10.0.0.1"), time.Second)
	require.NoError(t, err)
	assert.Same(t, h1, h2)
	assert.True(t, h2.Reused())
	assert.Equal(t, 1, f.Handshakes("10.0.0.1"))
	p.Release(h2)

	st := p.Stats()
	assert.EqualValues(t, 1, st.Handshakes)
	assert.EqualValues(t, 1, st.Reuses)
	assert.Equal(t, 1, st.Idle)
	assert.Equal(t, 0, st.Lent)
}

func TestEvictForcesFreshHandshake(t *testing.T) {
	t.Parallel()
	p, f := newTestPool(4)
	ctx := context.Background()

	h, err := p.Acquire(ctx, ident("10.0.0.1"), time.Second)
	require.NoError(t, err)
	p.Evict(h)
	assert.EqualValues(t, 1, f.Closed())
	assert.Equal(t, 0, p.Stats().Live)

	h2, err := p.Acquire(ctx, ident("10.0.0.1"), time.Second)
	require.NoError(t, err)
	assert.NotSame(t, h, h2)
	assert.Equal(t, 2, f.Handshakes("10.0.0.1"))

	// A second evict or release of the stale handle is a no-op.
	p.Evict(h)
	p.Release(h)
	assert.Equal(t, 1, p.Stats().Live)
}

func TestReleaseUnhealthyEvicts(t *testing.T) {
	t.Parallel()
	p, f := newTestPool(2)
	ctx := context.Background()

	h, err := p.Acquire(ctx, ident("10.0.0.1"), time.Second)
	require.NoError(t, err)
	h.MarkUnhealthy()
	p.Release(h)

	st := p.Stats()
	assert.EqualValues(t, 1, st.Evictions)
	assert.Equal(t, 0, st.Live)
	assert.EqualValues(t, 0, f.Live())
}

func TestLiveSessionsNeverExceedCapacity(t *testing.T) {
	t.Parallel()
	const capacity = 5
	p, f := newTestPool(capacity)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := p.Acquire(ctx, ident(fmt.Sprintf("10.0.1.%d", i)), 10*time.Second)
			if err != nil {
				errs <- err
				return
			}
			time.Sleep(2 * time.Millisecond)
			p.Release(h)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("acquire failed: %v", err)
	}

	assert.LessOrEqual(t, f.Peak(), int64(capacity))
	assert.LessOrEqual(t, p.Stats().Peak, capacity)
	assert.LessOrEqual(t, f.Live(), int64(capacity))
	assert.EqualValues(t, 40, f.TotalHandshakes())
}

func TestSameIdentityIsSerialized(t *testing.T) {
	t.Parallel()
	p, f := newTestPool(4)
	f.Set("10.0.0.1", session.FakeBehavior{ControlDelay: time.Millisecond})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := p.Acquire(ctx, ident("10.0.0.1"), 10*time.Second)
			if !assert.NoError(t, err) {
				return
			}
			assert.NoError(t, h.Session().Control(ctx, types.ActionOn))
			p.Release(h)
		}()
	}
	wg.Wait()

	assert.Zero(t, f.Overlaps())
	assert.Equal(t, 1, f.Handshakes("10.0.0.1"))
	assert.Len(t, f.Controls("10.0.0.1"), 10)
}

func TestBusyPolicyFail(t *testing.T) {
	t.Parallel()
	f := session.NewFakeDialer()
	p := New(f, Options{Capacity: 4, BusyPolicy: BusyFail})
	ctx := context.Background()

	h, err := p.Acquire(ctx, ident("10.0.0.1"), time.Second)
	require.NoError(t, err)

	_, err = p.Acquire(ctx, ident("10.0.0.1"), time.Second)
	require.Error(t, err)
	assert.Equal(t, types.KindBusy, types.KindOf(err))

	p.Release(h)
	h, err = p.Acquire(ctx, ident("10.0.0.1"), time.Second)
	require.NoError(t, err)
	p.Release(h)
}

func TestAcquireTimesOutWhenExhausted(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(1)
	ctx := context.Background()

	h, err := p.Acquire(ctx, ident("10.0.0.1"), time.Second)
	require.NoError(t, err)
	defer p.Release(h)

	start := time.Now()
	_, err = p.Acquire(ctx, ident("10.0.0.2"), 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrPoolExhausted))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	st := p.Stats()
	assert.EqualValues(t, 1, st.Exhausted)
	assert.Equal(t, 0, st.Waiting)
}

func TestAcquireCancelledWhileWaiting(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(1)

	h, err := p.Acquire(context.Background(), ident("10.0.0.1"), time.Second)
	require.NoError(t, err)
	defer p.Release(h)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = p.Acquire(ctx, ident("10.0.0.2"), 10*time.Second)
	assert.Equal(t, types.KindCancelled, types.KindOf(err))
}

func TestWaitersAreServedInOrder(t *testing.T) {
	t.Parallel()
	p, f := newTestPool(1)
	ctx := context.Background()

	held, err := p.Acquire(ctx, ident("10.0.0.1"), time.Second)
	require.NoError(t, err)

	order := make(chan string, 2)
	var wg sync.WaitGroup
	for i, host := range []string{"10.0.0.2", "10.0.0.3"} {
		wg.Add(1)
		go func(host string) {
			defer wg.Done()
			h, err := p.Acquire(ctx, ident(host), 5*time.Second)
			if !assert.NoError(t, err) {
				return
			}
			order <- host
			p.Release(h)
		}(host)
		require.Eventually(t, func() bool { return p.Stats().Waiting == i+1 },
			time.Second, time.Millisecond)
	}

	p.Release(held)
	wg.Wait()
	close(order)

	var got []string
	for host := range order {
		got = append(got, host)
	}
	assert.Equal(t, []string{"10.0.0.2", "10.0.0.3"}, got)
	assert.LessOrEqual(t, f.Peak(), int64(1))
	assert.EqualValues(t, 2, p.Stats().Reclaimed)
}

func TestFailedHandshakeFreesSlot(t *testing.T) {
	t.Parallel()
	p, f := newTestPool(1)
	f.Set("10.0.0.1", session.FakeBehavior{DialErr: errors.New("RAKP 2 HMAC is invalid")})
	f.Set("10.0.0.2", session.FakeBehavior{DialErr: errors.New("connection refused")})
	ctx := context.Background()

	_, err := p.Acquire(ctx, ident("10.0.0.1"), time.Second)
	assert.Equal(t, types.KindAuthFailure, types.KindOf(err))
	_, err = p.Acquire(ctx, ident("10.0.0.2"), time.Second)
	assert.Equal(t, types.KindUnreachable, types.KindOf(err))

	st := p.Stats()
	assert.Equal(t, 0, st.Live)
	assert.EqualValues(t, 2, st.HandshakeFailures)

	h, err := p.Acquire(ctx, ident("10.0.0.3"), time.Second)
	require.NoError(t, err)
	p.Release(h)
}

func TestDialTimeoutBoundsHandshake(t *testing.T) {
	t.Parallel()
	f := session.NewFakeDialer()
	p := New(f, Options{Capacity: 1, DialTimeout: 50 * time.Millisecond})
	defer p.Close()
	f.Set("10.0.0.1", session.FakeBehavior{DialDelay: 5 * time.Second})

	start := time.Now()
	_, err := p.Acquire(context.Background(), ident("10.0.0.1"), time.Second)
	assert.Equal(t, types.KindNetworkTimeout, types.KindOf(err))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, p.Stats().Live)

	h, err := p.Acquire(context.Background(), ident("10.0.0.2"), time.Second)
	require.NoError(t, err)
	p.Release(h)
}

func TestReapIdle(t *testing.T) {
	t.Parallel()
	f := session.NewFakeDialer()
	p := New(f, Options{Capacity: 4, IdleTimeout: time.Minute})
	ctx := context.Background()

	idle, err := p.Acquire(ctx, ident("10.0.0.1"), time.Second)
	require.NoError(t, err)
	p.Release(idle)
	busy, err := p.Acquire(ctx, ident("10.0.0.2"), time.Second)
	require.NoError(t, err)

	assert.Zero(t, p.ReapIdle(time.Now()))
	assert.Equal(t, 1, p.ReapIdle(time.Now().Add(2*time.Minute)))
	assert.EqualValues(t, 1, f.Live())

	p.Release(busy)
	h, err := p.Acquire(ctx, ident("10.0.0.1"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, f.Handshakes("10.0.0.1"))
	p.Release(h)
}

func TestCloseFailsWaiters(t *testing.T) {
	t.Parallel()
	p, f := newTestPool(1)
	ctx := context.Background()

	held, err := p.Acquire(ctx, ident("10.0.0.1"), time.Second)
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx, ident("10.0.0.2"), 10*time.Second)
		errc <- err
	}()
	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, time.Millisecond)

	p.Close()
	select {
	case err := <-errc:
		assert.Equal(t, types.KindPoolExhausted, types.KindOf(err))
	case <-time.After(time.Second):
		t.Fatal("waiter was not released by Close")
	}

	p.Release(held)
	assert.EqualValues(t, 0, f.Live())

	_, err = p.Acquire(ctx, ident("10.0.0.1"), time.Second)
	assert.Equal(t, types.KindPoolExhausted, types.KindOf(err))
}

func TestParseBusyPolicy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    BusyPolicy
		wantErr bool
	}{
		{"", BusyWait, false},
		{"wait", BusyWait, false},
		{"FAIL", BusyFail, false},
		{"maybe", BusyWait, true},
	}
	for _, tt := range tests {
		got, err := ParseBusyPolicy(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		assert.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
