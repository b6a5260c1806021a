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

package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CraneBmc/internal/pool"
	"CraneBmc/internal/power"
	"CraneBmc/internal/recorder"
	"CraneBmc/internal/registry"
	"CraneBmc/internal/session"
	"CraneBmc/internal/status"
	"CraneBmc/internal/types"
)

func nodeID(i int) string { return fmt.Sprintf("node%02d", i) }
func nodeIP(i int) string { return fmt.Sprintf("10.0.0.%d", i) }

func newController(t *testing.T, n int, missing ...int) (*power.Controller, *session.FakeDialer) {
	t.Helper()
	skip := map[int]bool{}
	for _, m := range missing {
		skip[m] = true
	}
	var records []types.ServerRecord
	for i := 1; i <= n; i++ {
		if skip[i] {
			continue
		}
		records = append(records, types.ServerRecord{
			ID:       nodeID(i),
			Identity: types.ServerIdentity{Host: nodeIP(i), Port: 623, Username: "admin", Secret: "pw"},
		})
	}
	fake := session.NewFakeDialer()
	p := pool.New(fake, pool.Options{Capacity: 50})
	t.Cleanup(p.Close)
	ctl := power.NewController(registry.NewStatic(records...), p, status.NewCache(),
		power.Options{Retries: 0, RetryBackoff: time.Millisecond, WaitTimeout: 5 * time.Second})
	return ctl, fake
}

func ids(n int) []string {
	out := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, nodeID(i))
	}
	return out
}

func TestBatchIsolatesFailure(t *testing.T) {
	t.Parallel()
	ctl, fake := newController(t, 10)
	fake.Set(nodeIP(5), session.FakeBehavior{DialErr: errors.New("invalid password")})
	rec := &recorder.Memory{}

	res, err := NewOrchestrator(ctl, Options{Concurrency: 4, Recorder: rec}).
		ExecuteBatch(context.Background(), ids(10), types.ActionRestart)
	require.NoError(t, err)

	assert.Equal(t, 10, res.Total)
	assert.Equal(t, 9, res.SuccessCount)
	assert.Equal(t, 1, res.FailedCount)
	require.Len(t, res.Results, 10)
	for i := 1; i <= 10; i++ {
		r, ok := res.Results[nodeID(i)]
		require.True(t, ok, nodeID(i))
		if i == 5 {
			assert.False(t, r.Success)
			assert.Equal(t, types.KindAuthFailure, r.ErrorKind)
		} else {
			assert.True(t, r.Success, r.Message)
		}
	}
	assert.NotEmpty(t, res.JobID)
	assert.False(t, res.FinishedAt.Before(res.StartedAt))
	assert.Len(t, rec.Batches(), 1)
}

func TestBatchReportsUnknownServers(t *testing.T) {
	t.Parallel()
	ctl, fake := newController(t, 3, 2)

	res, err := NewOrchestrator(ctl, Options{}).
		ExecuteBatch(context.Background(), []string{nodeID(1), nodeID(2), nodeID(3)}, types.ActionOff)
	require.NoError(t, err)

	assert.True(t, res.Results[nodeID(1)].Success)
	assert.Equal(t, types.KindNotFound, res.Results[nodeID(2)].ErrorKind)
	assert.True(t, res.Results[nodeID(3)].Success)
	assert.Equal(t, 2, res.SuccessCount)
	assert.Equal(t, 1, res.FailedCount)
	assert.Zero(t, fake.Handshakes(nodeIP(2)))
}

func TestBatchResultSizeMatchesRequest(t *testing.T) {
	t.Parallel()
	ctl, _ := newController(t, 30, 7, 13)
	o := NewOrchestrator(ctl, Options{Concurrency: 8})

	for _, n := range []int{0, 1, 5, 17, 30} {
		res, err := o.ExecuteBatch(context.Background(), ids(n), types.ActionOn)
		require.NoError(t, err)
		assert.Equal(t, n, res.Total)
		assert.Len(t, res.Results, n)
		assert.Equal(t, n, res.SuccessCount+res.FailedCount)
	}
}

func TestBatchCollapsesDuplicates(t *testing.T) {
	t.Parallel()
	ctl, fake := newController(t, 2)

	res, err := NewOrchestrator(ctl, Options{}).
		ExecuteBatch(context.Background(), []string{nodeID(1), nodeID(1), nodeID(2)}, types.ActionOn)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	assert.Len(t, fake.Controls(nodeIP(1)), 1)
}

func TestBatchRejectsInvalidAction(t *testing.T) {
	t.Parallel()
	ctl, fake := newController(t, 2)

	_, err := NewOrchestrator(ctl, Options{}).
		ExecuteBatch(context.Background(), ids(2), types.PowerAction("explode"))
	assert.Equal(t, types.KindInvalidAction, types.KindOf(err))
	assert.Zero(t, fake.TotalHandshakes())
}

func TestConcurrencyClampedToPoolCapacity(t *testing.T) {
	t.Parallel()
	ctl, _ := newController(t, 1)
	o := NewOrchestrator(ctl, Options{Concurrency: 500})
	assert.Equal(t, 50, o.Concurrency())
}

// stubExecutor records concurrency and can block units until released.
type stubExecutor struct {
	inflight atomic.Int64
	peak     atomic.Int64
	delay    time.Duration
	started  chan string
	release  chan struct{}
	panicOn  string

	mu     sync.Mutex
	starts []time.Time
	ctxErr []error
}

func (s *stubExecutor) PerformAction(ctx context.Context, id string, action types.PowerAction) types.PowerActionResult {
	n := s.inflight.Add(1)
	defer s.inflight.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	s.mu.Lock()
	s.starts = append(s.starts, time.Now())
	s.mu.Unlock()

	if s.started != nil {
		s.started <- id
	}
	if s.release != nil {
		<-s.release
	}
	if id == s.panicOn {
		panic("driver bug")
	}
	time.Sleep(s.delay)

	s.mu.Lock()
	s.ctxErr = append(s.ctxErr, ctx.Err())
	s.mu.Unlock()
	return types.SuccessResult(id, action, "ok")
}

func TestBatchBoundsConcurrency(t *testing.T) {
	t.Parallel()
	stub := &stubExecutor{delay: 5 * time.Millisecond}

	res, err := NewOrchestrator(stub, Options{Concurrency: 3}).
		ExecuteBatch(context.Background(), ids(20), types.ActionOn)
	require.NoError(t, err)
	assert.Equal(t, 20, res.SuccessCount)
	assert.LessOrEqual(t, stub.peak.Load(), int64(3))
}

func TestBatchCancellationSkipsPendingUnits(t *testing.T) {
	t.Parallel()
	stub := &stubExecutor{started: make(chan string, 1), release: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan *types.BatchResult, 1)
	go func() {
		res, err := NewOrchestrator(stub, Options{Concurrency: 1}).ExecuteBatch(ctx, ids(5), types.ActionOff)
		assert.NoError(t, err)
		done <- res
	}()

	first := <-stub.started
	cancel()
	// Let the dispatcher observe the cancellation before the unit ends.
	time.Sleep(20 * time.Millisecond)
	close(stub.release)

	var res *types.BatchResult
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("batch did not finish after cancellation")
	}

	assert.Equal(t, 5, res.Total)
	assert.Len(t, res.Results, 5)
	assert.Equal(t, 1, res.SuccessCount)
	assert.Equal(t, 4, res.FailedCount)
	assert.True(t, res.Results[first].Success)
	for id, r := range res.Results {
		if id != first {
			assert.Equal(t, types.KindCancelled, r.ErrorKind, id)
		}
	}
	// The dispatched unit ran with a live context.
	stub.mu.Lock()
	defer stub.mu.Unlock()
	require.Len(t, stub.ctxErr, 1)
	assert.NoError(t, stub.ctxErr[0])
}

func TestBatchWaves(t *testing.T) {
	t.Parallel()
	stub := &stubExecutor{}

	res, err := NewOrchestrator(stub, Options{Concurrency: 10, WaveSize: 2, WaveInterval: 30 * time.Millisecond}).
		ExecuteBatch(context.Background(), ids(5), types.ActionOn)
	require.NoError(t, err)
	assert.Equal(t, 5, res.SuccessCount)

	stub.mu.Lock()
	defer stub.mu.Unlock()
	require.Len(t, stub.starts, 5)
	first, last := stub.starts[0], stub.starts[0]
	for _, s := range stub.starts {
		if s.Before(first) {
			first = s
		}
		if s.After(last) {
			last = s
		}
	}
	// Three waves means two pauses.
	assert.GreaterOrEqual(t, last.Sub(first), 55*time.Millisecond)
}

func TestBatchCancelledDuringWavePause(t *testing.T) {
	t.Parallel()
	stub := &stubExecutor{}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res, err := NewOrchestrator(stub, Options{Concurrency: 10, WaveSize: 2, WaveInterval: time.Second}).
		ExecuteBatch(ctx, ids(6), types.ActionOn)
	require.NoError(t, err)
	assert.Equal(t, 2, res.SuccessCount)
	assert.Equal(t, 4, res.FailedCount)
	assert.Len(t, res.Results, 6)
}

func TestBatchRecoversPanickingUnit(t *testing.T) {
	t.Parallel()
	stub := &stubExecutor{panicOn: nodeID(2)}

	res, err := NewOrchestrator(stub, Options{Concurrency: 2}).
		ExecuteBatch(context.Background(), ids(3), types.ActionOn)
	require.NoError(t, err)
	assert.Equal(t, 2, res.SuccessCount)
	assert.Equal(t, types.KindInternal, res.Results[nodeID(2)].ErrorKind)
}

func TestSortedResults(t *testing.T) {
	t.Parallel()
	stub := &stubExecutor{}
	res, err := NewOrchestrator(stub, Options{}).
		ExecuteBatch(context.Background(), []string{"c", "a", "b"}, types.ActionOn)
	require.NoError(t, err)

	var got []string
	for _, r := range res.Sorted() {
		got = append(got, r.ServerID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
}
