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

// Package batch fans one power action out over many servers.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	logrus "github.com/sirupsen/logrus"

	"CraneBmc/internal/recorder"
	"CraneBmc/internal/types"
)

var log = logrus.WithField("component", "Batch")

const DefaultConcurrency = 50

// Executor runs one power action. *power.Controller satisfies it.
type Executor interface {
	PerformAction(ctx context.Context, serverID string, action types.PowerAction) types.PowerActionResult
}

// capacityLimited is implemented by executors backed by a bounded pool.
type capacityLimited interface {
	Capacity() int
}

type Options struct {
	Concurrency int
	// WaveSize > 0 dispatches that many servers, then pauses for
	// WaveInterval before the next wave.
	WaveSize     int
	WaveInterval time.Duration
	Recorder     recorder.Recorder
}

type Orchestrator struct {
	exec Executor
	opts Options
}

func NewOrchestrator(exec Executor, opts Options) *Orchestrator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if c, ok := exec.(capacityLimited); ok && c.Capacity() > 0 && opts.Concurrency > c.Capacity() {
		opts.Concurrency = c.Capacity()
	}
	if opts.Recorder == nil {
		opts.Recorder = recorder.Nop{}
	}
	return &Orchestrator{exec: exec, opts: opts}
}

func (o *Orchestrator) Concurrency() int { return o.opts.Concurrency }

// ExecuteBatch applies action to every distinct id and returns exactly one
// result per id. Cancelling ctx stops further dispatch; units already
// started run to completion and the rest are reported as cancelled.
func (o *Orchestrator) ExecuteBatch(ctx context.Context, ids []string, action types.PowerAction) (*types.BatchResult, error) {
	if !action.Valid() {
		return nil, types.NewError(types.KindInvalidAction, "", "execute batch",
			fmt.Errorf("unknown power action %q", action))
	}

	unique := dedupe(ids)
	job := &types.BatchResult{
		JobID:     uuid.NewString(),
		Action:    action,
		Total:     len(unique),
		Results:   make(map[string]types.PowerActionResult, len(unique)),
		StartedAt: time.Now(),
	}
	log.Infof("Batch %s: power %s on %d servers (concurrency %d)",
		job.JobID, action, len(unique), o.opts.Concurrency)

	results := make(chan types.PowerActionResult, len(unique))
	dispatched := o.dispatch(ctx, unique, action, results)

	for _, id := range unique[dispatched:] {
		results <- types.FailedResult(id, action, types.NewError(types.KindCancelled, id,
			"execute batch", errors.New("batch cancelled before dispatch")))
	}
	for range unique {
		r := <-results
		job.Results[r.ServerID] = r
		if r.Success {
			job.SuccessCount++
		} else {
			job.FailedCount++
		}
	}
	job.FinishedAt = time.Now()

	if skipped := len(unique) - dispatched; skipped > 0 {
		log.Warnf("Batch %s cancelled, %d servers skipped", job.JobID, skipped)
	}
	log.Infof("Batch %s finished: %d succeeded, %d failed in %v",
		job.JobID, job.SuccessCount, job.FailedCount, job.FinishedAt.Sub(job.StartedAt))
	o.opts.Recorder.RecordBatch(job)
	return job, nil
}

// dispatch starts one unit per id until ctx is cancelled and returns how
// many were started. Started units use a context detached from ctx.
func (o *Orchestrator) dispatch(ctx context.Context, ids []string, action types.PowerAction,
	results chan<- types.PowerActionResult) int {
	sem := make(chan struct{}, o.opts.Concurrency)
	unitCtx := context.WithoutCancel(ctx)

	dispatched := 0
	for i, id := range ids {
		if o.opts.WaveSize > 0 && i > 0 && i%o.opts.WaveSize == 0 {
			log.Debugf("Wave of %d dispatched, pausing %v", o.opts.WaveSize, o.opts.WaveInterval)
			if !sleepCtx(ctx, o.opts.WaveInterval) {
				break
			}
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}

		dispatched++
		go func(id string) {
			defer func() { <-sem }()
			results <- o.run(unitCtx, id, action)
		}(id)
	}
	return dispatched
}

func (o *Orchestrator) run(ctx context.Context, id string, action types.PowerAction) (res types.PowerActionResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Power %s on %s panicked: %v", action, id, r)
			res = types.FailedResult(id, action, types.NewError(types.KindInternal, id,
				"execute batch", fmt.Errorf("panic: %v", r)))
		}
	}()
	res = o.exec.PerformAction(ctx, id, action)
	res.ServerID = id
	return res
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
