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

// Package power executes single power actions through the connection
// pool.
package power

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	logrus "github.com/sirupsen/logrus"

	"CraneBmc/internal/config"
	"CraneBmc/internal/metrics"
	"CraneBmc/internal/pool"
	"CraneBmc/internal/recorder"
	"CraneBmc/internal/registry"
	"CraneBmc/internal/session"
	"CraneBmc/internal/status"
	"CraneBmc/internal/types"
)

var log = logrus.WithField("component", "PowerController")

const (
	DefaultActionTimeout = 10 * time.Second
	DefaultRetries       = 2
)

type Options struct {
	ActionTimeout   time.Duration
	WaitTimeout     time.Duration
	Retries         int
	RetryBackoff    time.Duration
	RetryMaxBackoff time.Duration

	Recorder recorder.Recorder
	Metrics  *metrics.ActionCounter
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ActionTimeout:   cfg.Action.Timeout,
		WaitTimeout:     cfg.Pool.WaitTimeout,
		Retries:         cfg.Action.Retries,
		RetryBackoff:    cfg.Action.RetryBackoff,
		RetryMaxBackoff: cfg.Action.RetryMaxBackoff,
	}
}

type Controller struct {
	registry registry.Registry
	pool     *pool.Pool
	cache    *status.Cache
	opts     Options
}

func NewController(reg registry.Registry, p *pool.Pool, cache *status.Cache, opts Options) *Controller {
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = DefaultActionTimeout
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 30 * time.Second
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 500 * time.Millisecond
	}
	if opts.RetryMaxBackoff < opts.RetryBackoff {
		opts.RetryMaxBackoff = 10 * opts.RetryBackoff
	}
	if opts.Recorder == nil {
		opts.Recorder = recorder.Nop{}
	}
	return &Controller{registry: reg, pool: p, cache: cache, opts: opts}
}

func (c *Controller) Registry() registry.Registry { return c.registry }
func (c *Controller) Pool() *pool.Pool            { return c.pool }
func (c *Controller) Cache() *status.Cache        { return c.cache }

// PerformAction runs action against serverID and always returns a
// result. Failures carry the error kind; an unknown server never touches
// the pool.
func (c *Controller) PerformAction(ctx context.Context, serverID string, action types.PowerAction) types.PowerActionResult {
	start := time.Now()
	res := c.performAction(ctx, serverID, action)
	res.Duration = time.Since(start)

	if res.Success {
		log.Infof("Power %s on %s succeeded after %d attempt(s)", action, serverID, res.Attempts)
	} else {
		log.Warnf("Power %s on %s failed (%s): %s", action, serverID, res.ErrorKind, res.Message)
	}
	c.opts.Recorder.RecordAction(res)
	c.opts.Metrics.Observe(res)
	return res
}

func (c *Controller) performAction(ctx context.Context, serverID string, action types.PowerAction) types.PowerActionResult {
	if !action.Valid() {
		return types.FailedResult(serverID, action, types.NewError(types.KindInvalidAction, serverID,
			"perform action", fmt.Errorf("unknown power action %q", action)))
	}

	rec, err := c.registry.Lookup(ctx, serverID)
	if err != nil {
		return types.FailedResult(serverID, action, types.WithServer(err, serverID))
	}

	attempts, err := c.withSession(ctx, rec, func(ctx context.Context, s session.Session) error {
		return s.Control(ctx, action)
	})
	if err != nil {
		res := types.FailedResult(serverID, action, err)
		res.Attempts = attempts
		return res
	}

	if c.cache != nil {
		c.cache.SetPowerState(serverID, action.ExpectedState())
	}
	res := types.SuccessResult(serverID, action, fmt.Sprintf("power %s acknowledged by %s", action, rec.Identity.Host))
	res.Attempts = attempts
	return res
}

// QueryPowerState reads the chassis power state of serverID and stores
// it in the status cache.
func (c *Controller) QueryPowerState(ctx context.Context, serverID string) (types.Status, error) {
	rec, err := c.registry.Lookup(ctx, serverID)
	if err != nil {
		return types.Status{}, types.WithServer(err, serverID)
	}

	var state types.PowerState
	_, err = c.withSession(ctx, rec, func(ctx context.Context, s session.Session) error {
		var err error
		state, err = s.PowerState(ctx)
		return err
	})
	if err != nil {
		log.Debugf("Failed to query power state of %s: %v", serverID, err)
		return types.Status{}, err
	}

	st := types.Status{ServerID: serverID, PowerState: state, LastUpdated: time.Now()}
	if c.cache != nil {
		c.cache.Set(serverID, st)
	}
	return st, nil
}

// withSession runs fn on a pooled session for rec, retrying transient
// network failures with exponential backoff. A failed attempt evicts its
// handle so the next one starts with a fresh handshake.
func (c *Controller) withSession(ctx context.Context, rec types.ServerRecord,
	fn func(context.Context, session.Session) error) (int, error) {
	attempts := 0
	var lastErr error

	op := func() error {
		attempts++
		err := c.once(ctx, rec, fn)
		if err == nil {
			return nil
		}
		err = types.WithServer(err, rec.ID)
		lastErr = err
		if !types.KindOf(err).Retryable() {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		log.Debugf("Attempt %d on %s failed, retrying in %v: %v", attempts, rec.ID, next, err)
	}

	err := backoff.RetryNotify(op, c.newBackOff(ctx), notify)
	if err == nil {
		return attempts, nil
	}
	if types.KindOf(err) == types.KindNone {
		// Cancelled while backing off.
		if lastErr != nil {
			return attempts, lastErr
		}
		return attempts, types.WithServer(session.Wrap(err, "perform action"), rec.ID)
	}
	return attempts, err
}

func (c *Controller) once(ctx context.Context, rec types.ServerRecord,
	fn func(context.Context, session.Session) error) error {
	h, err := c.pool.Acquire(ctx, rec.Identity, c.opts.WaitTimeout)
	if err != nil {
		return err
	}

	actx, cancel := context.WithTimeout(ctx, c.opts.ActionTimeout)
	defer cancel()

	if err := fn(actx, h.Session()); err != nil {
		err = session.Wrap(err, "chassis request")
		if types.KindOf(err) == types.KindInvalidAction {
			c.pool.Release(h)
		} else {
			c.pool.Evict(h)
		}
		return err
	}
	c.pool.Release(h)
	return nil
}

func (c *Controller) newBackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.opts.RetryBackoff
	eb.MaxInterval = c.opts.RetryMaxBackoff
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.opts.Retries)), ctx)
}

// Capacity bounds how many actions are useful to run concurrently.
func (c *Controller) Capacity() int { return c.pool.Capacity() }
