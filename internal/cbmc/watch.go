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

package cbmc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"CraneBmc/internal/util"
)

// Watcher refreshes the power state of every registered server on a cron
// schedule and serves the result as Prometheus metrics.
type Watcher struct {
	app    *App
	cron   *cron.Cron
	entry  cron.EntryID
	server *http.Server
	ctx    context.Context
}

func (a *App) NewWatcher(schedule, address string) (*Watcher, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	w := &Watcher{app: a, cron: c, ctx: context.Background()}

	id, err := c.AddFunc(schedule, w.tick)
	if err != nil {
		return nil, fmt.Errorf("invalid watch schedule %q: %w", schedule, err)
	}
	w.entry = id

	mux := http.NewServeMux()
	mux.Handle("/metrics", a.Metrics.Handler())
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok\n"))
	})
	w.server = &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return w, nil
}

// Run serves metrics on ln and refreshes statuses until ctx is done.
func (w *Watcher) Run(ctx context.Context, ln net.Listener) error {
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	w.ctx = runCtx
	w.app.Pool.Start(runCtx)

	serveErr := make(chan error, 1)
	go func() {
		log.Infof("Metrics listening on %s.", ln.Addr())
		if err := w.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// First refresh right away so the gauges are never empty. It runs
	// outside the scheduler, so it is waited for separately on shutdown.
	var first sync.WaitGroup
	first.Add(1)
	go func() {
		defer first.Done()
		w.cron.Entry(w.entry).WrappedJob.Run()
	}()
	w.cron.Start()

	var err error
	select {
	case <-ctx.Done():
	case err = <-serveErr:
	}

	stop()
	<-w.cron.Stop().Done()
	first.Wait()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if serr := w.server.Shutdown(shutdownCtx); serr != nil && err == nil {
		err = serr
	}
	return err
}

func (w *Watcher) tick() {
	ctx := w.ctx
	ids, err := w.app.resolveIDs(ctx, "")
	if err != nil {
		log.Warnf("Watch refresh skipped: %v", err)
		return
	}
	failed := w.app.refresh(ctx, ids)
	w.app.Metrics.SetPowerStates(w.app.Cache.Snapshot())
	if len(failed) > 0 {
		log.Warnf("Watch refresh: %d of %d servers failed", len(failed), len(ids))
	} else {
		log.Debugf("Watch refresh: %d servers", len(ids))
	}
}

// Watch runs the watcher until SIGINT or SIGTERM.
func (a *App) Watch(ctx context.Context) util.CraneCmdError {
	w, err := a.NewWatcher(a.Config.Watch.Schedule, a.Config.Watch.MetricsAddress)
	if err != nil {
		log.Errorf("%v", err)
		return util.ErrorCmdArg
	}
	ln, err := net.Listen("tcp", a.Config.Watch.MetricsAddress)
	if err != nil {
		log.Errorf("Failed to listen on %s: %v", a.Config.Watch.MetricsAddress, err)
		return util.ErrorExecuteFailed
	}
	if err := w.Run(ctx, ln); err != nil {
		log.Errorf("Watch stopped: %v", err)
		return util.ErrorExecuteFailed
	}
	return util.ErrorSuccess
}
