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
	"fmt"
	"io"
	"os"

	"CraneBmc/internal/batch"
	"CraneBmc/internal/config"
	"CraneBmc/internal/discovery"
	"CraneBmc/internal/metrics"
	"CraneBmc/internal/pool"
	"CraneBmc/internal/power"
	"CraneBmc/internal/recorder"
	"CraneBmc/internal/registry"
	"CraneBmc/internal/session"
	"CraneBmc/internal/status"
)

// App wires the pool, controller, orchestrator and scanner for one
// invocation of the tool.
type App struct {
	Config       *config.Config
	Registry     registry.Registry
	Recorder     recorder.Recorder
	Pool         *pool.Pool
	Cache        *status.Cache
	Controller   *power.Controller
	Orchestrator *batch.Orchestrator
	Scanner      *discovery.Scanner
	Metrics      *metrics.Registry

	Out    io.Writer
	closer []func()
}

// Backends are the pieces that touch the outside world.
type Backends struct {
	Registry registry.Registry
	Recorder recorder.Recorder
	Dialer   session.Dialer
	Prober   session.Prober
}

// NewApp builds an App from cfg using the IPMI dialer and the configured
// registry and recorder.
func NewApp(cfg *config.Config) (*App, error) {
	reg, err := registry.New(&cfg.Registry)
	if err != nil {
		return nil, fmt.Errorf("failed to open server registry: %w", err)
	}

	rec, err := recorder.New(&cfg.Recorder)
	if err != nil {
		if c, ok := reg.(io.Closer); ok {
			_ = c.Close()
		}
		return nil, fmt.Errorf("failed to create recorder: %w", err)
	}

	app, err := NewAppWith(cfg, Backends{
		Registry: reg,
		Recorder: rec,
		Dialer:   session.NewIPMIDialer(),
		Prober:   session.NewIPMIProber(cfg.Discovery.Username, cfg.Discovery.Password),
	})
	if err != nil {
		rec.Close()
		return nil, err
	}
	if c, ok := reg.(io.Closer); ok {
		app.closer = append(app.closer, func() { _ = c.Close() })
	}
	return app, nil
}

func NewAppWith(cfg *config.Config, b Backends) (*App, error) {
	policy, err := pool.ParseBusyPolicy(cfg.Pool.BusyPolicy)
	if err != nil {
		return nil, err
	}
	if b.Recorder == nil {
		b.Recorder = recorder.Nop{}
	}

	p := pool.New(b.Dialer, pool.Options{
		Capacity:    cfg.Pool.Capacity,
		IdleTimeout: cfg.Pool.IdleTimeout,
		DialTimeout: cfg.Action.Timeout,
		BusyPolicy:  policy,
	})
	cache := status.NewCache()
	m := metrics.NewRegistry(p)

	opts := power.OptionsFromConfig(cfg)
	opts.Recorder = b.Recorder
	opts.Metrics = m.Actions
	ctl := power.NewController(b.Registry, p, cache, opts)

	orch := batch.NewOrchestrator(ctl, batch.Options{
		Concurrency:  cfg.Batch.Concurrency,
		WaveSize:     cfg.Batch.WaveSize,
		WaveInterval: cfg.Batch.WaveInterval,
		Recorder:     b.Recorder,
	})

	scanner := discovery.NewScanner(b.Prober, b.Registry, discovery.Options{
		Port:           cfg.Discovery.Port,
		ProbeTimeout:   cfg.Discovery.ProbeTimeout,
		MaxWorkers:     cfg.Discovery.MaxWorkers,
		OverallTimeout: cfg.Discovery.OverallTimeout,
		Recorder:       b.Recorder,
	})

	return &App{
		Config:       cfg,
		Registry:     b.Registry,
		Recorder:     b.Recorder,
		Pool:         p,
		Cache:        cache,
		Controller:   ctl,
		Orchestrator: orch,
		Scanner:      scanner,
		Metrics:      m,
		Out:          os.Stdout,
	}, nil
}

// Close shuts the pool down and flushes the recorder.
func (a *App) Close() {
	a.Pool.Close()
	a.Recorder.Close()
	for _, c := range a.closer {
		c()
	}
}
