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

// Package discovery probes address ranges for BMC endpoints.
package discovery

import (
	"context"
	"net/netip"
	"sort"
	"sync"
	"time"

	logrus "github.com/sirupsen/logrus"

	"CraneBmc/internal/recorder"
	"CraneBmc/internal/registry"
	"CraneBmc/internal/session"
	"CraneBmc/internal/types"
)

var log = logrus.WithField("component", "Discovery")

const (
	DefaultProbeTimeout   = 3 * time.Second
	DefaultMaxWorkers     = 50
	DefaultOverallTimeout = 5 * time.Minute
)

type Options struct {
	Port           int
	ProbeTimeout   time.Duration
	MaxWorkers     int
	OverallTimeout time.Duration
	Recorder       recorder.Recorder
}

// Request describes one scan. Zero fields fall back to the scanner
// options.
type Request struct {
	Range          string
	Port           int
	ProbeTimeout   time.Duration
	MaxWorkers     int
	OverallTimeout time.Duration
}

type Scanner struct {
	prober   session.Prober
	registry registry.Registry
	opts     Options
}

// NewScanner returns a scanner using prober. reg may be nil, in which case
// no result is flagged as registered.
func NewScanner(prober session.Prober, reg registry.Registry, opts Options) *Scanner {
	if opts.Port <= 0 {
		opts.Port = types.DefaultIPMIPort
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = DefaultMaxWorkers
	}
	if opts.OverallTimeout <= 0 {
		opts.OverallTimeout = DefaultOverallTimeout
	}
	if opts.Recorder == nil {
		opts.Recorder = recorder.Nop{}
	}
	return &Scanner{prober: prober, registry: reg, opts: opts}
}

func (s *Scanner) fill(req Request) Request {
	if req.Port <= 0 {
		req.Port = s.opts.Port
	}
	if req.ProbeTimeout <= 0 {
		req.ProbeTimeout = s.opts.ProbeTimeout
	}
	if req.MaxWorkers <= 0 {
		req.MaxWorkers = s.opts.MaxWorkers
	}
	if req.OverallTimeout <= 0 {
		req.OverallTimeout = s.opts.OverallTimeout
	}
	return req
}

type probeOutcome struct {
	addr   netip.Addr
	result session.ProbeResult
}

// Scan probes every candidate in req.Range with at most MaxWorkers probes
// in flight. Per-address failures are data. When the overall timeout
// expires no new probe is started and the partial result is returned;
// probes interrupted by the deadline are not counted as scanned.
func (s *Scanner) Scan(ctx context.Context, req Request) (*types.ScanResult, error) {
	ranges, err := ParseRange(req.Range)
	if err != nil {
		return nil, err
	}
	req = s.fill(req)
	start := time.Now()

	scanCtx, cancel := context.WithTimeout(ctx, req.OverallTimeout)
	defer cancel()

	log.Infof("Scanning %d addresses in %s on port %d with %d workers",
		ranges.Len(), req.Range, req.Port, req.MaxWorkers)

	jobs := make(chan netip.Addr)
	outcomes := make(chan probeOutcome)

	go func() {
		defer close(jobs)
		for addr := range ranges.All() {
			select {
			case jobs <- addr:
			case <-scanCtx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < req.MaxWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for addr := range jobs {
				if scanCtx.Err() != nil {
					continue
				}
				res, completed := s.probe(scanCtx, addr, req)
				if completed {
					outcomes <- probeOutcome{addr: addr, result: res}
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(outcomes)
	}()

	result := &types.ScanResult{Candidates: ranges.Len(), Devices: []types.DiscoveryResult{}}
	var found []probeOutcome
	for o := range outcomes {
		result.TotalScanned++
		if o.result.Outcome != session.ProbeUnreachable {
			found = append(found, o)
		}
	}

	sort.Slice(found, func(i, j int) bool { return found[i].addr.Less(found[j].addr) })
	for _, o := range found {
		result.Devices = append(result.Devices, s.describe(ctx, o, req.Port))
	}
	result.DevicesFound = len(result.Devices)
	result.Partial = result.TotalScanned < result.Candidates
	result.Duration = time.Since(start)

	if result.Partial {
		log.Warnf("Scan of %s stopped early: %d of %d addresses scanned",
			req.Range, result.TotalScanned, result.Candidates)
	}
	log.Infof("Scan of %s found %d devices in %v", req.Range, result.DevicesFound, result.Duration)
	s.opts.Recorder.RecordScan(req.Range, result)
	return result, nil
}

// probe reports completed=false when the overall deadline cut the probe
// short.
func (s *Scanner) probe(scanCtx context.Context, addr netip.Addr, req Request) (session.ProbeResult, bool) {
	pctx, cancel := context.WithTimeout(scanCtx, req.ProbeTimeout)
	defer cancel()

	res := s.prober.Probe(pctx, types.DiscoveryTarget{IP: addr.String(), Port: req.Port})
	if res.Outcome == session.ProbeUnreachable && scanCtx.Err() != nil {
		return res, false
	}
	if res.Err != nil {
		log.Tracef("Probe %s: %v", addr, res.Err)
	}
	return res, true
}

func (s *Scanner) describe(ctx context.Context, o probeOutcome, port int) types.DiscoveryResult {
	d := types.DiscoveryResult{
		IP:           o.addr.String(),
		Port:         port,
		Accessible:   o.result.Outcome == session.ProbeAccessible,
		AuthRequired: o.result.Outcome == session.ProbeAuthRequired,
		DeviceInfo:   o.result.Device,
	}
	switch {
	case o.result.Err != nil:
		d.Message = o.result.Err.Error()
	case d.AuthRequired:
		d.Message = "authentication required"
	}

	if s.registry != nil {
		id, ok, err := s.registry.FindByAddress(ctx, d.IP)
		if err != nil {
			log.Debugf("Registry lookup for %s failed: %v", d.IP, err)
		} else if ok {
			d.Registered = true
			d.ServerID = id
		}
	}
	return d
}
