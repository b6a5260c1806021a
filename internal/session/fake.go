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

package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"CraneBmc/internal/types"
)

// FakeBehavior scripts how a fake BMC at one host responds.
type FakeBehavior struct {
	DialErr   error
	DialDelay time.Duration

	// ControlErrs are returned by successive Control calls, then ControlErr.
	ControlErrs  []error
	ControlErr   error
	ControlDelay time.Duration
	// ControlHang blocks Control until its context is done.
	ControlHang bool

	State  types.PowerState
	Vendor *Vendor

	Probe      ProbeOutcome
	ProbeDelay time.Duration
	ProbeHang  bool
	ProbeInfo  *types.DeviceInfo
}

// FakeDialer is an in-memory BMC farm for tests. It implements Dialer
// and Prober and counts handshakes and live sessions.
type FakeDialer struct {
	mu         sync.Mutex
	behaviors  map[string]*FakeBehavior
	handshakes map[string]int
	controls   map[string][]types.PowerAction
	probes     map[string]int

	totalHandshakes atomic.Int64
	live            atomic.Int64
	peak            atomic.Int64
	closed          atomic.Int64
	overlaps        atomic.Int64
	inflightProbes  atomic.Int64
	peakProbes      atomic.Int64
}

func NewFakeDialer() *FakeDialer {
	return &FakeDialer{
		behaviors:  make(map[string]*FakeBehavior),
		handshakes: make(map[string]int),
		controls:   make(map[string][]types.PowerAction),
		probes:     make(map[string]int),
	}
}

func (f *FakeDialer) Set(host string, b FakeBehavior) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := b
	cp.ControlErrs = append([]error(nil), b.ControlErrs...)
	f.behaviors[host] = &cp
}

func (f *FakeDialer) behavior(host string) FakeBehavior {
	if b, ok := f.behaviors[host]; ok {
		return *b
	}
	return FakeBehavior{}
}

func (f *FakeDialer) Handshakes(host string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handshakes[host]
}

func (f *FakeDialer) TotalHandshakes() int64 { return f.totalHandshakes.Load() }
func (f *FakeDialer) Live() int64            { return f.live.Load() }
func (f *FakeDialer) Peak() int64            { return f.peak.Load() }
func (f *FakeDialer) Closed() int64          { return f.closed.Load() }
func (f *FakeDialer) PeakProbes() int64      { return f.peakProbes.Load() }

// Overlaps counts Control calls that found the session already in use.
func (f *FakeDialer) Overlaps() int64 { return f.overlaps.Load() }

func (f *FakeDialer) Controls(host string) []types.PowerAction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.PowerAction(nil), f.controls[host]...)
}

func (f *FakeDialer) Probes(host string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes[host]
}

func (f *FakeDialer) Dial(ctx context.Context, id types.ServerIdentity) (Session, error) {
	f.mu.Lock()
	b := f.behavior(id.Host)
	f.handshakes[id.Host]++
	f.mu.Unlock()
	f.totalHandshakes.Add(1)

	if err := sleepCtx(ctx, b.DialDelay); err != nil {
		return nil, Wrap(err, "dial "+id.Address())
	}
	if b.DialErr != nil {
		return nil, Wrap(b.DialErr, "dial "+id.Address())
	}

	n := f.live.Add(1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	vendor := VendorGeneric
	if b.Vendor != nil {
		vendor = *b.Vendor
	}
	return &fakeSession{f: f, id: id, vendor: vendor}, nil
}

func (f *FakeDialer) Probe(ctx context.Context, target types.DiscoveryTarget) ProbeResult {
	f.mu.Lock()
	b := f.behavior(target.IP)
	f.probes[target.IP]++
	f.mu.Unlock()

	n := f.inflightProbes.Add(1)
	defer f.inflightProbes.Add(-1)
	for {
		p := f.peakProbes.Load()
		if n <= p || f.peakProbes.CompareAndSwap(p, n) {
			break
		}
	}

	if b.ProbeHang {
		<-ctx.Done()
		return ProbeResult{Outcome: ProbeUnreachable, Err: Wrap(ctx.Err(), "probe "+target.Address())}
	}
	if err := sleepCtx(ctx, b.ProbeDelay); err != nil {
		return ProbeResult{Outcome: ProbeUnreachable, Err: Wrap(err, "probe "+target.Address())}
	}
	switch b.Probe {
	case ProbeAccessible, ProbeAuthRequired:
		return ProbeResult{Outcome: b.Probe, Device: b.ProbeInfo}
	default:
		return ProbeResult{
			Outcome: ProbeUnreachable,
			Err:     types.NewError(types.KindUnreachable, "", "probe "+target.Address(), errors.New("no response")),
		}
	}
}

type fakeSession struct {
	f      *FakeDialer
	id     types.ServerIdentity
	vendor Vendor
	inUse  atomic.Bool
	closed atomic.Bool
}

func (s *fakeSession) Identity() types.ServerIdentity { return s.id }
func (s *fakeSession) Vendor() Vendor                 { return s.vendor }
func (s *fakeSession) Device() types.DeviceInfo       { return types.DeviceInfo{Manufacturer: s.vendor.Name} }

func (s *fakeSession) enter() func() {
	if !s.inUse.CompareAndSwap(false, true) {
		s.f.overlaps.Add(1)
		return func() {}
	}
	return func() { s.inUse.Store(false) }
}

func (s *fakeSession) Control(ctx context.Context, action types.PowerAction) error {
	defer s.enter()()

	s.f.mu.Lock()
	b := s.f.behaviors[s.id.Host]
	var scripted error
	var behavior FakeBehavior
	if b != nil {
		if len(b.ControlErrs) > 0 {
			scripted = b.ControlErrs[0]
			b.ControlErrs = b.ControlErrs[1:]
		} else {
			scripted = b.ControlErr
		}
		behavior = *b
	}
	s.f.controls[s.id.Host] = append(s.f.controls[s.id.Host], action)
	s.f.mu.Unlock()

	if _, err := s.vendor.Command(action); err != nil {
		return err
	}
	if behavior.ControlHang {
		<-ctx.Done()
		return Wrap(ctx.Err(), "chassis control")
	}
	if err := sleepCtx(ctx, behavior.ControlDelay); err != nil {
		return Wrap(err, "chassis control")
	}
	if scripted != nil {
		return Wrap(scripted, "chassis control")
	}

	s.f.mu.Lock()
	if b != nil {
		b.State = action.ExpectedState()
	} else {
		s.f.behaviors[s.id.Host] = &FakeBehavior{State: action.ExpectedState()}
	}
	s.f.mu.Unlock()
	return nil
}

func (s *fakeSession) PowerState(ctx context.Context) (types.PowerState, error) {
	defer s.enter()()

	s.f.mu.Lock()
	b := s.f.behavior(s.id.Host)
	s.f.mu.Unlock()

	if b.ControlHang {
		<-ctx.Done()
		return types.PowerStateUnknown, Wrap(ctx.Err(), "get chassis status")
	}
	if b.ControlErr != nil {
		return types.PowerStateUnknown, Wrap(b.ControlErr, "get chassis status")
	}
	if b.State == "" {
		return types.PowerStateOn, nil
	}
	return b.State, nil
}

func (s *fakeSession) Close(ctx context.Context) error {
	if s.closed.CompareAndSwap(false, true) {
		s.f.live.Add(-1)
		s.f.closed.Add(1)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
