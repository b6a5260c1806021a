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

// Package session is the opaque command/response channel to a BMC.
// A Session is authenticated once at Dial time and then reused for
// power commands until it is closed.
package session

import (
	"context"

	"CraneBmc/internal/types"
)

type Session interface {
	Identity() types.ServerIdentity
	Vendor() Vendor
	Device() types.DeviceInfo

	Control(ctx context.Context, action types.PowerAction) error
	PowerState(ctx context.Context) (types.PowerState, error)

	Close(ctx context.Context) error
}

// Dialer performs the network handshake and authentication for one
// identity. Errors returned by Dial carry a types.ErrorKind.
type Dialer interface {
	Dial(ctx context.Context, id types.ServerIdentity) (Session, error)
}

type ProbeOutcome int

const (
	ProbeUnreachable ProbeOutcome = iota
	ProbeAuthRequired
	ProbeAccessible
)

func (o ProbeOutcome) String() string {
	switch o {
	case ProbeAccessible:
		return "accessible"
	case ProbeAuthRequired:
		return "auth-required"
	default:
		return "unreachable"
	}
}

type ProbeResult struct {
	Outcome ProbeOutcome
	Device  *types.DeviceInfo
	Err     error
}

// Prober runs the lightweight discovery handshake against one address.
// Probe never fails; an unreachable endpoint is reported in the result.
type Prober interface {
	Probe(ctx context.Context, target types.DiscoveryTarget) ProbeResult
}
