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
	"fmt"

	"CraneBmc/internal/types"
)

// IANA enterprise numbers reported in Get Device ID.
const (
	EnterpriseIBM        uint32 = 2
	EnterpriseHPE        uint32 = 11
	EnterpriseDell       uint32 = 674
	EnterpriseSupermicro uint32 = 10876
	EnterpriseLenovo     uint32 = 19046
)

type ChassisCommand int

const (
	CmdPowerOn ChassisCommand = iota
	CmdPowerOff
	CmdSoftOff
	CmdPowerCycle
	CmdHardReset
)

func (c ChassisCommand) String() string {
	switch c {
	case CmdPowerOn:
		return "power-on"
	case CmdPowerOff:
		return "power-off"
	case CmdSoftOff:
		return "soft-off"
	case CmdPowerCycle:
		return "power-cycle"
	case CmdHardReset:
		return "hard-reset"
	}
	return "unknown"
}

// Vendor captures the chassis-control quirks of a BMC family. It is
// resolved once when the session is established.
type Vendor struct {
	Name string
	// SoftOff means "off" is delivered as an ACPI soft shutdown.
	SoftOff bool
	// CycleOnRestart means "restart" is a power cycle rather than a reset.
	CycleOnRestart bool
}

var (
	VendorGeneric    = Vendor{Name: "generic", SoftOff: true, CycleOnRestart: true}
	VendorIBM        = Vendor{Name: "ibm", SoftOff: true, CycleOnRestart: true}
	VendorHPE        = Vendor{Name: "hpe", SoftOff: true, CycleOnRestart: false}
	VendorDell       = Vendor{Name: "dell", SoftOff: true, CycleOnRestart: true}
	VendorSupermicro = Vendor{Name: "supermicro", SoftOff: false, CycleOnRestart: true}
	VendorLenovo     = Vendor{Name: "lenovo", SoftOff: true, CycleOnRestart: true}
)

func VendorFor(manufacturerID uint32) Vendor {
	switch manufacturerID {
	case EnterpriseIBM:
		return VendorIBM
	case EnterpriseHPE:
		return VendorHPE
	case EnterpriseDell:
		return VendorDell
	case EnterpriseSupermicro:
		return VendorSupermicro
	case EnterpriseLenovo:
		return VendorLenovo
	default:
		return VendorGeneric
	}
}

// Command maps a power action onto the chassis control this vendor
// expects for it.
func (v Vendor) Command(action types.PowerAction) (ChassisCommand, error) {
	switch action {
	case types.ActionOn:
		return CmdPowerOn, nil
	case types.ActionOff:
		if v.SoftOff {
			return CmdSoftOff, nil
		}
		return CmdPowerOff, nil
	case types.ActionRestart:
		if v.CycleOnRestart {
			return CmdPowerCycle, nil
		}
		return CmdHardReset, nil
	case types.ActionForceOff:
		return CmdPowerOff, nil
	case types.ActionForceRestart:
		return CmdHardReset, nil
	}
	return 0, types.NewError(types.KindInvalidAction, "", "map action",
		fmt.Errorf("unsupported power action %q", action))
}
