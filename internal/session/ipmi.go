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
	"fmt"

	"github.com/gebn/bmc"
	"github.com/gebn/bmc/pkg/ipmi"
	logrus "github.com/sirupsen/logrus"

	"CraneBmc/internal/types"
)

var log = logrus.WithField("component", "Session")

// IPMIDialer opens IPMI-over-LAN (RMCP+) sessions.
type IPMIDialer struct {
	Privilege ipmi.PrivilegeLevel
}

func NewIPMIDialer() *IPMIDialer {
	return &IPMIDialer{Privilege: ipmi.PrivilegeLevelOperator}
}

func (d *IPMIDialer) Dial(ctx context.Context, id types.ServerIdentity) (Session, error) {
	machine, err := bmc.Dial(ctx, id.Address())
	if err != nil {
		return nil, Wrap(err, "dial "+id.Address())
	}

	sess, err := machine.NewSession(ctx, &bmc.SessionOpts{
		Username:          id.Username,
		Password:          []byte(id.Secret),
		MaxPrivilegeLevel: d.Privilege,
	})
	if err != nil {
		machine.Close()
		return nil, Wrap(err, "open session to "+id.Address())
	}

	rsp, err := sess.GetDeviceID(ctx)
	if err != nil {
		_ = sess.Close(ctx)
		machine.Close()
		return nil, Wrap(err, "get device id from "+id.Address())
	}

	device := deviceInfo(rsp, machine.Version())
	vendor := VendorFor(device.ManufacturerID)
	log.Debugf("Session established to %s (vendor %s, IPMI v%s)", id, vendor.Name, device.IPMIVersion)

	return &ipmiSession{
		id:      id,
		machine: machine,
		sess:    sess,
		vendor:  vendor,
		device:  device,
	}, nil
}

func deviceInfo(rsp *ipmi.GetDeviceIDRsp, version string) types.DeviceInfo {
	return types.DeviceInfo{
		Manufacturer:    fmt.Sprint(rsp.Manufacturer),
		ManufacturerID:  uint32(rsp.Manufacturer),
		ProductID:       rsp.Product,
		FirmwareVersion: fmt.Sprintf("%d.%02d", rsp.MajorFirmwareRevision, rsp.MinorFirmwareRevision),
		IPMIVersion:     version,
	}
}

type ipmiSession struct {
	id      types.ServerIdentity
	machine bmc.SessionlessTransport
	sess    bmc.Session
	vendor  Vendor
	device  types.DeviceInfo
}

func (s *ipmiSession) Identity() types.ServerIdentity { return s.id }
func (s *ipmiSession) Vendor() Vendor                 { return s.vendor }
func (s *ipmiSession) Device() types.DeviceInfo       { return s.device }

func (s *ipmiSession) Control(ctx context.Context, action types.PowerAction) error {
	cmd, err := s.vendor.Command(action)
	if err != nil {
		return err
	}

	var ctl ipmi.ChassisControl
	switch cmd {
	case CmdPowerOn:
		ctl = ipmi.ChassisControlPowerOn
	case CmdPowerOff:
		ctl = ipmi.ChassisControlPowerOff
	case CmdSoftOff:
		ctl = ipmi.ChassisControlSoftPowerOff
	case CmdPowerCycle:
		ctl = ipmi.ChassisControlPowerCycle
	case CmdHardReset:
		ctl = ipmi.ChassisControlHardReset
	}

	if err := s.sess.ChassisControl(ctx, ctl); err != nil {
		return Wrap(err, "chassis control "+cmd.String())
	}
	return nil
}

func (s *ipmiSession) PowerState(ctx context.Context) (types.PowerState, error) {
	rsp, err := s.sess.GetChassisStatus(ctx)
	if err != nil {
		return types.PowerStateUnknown, Wrap(err, "get chassis status")
	}
	if rsp.PoweredOn {
		return types.PowerStateOn, nil
	}
	return types.PowerStateOff, nil
}

func (s *ipmiSession) Close(ctx context.Context) error {
	err := s.sess.Close(ctx)
	if cerr := s.machine.Close(); err == nil {
		err = cerr
	}
	return err
}

// IPMIProber checks whether an address answers as a BMC. With
// credentials it also opens a session to read the device identity.
type IPMIProber struct {
	Username  string
	Password  string
	Privilege ipmi.PrivilegeLevel
}

func NewIPMIProber(username, password string) *IPMIProber {
	return &IPMIProber{Username: username, Password: password, Privilege: ipmi.PrivilegeLevelUser}
}

func (p *IPMIProber) Probe(ctx context.Context, target types.DiscoveryTarget) ProbeResult {
	machine, err := bmc.Dial(ctx, target.Address())
	if err != nil {
		return ProbeResult{Outcome: ProbeUnreachable, Err: Wrap(err, "dial "+target.Address())}
	}
	defer machine.Close()

	version := machine.Version()
	if p.Username == "" {
		return ProbeResult{
			Outcome: ProbeAuthRequired,
			Device:  &types.DeviceInfo{IPMIVersion: version},
		}
	}

	sess, err := machine.NewSession(ctx, &bmc.SessionOpts{
		Username:          p.Username,
		Password:          []byte(p.Password),
		MaxPrivilegeLevel: p.Privilege,
	})
	if err != nil {
		err = Wrap(err, "open session to "+target.Address())
		if types.KindOf(err) == types.KindAuthFailure {
			return ProbeResult{
				Outcome: ProbeAuthRequired,
				Device:  &types.DeviceInfo{IPMIVersion: version},
				Err:     err,
			}
		}
		return ProbeResult{Outcome: ProbeUnreachable, Err: err}
	}
	defer sess.Close(ctx)

	rsp, err := sess.GetDeviceID(ctx)
	if err != nil {
		return ProbeResult{
			Outcome: ProbeAccessible,
			Device:  &types.DeviceInfo{IPMIVersion: version},
			Err:     Wrap(err, "get device id"),
		}
	}
	device := deviceInfo(rsp, version)
	return ProbeResult{Outcome: ProbeAccessible, Device: &device}
}
