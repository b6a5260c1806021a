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

package types

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"
)

const DefaultIPMIPort = 623

// ServerIdentity is everything needed to open a session to one BMC.
// It is supplied by the registry and never modified by this module.
type ServerIdentity struct {
	Host     string
	Port     int
	Username string
	Secret   string
}

// Key identifies the pooled session slot for this identity.
// Two identities with the same key share one handle.
func (id ServerIdentity) Key() string {
	return id.Username + "@" + id.Address()
}

func (id ServerIdentity) Address() string {
	port := id.Port
	if port <= 0 {
		port = DefaultIPMIPort
	}
	return net.JoinHostPort(id.Host, strconv.Itoa(port))
}

// String never includes the secret.
func (id ServerIdentity) String() string {
	return id.Key()
}

type ServerRecord struct {
	ID       string
	Name     string
	Identity ServerIdentity
}

type PowerAction string

const (
	ActionOn           PowerAction = "on"
	ActionOff          PowerAction = "off"
	ActionRestart      PowerAction = "restart"
	ActionForceOff     PowerAction = "force_off"
	ActionForceRestart PowerAction = "force_restart"
)

var AllPowerActions = []PowerAction{
	ActionOn, ActionOff, ActionRestart, ActionForceOff, ActionForceRestart,
}

func (a PowerAction) Valid() bool {
	switch a {
	case ActionOn, ActionOff, ActionRestart, ActionForceOff, ActionForceRestart:
		return true
	}
	return false
}

// ExpectedState is the power state a device should report after
// successfully acknowledging the action.
func (a PowerAction) ExpectedState() PowerState {
	switch a {
	case ActionOff, ActionForceOff:
		return PowerStateOff
	case ActionOn, ActionRestart, ActionForceRestart:
		return PowerStateOn
	}
	return PowerStateUnknown
}

func ParsePowerAction(s string) (PowerAction, error) {
	a := PowerAction(strings.ToLower(strings.TrimSpace(strings.ReplaceAll(s, "-", "_"))))
	if !a.Valid() {
		return "", NewError(KindInvalidAction, "", "parse action",
			fmt.Errorf("unknown power action %q", s))
	}
	return a, nil
}

type PowerState string

const (
	PowerStateOn      PowerState = "on"
	PowerStateOff     PowerState = "off"
	PowerStateUnknown PowerState = "unknown"
)

type PowerActionResult struct {
	ServerID  string        `json:"server_id"`
	Action    PowerAction   `json:"action"`
	Success   bool          `json:"success"`
	Message   string        `json:"message"`
	ErrorKind ErrorKind     `json:"error_kind,omitempty"`
	Attempts  int           `json:"attempts"`
	Duration  time.Duration `json:"duration"`

	err error
}

func SuccessResult(serverID string, action PowerAction, msg string) PowerActionResult {
	return PowerActionResult{ServerID: serverID, Action: action, Success: true, Message: msg}
}

// FailedResult builds a failed result from err. Errors that carry no
// kind are reported as KindInternal.
func FailedResult(serverID string, action PowerAction, err error) PowerActionResult {
	kind := KindOf(err)
	if kind == KindNone {
		kind = KindInternal
	}
	return PowerActionResult{
		ServerID:  serverID,
		Action:    action,
		Success:   false,
		Message:   err.Error(),
		ErrorKind: kind,
		err:       err,
	}
}

// Err returns the typed failure, or nil on success.
func (r PowerActionResult) Err() error {
	if r.Success {
		return nil
	}
	if r.err != nil {
		return r.err
	}
	return NewError(r.ErrorKind, r.ServerID, string(r.Action), fmt.Errorf("%s", r.Message))
}

type BatchResult struct {
	JobID        string                       `json:"job_id"`
	Action       PowerAction                  `json:"action"`
	Total        int                          `json:"total"`
	SuccessCount int                          `json:"success_count"`
	FailedCount  int                          `json:"failed_count"`
	Results      map[string]PowerActionResult `json:"results"`
	StartedAt    time.Time                    `json:"started_at"`
	FinishedAt   time.Time                    `json:"finished_at"`
}

// Sorted returns the per-server results ordered by server id.
func (b *BatchResult) Sorted() []PowerActionResult {
	out := make([]PowerActionResult, 0, len(b.Results))
	for _, r := range b.Results {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out
}

type Status struct {
	ServerID    string     `json:"server_id"`
	PowerState  PowerState `json:"power_state"`
	LastUpdated time.Time  `json:"last_updated"`
}

type DiscoveryTarget struct {
	IP   string
	Port int
}

func (t DiscoveryTarget) Address() string {
	return net.JoinHostPort(t.IP, strconv.Itoa(t.Port))
}

type DeviceInfo struct {
	Manufacturer    string `json:"manufacturer,omitempty"`
	ManufacturerID  uint32 `json:"manufacturer_id,omitempty"`
	ProductID       uint16 `json:"product_id,omitempty"`
	FirmwareVersion string `json:"firmware_version,omitempty"`
	IPMIVersion     string `json:"ipmi_version,omitempty"`
}

type DiscoveryResult struct {
	IP           string      `json:"ip"`
	Port         int         `json:"port"`
	Accessible   bool        `json:"accessible"`
	AuthRequired bool        `json:"auth_required"`
	DeviceInfo   *DeviceInfo `json:"device_info,omitempty"`
	Registered   bool        `json:"registered"`
	ServerID     string      `json:"server_id,omitempty"`
	Message      string      `json:"message,omitempty"`
}

type ScanResult struct {
	TotalScanned int               `json:"total_scanned"`
	DevicesFound int               `json:"devices_found"`
	Devices      []DiscoveryResult `json:"devices"`
	Candidates   int               `json:"candidates"`
	Partial      bool              `json:"partial"`
	Duration     time.Duration     `json:"duration"`
}
