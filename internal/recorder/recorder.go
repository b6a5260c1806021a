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

// Package recorder exports power action and scan outcomes to an
// external time-series store.
package recorder

import (
	"fmt"
	"sync"

	"CraneBmc/internal/config"
	"CraneBmc/internal/types"
)

type Recorder interface {
	RecordAction(r types.PowerActionResult)
	RecordBatch(b *types.BatchResult)
	RecordScan(rangeSpec string, s *types.ScanResult)
	Close()
}

func New(cfg *config.RecorderConfig) (Recorder, error) {
	switch cfg.Type {
	case "", "none":
		return Nop{}, nil
	case "influxdb":
		if cfg.InfluxDB == nil {
			return nil, fmt.Errorf("influxdb config is nil")
		}
		db, err := NewInfluxDB(cfg.InfluxDB)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported recorder type: %s", cfg.Type)
	}
}

type Nop struct{}

func (Nop) RecordAction(types.PowerActionResult) {}
func (Nop) RecordBatch(*types.BatchResult)       {}
func (Nop) RecordScan(string, *types.ScanResult) {}
func (Nop) Close()                               {}

// Memory keeps everything it is given. Used by tests and dry runs.
type Memory struct {
	mu      sync.Mutex
	actions []types.PowerActionResult
	batches []*types.BatchResult
	scans   []*types.ScanResult
}

func (m *Memory) RecordAction(r types.PowerActionResult) {
	m.mu.Lock()
	m.actions = append(m.actions, r)
	m.mu.Unlock()
}

func (m *Memory) RecordBatch(b *types.BatchResult) {
	m.mu.Lock()
	m.batches = append(m.batches, b)
	m.mu.Unlock()
}

func (m *Memory) RecordScan(_ string, s *types.ScanResult) {
	m.mu.Lock()
	m.scans = append(m.scans, s)
	m.mu.Unlock()
}

func (m *Memory) Close() {}

func (m *Memory) Actions() []types.PowerActionResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.PowerActionResult(nil), m.actions...)
}

func (m *Memory) Batches() []*types.BatchResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*types.BatchResult(nil), m.batches...)
}

func (m *Memory) Scans() []*types.ScanResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*types.ScanResult(nil), m.scans...)
}
