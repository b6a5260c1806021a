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

// Package status keeps the last known power state of each server.
// Entries are overwritten on every update and never expire.
package status

import (
	"sort"
	"sync"
	"time"

	"CraneBmc/internal/types"
)

type Cache struct {
	mu      sync.RWMutex
	entries map[string]types.Status
	now     func() time.Time
}

func NewCache() *Cache {
	return &Cache{entries: make(map[string]types.Status), now: time.Now}
}

func (c *Cache) Get(serverID string) (types.Status, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.entries[serverID]
	return s, ok
}

// Set stores s under serverID. A zero LastUpdated is stamped with the
// current time.
func (c *Cache) Set(serverID string, s types.Status) {
	s.ServerID = serverID
	if s.LastUpdated.IsZero() {
		s.LastUpdated = c.now()
	}
	c.mu.Lock()
	c.entries[serverID] = s
	c.mu.Unlock()
}

func (c *Cache) SetPowerState(serverID string, state types.PowerState) types.Status {
	s := types.Status{ServerID: serverID, PowerState: state, LastUpdated: c.now()}
	c.Set(serverID, s)
	return s
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Snapshot returns every entry ordered by server id.
func (c *Cache) Snapshot() []types.Status {
	c.mu.RLock()
	out := make([]types.Status, 0, len(c.entries))
	for _, s := range c.entries {
		out = append(out, s)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out
}
