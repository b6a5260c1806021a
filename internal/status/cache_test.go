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

package status

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CraneBmc/internal/types"
)

func TestCacheLastWriteWins(t *testing.T) {
	t.Parallel()
	c := NewCache()

	_, ok := c.Get("node01")
	assert.False(t, ok)

	first := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	c.Set("node01", types.Status{PowerState: types.PowerStateOn, LastUpdated: first})
	c.Set("node01", types.Status{PowerState: types.PowerStateOff, LastUpdated: first.Add(time.Minute)})

	s, ok := c.Get("node01")
	require.True(t, ok)
	assert.Equal(t, "node01", s.ServerID)
	assert.Equal(t, types.PowerStateOff, s.PowerState)
	assert.Equal(t, first.Add(time.Minute), s.LastUpdated)
}

func TestCacheStampsMissingTime(t *testing.T) {
	t.Parallel()
	c := NewCache()
	fixed := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	c.Set("node01", types.Status{PowerState: types.PowerStateOn})
	s, _ := c.Get("node01")
	assert.Equal(t, fixed, s.LastUpdated)

	s = c.SetPowerState("node02", types.PowerStateOff)
	assert.Equal(t, fixed, s.LastUpdated)
	assert.Equal(t, 2, c.Len())
}

func TestSnapshotSorted(t *testing.T) {
	t.Parallel()
	c := NewCache()
	for _, id := range []string{"node03", "node01", "node02"} {
		c.SetPowerState(id, types.PowerStateOn)
	}
	var ids []string
	for _, s := range c.Snapshot() {
		ids = append(ids, s.ServerID)
	}
	assert.Equal(t, []string{"node01", "node02", "node03"}, ids)
}

func TestCacheConcurrentAccess(t *testing.T) {
	t.Parallel()
	c := NewCache()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("node%02d", i%4)
			c.SetPowerState(id, types.PowerStateOn)
			c.Get(id)
			c.Snapshot()
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 4, c.Len())
}
