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

package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CraneBmc/internal/pool"
	"CraneBmc/internal/session"
	"CraneBmc/internal/types"
)

func TestPoolCollector(t *testing.T) {
	t.Parallel()
	p := pool.New(session.NewFakeDialer(), pool.Options{Capacity: 4})
	h, err := p.Acquire(context.Background(), types.ServerIdentity{Host: "10.0.0.1", Username: "admin"}, time.Second)
	require.NoError(t, err)
	defer p.Release(h)

	c := NewPoolCollector(p)
	assert.Equal(t, 10, testutil.CollectAndCount(c))

	expected := `
# HELP cbmc_pool_lent_sessions Sessions currently lent to a caller.
# TYPE cbmc_pool_lent_sessions gauge
cbmc_pool_lent_sessions 1
# HELP cbmc_pool_capacity Maximum number of live BMC sessions.
# TYPE cbmc_pool_capacity gauge
cbmc_pool_capacity 4
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"cbmc_pool_lent_sessions", "cbmc_pool_capacity"))
}

func TestActionCounter(t *testing.T) {
	t.Parallel()
	a := NewActionCounter()
	a.Observe(types.SuccessResult("a", types.ActionOff, "ok"))
	a.Observe(types.SuccessResult("b", types.ActionOff, "ok"))
	a.Observe(types.PowerActionResult{ServerID: "c", Action: types.ActionOff, ErrorKind: types.KindAuthFailure})

	assert.Equal(t, 2.0, testutil.ToFloat64(a.total.WithLabelValues("off", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.total.WithLabelValues("off", "AuthFailure")))

	var nilCounter *ActionCounter
	nilCounter.Observe(types.SuccessResult("a", types.ActionOn, "ok"))
}

func TestRegistryHandler(t *testing.T) {
	t.Parallel()
	p := pool.New(session.NewFakeDialer(), pool.Options{Capacity: 7})
	r := NewRegistry(p)
	r.SetPowerStates([]types.Status{
		{ServerID: "a", PowerState: types.PowerStateOn},
		{ServerID: "b", PowerState: types.PowerStateOn},
		{ServerID: "c", PowerState: types.PowerStateOff},
	})
	assert.Equal(t, 2.0, testutil.ToFloat64(r.Servers.WithLabelValues("on")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.Servers.WithLabelValues("unknown")))

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "cbmc_pool_capacity 7")
	assert.Contains(t, string(body), `cbmc_servers{state="off"} 1`)
}
