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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cbmc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.Pool.Capacity)
	assert.Equal(t, 30*time.Second, cfg.Pool.WaitTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Pool.IdleTimeout)
	assert.Equal(t, "wait", cfg.Pool.BusyPolicy)
	assert.Equal(t, 10*time.Second, cfg.Action.Timeout)
	assert.Equal(t, 2, cfg.Action.Retries)
	assert.Equal(t, 50, cfg.Batch.Concurrency)
	assert.Equal(t, 623, cfg.Discovery.Port)
	assert.Equal(t, 3*time.Second, cfg.Discovery.ProbeTimeout)
	assert.Equal(t, 50, cfg.Discovery.MaxWorkers)
	assert.Equal(t, "file", cfg.Registry.Type)
	assert.Equal(t, "none", cfg.Recorder.Type)
	assert.Equal(t, "@every 1m", cfg.Watch.Schedule)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
Pool:
  Capacity: 20
  BusyPolicy: fail
Action:
  Timeout: 4s
  Retries: 1
Batch:
  Concurrency: 10
  WaveSize: 5
  WaveInterval: 2s
Registry:
  Type: sqlite
  Path: /var/lib/crane/bmc.db
Recorder:
  Type: influxdb
  Influxdb:
    Url: http://influx:8086
    Token: abcdefgh
    Org: crane
    Bucket: bmc
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 20, cfg.Pool.Capacity)
	assert.Equal(t, "fail", cfg.Pool.BusyPolicy)
	assert.Equal(t, 4*time.Second, cfg.Action.Timeout)
	assert.Equal(t, 1, cfg.Action.Retries)
	assert.Equal(t, 10, cfg.Batch.Concurrency)
	assert.Equal(t, 5, cfg.Batch.WaveSize)
	assert.Equal(t, 2*time.Second, cfg.Batch.WaveInterval)
	assert.Equal(t, "sqlite", cfg.Registry.Type)
	require.NotNil(t, cfg.Recorder.InfluxDB)
	assert.Equal(t, "bmc", cfg.Recorder.InfluxDB.Bucket)
	// Untouched sections keep their defaults.
	assert.Equal(t, 623, cfg.Discovery.Port)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("CBMC_POOL_CAPACITY", "8")
	t.Setenv("CBMC_ACTION_RETRIES", "0")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Pool.Capacity)
	assert.Equal(t, 0, cfg.Action.Retries)
	// Concurrency above capacity is clamped.
	assert.Equal(t, 8, cfg.Batch.Concurrency)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"capacity", "Pool:\n  Capacity: 0\n"},
		{"busy policy", "Pool:\n  BusyPolicy: sometimes\n"},
		{"registry type", "Registry:\n  Type: ldap\n"},
		{"recorder type", "Recorder:\n  Type: mongodb\n"},
		{"incomplete influx", "Recorder:\n  Type: influxdb\n  Influxdb:\n    Url: http://x\n"},
		{"discovery port", "Discovery:\n  Port: 70000\n"},
		{"negative retries", "Action:\n  Retries: -1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestMask(t *testing.T) {
	assert.Equal(t, "<empty>", mask(""))
	assert.Equal(t, "****", mask("abc"))
	assert.Equal(t, "abcd...", mask("abcdefgh"))
}
