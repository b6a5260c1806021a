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

package recorder

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	logrus "github.com/sirupsen/logrus"

	"CraneBmc/internal/config"
	"CraneBmc/internal/types"
)

var log = logrus.WithField("component", "Recorder")

const (
	maxRetries    = 3
	retryInterval = 5 * time.Second

	defaultActionMeasurement = "BmcPowerActions"
	defaultBatchMeasurement  = "BmcBatches"
	defaultScanMeasurement   = "BmcScans"
)

type InfluxDB struct {
	client            influxdb2.Client
	writeAPI          api.WriteAPI
	actionMeasurement string
	batchMeasurement  string
	scanMeasurement   string
	done              chan struct{}
}

func NewInfluxDB(cfg *config.InfluxDBConfig) (*InfluxDB, error) {
	var client influxdb2.Client
	var err error

	for i := 0; i < maxRetries; i++ {
		client = influxdb2.NewClient(cfg.URL, cfg.Token)
		_, err = client.Ping(context.Background())

		if err == nil {
			break
		}

		log.Warnf("Failed to connect to InfluxDB (attempt %d/%d): %v", i+1, maxRetries, err)
		client.Close()

		if i < maxRetries-1 {
			time.Sleep(retryInterval)
		}
	}

	if err != nil {
		return nil, fmt.Errorf("failed to ping InfluxDB after %d attempts: %v", maxRetries, err)
	}

	db := &InfluxDB{
		client:            client,
		writeAPI:          client.WriteAPI(cfg.Org, cfg.Bucket),
		actionMeasurement: cfg.ActionMeasurement,
		batchMeasurement:  defaultBatchMeasurement,
		scanMeasurement:   cfg.ScanMeasurement,
		done:              make(chan struct{}),
	}
	if db.actionMeasurement == "" {
		db.actionMeasurement = defaultActionMeasurement
	}
	if db.scanMeasurement == "" {
		db.scanMeasurement = defaultScanMeasurement
	}

	go func() {
		for {
			select {
			case err, ok := <-db.writeAPI.Errors():
				if !ok {
					return
				}
				log.Warnf("Failed to write to InfluxDB: %v", err)
			case <-db.done:
				return
			}
		}
	}()

	return db, nil
}

func actionPoint(measurement string, r types.PowerActionResult, ts time.Time) *write.Point {
	return influxdb2.NewPoint(
		measurement,
		map[string]string{
			"server_id": r.ServerID,
			"action":    string(r.Action),
			"kind":      kindTag(r.ErrorKind),
		},
		map[string]interface{}{
			"success":     r.Success,
			"attempts":    r.Attempts,
			"duration_ms": r.Duration.Milliseconds(),
			"message":     r.Message,
		},
		ts,
	)
}

func batchPoint(measurement string, b *types.BatchResult) *write.Point {
	return influxdb2.NewPoint(
		measurement,
		map[string]string{
			"job_id": b.JobID,
			"action": string(b.Action),
		},
		map[string]interface{}{
			"total":       b.Total,
			"success":     b.SuccessCount,
			"failed":      b.FailedCount,
			"duration_ms": b.FinishedAt.Sub(b.StartedAt).Milliseconds(),
		},
		b.FinishedAt,
	)
}

func scanPoint(measurement, rangeSpec string, s *types.ScanResult, ts time.Time) *write.Point {
	return influxdb2.NewPoint(
		measurement,
		map[string]string{
			"range": rangeSpec,
		},
		map[string]interface{}{
			"total_scanned": s.TotalScanned,
			"devices_found": s.DevicesFound,
			"candidates":    s.Candidates,
			"partial":       s.Partial,
			"duration_ms":   s.Duration.Milliseconds(),
		},
		ts,
	)
}

func kindTag(k types.ErrorKind) string {
	if k == types.KindNone {
		return "ok"
	}
	return string(k)
}

func (db *InfluxDB) RecordAction(r types.PowerActionResult) {
	db.writeAPI.WritePoint(actionPoint(db.actionMeasurement, r, time.Now()))
}

// RecordBatch writes a summary point. Members are recorded individually
// by the controller.
func (db *InfluxDB) RecordBatch(b *types.BatchResult) {
	log.Infof("Saving batch summary for job %s", b.JobID)
	db.writeAPI.WritePoint(batchPoint(db.batchMeasurement, b))
}

func (db *InfluxDB) RecordScan(rangeSpec string, s *types.ScanResult) {
	db.writeAPI.WritePoint(scanPoint(db.scanMeasurement, rangeSpec, s, time.Now()))
}

func (db *InfluxDB) Close() {
	db.writeAPI.Flush()
	close(db.done)
	db.client.Close()
}
