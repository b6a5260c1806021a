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

package cbmc

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	logrus "github.com/sirupsen/logrus"

	"CraneBmc/internal/discovery"
	"CraneBmc/internal/types"
	"CraneBmc/internal/util"
)

var log = logrus.WithField("component", "Cbmc")

// Power applies action to every server in nodeList. A single server is
// driven directly; more go through the batch orchestrator.
func (a *App) Power(ctx context.Context, nodeList string, actionStr string) util.CraneCmdError {
	action, err := types.ParsePowerAction(actionStr)
	if err != nil {
		log.Errorf("%v", err)
		return util.ErrorCmdArg
	}
	ids, err := util.ParseHostList(nodeList)
	if err != nil || len(ids) == 0 {
		log.Errorf("Invalid node list %q: %v", nodeList, err)
		return util.ErrorCmdArg
	}

	if len(ids) == 1 {
		res := a.Controller.PerformAction(ctx, ids[0], action)
		if FlagJson {
			a.printJSON(res)
		} else {
			a.printResults([]types.PowerActionResult{res})
		}
		if !res.Success {
			return util.ErrorExecuteFailed
		}
		return util.ErrorSuccess
	}

	job, err := a.Orchestrator.ExecuteBatch(ctx, ids, action)
	if err != nil {
		log.Errorf("Batch failed: %v", err)
		return util.ErrorCmdArg
	}

	if FlagJson {
		a.printJSON(job)
	} else {
		a.printResults(job.Sorted())
		fmt.Fprintf(a.Out, "Job %s: %d total, %d succeeded, %d failed in %v.\n",
			job.JobID, job.Total, job.SuccessCount, job.FailedCount,
			job.FinishedAt.Sub(job.StartedAt).Round(time.Millisecond))
	}
	if job.FailedCount > 0 {
		return util.ErrorPartialFailure
	}
	return util.ErrorSuccess
}

// Status queries the power state of nodeList, or of every registered
// server when nodeList is empty.
func (a *App) Status(ctx context.Context, nodeList string) util.CraneCmdError {
	ids, err := a.resolveIDs(ctx, nodeList)
	if err != nil {
		log.Errorf("%v", err)
		return util.ErrorCmdArg
	}

	failed := a.refresh(ctx, ids)

	statuses := make([]types.Status, 0, len(ids))
	for _, id := range ids {
		s, ok := a.Cache.Get(id)
		if !ok {
			s = types.Status{ServerID: id, PowerState: types.PowerStateUnknown}
		}
		statuses = append(statuses, s)
	}

	if FlagJson {
		a.printJSON(statuses)
	} else {
		a.printStatuses(statuses, failed)
	}
	if len(failed) > 0 {
		return util.ErrorPartialFailure
	}
	return util.ErrorSuccess
}

// Scan probes rangeSpec for BMCs.
func (a *App) Scan(ctx context.Context, req discovery.Request) util.CraneCmdError {
	res, err := a.Scanner.Scan(ctx, req)
	if err != nil {
		log.Errorf("Scan of %q failed: %v", req.Range, err)
		return util.ErrorCmdArg
	}

	if FlagJson {
		a.printJSON(res)
	} else {
		a.printScan(res)
	}
	if res.Partial {
		return util.ErrorScanPartial
	}
	return util.ErrorSuccess
}

func (a *App) resolveIDs(ctx context.Context, nodeList string) ([]string, error) {
	if nodeList != "" {
		ids, err := util.ParseHostList(nodeList)
		if err != nil {
			return nil, fmt.Errorf("invalid node list: %w", err)
		}
		return ids, nil
	}

	records, err := a.Registry.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ID)
	}
	return ids, nil
}

// refresh queries every id with at most pool capacity requests in flight
// and returns the failures by id.
func (a *App) refresh(ctx context.Context, ids []string) map[string]error {
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		failed = make(map[string]error)
		sem    = make(chan struct{}, a.Orchestrator.Concurrency())
	)
	for _, id := range ids {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			mu.Lock()
			failed[id] = types.NewError(types.KindCancelled, id, "query power state", ctx.Err())
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			if _, err := a.Controller.QueryPowerState(ctx, id); err != nil {
				log.Debugf("Status query for %s failed: %v", id, err)
				mu.Lock()
				failed[id] = err
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()
	return failed
}

func (a *App) printJSON(v any) {
	enc := json.NewEncoder(a.Out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Errorf("Failed to encode output: %v", err)
	}
}

func (a *App) printResults(results []types.PowerActionResult) {
	header := []string{"Server", "Action", "Result", "Attempts", "Duration", "Message"}
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		outcome := "ok"
		if !r.Success {
			outcome = string(r.ErrorKind)
		}
		rows = append(rows, []string{
			r.ServerID,
			string(r.Action),
			outcome,
			strconv.Itoa(r.Attempts),
			r.Duration.Round(time.Millisecond).String(),
			r.Message,
		})
	}
	util.TrimTableExcept(rows, 0, 5)
	util.RenderTable(a.Out, header, rows, false)
}

func (a *App) printStatuses(statuses []types.Status, failed map[string]error) {
	header := []string{"Server", "Power", "Updated", "Error"}
	rows := make([][]string, 0, len(statuses))
	for _, s := range statuses {
		updated := "-"
		if !s.LastUpdated.IsZero() {
			updated = s.LastUpdated.Local().Format(time.DateTime)
		}
		reason := ""
		if err, ok := failed[s.ServerID]; ok {
			reason = string(types.KindOf(err))
		}
		rows = append(rows, []string{s.ServerID, string(s.PowerState), updated, reason})
	}
	util.RenderTable(a.Out, header, rows, false)
}

func (a *App) printScan(res *types.ScanResult) {
	header := []string{"Address", "Access", "Manufacturer", "Firmware", "IPMI", "Server"}
	rows := make([][]string, 0, len(res.Devices))
	for _, d := range res.Devices {
		access := "open"
		if d.AuthRequired {
			access = "auth"
		}
		var vendor, firmware, version string
		if d.DeviceInfo != nil {
			vendor = d.DeviceInfo.Manufacturer
			firmware = d.DeviceInfo.FirmwareVersion
			version = d.DeviceInfo.IPMIVersion
		}
		server := "-"
		if d.Registered {
			server = d.ServerID
		}
		rows = append(rows, []string{
			fmt.Sprintf("%s:%d", d.IP, d.Port), access, vendor, firmware, version, server,
		})
	}
	util.RenderTable(a.Out, header, rows, false)

	fmt.Fprintf(a.Out, "Scanned %d of %d candidates, found %d devices in %v.",
		res.TotalScanned, res.Candidates, res.DevicesFound, res.Duration.Round(time.Millisecond))
	if res.Partial {
		fmt.Fprint(a.Out, " Scan stopped early; results are partial.")
	}
	fmt.Fprintln(a.Out)
}
