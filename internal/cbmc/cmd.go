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
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"CraneBmc/internal/config"
	"CraneBmc/internal/discovery"
	"CraneBmc/internal/util"
)

var (
	FlagConfigFilePath string
	FlagDebugLevel     string
	FlagJson           bool

	FlagScanPort           int
	FlagScanTimeout        string
	FlagScanWorkers        int
	FlagScanOverallTimeout string

	gConfig *config.Config

	RootCmd = &cobra.Command{
		Use:           "cbmc",
		Short:         "Power control and discovery for BMC-managed servers",
		Long:          "",
		Version:       util.Version(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			var err error
			gConfig, err = config.Load(FlagConfigFilePath)
			if err != nil {
				util.InitLogger("info")
				log.Errorf("Failed to load config: %v", err)
				os.Exit(util.ErrorCmdArg)
			}

			if cmd.Flags().Changed("debug-level") {
				util.InitLogger(FlagDebugLevel)
			} else {
				util.InitLogger(gConfig.Log.Level)
			}
			if _, err := util.SetLogFile(gConfig.Log.File, gConfig.Log.MaxSizeMB, gConfig.Log.MaxBackups); err != nil {
				log.Warnf("Logging to stderr only: %v", err)
			}
		},
	}

	powerCmd = &cobra.Command{
		Use:   "power <node-list> <on|off|restart|force_off|force_restart>",
		Short: "Change the power state of one or more servers",
		Long: `Change the power state of one or more servers.
The node list accepts bracket ranges, e.g. node[01-16],gpu[1-4].
A list with more than one server runs as a batch; Ctrl-C stops
dispatching and reports the remaining servers as cancelled.`,
		Args: cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT)
			code := runWithApp(func(app *App) util.CraneCmdError {
				return app.Power(ctx, args[0], args[1])
			})
			stop()
			os.Exit(code)
		},
	}

	statusCmd = &cobra.Command{
		Use:   "status [node-list]",
		Short: "Query the power state of servers",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			nodeList := ""
			if len(args) > 0 {
				nodeList = args[0]
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT)
			code := runWithApp(func(app *App) util.CraneCmdError {
				return app.Status(ctx, nodeList)
			})
			stop()
			os.Exit(code)
		},
	}

	scanCmd = &cobra.Command{
		Use:   "scan <range>",
		Short: "Discover BMCs in an address range",
		Long: `Discover BMCs in an address range.
The range is a comma separated list of single addresses, CIDR blocks
(10.0.0.0/24) or dash ranges (10.0.0.1-10.0.0.50, 10.0.0.1-50).`,
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			req, err := scanRequest(args[0])
			if err != nil {
				log.Errorf("%v", err)
				os.Exit(util.ErrorCmdArg)
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT)
			code := runWithApp(func(app *App) util.CraneCmdError {
				return app.Scan(ctx, req)
			})
			stop()
			os.Exit(code)
		},
	}

	watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Refresh server power states periodically and export metrics",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			if FlagDebugLevel == "trace" || gConfig.Log.Level == "trace" {
				config.Print(gConfig)
			}
			code := runWithApp(func(app *App) util.CraneCmdError {
				code := app.Watch(ctx)
				log.Info("Watch stopped, closing sessions...")
				return code
			})
			stop()
			os.Exit(code)
		},
	}
)

func scanRequest(rangeSpec string) (discovery.Request, error) {
	req := discovery.Request{
		Range:      rangeSpec,
		Port:       FlagScanPort,
		MaxWorkers: FlagScanWorkers,
	}
	var err error
	if FlagScanTimeout != "" {
		if req.ProbeTimeout, err = parsePositiveDuration("timeout", FlagScanTimeout); err != nil {
			return req, err
		}
	}
	if FlagScanOverallTimeout != "" {
		if req.OverallTimeout, err = parsePositiveDuration("overall-timeout", FlagScanOverallTimeout); err != nil {
			return req, err
		}
	}
	return req, nil
}

func runWithApp(fn func(app *App) util.CraneCmdError) util.CraneCmdError {
	app, err := NewApp(gConfig)
	if err != nil {
		log.Errorf("%v", err)
		return util.ErrorBackend
	}
	defer app.Close()
	return fn(app)
}

func ParseCmdArgs() {
	if err := RootCmd.Execute(); err != nil {
		log.Errorf("%v", err)
		os.Exit(util.ErrorCmdArg)
	}
}

func init() {
	RootCmd.SetVersionTemplate(util.VersionTemplate())
	RootCmd.PersistentFlags().StringVarP(&FlagConfigFilePath, "config", "C",
		config.DefaultConfigPath, "Path to configuration file")
	RootCmd.PersistentFlags().StringVarP(&FlagDebugLevel, "debug-level", "", "",
		"Available debug level (trace, debug, info, warn, error)")
	RootCmd.PersistentFlags().BoolVar(&FlagJson, "json", false, "Output in JSON format")

	scanCmd.Flags().IntVarP(&FlagScanPort, "port", "p", 0,
		"RMCP port to probe (default from config, usually 623)")
	scanCmd.Flags().StringVarP(&FlagScanTimeout, "timeout", "t", "",
		"Per-address probe timeout, e.g. 3s")
	scanCmd.Flags().IntVarP(&FlagScanWorkers, "workers", "w", 0,
		"Maximum probes in flight")
	scanCmd.Flags().StringVar(&FlagScanOverallTimeout, "overall-timeout", "",
		"Deadline for the whole scan, e.g. 5m")

	RootCmd.AddCommand(powerCmd, statusCmd, scanCmd, watchCmd)
}
