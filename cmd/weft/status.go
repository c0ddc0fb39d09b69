// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Weft Contributors

package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/weft-dev/weft/internal/config"
	"github.com/weft-dev/weft/internal/resource"
	"github.com/weft-dev/weft/internal/server"
	wefterr "github.com/weft-dev/weft/pkg/errors"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show gateway health and resource status",
		Long:  "Query the running gateway's status API and display per-provider health, circuit states, and resource utilization.",
		RunE:  runStatus,
	}

	cmd.Flags().String("address", config.DefaultListen, "gateway status address to query")

	return cmd
}

func runStatus(cmd *cobra.Command, _ []string) error {
	addr, _ := cmd.Flags().GetString("address")
	out := cmd.OutOrStdout()

	gw := newGatewayClient(addr)

	var report server.StatusReport
	if err := gw.getJSON("/v1/health", &report); err != nil {
		if wefterr.HasCode(err, wefterr.CodeCLIGatewayNotRunning) {
			_, _ = fmt.Fprintf(out, "Gateway at %s is not running (connection refused)\n", addr)
			return nil
		}
		return err
	}

	_, _ = fmt.Fprintf(out, "Gateway at %s\n\n", addr)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "PROVIDER\tSTATUS\tCIRCUIT\tSUCCESS\tAVG LATENCY\tTREND")
	for _, p := range report.Providers {
		circuit := "-"
		if p.Circuit != nil {
			circuit = p.Circuit.State
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%.0f%%\t%s\t%s\n",
			p.Name, p.Status, circuit, p.SuccessRate*100, p.AvgResponseTime, p.Trend)
	}
	_ = tw.Flush()

	if len(report.RecentAlerts) > 0 {
		_, _ = fmt.Fprintf(out, "\nAlerts (last 24h):\n")
		for _, a := range report.RecentAlerts {
			_, _ = fmt.Fprintf(out, "  [%s] %s %s: %s\n", a.Severity, a.Provider, a.Type, a.Message)
		}
	}

	var res resource.Status
	if err := gw.getJSON("/v1/resources", &res); err == nil {
		_, _ = fmt.Fprintf(out, "\nResources: memory %.0f%%, cpu %.0f%%, concurrency %d/%d, in-flight %d\n",
			res.Memory*100, res.CPU*100, res.Concurrency, res.MaxConcurrency, res.InFlight)
	}

	return nil
}
