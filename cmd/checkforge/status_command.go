package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"checkforge/internal/ipc"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon and pipeline status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Status()
				if err != nil {
					return err
				}
				renderStatus(cmd, resp)
				return nil
			})
		},
	}
}

func renderStatus(cmd *cobra.Command, resp *ipc.StatusResponse) {
	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)

	for _, line := range renderSectionHeader("Daemon", colorize) {
		fmt.Fprintln(out, line)
	}
	runningKind := statusError
	runningMsg := "not running"
	if resp.Running {
		runningKind = statusOK
		runningMsg = fmt.Sprintf("pid %d", resp.PID)
	}
	fmt.Fprintln(out, renderStatusLine("Daemon", runningKind, runningMsg, colorize))
	fmt.Fprintln(out, renderStatusLine("Checkpoint DB", statusInfo, resp.StoreDBPath, colorize))
	fmt.Fprintln(out, renderStatusLine("Lock file", statusInfo, resp.LockPath, colorize))

	fmt.Fprintln(out)
	for _, line := range renderSectionHeader("Items", colorize) {
		fmt.Fprintln(out, line)
	}
	statuses := make([]string, 0, len(resp.ItemCounts))
	for status := range resp.ItemCounts {
		statuses = append(statuses, status)
	}
	sort.Strings(statuses)
	for _, status := range statuses {
		kind := statusInfo
		if status == "failed" && resp.ItemCounts[status] > 0 {
			kind = statusWarn
		}
		fmt.Fprintln(out, renderStatusLine(status, kind, fmt.Sprintf("%d", resp.ItemCounts[status]), colorize))
	}

	if len(resp.StageHealth) == 0 {
		return
	}
	fmt.Fprintln(out)
	for _, line := range renderSectionHeader("Stages", colorize) {
		fmt.Fprintln(out, line)
	}
	for _, health := range resp.StageHealth {
		kind := statusOK
		if !health.Ready {
			kind = statusWarn
		}
		fmt.Fprintln(out, renderStatusLine(health.Name, kind, health.Detail, colorize))
	}
}

func newHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show checkpoint store diagnostics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Health()
				if err != nil {
					return err
				}
				renderHealth(cmd, resp)
				return nil
			})
		},
	}
}

func renderHealth(cmd *cobra.Command, resp *ipc.HealthResponse) {
	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)

	for _, line := range renderSectionHeader("Checkpoint store", colorize) {
		fmt.Fprintln(out, line)
	}
	fmt.Fprintln(out, renderStatusLine("Database", statusInfo, resp.DBPath, colorize))
	fmt.Fprintln(out, renderStatusLine("Exists", boolKind(resp.DatabaseExists), yesNo(resp.DatabaseExists), colorize))
	fmt.Fprintln(out, renderStatusLine("Readable", boolKind(resp.DatabaseReadable), yesNo(resp.DatabaseReadable), colorize))
	fmt.Fprintln(out, renderStatusLine("Schema version", statusInfo, resp.SchemaVersion, colorize))
	fmt.Fprintln(out, renderStatusLine("Integrity check", boolKind(resp.IntegrityCheck), yesNo(resp.IntegrityCheck), colorize))
	fmt.Fprintln(out, renderStatusLine("Total items", statusInfo, fmt.Sprintf("%d", resp.TotalItems), colorize))
	if len(resp.MissingTables) > 0 {
		for _, table := range resp.MissingTables {
			fmt.Fprintln(out, renderStatusLine("Missing table", statusError, table, colorize))
		}
	}
	if resp.Error != "" {
		fmt.Fprintln(out, renderStatusLine("Error", statusError, resp.Error, colorize))
	}
}

func boolKind(ok bool) statusKind {
	if ok {
		return statusOK
	}
	return statusError
}

func newStopCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop daemon background processing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Stop()
				if err != nil {
					return err
				}
				if resp.Stopped {
					fmt.Fprintln(cmd.OutOrStdout(), "Daemon stopped")
				}
				return nil
			})
		},
	}
}
