package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"checkforge/internal/ipc"
)

func newShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <item-id>",
		Short: "Show the full checkpoint of one item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Describe(ipc.DescribeRequest{ItemID: args[0]})
				if err != nil {
					return err
				}
				renderItemDetail(cmd, resp.Item)
				return nil
			})
		},
	}
}

func renderItemDetail(cmd *cobra.Command, item *ipc.Item) {
	if item == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "Item not found")
		return
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Item:    %s\n", item.ID)
	fmt.Fprintf(out, "Status:  %s\n", item.Status)
	fmt.Fprintf(out, "Stage:   %d\n", item.StageIndex)
	fmt.Fprintf(out, "Attempt: %d\n", item.Attempt)
	fmt.Fprintf(out, "Created: %s\n", item.CreatedAt.Local().Format(time.RFC3339))
	fmt.Fprintf(out, "Updated: %s\n", item.UpdatedAt.Local().Format(time.RFC3339))
	if item.ErrorMessage != "" {
		fmt.Fprintf(out, "Error:   %s\n", item.ErrorMessage)
	}
	if item.ConfigJSON != "" {
		fmt.Fprintf(out, "Config:  %s\n", item.ConfigJSON)
	}
	if len(item.Results) == 0 {
		return
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, renderResultTable(item.Results))
}

func renderResultTable(results []ipc.StageResult) string {
	rows := make([][]string, 0, len(results))
	for _, result := range results {
		rows = append(rows, []string{
			fmt.Sprintf("%d", result.StageIndex),
			result.StageName,
			result.Outcome,
			fmt.Sprintf("%d", result.AttemptNumber),
			truncateCell(strings.Join(result.Diagnostics, "; "), 60),
			result.RecordedAt.Local().Format(time.RFC3339),
		})
	}
	return renderTable(
		[]string{"Stage", "Name", "Outcome", "Try", "Diagnostics", "Recorded"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
	)
}

func truncateCell(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit-3] + "..."
}
