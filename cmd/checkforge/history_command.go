package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"checkforge/internal/ipc"
)

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "history <item-id>",
		Short: "Show stage results across every attempt of an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.History(ipc.HistoryRequest{ItemID: args[0]})
				if err != nil {
					return err
				}
				if len(resp.Results) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No stage results recorded")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderResultTable(resp.Results))
				return nil
			})
		},
	}
}
