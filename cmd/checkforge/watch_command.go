package main

import (
	"fmt"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"checkforge/internal/checkpoint"
	"checkforge/internal/ipc"
)

func newWatchCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <item-id>",
		Short: "Follow the progress of an item until it pauses or finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				return watchItem(cmd, client, args[0])
			})
		},
	}
}

func watchItem(cmd *cobra.Command, client *ipc.Client, itemID string) error {
	describe, err := client.Describe(ipc.DescribeRequest{ItemID: itemID})
	if err != nil {
		return err
	}
	if isSettled(describe.Item.Status) {
		printItemLine(cmd, describe.Item)
		return nil
	}

	bar := progressbar.NewOptions(100,
		progressbar.OptionSetWriter(cmd.ErrOrStderr()),
		progressbar.OptionSetDescription(itemID),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)

	var cursor uint64
	for {
		resp, err := client.Events(ipc.EventsRequest{
			ItemID: itemID,
			Since:  cursor,
			Limit:  32,
			Wait:   true,
		})
		if err != nil {
			return err
		}
		cursor = resp.Next
		for _, event := range resp.Events {
			_ = bar.Set(int(event.FractionComplete * 100))
			if event.Message != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "%s [%s] %s\n", event.Timestamp.Local().Format("15:04:05"), event.Status, event.Message)
			}
			if isSettled(event.Status) {
				_ = bar.Finish()
				final, err := client.Describe(ipc.DescribeRequest{ItemID: itemID})
				if err != nil {
					return err
				}
				printItemLine(cmd, final.Item)
				return nil
			}
		}
	}
}

// isSettled reports whether the item stopped moving on its own: terminal, or
// parked at the review gate waiting for a human.
func isSettled(status string) bool {
	switch checkpoint.Status(status) {
	case checkpoint.StatusCompleted, checkpoint.StatusFailed, checkpoint.StatusCancelled, checkpoint.StatusAwaitingReview:
		return true
	}
	return false
}
