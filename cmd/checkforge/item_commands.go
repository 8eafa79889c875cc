package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"checkforge/internal/ipc"
)

func newItemCommand(ctx *commandContext) *cobra.Command {
	itemCmd := &cobra.Command{
		Use:   "item",
		Short: "Create and drive checker generation items",
	}

	itemCmd.AddCommand(newItemStartCommand(ctx))
	itemCmd.AddCommand(newItemAdvanceCommand(ctx))
	itemCmd.AddCommand(newItemRunCommand(ctx))
	itemCmd.AddCommand(newItemSaveCommand(ctx))
	itemCmd.AddCommand(newItemCancelCommand(ctx))
	itemCmd.AddCommand(newItemResetCommand(ctx))
	itemCmd.AddCommand(newItemListCommand(ctx))
	itemCmd.AddCommand(newItemStaleCommand(ctx))

	return itemCmd
}

func newItemStartCommand(ctx *commandContext) *cobra.Command {
	var itemID string
	var target string
	var description string
	var language string
	var configFile string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Create a new item and register its checker request",
		RunE: func(cmd *cobra.Command, args []string) error {
			configJSON, err := buildItemConfig(target, description, language, configFile)
			if err != nil {
				return err
			}
			if strings.TrimSpace(itemID) == "" {
				itemID = uuid.NewString()
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Start(ipc.StartRequest{ItemID: itemID, ConfigJSON: configJSON})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created item %s (%s)\n", resp.Item.ID, resp.Item.Status)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&itemID, "id", "", "Item identifier (generated when empty)")
	cmd.Flags().StringVar(&target, "target", "", "Design unit the checker observes")
	cmd.Flags().StringVar(&description, "description", "", "What the checker should verify")
	cmd.Flags().StringVar(&language, "language", "", "Checker output language")
	cmd.Flags().StringVar(&configFile, "config-file", "", "Read the checker request from a JSON file instead of flags")

	return cmd
}

func buildItemConfig(target, description, language, configFile string) (string, error) {
	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return "", fmt.Errorf("read config file: %w", err)
		}
		if !json.Valid(data) {
			return "", fmt.Errorf("config file %s is not valid JSON", configFile)
		}
		return string(data), nil
	}
	if strings.TrimSpace(target) == "" {
		return "", fmt.Errorf("either --target or --config-file is required")
	}
	payload := map[string]string{
		"target":      target,
		"description": description,
	}
	if strings.TrimSpace(language) != "" {
		payload["language"] = language
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func newItemAdvanceCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "advance <item-id>",
		Short: "Execute the next stage of an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Advance(ipc.AdvanceRequest{ItemID: args[0]})
				if err != nil {
					return err
				}
				printItemLine(cmd, resp.Item)
				return nil
			})
		},
	}
}

func newItemRunCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "run <item-id>",
		Short: "Drive an item forward until it pauses or finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Run(ipc.RunRequest{ItemID: args[0]})
				if err != nil {
					return err
				}
				printItemLine(cmd, resp.Item)
				return nil
			})
		},
	}
}

func newItemSaveCommand(ctx *commandContext) *cobra.Command {
	var edits string
	var editsFile string

	cmd := &cobra.Command{
		Use:   "save <item-id>",
		Short: "Merge reviewer edits into an item awaiting review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			editsJSON := edits
			if editsFile != "" {
				data, err := os.ReadFile(editsFile)
				if err != nil {
					return fmt.Errorf("read edits file: %w", err)
				}
				editsJSON = string(data)
			}
			if strings.TrimSpace(editsJSON) == "" {
				return fmt.Errorf("either --edits or --edits-file is required")
			}
			if !json.Valid([]byte(editsJSON)) {
				return fmt.Errorf("edits are not valid JSON")
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Save(ipc.SaveRequest{ItemID: args[0], EditsJSON: editsJSON})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Saved edits to item %s\n", resp.Item.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&edits, "edits", "", "Reviewer edits as a JSON object")
	cmd.Flags().StringVar(&editsFile, "edits-file", "", "Read reviewer edits from a JSON file")

	return cmd
}

func newItemCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <item-id>",
		Short: "Request cooperative cancellation of an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Cancel(ipc.CancelRequest{ItemID: args[0]})
				if err != nil {
					return err
				}
				printItemLine(cmd, resp.Item)
				return nil
			})
		},
	}
}

func newItemResetCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <item-id>",
		Short: "Start a fresh attempt chain for a finished item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Reset(ipc.ResetRequest{ItemID: args[0]})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Reset item %s to attempt %d\n", resp.Item.ID, resp.Item.Attempt)
				return nil
			})
		},
	}
}

func newItemListCommand(ctx *commandContext) *cobra.Command {
	var statuses []string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List items, optionally filtered by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.List(ipc.ListRequest{Statuses: statuses})
				if err != nil {
					return err
				}
				if len(resp.Items) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No items")
					return nil
				}
				rows := make([][]string, 0, len(resp.Items))
				for _, item := range resp.Items {
					rows = append(rows, []string{
						item.ID,
						item.Status,
						fmt.Sprintf("%d", item.StageIndex),
						fmt.Sprintf("%d", item.Attempt),
						item.UpdatedAt.Local().Format(time.RFC3339),
					})
				}
				out := renderTable(
					[]string{"Item", "Status", "Stage", "Attempt", "Updated"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft},
				)
				fmt.Fprintln(cmd.OutOrStdout(), out)
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Filter by status (repeatable)")

	return cmd
}

func newItemStaleCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stale",
		Short: "List in-flight items with no recent progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Stale()
				if err != nil {
					return err
				}
				if len(resp.Items) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No stale items")
					return nil
				}
				rows := make([][]string, 0, len(resp.Items))
				for _, item := range resp.Items {
					rows = append(rows, []string{
						item.ID,
						item.Status,
						fmt.Sprintf("%d", item.StageIndex),
						time.Since(item.UpdatedAt).Round(time.Second).String(),
					})
				}
				out := renderTable(
					[]string{"Item", "Status", "Stage", "Idle"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight},
				)
				fmt.Fprintln(cmd.OutOrStdout(), out)
				return nil
			})
		},
	}
}

func printItemLine(cmd *cobra.Command, item *ipc.Item) {
	if item == nil {
		return
	}
	line := fmt.Sprintf("Item %s: %s (stage %d, attempt %d)", item.ID, item.Status, item.StageIndex, item.Attempt)
	if item.ErrorMessage != "" {
		line += " error: " + item.ErrorMessage
	}
	fmt.Fprintln(cmd.OutOrStdout(), line)
}
