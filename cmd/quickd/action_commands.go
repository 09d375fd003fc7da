package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/machinefabric/quickd/client"
	"github.com/machinefabric/quickd/wire"
)

func newActivateCommand(ctx *commandContext) *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "activate <action-json>",
		Short: "Execute a match action, e.g. '{\"type\":\"open\",\"uri\":\"https://example.org\"}'",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			action, err := wire.UnmarshalAction([]byte(args[0]))
			if err != nil {
				return fmt.Errorf("parse action: %w", err)
			}
			return ctx.withClient(commandCtx(cmd), func(cl *client.Client) error {
				resp, err := cl.Activate(commandCtx(cmd), strings.TrimSpace(source), action)
				if err != nil {
					return fmt.Errorf("activate: %w", err)
				}
				if action.Type() == wire.ActionCallback {
					return writeJSON(cmd.OutOrStdout(), resp.Result)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Activated")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "Plugin that produced the action (required for callbacks)")
	return cmd
}

func newRestartCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "restart <plugin>",
		Short: "Restart a plugin, clearing its crash history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.TrimSpace(args[0])
			return ctx.withClient(commandCtx(cmd), func(cl *client.Client) error {
				if err := cl.Restart(commandCtx(cmd), name); err != nil {
					return fmt.Errorf("restart %s: %w", name, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Restarted %s\n", name)
				return nil
			})
		},
	}
}
