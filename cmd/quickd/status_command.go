package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/machinefabric/quickd/client"
	"github.com/machinefabric/quickd/daemon"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon, plugin and connection status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(commandCtx(cmd), func(cl *client.Client) error {
				raw, err := cl.Status(commandCtx(cmd))
				if err != nil {
					return fmt.Errorf("status: %w", err)
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), raw)
				}
				var st daemon.Status
				if err := json.Unmarshal(raw, &st); err != nil {
					return fmt.Errorf("decode status: %w", err)
				}
				renderStatus(cmd.OutOrStdout(), &st, time.Now())
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw status as JSON")
	return cmd
}

func renderStatus(out io.Writer, st *daemon.Status, now time.Time) {
	fmt.Fprintf(out, "quickd %s (pid %d) on %s\n", st.Version, st.PID, st.Socket)
	if !st.StartedAt.IsZero() {
		fmt.Fprintf(out, "Uptime: %s\n", now.Sub(st.StartedAt).Truncate(time.Second))
	}
	fmt.Fprintln(out)

	if len(st.Plugins) == 0 {
		fmt.Fprintln(out, "No plugins registered")
	} else {
		rows := make([][]string, 0, len(st.Plugins))
		for _, p := range st.Plugins {
			pid := "-"
			if p.PID > 0 {
				pid = strconv.Itoa(p.PID)
			}
			rows = append(rows, []string{
				p.Name,
				p.State.String(),
				strings.Join(p.Capabilities, ","),
				strconv.Itoa(p.Restarts),
				pid,
				p.LastError,
			})
		}
		fmt.Fprintln(out, renderTable(
			[]string{"Plugin", "State", "Methods", "Restarts", "PID", "Last error"},
			rows,
			[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
		))
	}

	r := st.Router
	fmt.Fprintln(out, renderTable(
		[]string{"Dispatched", "Completed", "Cancelled", "Timed out", "Dropped", "In flight"},
		[][]string{{
			strconv.FormatUint(r.Dispatched, 10),
			strconv.FormatUint(r.Completed, 10),
			strconv.FormatUint(r.Cancelled, 10),
			strconv.FormatUint(r.TimedOut, 10),
			strconv.FormatUint(r.DroppedCancelled+r.DroppedUnknown, 10),
			strconv.FormatInt(r.InFlight, 10),
		}},
		[]columnAlignment{alignRight, alignRight, alignRight, alignRight, alignRight, alignRight},
	))
	fmt.Fprintf(out, "Connections: %d\n", len(st.Connections))
}

func writeJSON(out io.Writer, raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
