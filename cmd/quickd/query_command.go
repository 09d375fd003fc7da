package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/machinefabric/quickd/client"
	"github.com/machinefabric/quickd/wire"
)

func newQueryCommand(ctx *commandContext) *cobra.Command {
	var group string
	var idle time.Duration
	var timeout time.Duration
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Search every plugin and print the matches",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			qctx, cancel := context.WithTimeout(commandCtx(cmd), timeout)
			defer cancel()
			return ctx.withClient(qctx, func(cl *client.Client) error {
				resps, err := cl.Search(qctx, text, group, idle)
				if err != nil {
					return fmt.Errorf("query: %w", err)
				}
				if asJSON {
					return json.NewEncoder(cmd.OutOrStdout()).Encode(resps)
				}
				return renderMatches(cmd.OutOrStdout(), resps)
			})
		},
	}
	cmd.Flags().StringVar(&group, "context", "", "Query context; a newer query in the same context supersedes older ones")
	cmd.Flags().DurationVar(&idle, "idle", 250*time.Millisecond, "Stop waiting once no answer arrived for this long")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Overall time limit")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw responses as JSON")
	return cmd
}

type scoredMatch struct {
	source string
	match  wire.Match
}

func renderMatches(out io.Writer, resps []*wire.Response) error {
	var matches []scoredMatch
	var failures [][]string
	for _, r := range resps {
		if r.Error != nil {
			failures = append(failures, []string{r.Source, string(r.Error.Code), r.Error.Message})
			continue
		}
		result, err := wire.ParseResult(r.Result)
		if err != nil {
			return err
		}
		if result.Type != wire.ResultMatches {
			continue
		}
		ms, err := result.Matches()
		if err != nil {
			return err
		}
		for _, m := range ms {
			matches = append(matches, scoredMatch{source: r.Source, match: m})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return score(matches[i].match) > score(matches[j].match)
	})

	if len(matches) == 0 {
		fmt.Fprintln(out, "No matches")
	} else {
		rows := make([][]string, 0, len(matches))
		for _, m := range matches {
			actions := make([]string, 0, len(m.match.Actions))
			for _, a := range m.match.Actions {
				actions = append(actions, a.Title)
			}
			rows = append(rows, []string{m.match.Title, m.match.Description, m.source, strings.Join(actions, ", ")})
		}
		fmt.Fprintln(out, renderTable([]string{"Title", "Description", "Plugin", "Actions"}, rows, nil))
	}
	if len(failures) > 0 {
		fmt.Fprintln(out, renderTable([]string{"Plugin", "Error", "Message"}, failures, nil))
	}
	return nil
}

func score(m wire.Match) float64 {
	if m.Score == nil {
		return 0
	}
	return *m.Score
}
