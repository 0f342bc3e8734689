package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"doctranslate/internal/jobstore"
)

func newExecutionCommand(ctx *commandContext) *cobra.Command {
	execCmd := &cobra.Command{
		Use:     "execution",
		Aliases: []string{"exec"},
		Short:   "Inspect and abort pipeline executions",
	}
	execCmd.AddCommand(newExecutionListCommand(ctx))
	execCmd.AddCommand(newExecutionAbortCommand(ctx))
	return execCmd
}

type executionList struct {
	Executions []jobstore.Execution `json:"executions"`
	Live       []string             `json:"live"`
}

func newExecutionListCommand(ctx *commandContext) *cobra.Command {
	var (
		statuses []string
		jobID    string
		limit    int
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			for _, status := range statuses {
				query.Add("status", status)
			}
			if jobID != "" {
				query.Set("job", jobID)
			}
			if limit > 0 {
				query.Set("limit", strconv.Itoa(limit))
			}
			var resp executionList
			if err := ctx.client().getJSON(cmd.Context(), "/api/executions", query, &resp); err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, resp)
			}
			if len(resp.Executions) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No executions")
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable(
				[]string{"Name", "Pipeline", "Status", "Live", "Started", "Error"},
				buildExecutionRows(resp),
				nil,
			))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Filter by status (repeatable)")
	cmd.Flags().StringVar(&jobID, "job", "", "Filter by job id")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of executions")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func buildExecutionRows(list executionList) [][]string {
	live := make(map[string]bool, len(list.Live))
	for _, name := range list.Live {
		live[name] = true
	}
	rows := make([][]string, 0, len(list.Executions))
	for _, exec := range list.Executions {
		rows = append(rows, []string{
			exec.Name,
			exec.Pipeline,
			string(exec.Status),
			yesNo(live[exec.Name]),
			humanize.Time(exec.StartedAt),
			truncate(exec.Error, 60),
		})
	}
	return rows
}

func newExecutionAbortCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "abort <name>",
		Short: "Abort a running execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/executions/" + url.PathEscape(args[0]) + "/abort"
			if err := ctx.client().do(cmd.Context(), http.MethodPost, path, nil, "", nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Execution %s aborted\n", args[0])
			return nil
		},
	}
}
