package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"doctranslate/internal/daemon"
	"doctranslate/internal/jobstore"
	"doctranslate/internal/preflight"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show preflight checks and daemon health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			checks := preflight.RunAll(cmd.Context(), cfg)

			var status daemon.Status
			daemonErr := ctx.client().getJSON(cmd.Context(), "/api/status", nil, &status)

			if asJSON {
				payload := map[string]any{"preflight": checks}
				if daemonErr != nil {
					payload["daemonError"] = daemonErr.Error()
				} else {
					payload["daemon"] = status
				}
				return writeJSON(cmd, payload)
			}

			p := newStatusPrinter(cmd.OutOrStdout())
			p.section("System Status")
			for _, check := range checks {
				p.check(check.Name, check.Passed, check.Detail, levelError)
			}
			p.blank()

			p.section("Daemon")
			if daemonErr != nil {
				p.line("Daemon", levelWarn, daemonErr.Error())
				return nil
			}
			renderDaemonStatus(p, status)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func renderDaemonStatus(p *statusPrinter, status daemon.Status) {
	p.check("Daemon", status.Running, "pid "+strconv.Itoa(status.PID), levelError)
	p.line("Database", levelInfo, status.DatabasePath)
	p.line("Pipelines", levelInfo, strings.Join(status.Pipelines, ", "))
	p.line("Live executions", levelInfo, strconv.Itoa(len(status.Workflow.Live)))
	p.line("Parked callbacks", levelInfo, strconv.Itoa(status.Store.Callbacks))
	if status.Workflow.LastError != "" {
		p.line("Last error", levelWarn, status.Workflow.LastError)
	}
	if trigger := status.Workflow.LastTrigger; trigger != nil {
		p.line("Last trigger", levelInfo, trigger.Topic+" -> "+trigger.Execution)
	}

	names := make([]string, 0, len(status.Workflow.StageHealth))
	for name := range status.Workflow.StageHealth {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		health := status.Workflow.StageHealth[name]
		p.check("Stage "+name, health.Ready, health.Detail, levelWarn)
	}

	rows := buildJobStatusRows(status.Workflow.JobStats)
	if len(rows) == 0 {
		return
	}
	p.blank()
	fmt.Fprint(p.out, renderTable([]string{"Status", "Jobs"}, rows, []columnAlignment{alignLeft, alignRight}))
}

func buildJobStatusRows(stats map[jobstore.Status]int) [][]string {
	var rows [][]string
	for _, status := range jobstore.AllStatuses() {
		if count := stats[status]; count > 0 {
			rows = append(rows, []string{string(status), strconv.Itoa(count)})
		}
	}
	return rows
}
