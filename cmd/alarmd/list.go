package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"alarmd/internal/engine"
)

func addList(topLevel *cobra.Command, o *rootOptions) {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print the scheduled alarms, earliest first",
		Example: `
alarmd list
alarmd list --json
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg, appOptions{skipLogin: true})
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if err := a.store.Populate(ctx); err != nil {
				return err
			}
			alarms := a.eng.ScheduledAlarmList()
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(alarms)
			}
			printAlarms(color.Output, alarms)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	topLevel.AddCommand(cmd)
}

func printAlarms(w io.Writer, alarms []engine.ScheduledAlarm) {
	if len(alarms) == 0 {
		_, _ = fmt.Fprintln(w, color.New(color.Faint).Sprint("no alarms scheduled"))
		return
	}
	bold := color.New(color.Bold).SprintFunc()
	tbl := uitable.New()
	tbl.Separator = "  "
	tbl.MaxColWidth = 60
	tbl.AddRow(bold("When"), bold("Type"), bold("Action"), bold("Alarm"), bold("ID"))
	for _, a := range alarms {
		when := a.At.String()
		if !a.DateOnly {
			when = a.Trigger.Format("2006-01-02 15:04")
		}
		typ := a.TypeName
		if a.Recurs {
			typ += " ↻"
		}
		summary := a.Summary
		if !a.Enabled {
			summary = color.New(color.Faint).Sprint(summary + " (disabled)")
		}
		tbl.AddRow(color.CyanString(when), typ, a.ActionName, summary, color.New(color.Faint).Sprint(a.EventID))
	}
	_, _ = fmt.Fprintln(w, tbl)
}
