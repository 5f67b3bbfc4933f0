package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"alarmd/internal/config"
	"alarmd/internal/engine"
	"alarmd/internal/web"
)

// targetOptions select the event a one-shot command acts on.
type targetOptions struct {
	Resource string
	ByUID    bool
}

func addTargetArgs(cmd *cobra.Command, t *targetOptions) {
	cmd.Flags().StringVar(&t.Resource, "resource", "",
		"Resource holding the alarm (default: the first active resource)")
	cmd.Flags().BoolVar(&t.ByUID, "uid", false,
		"Look the id up across every resource")
}

func addOneShot(topLevel *cobra.Command, o *rootOptions) {
	for _, c := range []struct {
		use, short string
		kind       engine.Kind
	}{
		{"trigger", "Fire an alarm now, whether or not it is due", engine.KindTrigger},
		{"handle", "Fire an alarm if it is due and reschedule it", engine.KindHandle},
		{"cancel", "Delete an alarm, archiving it if it has fired", engine.KindCancel},
	} {
		t := &targetOptions{}
		kind := c.kind
		cmd := &cobra.Command{
			Use:   c.use + " <id>",
			Short: c.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := o.loadConfig()
				if err != nil {
					return err
				}
				return runOneShot(cmd, cfg, &engine.Entry{
					Kind:           kind,
					EventID:        args[0],
					ResourceName:   t.Resource,
					FindByUniqueID: t.ByUID,
				})
			},
		}
		addTargetArgs(cmd, t)
		topLevel.AddCommand(cmd)
	}
}

func addAdd(topLevel *cobra.Command, o *rootOptions) {
	req := &web.AlarmRequest{}
	cmd := &cobra.Command{
		Use:   "add <text>",
		Short: "Add a new alarm",
		Example: `
alarmd add "stand up" --at 2026-03-02T09:30 --rrule "FREQ=WEEKLY;BYDAY=MO,TU,WE,TH,FR" --work-time-only
alarmd add "rent" --at 2026-04-01 --rrule "FREQ=MONTHLY" --reminder 1440
alarmd add "backup" --action command --at 2026-03-02T01:00 --late-cancel 30
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.loadConfig()
			if err != nil {
				return err
			}
			loc, err := cfg.Location()
			if err != nil {
				return err
			}
			req.Text = args[0]
			ev, err := req.Event(loc)
			if err != nil {
				return err
			}
			return runOneShot(cmd, cfg, &engine.Entry{Kind: engine.KindNew, ResourceName: req.Resource, Event: &ev})
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.Start, "at", "", `Trigger time: "2006-01-02" (date only), "2006-01-02T15:04" or RFC 3339`)
	f.StringVar(&req.Action, "action", "message", "message, file, command, email or audio")
	f.StringVar(&req.Resource, "resource", "", "Resource to add the alarm to")
	f.StringVar(&req.Recurrence, "rrule", "", `Recurrence rule, e.g. "FREQ=DAILY;COUNT=5"`)
	f.StringVar(&req.RepeatInterval, "repeat-interval", "", "Sub-repetition interval, e.g. 10m")
	f.IntVar(&req.RepeatCount, "repeat-count", 0, "Number of sub-repetitions after each recurrence")
	f.IntVar(&req.LateCancel, "late-cancel", 0, "Drop the alarm if it is missed by more than this many minutes")
	f.IntVar(&req.ReminderMinutes, "reminder", 0, "Reminder minutes before (positive) or after (negative) the alarm")
	f.BoolVar(&req.WorkTimeOnly, "work-time-only", false, "Only fire during working hours")
	f.BoolVar(&req.ExcludeHolidays, "exclude-holidays", false, "Skip holidays")
	f.BoolVar(&req.RepeatAtLogin, "at-login", false, "Also fire when the scheduler starts")
	f.StringSliceVar(&req.EmailTo, "to", nil, "Email recipients")
	f.StringVar(&req.EmailSubject, "subject", "", "Email subject")
	_ = cmd.MarkFlagRequired("at")
	topLevel.AddCommand(cmd)
}

// runOneShot processes a single entry against the local calendar and
// exits with the engine's status: 0 on success, 1 if the alarm was not
// found or the request failed.
func runOneShot(cmd *cobra.Command, cfg *config.Config, entry *engine.Entry) error {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	code := 1
	a, err := newApp(cfg, appOptions{
		skipLogin: true,
		onExit:    func(c int) { code = c },
	})
	if err != nil {
		return err
	}
	defer a.exec.Close()

	var res engine.Result
	replied := false
	entry.FromCommandLine = true
	entry.ExitAfterProcessing = true
	entry.Reply = func(r engine.Result) {
		res, replied = r, true
	}
	a.eng.Enqueue(entry)

	go func() {
		_ = a.store.Populate(ctx)
	}()
	// Run returns once the entry has been processed, calling onExit and
	// Reply on this goroutine.
	if err := a.eng.Run(ctx); err != nil {
		return err
	}
	// Let commands started by the alarm finish.
	a.exec.Wait()

	out := cmd.OutOrStdout()
	if replied {
		mark := color.GreenString(res.Code.String())
		if res.Code != engine.ResultOK {
			mark = color.RedString(res.Code.String())
		}
		_, _ = fmt.Fprintf(out, "%s %s %s\n", entry.Kind, mark, res.EventID)
		if res.Err != nil {
			_, _ = fmt.Fprintln(cmd.ErrOrStderr(), res.Err)
		}
	}
	if code != 0 {
		return exitCode(code)
	}
	return nil
}
