package action

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/fatih/color"

	"alarmd/internal/event"
	appLog "alarmd/internal/log"
)

// LogDisplayer writes display alarms to the log.
type LogDisplayer struct{}

func (LogDisplayer) Display(_ context.Context, ev *event.Event, alarm event.Alarm) error {
	appLog.Info("ALARM", "id", ev.ID, "type", alarm.Type, "at", alarm.Time, "text", ev.Text)
	return nil
}

// ConsoleDisplayer prints display alarms to a terminal.
type ConsoleDisplayer struct {
	Out io.Writer
}

func (d ConsoleDisplayer) Display(_ context.Context, ev *event.Event, alarm event.Alarm) error {
	out := d.Out
	if out == nil {
		out = color.Output
	}
	head := color.New(color.FgYellow, color.Bold).SprintFunc()
	label := "Alarm"
	if alarm.Type.IsReminder() {
		label = "Reminder"
	}
	text := ev.Text
	if ev.Action == event.File {
		text = "file: " + text
	}
	_, err := fmt.Fprintf(out, "%s %s  %s\n", head(label), color.CyanString(alarm.Time.String()), text)
	return err
}

// LogMailer records email alarms in the log instead of sending them.
type LogMailer struct{}

func (LogMailer) Send(_ context.Context, ev *event.Event) error {
	appLog.Info("EMAIL", "id", ev.ID, "to", strings.Join(ev.Email.To, ","), "subject", ev.Email.Subject)
	return nil
}

// LogPlayer records audio alarms in the log.
type LogPlayer struct{}

func (LogPlayer) Play(_ context.Context, ev *event.Event) error {
	appLog.Info("AUDIO", "id", ev.ID, "file", ev.Text, "volume", ev.Audio.Volume)
	return nil
}

// ShellRunner runs commands through the system shell.
type ShellRunner struct {
	// Shell overrides the interpreter; defaults to /bin/sh (cmd on
	// Windows).
	Shell string
}

func (r ShellRunner) Run(ctx context.Context, command string) error {
	shell, flag := r.Shell, "-c"
	if shell == "" {
		shell = "/bin/sh"
		if runtime.GOOS == "windows" {
			shell, flag = "cmd", "/C"
		}
	}
	cmd := exec.CommandContext(ctx, shell, flag, command)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("run %q: %w", command, err)
	}
	return nil
}
