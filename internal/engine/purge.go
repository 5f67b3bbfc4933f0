package engine

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	appLog "alarmd/internal/log"
)

// DefaultPurgeSchedule runs the archive purge daily just after midnight.
const DefaultPurgeSchedule = "5 0 * * *"

// purgeArchive removes archived events older than ArchiveKeepDays. It runs
// on the engine goroutine after the queue drains.
func (e *Engine) purgeArchive() {
	days := e.opts.ArchiveKeepDays
	if days <= 0 {
		return
	}
	cutoff := e.clock.Now().AddDate(0, 0, -days)
	n, err := e.cal.PurgeArchived(cutoff)
	if err != nil {
		appLog.Error("archive purge failed", err)
	}
	if n > 0 {
		appLog.Info("archive purged", "removed", n, "cutoff", cutoff.Format(time.RFC3339))
	}
	e.metrics.Purged(n)
}

// PurgeScheduler requests an archive purge on a cron schedule.
type PurgeScheduler struct {
	c *cron.Cron
}

// NewPurgeScheduler schedules e.RequestPurge with a standard five-field
// cron spec, evaluated in loc.
func NewPurgeScheduler(e *Engine, spec string, loc *time.Location) (*PurgeScheduler, error) {
	if spec == "" {
		spec = DefaultPurgeSchedule
	}
	if loc == nil {
		loc = time.Local
	}
	c := cron.New(cron.WithLocation(loc))
	if _, err := c.AddFunc(spec, e.RequestPurge); err != nil {
		return nil, fmt.Errorf("purge schedule %q: %w", spec, err)
	}
	return &PurgeScheduler{c: c}, nil
}

func (p *PurgeScheduler) Start() { p.c.Start() }

// Stop halts the schedule and waits for a running request to return.
func (p *PurgeScheduler) Stop() {
	<-p.c.Stop().Done()
}
