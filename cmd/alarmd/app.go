package main

import (
	"fmt"

	"alarmd/internal/action"
	"alarmd/internal/calendar"
	"alarmd/internal/config"
	"alarmd/internal/engine"
	"alarmd/internal/ics"
	"alarmd/internal/metrics"
	"alarmd/internal/recur"
)

// app is the wired scheduler: calendar store, executor and engine.
type app struct {
	cfg      *config.Config
	settings *recur.Settings
	store    *calendar.Store
	exec     *action.Adapter
	eng      *engine.Engine
	metrics  *metrics.Metrics
}

type appOptions struct {
	withMetrics bool
	skipLogin   bool
	onFatal     func(error)
	onExit      func(int)
}

func newApp(cfg *config.Config, o appOptions) (*app, error) {
	ctx, err := cfg.ToContext()
	if err != nil {
		return nil, err
	}
	settings := recur.NewSettings(ctx)
	store := calendar.NewStore(settings)
	fetcher := ics.NewFetcher(cfg.CacheDir())

	for _, r := range cfg.Resources {
		kind := calendar.KindActive
		if r.Kind == config.KindArchived {
			kind = calendar.KindArchived
		}
		var b calendar.Backend
		if r.URL != "" {
			b = calendar.NewICSBackend(fetcher, ics.Source{Name: r.Name, URL: r.URL}, ctx.Location)
		} else {
			b = calendar.NewDiskBackend(cfg.ResourceDir(r))
		}
		store.AddResource(r.Name, kind, b)
	}
	store.MarkResourcesKnown()

	var display action.Displayer = action.LogDisplayer{}
	if cfg.Console {
		display = action.ConsoleDisplayer{}
	}
	exec := action.New(action.Options{
		Displayer: display,
		Runner:    action.ShellRunner{Shell: cfg.Shell},
	})

	var m *metrics.Metrics
	if o.withMetrics {
		if m, err = metrics.New(); err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
	}

	eng := engine.New(engine.Options{
		Calendar:        store,
		Executor:        exec,
		Settings:        settings,
		Metrics:         m,
		PopulateTimeout: cfg.PopulateTimeout,
		ArchiveKeepDays: cfg.ArchiveKeepDays(),
		SkipLogin:       o.skipLogin,
		OnFatal:         o.onFatal,
		OnExit:          o.onExit,
	})
	store.OnPopulated(eng.ResourcePopulated)

	return &app{
		cfg:      cfg,
		settings: settings,
		store:    store,
		exec:     exec,
		eng:      eng,
		metrics:  m,
	}, nil
}
