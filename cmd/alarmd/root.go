package main

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"alarmd/internal/config"
	appLog "alarmd/internal/log"
)

const defaultConfigPath = "/etc/alarmd/config.yaml"

// rootOptions are the global flags, overridable from ALARMD_* environment
// variables.
type rootOptions struct {
	v *viper.Viper
}

func newRootCmd() *cobra.Command {
	o := &rootOptions{v: viper.New()}

	cmd := &cobra.Command{
		Use:           "alarmd",
		Short:         "Personal alarm scheduler with an HTTP control API.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	pf := cmd.PersistentFlags()
	pf.String("config", defaultConfigPath, "Path to config file")
	pf.String("listen", "", "HTTP listen address (overrides config if set)")
	pf.String("log-level", "", "Log level: debug, info, warn, error (overrides config if set)")
	_ = o.v.BindPFlag("config", pf.Lookup("config"))
	_ = o.v.BindPFlag("listen", pf.Lookup("listen"))
	_ = o.v.BindPFlag("log_level", pf.Lookup("log-level"))
	o.v.SetEnvPrefix("ALARMD")
	o.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	o.v.AutomaticEnv()

	addRun(cmd, o)
	addList(cmd, o)
	addOneShot(cmd, o)
	addAdd(cmd, o)
	return cmd
}

// loadConfig reads the config file and applies flag and environment
// overrides.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	path := o.v.GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", path)
		return nil, err
	}
	if listen := o.v.GetString("listen"); listen != "" {
		cfg.Listen = listen
	}
	if level := o.v.GetString("log_level"); level != "" {
		cfg.LogLevel = level
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	appLog.SetLevel(appLog.ParseLevel(cfg.LogLevel))

	appLog.Debug("effective config",
		"config_path", path,
		"listen", cfg.Listen,
		"timezone", cfg.Timezone,
		"data_dir", cfg.DataDir,
		"resources", len(cfg.Resources),
		"archive_purge_days", cfg.ArchiveKeepDays(),
		"purge_cron", cfg.PurgeCron,
	)
	return cfg, nil
}
