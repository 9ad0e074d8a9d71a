// reaqtor-sched hosts a cooperative priority scheduler behind an admin API.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/reaqtive/reaqtor-sub057/internal/config"
	"github.com/reaqtive/reaqtor-sub057/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// app carries state shared by every subcommand.
type app struct {
	v          *viper.Viper
	configFile string
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.New()}
	root := &cobra.Command{
		Use:   "reaqtor-sched",
		Short: "Cooperative priority scheduler host",
		Long: `reaqtor-sched runs a two-tier task scheduler: a fixed worker pool shared by
a tree of logical schedulers that can be paused, resumed and disposed.

Configuration comes from flags, REAQTOR_* environment variables and an
optional YAML file, in that order of precedence.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.ReadFile(a.v, a.configFile)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configFile, "config", "", "Path to a YAML config file")
	pf.String("log-level", "info", "Log level (debug, info, warn, error)")
	pf.String("log-format", "text", "Log format (text, json)")
	pf.Int("workers", runtime.GOMAXPROCS(0), "Number of scheduler worker goroutines")
	_ = a.v.BindPFlag("logging.level", pf.Lookup("log-level"))
	_ = a.v.BindPFlag("logging.format", pf.Lookup("log-format"))
	_ = a.v.BindPFlag("scheduler.workers", pf.Lookup("workers"))

	root.AddCommand(newRunCmd(a), newBenchCmd(a))
	return root
}

// load resolves and validates configuration and builds the logger.
func (a *app) load(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(a.v)
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	level, _ := logging.ParseLevel(cfg.Logging.Level)
	format, _ := logging.ParseFormat(cfg.Logging.Format)
	return cfg, logging.NewLoggerWithWriter(level, format, cmd.ErrOrStderr()), nil
}
