// Package cmd implements the orchestrator CLI.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/OmerMachluf/copilot-orchestrator/internal/config"
	"github.com/OmerMachluf/copilot-orchestrator/internal/log"
	"github.com/OmerMachluf/copilot-orchestrator/internal/paths"
)

var (
	version = "dev"
	cfgFile string
	debug   bool
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:   "copilot-orchestrator",
	Short: "Hierarchical agent orchestrator over git worktrees",
	Long: `Deploys AI workers into isolated git worktrees, routes their messages
through a prioritized bus, and enforces spawn-safety limits on the
sub-agent trees they create.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: .orchestrator.yml, then $XDG_CONFIG_HOME/copilot-orchestrator/config.yml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false,
		"enable debug logging to the workspace log file")
	rootCmd.PersistentFlags().StringP("workspace", "w", "",
		"repository root to operate on (default: current directory)")

	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("safety.max_depth_orchestrator", defaults.Safety.MaxDepthOrchestrator)
	viper.SetDefault("safety.max_depth_agent", defaults.Safety.MaxDepthAgent)
	viper.SetDefault("safety.max_subtasks_per_worker", defaults.Safety.MaxSubTasksPerWorker)
	viper.SetDefault("safety.max_parallel_subtasks", defaults.Safety.MaxParallelSubTasks)
	viper.SetDefault("safety.spawns_per_minute", defaults.Safety.SpawnsPerMinute)
	viper.SetDefault("safety.max_cost_per_worker", defaults.Safety.MaxCostPerWorker)
	viper.SetDefault("health.idle_timeout", defaults.Health.IdleTimeout)
	viper.SetDefault("health.check_interval", defaults.Health.CheckInterval)
	viper.SetDefault("health.error_threshold", defaults.Health.ErrorThreshold)
	viper.SetDefault("health.loop_window", defaults.Health.LoopWindow)
	viper.SetDefault("breaker.threshold", defaults.Breaker.Threshold)
	viper.SetDefault("breaker.cooldown", defaults.Breaker.Cooldown)
	viper.SetDefault("persistence.debounce", defaults.Persistence.Debounce)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
	viper.SetDefault("lenient_transitions", false)

	viper.SetEnvPrefix("ORCH")
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .orchestrator.yml (workspace / current directory)
		// 2. $XDG_CONFIG_HOME/copilot-orchestrator/config.yml
		if path, ok := paths.WorkspaceConfig(""); ok {
			viper.SetConfigFile(path)
		} else {
			viper.AddConfigPath(paths.ConfigDir())
			viper.SetConfigName("config")
			viper.SetConfigType("yml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		// Missing config is fine; defaults apply.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "warning: could not read config: %v\n", err)
		}
	}

	_ = viper.Unmarshal(&cfg)

	if cfg.Workspace == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.Workspace = wd
		}
	}

	if debug || os.Getenv("ORCH_DEBUG") != "" {
		if _, err := log.Init(paths.LogFile(cfg.Workspace)); err != nil {
			fmt.Fprintf(os.Stderr, "warning: could not open log file: %v\n", err)
		}
	}
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
