package cmd

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/markmysler/dvc-sub001/pkg/config"
)

var rootCmd = &cobra.Command{
	Use:   "dvc",
	Short: "DVC challenge orchestrator",
	Long:  "DVC runs a local security lab: it spawns intentionally vulnerable containers on demand, hands out per-session flags, and tears everything down when users are done.",
}

var cfgFile string

var (
	lastReload time.Time
	reloadMu   sync.Mutex
)

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "An error occurred: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.AddCommand(serveCmd)
	cobra.OnInitialize(initConfig)
}

func initConfig() {
	if cfgFile == "" {
		zap.S().Info("No config file specified, using built-in defaults")
		if err := config.LoadDefaults(); err != nil {
			zap.S().Fatalf("Error loading default config: %v", err)
		}
		return
	}

	viper.SetConfigFile(cfgFile)
	viper.SetConfigType("yaml")

	defaults := config.Defaults()
	viper.SetDefault("orchestrator.challenge_dir", defaults.Orchestrator.ChallengeDir)
	viper.SetDefault("orchestrator.audit_db_path", defaults.Orchestrator.AuditDBPath)
	viper.SetDefault("orchestrator.session_ttl", defaults.Orchestrator.SessionTTL.String())
	viper.SetDefault("orchestrator.grace_period", defaults.Orchestrator.GracePeriod.String())
	viper.SetDefault("orchestrator.max_concurrent_sessions", defaults.Orchestrator.MaxConcurrentSessions)
	viper.SetDefault("orchestrator.max_sessions_per_user", defaults.Orchestrator.MaxSessionsPerUser)
	viper.SetDefault("orchestrator.engine_call_timeout", defaults.Orchestrator.EngineCallTimeout.String())
	viper.SetDefault("orchestrator.terminal_retention", defaults.Orchestrator.TerminalRetention.String())
	viper.SetDefault("health.check_interval", defaults.Health.CheckInterval.String())
	viper.SetDefault("health.failure_threshold", defaults.Health.FailureThreshold)
	viper.SetDefault("health.backoff_base", defaults.Health.BackoffBase.String())
	viper.SetDefault("health.backoff_max", defaults.Health.BackoffMax.String())
	viper.SetDefault("docker.bind_address", defaults.Docker.BindAddress)

	if err := viper.ReadInConfig(); err != nil {
		zap.S().Fatalf("Error reading config file: %v", err)
	}

	if err := config.Load(); err != nil {
		zap.S().Fatalf("Error loading config: %v", err)
	}

	viper.WatchConfig()
	viper.OnConfigChange(func(e fsnotify.Event) {
		handleConfigChange(e.Name)
	})
}

func handleConfigChange(filename string) {
	reloadMu.Lock()
	defer reloadMu.Unlock()

	if time.Since(lastReload) < 500*time.Millisecond {
		return // ignore duplicate events
	}
	lastReload = time.Now()
	zap.S().Infof("Config file %s changed", filename)

	if err := config.Reload(); err != nil {
		zap.S().Errorf("Error reloading config: %v", err)
		return
	}
	zap.S().Info("Config reloaded successfully")
}
