package config

import (
	"sync"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Provider is the interface for obtaining configuration.
// Consumers should depend on this interface rather than calling the global Get() directly.
type Provider interface {
	GetConfig() *Config
}

// GlobalProvider implements Provider using the package-level singleton.
type GlobalProvider struct{}

func (GlobalProvider) GetConfig() *Config { return Get() }

// StaticProvider implements Provider with a fixed config value, useful for testing.
type StaticProvider struct {
	Cfg *Config
}

func (p *StaticProvider) GetConfig() *Config { return p.Cfg }

type Config struct {
	Flag         FlagConfig         `mapstructure:"flag"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Health       HealthConfig       `mapstructure:"health"`
	Docker       DockerConfig       `mapstructure:"docker"`
}

type FlagConfig struct {
	Secret string `mapstructure:"secret"` // HMAC key for flag generation, overridable via FLAG_SECRET env var
}

type OrchestratorConfig struct {
	ChallengeDir          string        `mapstructure:"challenge_dir"`                      // Directory walked for challenge.yaml definitions
	SecurityProfilesPath  string        `mapstructure:"security_profiles_path"`             // Path to the security profiles YAML file
	AuditDBPath           string        `mapstructure:"audit_db_path"`                      // Path to the sqlite audit log database
	SessionTTL            time.Duration `mapstructure:"session_ttl,omitempty"`              // Lifetime of a session before forced teardown
	GracePeriod           time.Duration `mapstructure:"grace_period,omitempty"`             // Delay between flag validation and teardown
	MaxConcurrentSessions int           `mapstructure:"max_concurrent_sessions,omitempty"`  // Global cap on starting+running sessions
	MaxSessionsPerUser    int           `mapstructure:"max_sessions_per_user,omitempty"`    // Per-user cap on active sessions
	EngineCallTimeout     time.Duration `mapstructure:"engine_call_timeout,omitempty"`      // Timeout applied to each container engine call
	TerminalRetention     time.Duration `mapstructure:"terminal_retention,omitempty"`       // How long stopped/error sessions stay visible before eviction
}

type HealthConfig struct {
	CheckInterval    time.Duration `mapstructure:"check_interval,omitempty"`    // Per-container health poll interval
	FailureThreshold int           `mapstructure:"failure_threshold,omitempty"` // Consecutive failures before terminal teardown
	BackoffBase      time.Duration `mapstructure:"backoff_base,omitempty"`      // First restart backoff, doubled per attempt
	BackoffMax       time.Duration `mapstructure:"backoff_max,omitempty"`       // Ceiling on restart backoff
}

type DockerConfig struct {
	Host        string `mapstructure:"host"`         // Docker daemon address, empty uses environment defaults
	BindAddress string `mapstructure:"bind_address"` // Host address challenge ports are published on
}

var (
	current *Config
	mu      sync.RWMutex
)

func Load() error {
	zap.S().Infof("Loading config from %s", viper.ConfigFileUsed())
	mu.Lock()
	defer mu.Unlock()

	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return err
	}
	zap.S().Info("Config loaded successfully")
	current = cfg
	return nil
}

func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

func Reload() error {
	return Load()
}

func LoadDefaults() error {
	mu.Lock()
	defer mu.Unlock()

	current = Defaults()
	return nil
}

// Defaults returns the built-in configuration used when no file overrides apply.
func Defaults() *Config {
	return &Config{
		Flag: FlagConfig{
			Secret: "",
		},
		Orchestrator: OrchestratorConfig{
			ChallengeDir:          "challenges",
			SessionTTL:            time.Hour,
			GracePeriod:           30 * time.Second,
			MaxConcurrentSessions: 10,
			MaxSessionsPerUser:    5,
			EngineCallTimeout:     2 * time.Minute,
			TerminalRetention:     5 * time.Minute,
			AuditDBPath:           "dvc-audit.db",
		},
		Health: HealthConfig{
			CheckInterval:    30 * time.Second,
			FailureThreshold: 3,
			BackoffBase:      5 * time.Second,
			BackoffMax:       5 * time.Minute,
		},
		Docker: DockerConfig{
			BindAddress: "127.0.0.1",
		},
	}
}
