package src

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineConfig controls the external recon/attack engine process.
type EngineConfig struct {
	Binary      string `yaml:"binary"`
	APIPort     int    `yaml:"api_port"`
	APIUser     string `yaml:"api_user"`
	APIPassword string `yaml:"api_password"`
	// StartRetries is the number of one-second readiness probes after spawn.
	StartRetries int `yaml:"start_retries"`
}

// RetentionConfig bounds the persistent store. Zero means "use default",
// not unlimited.
type RetentionConfig struct {
	MaxTargets    int `yaml:"max_targets"`
	MaxHandshakes int `yaml:"max_handshakes"`
	MaxDeauthLogs int `yaml:"max_deauth_logs"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level string `yaml:"level"`
	Debug bool   `yaml:"debug"`
}

// Config is the top-level configuration, loadable from YAML with every
// field optional.
type Config struct {
	Interface     string          `yaml:"interface"`
	Band          string          `yaml:"band"` // "2.4", "5" or "" for both
	WorkingDir    string          `yaml:"working_dir"`
	CaptureDir    string          `yaml:"capture_dir"`
	DBPath        string          `yaml:"db_path"`
	WhitelistFile string          `yaml:"whitelist_file"`
	TickSeconds   int             `yaml:"tick_seconds"`
	Engine        EngineConfig    `yaml:"engine"`
	Retention     RetentionConfig `yaml:"retention"`
	Log           LogConfig       `yaml:"log"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig(workingDir string) *Config {
	return &Config{
		Band:          "",
		WorkingDir:    workingDir,
		CaptureDir:    filepath.Join(workingDir, "captures"),
		DBPath:        filepath.Join(workingDir, "hunter.db"),
		WhitelistFile: filepath.Join(workingDir, "whitelist.txt"),
		TickSeconds:   5,
		Engine: EngineConfig{
			Binary:       "bettercap",
			APIPort:      8081,
			APIUser:      "hunter",
			APIPassword:  "hunter",
			StartRetries: 30,
		},
		Retention: RetentionConfig{
			MaxTargets:    500,
			MaxHandshakes: 200,
			MaxDeauthLogs: 1000,
		},
		Log: LogConfig{Level: "info"},
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path, workingDir string) (*Config, error) {
	cfg := DefaultConfig(workingDir)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}
	cfg.applyDefaults(workingDir)
	return cfg, nil
}

func (c *Config) applyDefaults(workingDir string) {
	def := DefaultConfig(workingDir)
	if c.WorkingDir == "" {
		c.WorkingDir = def.WorkingDir
	}
	if c.CaptureDir == "" {
		c.CaptureDir = filepath.Join(c.WorkingDir, "captures")
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.WorkingDir, "hunter.db")
	}
	if c.TickSeconds <= 0 {
		c.TickSeconds = def.TickSeconds
	}
	if c.Engine.Binary == "" {
		c.Engine.Binary = def.Engine.Binary
	}
	if c.Engine.APIPort == 0 {
		c.Engine.APIPort = def.Engine.APIPort
	}
	if c.Engine.APIUser == "" {
		c.Engine.APIUser = def.Engine.APIUser
	}
	if c.Engine.APIPassword == "" {
		c.Engine.APIPassword = def.Engine.APIPassword
	}
	if c.Engine.StartRetries <= 0 {
		c.Engine.StartRetries = def.Engine.StartRetries
	}
	if c.Retention.MaxTargets <= 0 {
		c.Retention.MaxTargets = def.Retention.MaxTargets
	}
	if c.Retention.MaxHandshakes <= 0 {
		c.Retention.MaxHandshakes = def.Retention.MaxHandshakes
	}
	if c.Retention.MaxDeauthLogs <= 0 {
		c.Retention.MaxDeauthLogs = def.Retention.MaxDeauthLogs
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
}

// TickPeriod returns the background tick period.
func (c *Config) TickPeriod() time.Duration {
	return time.Duration(c.TickSeconds) * time.Second
}

// ChannelsForBand returns the recon channel list for the configured band.
func (c *Config) ChannelsForBand() string {
	switch c.Band {
	case "2.4":
		return "1,2,3,4,5,6,7,8,9,10,11,12,13"
	case "5":
		return "36,40,44,48,52,56,60,64,100,104,108,112,116,120,124,128,132,136,140"
	default:
		return "1,2,3,4,5,6,7,8,9,10,11,12,13,36,40,44,48,52,56,60,64,100,104,108,112,116,120,124,128,132,136,140"
	}
}
