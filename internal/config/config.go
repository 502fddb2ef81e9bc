package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	FileName  = ".crucible.toml"
	EnvPrefix = "CRUCIBLE"
)

// Config is the full crucible configuration.
type Config struct {
	Backend     BackendConfig     `mapstructure:"backend"`
	Run         RunConfig         `mapstructure:"run"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Packages    PackagesConfig    `mapstructure:"packages"`
	Artifacts   ArtifactsConfig   `mapstructure:"artifacts"`
}

// BackendConfig selects where disposable environments are created.
type BackendConfig struct {
	Kind      string `mapstructure:"kind"`       // lxd or ec2
	Region    string `mapstructure:"region"`     // ec2 only
	BaseImage string `mapstructure:"base_image"` // override image remote/alias
}

// RunConfig shapes suite execution.
// Duration fields are stored as strings (e.g. "90s", "5m") for Viper compatibility.
type RunConfig struct {
	Concurrency   int      `mapstructure:"concurrency"`
	StepTimeout   string   `mapstructure:"step_timeout"`
	LaunchTimeout string   `mapstructure:"launch_timeout"`
	ShuffleSeed   int64    `mapstructure:"shuffle_seed"`
	Features      []string `mapstructure:"features"`
}

// CredentialsConfig holds the read-only attach credential and the
// command templates that consume it. {token} is replaced at run time.
type CredentialsConfig struct {
	Token         string `mapstructure:"token"`
	AttachCommand string `mapstructure:"attach_command"`
	DetachCommand string `mapstructure:"detach_command"`
}

// PackagesConfig holds the install command template. {package} is
// replaced at run time.
type PackagesConfig struct {
	InstallCommand string `mapstructure:"install_command"`
}

// ArtifactsConfig controls failure artifact uploads to S3.
type ArtifactsConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// ParseDuration parses a duration string with support for "Nd" day syntax.
func ParseDuration(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		numStr := strings.TrimSuffix(s, "d")
		var days float64
		if _, err := fmt.Sscanf(numStr, "%f", &days); err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		return time.Duration(days * float64(24*time.Hour)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}

// StepTimeoutDuration returns the parsed step_timeout.
func (rc *RunConfig) StepTimeoutDuration() (time.Duration, error) {
	return ParseDuration(rc.StepTimeout)
}

// LaunchTimeoutDuration returns the parsed launch_timeout.
func (rc *RunConfig) LaunchTimeoutDuration() (time.Duration, error) {
	return ParseDuration(rc.LaunchTimeout)
}

// Defaults returns a Config with all default values.
func Defaults() Config {
	return Config{
		Backend: BackendConfig{
			Kind:   "lxd",
			Region: "us-east-1",
		},
		Run: RunConfig{
			Concurrency:   4,
			StepTimeout:   "5m",
			LaunchTimeout: "3m",
			Features:      []string{"features"},
		},
		Credentials: CredentialsConfig{
			AttachCommand: "pro attach {token}",
			DetachCommand: "pro detach --assume-yes",
		},
		Packages: PackagesConfig{
			InstallCommand: "DEBIAN_FRONTEND=noninteractive apt-get install -qq -y {package}",
		},
	}
}

// ValidBackends is the set of allowed backend kinds.
var ValidBackends = map[string]bool{
	"lxd": true,
	"ec2": true,
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Backend.Kind != "" && !ValidBackends[c.Backend.Kind] {
		return fmt.Errorf("invalid backend.kind %q (must be lxd or ec2)", c.Backend.Kind)
	}
	if c.Run.Concurrency < 1 {
		return fmt.Errorf("invalid run.concurrency %d (must be at least 1)", c.Run.Concurrency)
	}
	if c.Run.StepTimeout != "" {
		if _, err := ParseDuration(c.Run.StepTimeout); err != nil {
			return fmt.Errorf("invalid run.step_timeout: %w", err)
		}
	}
	if c.Run.LaunchTimeout != "" {
		if _, err := ParseDuration(c.Run.LaunchTimeout); err != nil {
			return fmt.Errorf("invalid run.launch_timeout: %w", err)
		}
	}
	if c.Credentials.AttachCommand != "" && !strings.Contains(c.Credentials.AttachCommand, "{token}") {
		return fmt.Errorf("invalid credentials.attach_command: missing {token} placeholder")
	}
	if c.Packages.InstallCommand != "" && !strings.Contains(c.Packages.InstallCommand, "{package}") {
		return fmt.Errorf("invalid packages.install_command: missing {package} placeholder")
	}
	if c.Artifacts.Prefix != "" && c.Artifacts.Bucket == "" {
		return fmt.Errorf("artifacts.prefix set without artifacts.bucket")
	}
	return nil
}

// Load reads configuration from .crucible.toml (discovered by walking up
// from startDir), environment variables (CRUCIBLE_*), and applies defaults.
// CLI flag overrides should be applied by the caller after Load returns.
func Load(startDir string) (Config, string, error) {
	cfg := Defaults()

	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setViperDefaults(v, cfg)

	configPath := FindConfig(startDir)
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, "", fmt.Errorf("reading %s: %w", configPath, err)
		}
	}

	decoderOpt := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToBasicTypeHookFunc(),
	))
	if err := v.Unmarshal(&cfg, decoderOpt); err != nil {
		return Config{}, "", fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, "", err
	}

	return cfg, configPath, nil
}

// FindConfig walks up from startDir looking for .crucible.toml.
// Returns the path if found, empty string otherwise.
func FindConfig(startDir string) string {
	dir := startDir
	for {
		candidate := filepath.Join(dir, FileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func setViperDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("backend.kind", cfg.Backend.Kind)
	v.SetDefault("backend.region", cfg.Backend.Region)
	v.SetDefault("backend.base_image", cfg.Backend.BaseImage)
	v.SetDefault("run.concurrency", cfg.Run.Concurrency)
	v.SetDefault("run.step_timeout", cfg.Run.StepTimeout)
	v.SetDefault("run.launch_timeout", cfg.Run.LaunchTimeout)
	v.SetDefault("run.shuffle_seed", cfg.Run.ShuffleSeed)
	v.SetDefault("run.features", cfg.Run.Features)
	v.SetDefault("credentials.token", cfg.Credentials.Token)
	v.SetDefault("credentials.attach_command", cfg.Credentials.AttachCommand)
	v.SetDefault("credentials.detach_command", cfg.Credentials.DetachCommand)
	v.SetDefault("packages.install_command", cfg.Packages.InstallCommand)
	v.SetDefault("artifacts.bucket", cfg.Artifacts.Bucket)
	v.SetDefault("artifacts.prefix", cfg.Artifacts.Prefix)
}
