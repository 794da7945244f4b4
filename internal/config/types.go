package config

import "time"

// Config represents the complete testmanager configuration.
type Config struct {
	Include   []string        `yaml:"include,omitempty"`
	Service   ServiceConfig   `yaml:"service"`
	State     StateConfig     `yaml:"state"`
	API       APIConfig       `yaml:"api"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Sweep     SweepConfig     `yaml:"sweep"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// ConfigDir is the directory holding the root config file. Relative paths
	// in the config are resolved against it.
	ConfigDir string `yaml:"-"`
	// SourceFiles lists every file that contributed to this config, root first.
	SourceFiles []string `yaml:"-"`
}

// ServiceConfig defines process-level settings.
type ServiceConfig struct {
	Name          string `yaml:"name"`
	LogLevel      string `yaml:"log_level"`
	DiagnosticLog string `yaml:"diagnostic_log"`
	PIDFile       string `yaml:"pid_file"`
}

// StateConfig selects the task store backend.
type StateConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// APIConfig defines the HTTP listener.
type APIConfig struct {
	Listen string        `yaml:"listen"`
	Auth   APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig protects the admin routes. The testbox protocol is not
// authenticated.
type APIAuthConfig struct {
	APIKey string `yaml:"api_key"`
}

// DispatchConfig tunes the dispatch engine and assignment policy.
type DispatchConfig struct {
	LivenessTimeout time.Duration `yaml:"liveness_timeout"`
	ProgressGrace   time.Duration `yaml:"progress_grace"`
	MaxAttempts     int           `yaml:"max_attempts"`
	CandidateBatch  int           `yaml:"candidate_batch"`
	MaxClaimRounds  int           `yaml:"max_claim_rounds"`
	EnforceAddress  bool          `yaml:"enforce_address"`
	RedirectTo      string        `yaml:"redirect_to"`
}

// SweepConfig controls the liveness sweep.
type SweepConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"`
}

// TelemetryConfig selects the metrics exporter.
type TelemetryConfig struct {
	Exporter string        `yaml:"exporter"`
	Interval time.Duration `yaml:"interval"`
}

// Defaults returns a Config with sensible defaults for a single-host install.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "testmanager",
			LogLevel: "info",
			PIDFile:  "./data/testmanager.lock",
		},
		State: StateConfig{
			Driver: "sqlite",
			Path:   "./data/testmanager.db",
		},
		API: APIConfig{
			Listen: "127.0.0.1:8380",
		},
		Dispatch: DispatchConfig{
			LivenessTimeout: 5 * time.Minute,
			ProgressGrace:   10 * time.Minute,
			MaxAttempts:     3,
			CandidateBatch:  50,
			MaxClaimRounds:  3,
		},
		Sweep: SweepConfig{
			Enabled:  true,
			Schedule: "@every 30s",
		},
		Telemetry: TelemetryConfig{
			Exporter: "none",
			Interval: 60 * time.Second,
		},
	}
}

// ChecksumManifest is the on-disk format of a .checksums file.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}
