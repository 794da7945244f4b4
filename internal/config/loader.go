package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultFileName is looked up when Load is given a directory.
	DefaultFileName = "config.yaml"
	// EnvFileName is loaded from the config directory before interpolation.
	EnvFileName = ".env"
	// ChecksumFileName holds the BLAKE3 manifest written by `config lock`.
	ChecksumFileName = ".checksums"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file or a directory containing
// config.yaml. Included files are applied first so the root file wins.
// When a .checksums manifest sits next to the root file every source file is
// verified against it before the result is returned.
func Load(configPath string) (*Config, error) {
	return load(configPath, true)
}

// LoadUnverified is Load without the checksum verification. `config lock`
// uses it to re-record checksums after an intentional edit.
func LoadUnverified(configPath string) (*Config, error) {
	return load(configPath, false)
}

func load(configPath string, verify bool) (*Config, error) {
	absPath, err := ResolvePath(configPath)
	if err != nil {
		return nil, err
	}
	configDir := filepath.Dir(absPath)

	envPath := filepath.Join(configDir, EnvFileName)
	if fileExists(envPath) {
		// Existing environment variables take precedence over .env entries.
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", envPath, err)
		}
	}

	files, err := collectFiles(absPath)
	if err != nil {
		return nil, err
	}

	cfg := Defaults()
	// Root is files[0]; includes are decoded first so the root overrides them.
	order := make([]string, 0, len(files))
	order = append(order, files[1:]...)
	order = append(order, files[0])
	for _, path := range order {
		if err := readYAML(path, cfg); err != nil {
			return nil, err
		}
	}
	cfg.Include = nil
	cfg.ConfigDir = configDir
	cfg.SourceFiles = files
	cfg.resolvePaths()

	if verify && fileExists(filepath.Join(configDir, ChecksumFileName)) {
		manifest, err := LoadChecksums(configDir)
		if err != nil {
			return nil, err
		}
		if err := VerifyScopeFiles(configDir, manifest, cfg.ScopeFiles()); err != nil {
			return nil, err
		}
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ResolvePath turns a file or directory argument into the absolute path of
// the root config file.
func ResolvePath(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, DefaultFileName)
		if !fileExists(absPath) {
			return "", fmt.Errorf("directory provided but %s not found: %s", DefaultFileName, absPath)
		}
	}
	return absPath, nil
}

// ScopeFiles returns the files covered by the checksum manifest, relative to
// the config directory: every source file plus .env when present.
func (c *Config) ScopeFiles() []string {
	scope := make([]string, 0, len(c.SourceFiles)+1)
	for _, path := range c.SourceFiles {
		rel, err := filepath.Rel(c.ConfigDir, path)
		if err != nil {
			rel = path
		}
		scope = append(scope, rel)
	}
	if fileExists(filepath.Join(c.ConfigDir, EnvFileName)) {
		scope = append(scope, EnvFileName)
	}
	return scope
}

// collectFiles returns the root file followed by its includes in the order
// they are applied. Cycles are rejected.
func collectFiles(root string) ([]string, error) {
	files := []string{root}
	visiting := map[string]bool{root: true}
	seen := map[string]bool{root: true}

	var walk func(path string) error
	walk = func(path string) error {
		var partial struct {
			Include []string `yaml:"include"`
		}
		if err := readYAML(path, &partial); err != nil {
			return err
		}
		baseDir := filepath.Dir(path)
		for i, includePath := range partial.Include {
			includePath = interpolateEnv(includePath)
			if !filepath.IsAbs(includePath) {
				includePath = filepath.Join(baseDir, includePath)
			}
			absPath, err := filepath.Abs(includePath)
			if err != nil {
				return fmt.Errorf("include[%d]: failed to resolve path %q: %w", i, includePath, err)
			}
			if visiting[absPath] {
				return fmt.Errorf("include[%d]: circular dependency detected: %s", i, absPath)
			}
			if seen[absPath] {
				continue
			}
			if !fileExists(absPath) {
				return fmt.Errorf("include[%d]: file not found: %s\n"+
					"Referenced from: %s", i, absPath, path)
			}
			seen[absPath] = true
			visiting[absPath] = true
			if err := walk(absPath); err != nil {
				return err
			}
			visiting[absPath] = false
			files = append(files, absPath)
		}
		return nil
	}

	if err := walk(root); err != nil {
		return nil, err
	}
	return files, nil
}

func readYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), out); err != nil {
		return fmt.Errorf("failed to parse YAML in %s: %w", path, err)
	}
	return nil
}

func (c *Config) resolvePaths() {
	for _, p := range []*string{&c.State.Path, &c.Service.PIDFile, &c.Service.DiagnosticLog} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(c.ConfigDir, *p)
		}
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	var errs []error

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		errs = append(errs, fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel))
	}

	switch cfg.State.Driver {
	case "sqlite":
		if cfg.State.Path == "" {
			errs = append(errs, errors.New("state.path is required for the sqlite driver"))
		}
	case "postgres":
		if cfg.State.DSN == "" {
			errs = append(errs, errors.New("state.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("state.driver must be sqlite or postgres (got %q)", cfg.State.Driver))
	}

	if cfg.API.Listen == "" {
		errs = append(errs, errors.New("api.listen is required"))
	}
	if envVarPattern.MatchString(cfg.API.Auth.APIKey) {
		errs = append(errs, fmt.Errorf("api.auth.api_key references an unset variable %s", cfg.API.Auth.APIKey))
	}

	d := cfg.Dispatch
	if d.LivenessTimeout <= 0 {
		errs = append(errs, errors.New("dispatch.liveness_timeout must be positive"))
	}
	if d.ProgressGrace <= 0 {
		errs = append(errs, errors.New("dispatch.progress_grace must be positive"))
	}
	if d.MaxAttempts < 1 {
		errs = append(errs, errors.New("dispatch.max_attempts must be at least 1"))
	}
	if d.CandidateBatch < 1 {
		errs = append(errs, errors.New("dispatch.candidate_batch must be at least 1"))
	}
	if d.MaxClaimRounds < 1 {
		errs = append(errs, errors.New("dispatch.max_claim_rounds must be at least 1"))
	}
	if d.RedirectTo != "" {
		u, err := url.Parse(d.RedirectTo)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("dispatch.redirect_to must be an absolute URL (got %q)", d.RedirectTo))
		}
	}

	if cfg.Sweep.Enabled {
		if _, err := cron.ParseStandard(cfg.Sweep.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("sweep.schedule %q: %w", cfg.Sweep.Schedule, err))
		}
	}

	switch cfg.Telemetry.Exporter {
	case "none":
	case "stdout":
		if cfg.Telemetry.Interval <= 0 {
			errs = append(errs, errors.New("telemetry.interval must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("telemetry.exporter must be none or stdout (got %q)", cfg.Telemetry.Exporter))
	}

	return errors.Join(errs...)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
