// Package config provides configuration structures and loading logic for the
// safety engine.
package config

import (
	"crypto/tls"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-safety/pkg/domain"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "POLIS_SAFETY_"

// Config holds the global configuration.
type Config struct {
	Logging     LoggingConfig    `yaml:"logging"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Server      ServerConfig     `yaml:"server"`
	Classifier  ClassifierConfig `yaml:"classifier"`
	Lexicons    LexiconConfig    `yaml:"lexicons"`
	Audit       AuditConfig      `yaml:"audit"`
	Policies    []PolicyConfig   `yaml:"policies"`
	Constraints []string         `yaml:"constraints,omitempty"`

	// baseDir resolves relative paths; it is the directory of the loaded file.
	baseDir string
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string            `yaml:"otlp_endpoint"`
	Insecure     bool              `yaml:"insecure"`
	ServiceName  string            `yaml:"service_name"`
	Environment  string            `yaml:"environment,omitempty"`
	Headers      map[string]string `yaml:"headers,omitempty"`
	// SampleRatio is the fraction of root traces exported. Zero exports all.
	SampleRatio  float64           `yaml:"sample_ratio,omitempty"`
}

// ServerConfig holds configuration for the HTTP API.
type ServerConfig struct {
	Address   string           `yaml:"address"`
	TLS       *TLSConfig       `yaml:"tls,omitempty"`
	RateLimit *RateLimitConfig `yaml:"rate_limit,omitempty"`
}

// RateLimitConfig limits evaluations per policy. The top-level values apply
// to every policy without its own entry; zero leaves those unlimited.
type RateLimitConfig struct {
	RequestsPerSecond int                    `yaml:"requests_per_second"`
	Burst             int                    `yaml:"burst"`
	Policies          map[string]LimitConfig `yaml:"policies,omitempty"`
}

// LimitConfig is a single token bucket setting.
type LimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	Burst             int `yaml:"burst"`
}

// TLSConfig enables TLS termination on the HTTP API.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	MinVersion string `yaml:"min_version,omitempty"`
}

// ClassifierConfig configures the external LLM classifier.
type ClassifierConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	Model       string        `yaml:"model"`
	APIKeyEnv   string        `yaml:"api_key_env"`
	Timeout     time.Duration `yaml:"timeout"`
	Temperature float64       `yaml:"temperature"`
	PromptsDir  string        `yaml:"prompts_dir"`
	Breaker     BreakerConfig `yaml:"breaker"`
	// Disabled skips classifier construction; llm detectors then fail to build.
	Disabled bool `yaml:"disabled"`
}

// BreakerConfig configures the classifier circuit breaker.
type BreakerConfig struct {
	MaxFailures int           `yaml:"max_failures"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

// LexiconConfig points at an optional lexicon override directory.
type LexiconConfig struct {
	Dir string `yaml:"dir"`
}

// AuditConfig configures evaluation auditing.
type AuditConfig struct {
	Enabled bool `yaml:"enabled"`
	Buffer  int  `yaml:"buffer"`
}

// PolicyConfig declares one named policy, either by preset or explicitly.
type PolicyConfig struct {
	Name        string   `yaml:"name"`
	Preset      string   `yaml:"preset,omitempty"`
	Category    string   `yaml:"category,omitempty"`
	Detector    string   `yaml:"detector,omitempty"`
	Detectors   []string `yaml:"detectors,omitempty"`
	Action      string   `yaml:"action,omitempty"`
	Threshold   *float64 `yaml:"threshold,omitempty"`
	FailMode    string   `yaml:"fail_mode,omitempty"`
	Placeholder string   `yaml:"placeholder,omitempty"`
}

// DetectorKinds returns Detector followed by Detectors.
func (p PolicyConfig) DetectorKinds() []string {
	var kinds []string
	if d := strings.TrimSpace(p.Detector); d != "" {
		kinds = append(kinds, d)
	}
	for _, d := range p.Detectors {
		if d = strings.TrimSpace(d); d != "" {
			kinds = append(kinds, d)
		}
	}
	return kinds
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logging:   LoggingConfig{Level: "info"},
		Telemetry: TelemetryConfig{Insecure: true, ServiceName: "polis-safety"},
		Server:    ServerConfig{Address: ":8095"},
		Classifier: ClassifierConfig{
			Endpoint:  "https://api.openai.com/v1/chat/completions",
			Model:     "gpt-4o-mini",
			APIKeyEnv: "OPENAI_API_KEY",
			Timeout:   10 * time.Second,
			Breaker:   BreakerConfig{MaxFailures: 5, OpenTimeout: 30 * time.Second},
		},
		Audit: AuditConfig{Enabled: true, Buffer: 256},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
// An empty path yields the defaults with overrides applied.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		if err := finish(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	//nolint:gosec // Config file path is controlled by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if abs, err := filepath.Abs(path); err == nil {
		cfg.baseDir = filepath.Dir(abs)
	}
	if err := finish(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML configuration on top of the defaults, applies
// environment overrides and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}
	if err := finish(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &domain.ConfigError{Field: "yaml", Message: err.Error(), Err: err}
	}
	return cfg, nil
}

func finish(cfg *Config) error {
	if err := applyEnvOverrides(cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) error {
	str := func(name string, dst *string) {
		if val, ok := os.LookupEnv(EnvPrefix + name); ok && val != "" {
			*dst = val
		}
	}
	boolean := func(name string, dst *bool) error {
		val, ok := os.LookupEnv(EnvPrefix + name)
		if !ok || val == "" {
			return nil
		}
		b, err := strconv.ParseBool(val)
		if err != nil {
			return domain.InvalidConfig(EnvPrefix+name, "invalid boolean %q", val)
		}
		*dst = b
		return nil
	}
	duration := func(name string, dst *time.Duration) error {
		val, ok := os.LookupEnv(EnvPrefix + name)
		if !ok || val == "" {
			return nil
		}
		d, err := time.ParseDuration(val)
		if err != nil {
			return domain.InvalidConfig(EnvPrefix+name, "invalid duration %q", val)
		}
		*dst = d
		return nil
	}

	str("LOG_LEVEL", &cfg.Logging.Level)
	str("SERVER_ADDR", &cfg.Server.Address)
	str("OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)
	str("SERVICE_NAME", &cfg.Telemetry.ServiceName)
	str("CLASSIFIER_ENDPOINT", &cfg.Classifier.Endpoint)
	str("CLASSIFIER_MODEL", &cfg.Classifier.Model)
	str("CLASSIFIER_API_KEY_ENV", &cfg.Classifier.APIKeyEnv)
	str("PROMPTS_DIR", &cfg.Classifier.PromptsDir)
	str("LEXICON_DIR", &cfg.Lexicons.Dir)

	for name, dst := range map[string]*bool{
		"LOG_PRETTY":          &cfg.Logging.Pretty,
		"OTLP_INSECURE":       &cfg.Telemetry.Insecure,
		"AUDIT_ENABLED":       &cfg.Audit.Enabled,
		"CLASSIFIER_DISABLED": &cfg.Classifier.Disabled,
	} {
		if err := boolean(name, dst); err != nil {
			return err
		}
	}
	return duration("CLASSIFIER_TIMEOUT", &cfg.Classifier.Timeout)
}

// Validate performs validation of the entire configuration and normalises
// a few fields in place.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Server.Address) == "" {
		c.Server.Address = ":8095"
	}
	if c.Server.TLS != nil && c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "" {
			return domain.InvalidConfig("server.tls", "cert_file and key_file are required when TLS is enabled")
		}
		if _, err := c.Server.TLS.Version(); err != nil {
			return err
		}
	}
	if rl := c.Server.RateLimit; rl != nil {
		if rl.RequestsPerSecond < 0 || rl.Burst < 0 {
			return domain.InvalidConfig("server.rate_limit", "values must not be negative")
		}
		for name, l := range rl.Policies {
			if l.RequestsPerSecond <= 0 || l.Burst < 0 {
				return domain.InvalidConfig("server.rate_limit.policies."+name, "requests_per_second must be positive")
			}
		}
	}
	if r := c.Telemetry.SampleRatio; r < 0 || r > 1 {
		return domain.InvalidConfig("telemetry.sample_ratio", "must be between 0 and 1")
	}
	if c.Classifier.Timeout < 0 {
		return domain.InvalidConfig("classifier.timeout", "must not be negative")
	}
	if c.Classifier.Breaker.MaxFailures < 0 || c.Classifier.Breaker.OpenTimeout < 0 {
		return domain.InvalidConfig("classifier.breaker", "values must not be negative")
	}
	if c.Audit.Buffer < 0 {
		return domain.InvalidConfig("audit.buffer", "must not be negative")
	}

	seen := make(map[string]bool, len(c.Policies))
	for i := range c.Policies {
		p := &c.Policies[i]
		p.Name = strings.TrimSpace(p.Name)
		if p.Name == "" {
			return domain.InvalidConfig(fmt.Sprintf("policies[%d].name", i), "name is required")
		}
		if seen[p.Name] {
			return domain.InvalidConfig(fmt.Sprintf("policies[%d].name", i), "duplicate policy name %q", p.Name)
		}
		seen[p.Name] = true
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the shape of a policy declaration. Whether presets,
// categories and combinations exist is decided by the catalog.
func (p PolicyConfig) Validate() error {
	field := "policies." + p.Name
	explicit := p.Category != "" || p.Action != "" || len(p.DetectorKinds()) > 0
	switch {
	case p.Preset != "" && explicit:
		return domain.InvalidConfig(field, "preset cannot be combined with category, detector or action")
	case p.Preset == "" && (p.Category == "" || p.Action == "" || len(p.DetectorKinds()) == 0):
		return domain.InvalidConfig(field, "either preset or category, detector and action are required")
	}
	if p.Threshold != nil && (*p.Threshold < 0 || *p.Threshold > 1) {
		return domain.InvalidConfig(field, "threshold %v outside [0,1]", *p.Threshold)
	}
	switch strings.ToLower(strings.TrimSpace(p.FailMode)) {
	case "", "closed", "block", "fail-closed", "fail-block":
	default:
		return domain.InvalidConfig(field, "unsupported fail_mode %q", p.FailMode)
	}
	return nil
}

// Validate normalises and checks the log level.
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}
	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
		return nil
	default:
		return domain.InvalidConfig("logging.level", "invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}
}

// Version returns the configured minimum TLS version, defaulting to 1.2.
func (c *TLSConfig) Version() (uint16, error) {
	switch strings.TrimSpace(c.MinVersion) {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, domain.InvalidConfig("server.tls.min_version", "unsupported TLS version %q", c.MinVersion)
	}
}

// Path resolves p against the directory of the loaded configuration file.
func (c *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) || c.baseDir == "" {
		return p
	}
	return filepath.Join(c.baseDir, p)
}

// ConstraintModules reads the extra Rego modules listed under constraints,
// keyed by file path.
func (c *Config) ConstraintModules() (map[string]string, error) {
	if len(c.Constraints) == 0 {
		return nil, nil
	}
	modules := make(map[string]string, len(c.Constraints))
	for _, p := range c.Constraints {
		path := c.Path(p)
		//nolint:gosec // Constraint paths are controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &domain.ConfigError{Field: "constraints", Message: fmt.Sprintf("read %s: %v", path, err), Err: err}
		}
		modules[path] = string(data)
	}
	return modules, nil
}

// APIKey returns the classifier API key from the configured environment variable.
func (c ClassifierConfig) APIKey() string {
	if c.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.APIKeyEnv)
}
