// Package config holds the run configuration: defaults, then an optional
// YAML file, then environment variables. Command-line flags are applied
// last by the caller.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	apierrors "github.com/scttfrdmn/totcode/adapter/errors"
)

// Provider names.
const (
	ProviderOpenAI  = "openai"
	ProviderBedrock = "bedrock"
	ProviderGemini  = "gemini"
)

// Sink names.
const (
	SinkFile  = "file"
	SinkRedis = "redis"
)

// Config is the full run configuration.
type Config struct {
	Provider      ProviderConfig      `yaml:"provider"`
	Backup        ProviderConfig      `yaml:"backup"`
	Gateway       GatewayConfig       `yaml:"gateway"`
	Search        SearchConfig        `yaml:"search"`
	Dataset       DatasetConfig       `yaml:"dataset"`
	Run           RunConfig           `yaml:"run"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ProviderConfig selects and authenticates one model endpoint.
type ProviderConfig struct {
	Name       string `yaml:"name"`
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	Model      string `yaml:"model"`
	MaxChoices int    `yaml:"max_choices"`

	// Bedrock only.
	Region  string `yaml:"region"`
	Profile string `yaml:"profile"`
}

// Configured reports whether any endpoint setting is present.
func (p ProviderConfig) Configured() bool {
	return p.APIKey != "" || p.BaseURL != "" || p.Region != "" || p.Profile != ""
}

// GatewayConfig tunes the model gateway.
type GatewayConfig struct {
	ChunkCap        int           `yaml:"chunk_cap"`
	Failover        string        `yaml:"failover"`
	MaxAttempts     int           `yaml:"max_attempts"`
	MaxElapsed      time.Duration `yaml:"max_elapsed"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	RateLimit       float64       `yaml:"rate_limit"`
	RateBurst       int           `yaml:"rate_burst"`
	BudgetUSD       float64       `yaml:"budget_usd"`
	BudgetAction    string        `yaml:"budget_action"`
}

// SearchConfig selects the solver and its parameters.
type SearchConfig struct {
	MethodGenerate string  `yaml:"method_generate"`
	MethodEvaluate string  `yaml:"method_evaluate"`
	MethodSelect   string  `yaml:"method_select"`
	NGenerate      int     `yaml:"n_generate_sample"`
	NEvaluate      int     `yaml:"n_evaluate_sample"`
	NSelect        int     `yaml:"n_select_sample"`
	PromptSample   string  `yaml:"prompt_sample"`
	Naive          bool    `yaml:"naive"`
	Temperature    float64 `yaml:"temperature"`
	MaxTokens      int     `yaml:"max_tokens"`
	Concurrency    int     `yaml:"concurrency"`
	SampleFloor    float64 `yaml:"sample_floor"`
	Seed           *uint64 `yaml:"seed"`
	ValueCache     bool    `yaml:"value_cache"`
}

// DatasetConfig locates the problems.
type DatasetConfig struct {
	Path            string `yaml:"path"`
	Kind            string `yaml:"kind"`
	CredentialsFile string `yaml:"credentials_file"`
}

// RunConfig controls the driver. End 0 means the end of the dataset.
type RunConfig struct {
	Start       int           `yaml:"start"`
	End         int           `yaml:"end"`
	Workers     int           `yaml:"workers"`
	StartDelay  time.Duration `yaml:"start_delay"`
	Output      string        `yaml:"output"`
	Sink        string        `yaml:"sink"`
	RedisURL    string        `yaml:"redis_url"`
	RedisPrefix string        `yaml:"redis_prefix"`
	HaltOnError bool          `yaml:"halt_on_error"`
	Resume      bool          `yaml:"resume"`
	Upload      string        `yaml:"upload"`
}

// ObservabilityConfig controls logs, traces and metrics.
type ObservabilityConfig struct {
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`
	TraceContext  bool   `yaml:"trace_context"`
	OTLPEndpoint  string `yaml:"otlp_endpoint"`
	ConsoleTraces bool   `yaml:"console_traces"`
	MetricsAddr   string `yaml:"metrics_addr"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Provider: ProviderConfig{Name: ProviderOpenAI, Model: "gpt-4.1-nano"},
		Gateway: GatewayConfig{
			Failover:        "any",
			InitialInterval: time.Second,
			MaxInterval:     60 * time.Second,
			BudgetAction:    "error",
		},
		Search: SearchConfig{
			MethodGenerate: "sample",
			MethodEvaluate: "value",
			MethodSelect:   "greedy",
			NGenerate:      1,
			NEvaluate:      1,
			NSelect:        1,
			PromptSample:   "cot",
			Temperature:    0.7,
			Concurrency:    1,
			SampleFloor:    1e-3,
			ValueCache:     true,
		},
		Run: RunConfig{
			Workers:    1,
			StartDelay: 5 * time.Second,
			Sink:       SinkFile,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
	}
}

// Load builds a configuration from defaults, the YAML file at path (if
// path is not empty) and the process environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()
		if err := cfg.Decode(f); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode overlays YAML from r onto c. Unknown keys are rejected.
func (c *Config) Decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// Marshal renders c as YAML.
func (c *Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("failed to render config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// LoadDotEnv loads variables from the given .env files (default ".env")
// without overriding variables already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overlays environment variables read through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	str("TOTCODE_PROVIDER", &c.Provider.Name)
	str("TOTCODE_MODEL", &c.Provider.Model)
	str("TOTCODE_DATASET", &c.Dataset.Path)
	str("TOTCODE_REDIS_URL", &c.Run.RedisURL)
	str("TOTCODE_LOG_LEVEL", &c.Observability.LogLevel)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Observability.OTLPEndpoint)
	str("GOOGLE_APPLICATION_CREDENTIALS", &c.Dataset.CredentialsFile)

	switch c.Provider.Name {
	case ProviderOpenAI:
		str("OPENAI_API_KEY", &c.Provider.APIKey)
		str("OPENAI_API_BASE", &c.Provider.BaseURL)
	case ProviderGemini:
		str("GEMINI_API_KEY", &c.Provider.APIKey)
	case ProviderBedrock:
		str("AWS_REGION", &c.Provider.Region)
		str("AWS_PROFILE", &c.Provider.Profile)
	}

	str("BACKUP_OPENAI_API_KEY", &c.Backup.APIKey)
	str("BACKUP_OPENAI_API_BASE", &c.Backup.BaseURL)
	if c.Backup.Configured() && c.Backup.Name == "" {
		c.Backup.Name = ProviderOpenAI
	}

	if v, ok := lookup("TOTCODE_BUDGET_USD"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return apierrors.NewConfigError("TOTCODE_BUDGET_USD", fmt.Sprintf("not a number: %q", v))
		}
		c.Gateway.BudgetUSD = f
	}
	return nil
}

// Validate checks the configuration. Every failure is a *ConfigError.
func (c *Config) Validate() error {
	if err := validateProvider("provider", c.Provider, true); err != nil {
		return err
	}
	if c.Backup.Configured() {
		if err := validateProvider("backup", c.Backup, false); err != nil {
			return err
		}
	}

	g := c.Gateway
	if g.Failover != "any" && g.Failover != "limits" {
		return apierrors.NewConfigError("gateway.failover", "must be any or limits")
	}
	if g.ChunkCap < 0 || g.MaxAttempts < 0 || g.MaxElapsed < 0 {
		return apierrors.NewConfigError("gateway", "chunk_cap, max_attempts and max_elapsed must not be negative")
	}
	if g.RateLimit < 0 || g.BudgetUSD < 0 {
		return apierrors.NewConfigError("gateway", "rate_limit and budget_usd must not be negative")
	}
	if g.BudgetAction != "error" && g.BudgetAction != "warning" {
		return apierrors.NewConfigError("gateway.budget_action", "must be error or warning")
	}

	s := c.Search
	if err := oneOf("search.method_generate", s.MethodGenerate, "sample", "propose"); err != nil {
		return err
	}
	if err := oneOf("search.method_evaluate", s.MethodEvaluate, "value", "vote"); err != nil {
		return err
	}
	if err := oneOf("search.method_select", s.MethodSelect, "greedy", "sample"); err != nil {
		return err
	}
	if err := oneOf("search.prompt_sample", s.PromptSample, "standard", "cot"); err != nil {
		return err
	}
	if s.NGenerate < 1 || s.NEvaluate < 1 || s.NSelect < 1 {
		return apierrors.NewConfigError("search", "sample counts must be at least 1")
	}
	if s.Temperature < 0 || s.Temperature > 2 {
		return apierrors.NewConfigError("search.temperature", "must be between 0 and 2")
	}
	if s.MaxTokens < 0 || s.Concurrency < 1 || s.SampleFloor < 0 {
		return apierrors.NewConfigError("search", "max_tokens and sample_floor must not be negative, concurrency must be at least 1")
	}

	if c.Dataset.Path == "" {
		return apierrors.NewConfigError("dataset.path", "dataset path is required")
	}
	if c.Dataset.Kind != "" {
		if err := oneOf("dataset.kind", c.Dataset.Kind, "function", "script", "script_with_starter"); err != nil {
			return err
		}
	}

	r := c.Run
	if r.Start < 0 || r.End < 0 || (r.End != 0 && r.End < r.Start) {
		return apierrors.NewConfigError("run", fmt.Sprintf("invalid range [%d, %d)", r.Start, r.End))
	}
	if r.Workers < 1 {
		return apierrors.NewConfigError("run.workers", "must be at least 1")
	}
	if r.StartDelay < 0 {
		return apierrors.NewConfigError("run.start_delay", "must not be negative")
	}
	switch r.Sink {
	case SinkFile:
		if r.Output == "" {
			return apierrors.NewConfigError("run.output", "output path is required for the file sink")
		}
	case SinkRedis:
		if r.RedisURL == "" {
			return apierrors.NewConfigError("run.redis_url", "redis url is required for the redis sink")
		}
		if r.Resume {
			return apierrors.NewConfigError("run.resume", "resume is only supported with the file sink")
		}
	default:
		return apierrors.NewConfigError("run.sink", "must be file or redis")
	}

	o := c.Observability
	if err := oneOf("observability.log_format", o.LogFormat, "text", "json"); err != nil {
		return err
	}
	return nil
}

func validateProvider(field string, p ProviderConfig, primary bool) error {
	switch p.Name {
	case ProviderOpenAI:
		if p.APIKey == "" {
			if primary {
				return apierrors.NewConfigError(field+".api_key", "no API key: set OPENAI_API_KEY")
			}
			return apierrors.NewConfigError(field+".api_key", "no API key: set BACKUP_OPENAI_API_KEY")
		}
	case ProviderGemini:
		if p.APIKey == "" {
			return apierrors.NewConfigError(field+".api_key", "no API key: set GEMINI_API_KEY")
		}
	case ProviderBedrock:
		if p.Region == "" {
			return apierrors.NewConfigError(field+".region", "no region: set AWS_REGION")
		}
	default:
		return apierrors.NewConfigError(field+".name", fmt.Sprintf("unknown provider %q", p.Name))
	}
	if p.MaxChoices < 0 {
		return apierrors.NewConfigError(field+".max_choices", "must not be negative")
	}
	return nil
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return apierrors.NewConfigError(field, fmt.Sprintf("unknown value %q", value))
}
