package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the firewall.
type Config struct {
	Listen        string `yaml:"listen"`         // proxy surface (OpenAI/Anthropic/Google routes)
	ControlListen string `yaml:"control_listen"` // ops surface (/health, /classify, /redact, /detokenize, /route, /audit/query)
	DefaultRegion string `yaml:"default_region"` // region assumed when X-MCP-Region is absent

	Salt          []byte `yaml:"-"` // SALT_ENV; never logged, never round-tripped through YAML
	TokenBackend  string `yaml:"token_backend"`
	RemoteURL     string `yaml:"remote_url"`
	EncryptionKey string `yaml:"-"` // ENCRYPTION_KEY; same handling as Salt

	PolicyPath string `yaml:"policy_path"`
	AuditPath  string `yaml:"audit_path"`

	MaxPayloadBytes int64 `yaml:"max_payload_bytes"`

	ProxyEnabled bool           `yaml:"proxy_enabled"`
	Upstreams    UpstreamConfig `yaml:"upstreams"`

	SIEM      SIEMConfig      `yaml:"siem"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// UpstreamConfig overrides the default provider base URLs, mainly for tests
// and for routing through a regional or self-hosted gateway.
type UpstreamConfig struct {
	OpenAIURL    string `yaml:"openai_url"`
	AnthropicURL string `yaml:"anthropic_url"`
	GoogleURL    string `yaml:"google_url"`
}

// SIEMConfig selects and configures the audit pipeline's SIEM shipper.
type SIEMConfig struct {
	Type          string            `yaml:"type"` // none, splunk, elasticsearch, datadog, syslog
	Splunk        SplunkSIEMConfig  `yaml:"splunk"`
	Elasticsearch ElasticSIEMConfig `yaml:"elasticsearch"`
	Datadog       DatadogSIEMConfig `yaml:"datadog"`
	Syslog        SyslogSIEMConfig  `yaml:"syslog"`
}

type SplunkSIEMConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"-"`
	Index string `yaml:"index"`
}

type ElasticSIEMConfig struct {
	URL    string `yaml:"url"`
	Index  string `yaml:"index"`
	APIKey string `yaml:"-"`
}

type DatadogSIEMConfig struct {
	URL     string `yaml:"url"`
	APIKey  string `yaml:"-"`
	Service string `yaml:"service"`
}

type SyslogSIEMConfig struct {
	Addr string `yaml:"addr"`
	App  string `yaml:"app"`
}

// LoggingConfig holds structured-logging configuration.
type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// Load reads and parses the configuration file, then layers environment
// variable overrides on top the way the teacher's own config loader does.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- config path from trusted CLI flag
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Listen:          ":8080",
		ControlListen:   ":9090",
		DefaultRegion:   "us",
		TokenBackend:    "memory",
		PolicyPath:      "policy.yaml",
		AuditPath:       "data/audit.log",
		MaxPayloadBytes: 262144,
		ProxyEnabled:    false,
		Upstreams: UpstreamConfig{
			OpenAIURL:    "https://api.openai.com",
			AnthropicURL: "https://api.anthropic.com",
			GoogleURL:    "https://generativelanguage.googleapis.com",
		},
		SIEM: SIEMConfig{Type: "none"},
		Logging: LoggingConfig{
			Format: "json",
			Level:  "info",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Exporter:    "none",
			ServiceName: "elida-firewall",
			Endpoint:    "localhost:4317",
			Insecure:    true,
		},
	}
}

// applyEnvOverrides applies the environment variable surface named in the
// external interface spec. Secret-bearing values (salt, encryption key, SIEM
// credentials) are env-only — they are never read from or written to YAML.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SALT_ENV"); v != "" {
		c.Salt = []byte(v)
	}
	if v := os.Getenv("TOKEN_BACKEND"); v != "" {
		c.TokenBackend = v
	}
	if v := os.Getenv("REMOTE_URL"); v != "" {
		c.RemoteURL = v
	}
	if v := os.Getenv("ENCRYPTION_KEY"); v != "" {
		c.EncryptionKey = v
	}
	if v := os.Getenv("POLICY_PATH"); v != "" {
		c.PolicyPath = v
	}
	if v := os.Getenv("AUDIT_PATH"); v != "" {
		c.AuditPath = v
	}
	if v := os.Getenv("MAX_PAYLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.MaxPayloadBytes = n
		}
	}
	if v := os.Getenv("PROXY_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.ProxyEnabled = b
		}
	}
	if v := os.Getenv("UPSTREAM_OPENAI_URL"); v != "" {
		c.Upstreams.OpenAIURL = v
	}
	if v := os.Getenv("UPSTREAM_ANTHROPIC_URL"); v != "" {
		c.Upstreams.AnthropicURL = v
	}
	if v := os.Getenv("UPSTREAM_GOOGLE_URL"); v != "" {
		c.Upstreams.GoogleURL = v
	}

	if v := os.Getenv("SIEM_TYPE"); v != "" {
		c.SIEM.Type = v
	}
	if v := os.Getenv("SIEM_SPLUNK_URL"); v != "" {
		c.SIEM.Splunk.URL = v
	}
	if v := os.Getenv("SIEM_SPLUNK_TOKEN"); v != "" {
		c.SIEM.Splunk.Token = v
	}
	if v := os.Getenv("SIEM_SPLUNK_INDEX"); v != "" {
		c.SIEM.Splunk.Index = v
	}
	if v := os.Getenv("SIEM_ELASTICSEARCH_URL"); v != "" {
		c.SIEM.Elasticsearch.URL = v
	}
	if v := os.Getenv("SIEM_ELASTICSEARCH_INDEX"); v != "" {
		c.SIEM.Elasticsearch.Index = v
	}
	if v := os.Getenv("SIEM_ELASTICSEARCH_API_KEY"); v != "" {
		c.SIEM.Elasticsearch.APIKey = v
	}
	if v := os.Getenv("SIEM_DATADOG_URL"); v != "" {
		c.SIEM.Datadog.URL = v
	}
	if v := os.Getenv("SIEM_DATADOG_API_KEY"); v != "" {
		c.SIEM.Datadog.APIKey = v
	}
	if v := os.Getenv("SIEM_DATADOG_SERVICE"); v != "" {
		c.SIEM.Datadog.Service = v
	}
	if v := os.Getenv("SIEM_SYSLOG_ADDR"); v != "" {
		c.SIEM.Syslog.Addr = v
	}
	if v := os.Getenv("SIEM_SYSLOG_APP"); v != "" {
		c.SIEM.Syslog.App = v
	}

	if v := os.Getenv("LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("CONTROL_LISTEN"); v != "" {
		c.ControlListen = v
	}
	if v := os.Getenv("DEFAULT_REGION"); v != "" {
		c.DefaultRegion = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}

	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Enabled = true
		c.Telemetry.Exporter = "otlp"
		c.Telemetry.Endpoint = v
	}
	if b, err := strconv.ParseBool(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); err == nil {
		c.Telemetry.Insecure = b
	}
}

func (c *Config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if len(c.Salt) < 16 {
		return fmt.Errorf("SALT_ENV is required and must be at least 16 bytes")
	}
	if c.TokenBackend != "memory" && c.TokenBackend != "remote" {
		return fmt.Errorf("token_backend must be \"memory\" or \"remote\", got %q", c.TokenBackend)
	}
	if c.TokenBackend == "remote" {
		if c.RemoteURL == "" {
			return fmt.Errorf("remote_url is required when token_backend is \"remote\"")
		}
		if c.EncryptionKey == "" {
			return fmt.Errorf("ENCRYPTION_KEY is required when token_backend is \"remote\"")
		}
	}
	if c.MaxPayloadBytes <= 0 {
		return fmt.Errorf("max_payload_bytes must be positive")
	}
	switch c.SIEM.Type {
	case "", "none", "splunk", "elasticsearch", "datadog", "syslog":
	default:
		return fmt.Errorf("siem type must be one of none/splunk/elasticsearch/datadog/syslog, got %q", c.SIEM.Type)
	}
	return nil
}
