package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultInterval        = 60 * time.Second
	DefaultCooldown        = 5 * time.Minute
	DefaultSourceTimeout   = 5 * time.Second
	DefaultStateTimeout    = 5 * time.Second
	DefaultNotifyTimeout   = 10 * time.Second
	DefaultSourceDownAfter = 3
	DefaultStatePath       = "/var/lib/tripwire/state.json"
	DefaultStateDSNEnv     = "DATABASE_URL"
	DefaultNATSBucket      = "tripwire"
	DefaultSeverity        = "warning"
	DefaultSMTPPort        = 587
)

// Config is the top-level agent configuration. It is built once at startup
// and passed by value or pointer into each component; nothing re-reads it.
type Config struct {
	// Interval is the default polling interval for every condition.
	Interval time.Duration `yaml:"interval"`

	// State selects the durable backing for suppression records.
	State StateConfig `yaml:"state"`

	// Export configures the node_exporter textfile sink.
	Export ExportConfig `yaml:"export"`

	// Notify holds settings shared by all notification channels.
	Notify NotifyConfig `yaml:"notify"`

	// Channels is the list of notification targets.
	Channels []Channel `yaml:"channels"`

	// Conditions is the list of monitored conditions.
	Conditions []Condition `yaml:"conditions"`
}

// StateConfig selects the suppression store backend.
type StateConfig struct {
	// Backend is one of: file | postgres | nats.
	Backend string `yaml:"backend"`

	// Path is the JSON state file used by the file backend.
	Path string `yaml:"path"`

	// DSNEnv names the environment variable holding the Postgres DSN.
	DSNEnv string `yaml:"dsn_env"`

	// NATSURL is the NATS server URL used by the nats backend.
	NATSURL string `yaml:"nats_url"`

	// Bucket is the JetStream key-value bucket name.
	Bucket string `yaml:"bucket"`

	// Timeout bounds a single read or write of the store.
	Timeout time.Duration `yaml:"timeout"`
}

// DSN returns the Postgres connection string resolved from the environment.
func (s StateConfig) DSN() string {
	if s.DSNEnv == "" {
		return ""
	}
	return os.Getenv(s.DSNEnv)
}

// ExportConfig configures the metrics textfile exporter.
// An empty Dir disables exporting.
type ExportConfig struct {
	Dir string `yaml:"dir"`
}

// NotifyConfig holds delivery settings shared by all channels.
type NotifyConfig struct {
	// Timeout bounds one delivery attempt across all channels.
	Timeout time.Duration `yaml:"timeout"`
}

// Channel defines one notification target.
type Channel struct {
	// Name is referenced from Condition.Channels.
	Name string `yaml:"name"`

	// Type is one of: email | slack | teams | discord | http.
	Type string `yaml:"type"`

	// URLEnv is the name of the environment variable holding the webhook URL.
	URLEnv string `yaml:"url_env"`

	// SMTP is used when Type == "email".
	SMTP SMTPConfig `yaml:"smtp"`
}

// URL returns the webhook URL resolved from the environment.
func (c Channel) URL() string {
	if c.URLEnv == "" {
		return ""
	}
	return os.Getenv(c.URLEnv)
}

// SMTPConfig holds the authenticated mail transport settings.
type SMTPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// TLS is "starttls" (default) or "tls" for implicit TLS on connect.
	TLS string `yaml:"tls"`

	Username    string   `yaml:"username"`
	PasswordEnv string   `yaml:"password_env"`
	From        string   `yaml:"from"`
	To          []string `yaml:"to"`
}

// Password returns the SMTP password resolved from the environment.
func (s SMTPConfig) Password() string {
	if s.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(s.PasswordEnv)
}

// Condition is one named threshold check tracked independently for
// suppression purposes.
type Condition struct {
	// ID is the suppression key. It must be unique across conditions.
	ID string `yaml:"id"`

	Source Source `yaml:"source"`

	// Threshold is compared against the observed value. For freshness
	// sources it is expressed in seconds.
	Threshold float64 `yaml:"threshold"`

	// Op is ">" (default, violating above the threshold) or "<".
	Op string `yaml:"op"`

	// EntityMin marks a list entity as matching when its value is >= EntityMin.
	EntityMin *float64 `yaml:"entity_min"`

	// EntityMatch marks a list entity as matching when all labels are equal.
	// Combined with EntityMin as an OR.
	EntityMatch map[string]string `yaml:"entity_match"`

	// Cooldown is the minimum time between two notifications.
	Cooldown time.Duration `yaml:"cooldown"`

	// Interval overrides the global polling interval.
	Interval time.Duration `yaml:"interval"`

	// Severity is one of: critical | warning | info.
	Severity string `yaml:"severity"`

	// Subject is the notification title. Defaults to the condition ID.
	Subject string `yaml:"subject"`

	// ExportName is the metric name prefix. Defaults to the sanitized ID.
	ExportName string `yaml:"export_name"`

	// Channels lists channel names to deliver to. Empty means all channels.
	Channels []string `yaml:"channels"`

	// SourceDownAfter is the number of consecutive unavailable samples after
	// which the source outage is itself notified. The count survives restarts.
	SourceDownAfter int `yaml:"source_down_after"`

	// AlwaysReport sends the list contents every Cooldown, even when nothing
	// matches. Only valid for list sources.
	AlwaysReport bool `yaml:"always_report"`
}

// MetricPrefix returns the sanitized metric name prefix for the condition.
func (c Condition) MetricPrefix() string {
	if c.ExportName != "" {
		return MetricName(c.ExportName)
	}
	return MetricName(c.ID)
}

// Suffixes appended to a condition ID to key its auxiliary suppression
// records. Condition IDs must not end in either.
const (
	SourceDownSuffix   = ":source_down"
	SourceStreakSuffix = ":source_streak"
)

// MetricName maps s onto [a-zA-Z_][a-zA-Z0-9_]*, replacing every other
// byte with '_' and prefixing a leading digit. The result is both a valid
// Prometheus metric name and a safe file stem.
func MetricName(s string) string {
	if s == "" {
		return "_"
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
		case c >= '0' && c <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
		default:
			c = '_'
		}
		b.WriteByte(c)
	}
	return b.String()
}

// isListSource reports whether the source type yields a list observation.
func isListSource(typ string) bool {
	switch typ {
	case "pods", "alertmanager", "promql_vector":
		return true
	}
	return false
}

// Source describes where a condition's observation comes from.
type Source struct {
	// Type is one of: heartbeat | promql | promql_vector | scrape |
	// alertmanager | pods | tls_cert.
	Type string `yaml:"type"`

	// Endpoint is the base URL (promql, alertmanager), the metrics URL
	// (scrape) or the HTTPS URL (tls_cert).
	Endpoint string `yaml:"endpoint"`

	// Query is the PromQL expression for promql and promql_vector.
	Query string `yaml:"query"`

	// Metric is the metric family summed by the scrape source.
	Metric string `yaml:"metric"`

	// Labels filters scrape samples; all labels must match.
	Labels map[string]string `yaml:"labels"`

	// EntityLabel names the label used as entity name for promql_vector.
	EntityLabel string `yaml:"entity_label"`

	// Path is the heartbeat marker file.
	Path string `yaml:"path"`

	// Namespace restricts the pods source; empty means all namespaces.
	Namespace string `yaml:"namespace"`

	// Kubeconfig is used when not running in-cluster.
	Kubeconfig string `yaml:"kubeconfig"`

	// Timeout bounds one sample.
	Timeout time.Duration `yaml:"timeout"`

	Auth AuthConfig `yaml:"auth"`
	TLS  TLSConfig  `yaml:"tls"`
}

// AuthConfig specifies how an HTTP source authenticates.
type AuthConfig struct {
	// Mode is one of: mtls | apikey | bearer | basic | none.
	Mode string `yaml:"mode"`

	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`

	// Header carries the API key when Mode == "apikey".
	Header string `yaml:"header"`
	KeyEnv string `yaml:"key_env"`

	TokenEnv string `yaml:"token_env"`

	Username    string `yaml:"username"`
	PasswordEnv string `yaml:"password_env"`
}

// Key returns the API key value resolved from the environment.
func (a AuthConfig) Key() string { return lookupEnv(a.KeyEnv) }

// Token returns the bearer token value resolved from the environment.
func (a AuthConfig) Token() string { return lookupEnv(a.TokenEnv) }

// Password returns the basic-auth password resolved from the environment.
func (a AuthConfig) Password() string { return lookupEnv(a.PasswordEnv) }

func lookupEnv(name string) string {
	if name == "" {
		return ""
	}
	return os.Getenv(name)
}

// TLSConfig holds per-source TLS dial options.
type TLSConfig struct {
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// Load reads and parses the YAML config file at path.
// Missing optional fields are filled with defaults before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	applyConditionDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// defaults returns a Config pre-populated with top-level default values.
func defaults() *Config {
	return &Config{
		Interval: DefaultInterval,
		State: StateConfig{
			Backend: "file",
			Path:    DefaultStatePath,
			DSNEnv:  DefaultStateDSNEnv,
			Bucket:  DefaultNATSBucket,
			Timeout: DefaultStateTimeout,
		},
		Notify: NotifyConfig{Timeout: DefaultNotifyTimeout},
	}
}

// applyConditionDefaults fills per-condition and per-channel fields that
// yaml.v3 cannot default inside slices.
func applyConditionDefaults(cfg *Config) {
	for i := range cfg.Conditions {
		c := &cfg.Conditions[i]
		if c.Op == "" {
			c.Op = ">"
		}
		if c.Cooldown == 0 {
			c.Cooldown = DefaultCooldown
		}
		if c.Interval == 0 {
			c.Interval = cfg.Interval
		}
		if c.Severity == "" {
			c.Severity = DefaultSeverity
		}
		if c.Subject == "" {
			c.Subject = c.ID
		}
		if c.SourceDownAfter == 0 {
			c.SourceDownAfter = DefaultSourceDownAfter
		}
		if c.Source.Timeout == 0 {
			c.Source.Timeout = DefaultSourceTimeout
		}
		if c.Source.Type == "promql_vector" && c.Source.EntityLabel == "" {
			c.Source.EntityLabel = "alertname"
		}
	}
	for i := range cfg.Channels {
		ch := &cfg.Channels[i]
		if ch.Type == "email" {
			if ch.SMTP.Port == 0 {
				ch.SMTP.Port = DefaultSMTPPort
			}
			if ch.SMTP.TLS == "" {
				ch.SMTP.TLS = "starttls"
			}
		}
	}
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	if cfg.Interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	if cfg.Notify.Timeout <= 0 {
		return fmt.Errorf("notify.timeout must be positive")
	}
	switch cfg.State.Backend {
	case "file":
		if cfg.State.Path == "" {
			return fmt.Errorf("state.path is required for the file backend")
		}
	case "postgres":
		if cfg.State.DSNEnv == "" {
			return fmt.Errorf("state.dsn_env is required for the postgres backend")
		}
	case "nats":
		if cfg.State.NATSURL == "" {
			return fmt.Errorf("state.nats_url is required for the nats backend")
		}
	default:
		return fmt.Errorf("state.backend: unknown backend %q", cfg.State.Backend)
	}
	if cfg.State.Timeout <= 0 {
		return fmt.Errorf("state.timeout must be positive")
	}

	channels := make(map[string]bool, len(cfg.Channels))
	for i, ch := range cfg.Channels {
		if ch.Name == "" {
			return fmt.Errorf("channels[%d]: name is required", i)
		}
		if channels[ch.Name] {
			return fmt.Errorf("channels[%d]: duplicate name %q", i, ch.Name)
		}
		channels[ch.Name] = true
		switch ch.Type {
		case "slack", "teams", "discord", "http":
		case "email":
			switch ch.SMTP.TLS {
			case "starttls", "tls":
			default:
				return fmt.Errorf("channels[%d] %q: unknown smtp tls mode %q", i, ch.Name, ch.SMTP.TLS)
			}
		default:
			return fmt.Errorf("channels[%d] %q: unknown type %q", i, ch.Name, ch.Type)
		}
	}

	ids := make(map[string]bool, len(cfg.Conditions))
	prefixes := make(map[string]string, len(cfg.Conditions))
	for i, c := range cfg.Conditions {
		if c.ID == "" {
			return fmt.Errorf("conditions[%d]: id is required", i)
		}
		if ids[c.ID] {
			return fmt.Errorf("conditions[%d]: duplicate id %q", i, c.ID)
		}
		ids[c.ID] = true
		if strings.HasSuffix(c.ID, SourceDownSuffix) || strings.HasSuffix(c.ID, SourceStreakSuffix) {
			return fmt.Errorf("conditions[%d] %q: id must not end in %q or %q", i, c.ID, SourceDownSuffix, SourceStreakSuffix)
		}
		prefix := c.MetricPrefix()
		if other, ok := prefixes[prefix]; ok {
			return fmt.Errorf("conditions[%d] %q: export name %q collides with condition %q", i, c.ID, prefix, other)
		}
		prefixes[prefix] = c.ID
		if c.AlwaysReport && !isListSource(c.Source.Type) {
			return fmt.Errorf("conditions[%d] %q: always_report requires a list source, got %q", i, c.ID, c.Source.Type)
		}
		if c.Op != ">" && c.Op != "<" {
			return fmt.Errorf("conditions[%d] %q: op must be > or <, got %q", i, c.ID, c.Op)
		}
		if c.Cooldown < 0 {
			return fmt.Errorf("conditions[%d] %q: cooldown must not be negative", i, c.ID)
		}
		if c.Interval <= 0 {
			return fmt.Errorf("conditions[%d] %q: interval must be positive", i, c.ID)
		}
		if c.SourceDownAfter < 0 {
			return fmt.Errorf("conditions[%d] %q: source_down_after must not be negative", i, c.ID)
		}
		for _, name := range c.Channels {
			if !channels[name] {
				return fmt.Errorf("conditions[%d] %q: unknown channel %q", i, c.ID, name)
			}
		}
		if err := validateSource(c.Source); err != nil {
			return fmt.Errorf("conditions[%d] %q: %w", i, c.ID, err)
		}
	}
	return nil
}

func validateSource(src Source) error {
	switch src.Type {
	case "heartbeat":
		if src.Path == "" {
			return fmt.Errorf("source.path is required for heartbeat")
		}
	case "promql", "promql_vector":
		if src.Endpoint == "" || src.Query == "" {
			return fmt.Errorf("source.endpoint and source.query are required for %s", src.Type)
		}
	case "scrape":
		if src.Endpoint == "" || src.Metric == "" {
			return fmt.Errorf("source.endpoint and source.metric are required for scrape")
		}
	case "alertmanager", "tls_cert":
		if src.Endpoint == "" {
			return fmt.Errorf("source.endpoint is required for %s", src.Type)
		}
	case "pods":
	default:
		return fmt.Errorf("unknown source type %q", src.Type)
	}
	switch src.Auth.Mode {
	case "mtls", "apikey", "bearer", "basic", "none", "":
	default:
		return fmt.Errorf("unknown auth mode %q", src.Auth.Mode)
	}
	if src.Timeout <= 0 {
		return fmt.Errorf("source.timeout must be positive")
	}
	return nil
}
