package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/flowmend/flowmend/pkg/engine"
	"github.com/flowmend/flowmend/pkg/telemetry"
	"github.com/joho/godotenv"
)

// Settings holds session settings read from the environment.
type Settings struct {
	// NiFi
	NiFiBaseURL     string `env:"NIFI_BASE_URL"`
	NiFiAuth        string `env:"NIFI_AUTH"`
	NiFiVerifySSL   bool   `env:"NIFI_VERIFY_SSL" envDefault:"true"`
	SandboxParent   string `env:"SANDBOX_VALIDATION_PROCESSOR_GROUP"`
	ProductionGroup string `env:"NIFI_PRODUCTION_GROUP"`

	// Oracle
	GeminiAPIKey string `env:"GEMINI_API_KEY"`
	LLMModel     string `env:"LLM_MODEL" envDefault:"gemini-2.0-flash"`

	// Healing loop
	MaxHeals            int           `env:"MAX_VALIDATION_FIX_RETRIES" envDefault:"3"`
	MaxTransientRetries int           `env:"MAX_TRANSIENT_RETRIES" envDefault:"4"`
	Workers             int           `env:"FLOWMEND_WORKERS" envDefault:"4"`
	OracleConcurrency   int           `env:"FLOWMEND_ORACLE_CONCURRENCY" envDefault:"2"`
	RemoteTimeout       time.Duration `env:"FLOWMEND_REMOTE_TIMEOUT" envDefault:"30s"`
	OracleTimeout       time.Duration `env:"FLOWMEND_ORACLE_TIMEOUT" envDefault:"60s"`
	SessionTimeout      time.Duration `env:"FLOWMEND_SESSION_TIMEOUT" envDefault:"15m"`
	TeardownTimeout     time.Duration `env:"FLOWMEND_TEARDOWN_TIMEOUT" envDefault:"2m"`
	TeardownRetries     int           `env:"FLOWMEND_TEARDOWN_RETRIES" envDefault:"3"`
	SandboxPrefix       string        `env:"FLOWMEND_SANDBOX_PREFIX" envDefault:"flowmend-sandbox"`

	// Throttles
	RemoteRPS float64 `env:"FLOWMEND_REMOTE_RPS" envDefault:"20"`
	OracleRPM float64 `env:"FLOWMEND_ORACLE_RPM" envDefault:"30"`

	// Ambient
	DBPath        string `env:"FLOWMEND_DB_PATH" envDefault:"flowmend.db"`
	MetricsAddr   string `env:"FLOWMEND_METRICS_ADDR"`
	TraceExporter string `env:"FLOWMEND_TRACE_EXPORTER" envDefault:"none"`
	TraceEndpoint string `env:"FLOWMEND_TRACE_ENDPOINT" envDefault:"localhost:4317"`
	LogFormat     string `env:"LOG_FORMAT" envDefault:"console"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
}

// LoadSettings loads an optional .env file and parses the environment.
// Variables already set in the environment win over the file.
func LoadSettings(envFile string) (*Settings, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	s, err := env.ParseAs[Settings]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}
	return &s, nil
}

// ParseSettings parses settings from an explicit variable map instead of the
// process environment.
func ParseSettings(vars map[string]string) (*Settings, error) {
	var s Settings
	if err := env.ParseWithOptions(&s, env.Options{Environment: vars}); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}
	return &s, nil
}

// Validate range-checks the settings. The NiFi URL is only checked when set,
// so offline commands work without it.
func (s *Settings) Validate() error {
	var problems []string
	if s.NiFiBaseURL != "" {
		u, err := url.Parse(s.NiFiBaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			problems = append(problems, "NIFI_BASE_URL must be an absolute URL")
		}
	}
	if s.RemoteRPS <= 0 {
		problems = append(problems, "FLOWMEND_REMOTE_RPS must be positive")
	}
	if s.OracleRPM <= 0 {
		problems = append(problems, "FLOWMEND_ORACLE_RPM must be positive")
	}
	switch s.TraceExporter {
	case "none", "stdout", "otlp":
	default:
		problems = append(problems, "FLOWMEND_TRACE_EXPORTER must be one of none, stdout, otlp")
	}
	if err := s.Session().Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid settings: %s", strings.Join(problems, "; "))
	}
	return nil
}

// RequireRemote reports an error when the NiFi connection is not configured.
func (s *Settings) RequireRemote() error {
	if s.NiFiBaseURL == "" {
		return errors.New("NIFI_BASE_URL is not set")
	}
	return nil
}

// Session returns the session configuration carried into the engine.
func (s *Settings) Session() engine.SessionConfig {
	cfg := engine.DefaultSessionConfig()
	cfg.MaxHeals = s.MaxHeals
	cfg.MaxTransientRetries = s.MaxTransientRetries
	cfg.Workers = s.Workers
	cfg.OracleConcurrency = s.OracleConcurrency
	cfg.RemoteTimeout = s.RemoteTimeout
	cfg.OracleTimeout = s.OracleTimeout
	cfg.SessionTimeout = s.SessionTimeout
	cfg.TeardownTimeout = s.TeardownTimeout
	cfg.TeardownRetries = s.TeardownRetries
	if s.SandboxPrefix != "" {
		cfg.SandboxPrefix = s.SandboxPrefix
	}
	return cfg
}

// Telemetry returns the telemetry configuration for these settings.
func (s *Settings) Telemetry(version string) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	if version != "" {
		cfg.ServiceVersion = version
	}
	if s.LogLevel != "" {
		cfg.Logging.Level = strings.ToLower(s.LogLevel)
	}
	if s.LogFormat != "" {
		cfg.Logging.Format = s.LogFormat
	}
	if s.TraceExporter != "" && s.TraceExporter != "none" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = s.TraceExporter
		cfg.Tracing.Endpoint = s.TraceEndpoint
	}
	cfg.Metrics.ListenAddress = s.MetricsAddr
	return cfg
}
