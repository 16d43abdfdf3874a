package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Viper keys. Each one is also read from the environment variable of the same
// name in upper case, e.g. flowise_api_url from FLOWISE_API_URL.
const (
	KeyFlowiseAPIURL     = "flowise_api_url"
	KeyChatflowID        = "flowise_chatflow_id"
	KeyProxyURL          = "flowise_proxy_url"
	KeyPort              = "port"
	KeyListenAddr        = "listen_addr"
	KeyModelName         = "model_name"
	KeyRequestTimeout    = "request_timeout"
	KeyStreamIdleTimeout = "stream_idle_timeout"
	KeyCORSOrigins       = "cors_allowed_origins"
	KeyMetricsEnabled    = "metrics_enabled"
	KeyLogFormat         = "log_format"
	KeyDebug             = "debug"
)

const (
	defaultPort              = 3001
	defaultModelName         = "flowise-proxy"
	defaultRequestTimeout    = 120 * time.Second
	defaultStreamIdleTimeout = 60 * time.Second
)

type Config struct {
	FlowiseAPIURL string
	ChatflowID    string
	// ProxyURL routes Flowise requests through an HTTP proxy when set.
	ProxyURL   string
	ListenAddr string
	ModelName  string
	// RequestTimeout bounds a blocking prediction and the start of a stream.
	RequestTimeout time.Duration
	// StreamIdleTimeout closes a stream after this long without upstream data.
	// Zero disables it.
	StreamIdleTimeout  time.Duration
	CORSAllowedOrigins []string
	MetricsEnabled     bool
	LogFormat          string
	Debug              bool
}

// flagKeys maps each command-line flag to its viper key.
var flagKeys = map[string]string{
	"flowise-api-url":      KeyFlowiseAPIURL,
	"chatflow-id":          KeyChatflowID,
	"flowise-proxy-url":    KeyProxyURL,
	"port":                 KeyPort,
	"listen-addr":          KeyListenAddr,
	"model-name":           KeyModelName,
	"request-timeout":      KeyRequestTimeout,
	"stream-idle-timeout":  KeyStreamIdleTimeout,
	"cors-allowed-origins": KeyCORSOrigins,
	"metrics":              KeyMetricsEnabled,
	"log-format":           KeyLogFormat,
	"debug":                KeyDebug,
}

// RegisterFlags adds the server flags to cmd.
func RegisterFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("flowise-api-url", "", "Flowise base URL or full prediction URL")
	f.String("chatflow-id", "", "Flowise chatflow ID")
	f.String("flowise-proxy-url", "", "HTTP/HTTPS proxy URL for Flowise requests (e.g. http://proxy:8080)")
	f.Int("port", defaultPort, "listen port")
	f.String("listen-addr", "", "listen address; overrides --port")
	f.String("model-name", defaultModelName, "model name reported to clients")
	f.String("request-timeout", defaultRequestTimeout.String(), "Flowise round-trip timeout (duration or seconds)")
	f.String("stream-idle-timeout", defaultStreamIdleTimeout.String(), "close a stream after this long without Flowise data; 0 disables")
	f.String("cors-allowed-origins", "*", "comma-separated allowed CORS origins")
	f.Bool("metrics", true, "expose Prometheus metrics on /metrics")
	f.String("log-format", "text", "log format: text, json or pretty")
	f.Bool("debug", false, "enable debug logging")
	f.String("env-file", ".env", "dotenv file loaded before reading the environment")
}

// Bind wires cmd's flags and the environment into v.
func Bind(v *viper.Viper, cmd *cobra.Command) error {
	f := cmd.Flags()
	for flag, key := range flagKeys {
		if err := v.BindPFlag(key, f.Lookup(flag)); err != nil {
			return fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}
	v.AutomaticEnv()
	return nil
}

// LoadEnvFile loads a dotenv file into the process environment. Variables that
// are already set keep their values. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// Load reads the configuration from v and validates it.
func Load(v *viper.Viper) (*Config, error) {
	requestTimeout, err := duration(v, KeyRequestTimeout, defaultRequestTimeout)
	if err != nil {
		return nil, err
	}
	idleTimeout, err := duration(v, KeyStreamIdleTimeout, defaultStreamIdleTimeout)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		FlowiseAPIURL:      strings.TrimSpace(v.GetString(KeyFlowiseAPIURL)),
		ChatflowID:         strings.TrimSpace(v.GetString(KeyChatflowID)),
		ProxyURL:           v.GetString(KeyProxyURL),
		ListenAddr:         v.GetString(KeyListenAddr),
		ModelName:          v.GetString(KeyModelName),
		RequestTimeout:     requestTimeout,
		StreamIdleTimeout:  idleTimeout,
		CORSAllowedOrigins: splitList(v.GetString(KeyCORSOrigins)),
		MetricsEnabled:     v.GetBool(KeyMetricsEnabled),
		LogFormat:          v.GetString(KeyLogFormat),
		Debug:              v.GetBool(KeyDebug),
	}
	if cfg.ListenAddr == "" {
		port := v.GetInt(KeyPort)
		if port == 0 {
			port = defaultPort
		}
		cfg.ListenAddr = ":" + strconv.Itoa(port)
	}
	if cfg.ModelName == "" {
		cfg.ModelName = defaultModelName
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports missing or inconsistent settings.
func (c *Config) Validate() error {
	var errs []error
	if c.FlowiseAPIURL == "" {
		errs = append(errs, errors.New("FLOWISE_API_URL is required"))
	}
	if c.ChatflowID == "" && !strings.Contains(c.FlowiseAPIURL, "/api/v1/prediction/") {
		errs = append(errs, errors.New("FLOWISE_CHATFLOW_ID is required"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request timeout must be positive"))
	}
	if c.StreamIdleTimeout < 0 {
		errs = append(errs, errors.New("stream idle timeout must not be negative"))
	}
	switch c.LogFormat {
	case "", "text", "json", "pretty":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// duration accepts a Go duration string or a plain number of seconds.
func duration(v *viper.Viper, key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return fallback, nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", strings.ToUpper(key), err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
