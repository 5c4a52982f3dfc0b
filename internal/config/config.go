// Package config resolves the loki-courier CLI configuration from flags,
// environment variables and an optional YAML file. Precedence, highest
// first: explicit flags, LOKI_COURIER_* environment variables, the YAML
// file, built-in defaults.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// Config is the fully resolved CLI configuration.
type Config struct {
	ConfigFile string

	Endpoint    string
	App         string
	Environment string
	ExtraLabels map[string]string

	BatchSize     int
	MaxBatchBytes int64
	FlushInterval time.Duration
	MaxBufferSize int

	MaxRetries     int
	RetryBackoff   time.Duration
	RetryQueueSize int

	Timeout           time.Duration
	Compression       string
	AuthHeader        string
	BearerToken       string
	BasicAuthUsername string
	BasicAuthPassword string
	Headers           map[string]string

	TLSEnabled            bool
	TLSCertFile           string
	TLSKeyFile            string
	TLSCAFile             string
	TLSInsecureSkipVerify bool
	TLSServerName         string

	InputFormat      string
	StatsAddr        string
	StatsLogInterval time.Duration

	ShowHelp    bool
	ShowVersion bool
}

const envPrefix = "LOKI_COURIER_"

// ParseFlags resolves the configuration from the process arguments and
// environment.
func ParseFlags() (*Config, error) {
	return Parse(os.Args[1:], os.Getenv)
}

// Parse resolves the configuration from the given arguments and
// environment lookup.
func Parse(args []string, getenv func(string) string) (*Config, error) {
	cfg := &Config{}
	fs := flag.NewFlagSet("loki-courier", flag.ContinueOnError)
	extraLabels := registerFlags(fs, cfg)

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	explicit := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	if *extraLabels != "" {
		labels, err := parseLabelList(*extraLabels)
		if err != nil {
			return nil, err
		}
		cfg.ExtraLabels = labels
	}

	var y *YAMLConfig
	if cfg.ConfigFile != "" {
		var err error
		y, err = LoadYAML(cfg.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := cfg.applyOverrides(explicit, y, getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func registerFlags(fs *flag.FlagSet, cfg *Config) (extraLabels *string) {
	fs.StringVar(&cfg.ConfigFile, "config", "", "Path to YAML configuration file")
	fs.StringVar(&cfg.Endpoint, "endpoint", "", "Loki base URL, e.g. http://localhost:3100")
	fs.StringVar(&cfg.App, "app", "default", "Value of the app stream label")
	fs.StringVar(&cfg.Environment, "env", "production", "Value of the env stream label")
	extraLabels = fs.String("extra-labels", "", "Extra stream labels as comma-separated k=v pairs")

	fs.IntVar(&cfg.BatchSize, "batch-size", 100, "Entry count that triggers a flush and bounds each batch")
	fs.Int64Var(&cfg.MaxBatchBytes, "max-batch-bytes", 1<<20, "Byte budget per batch")
	fs.DurationVar(&cfg.FlushInterval, "flush-interval", 5*time.Second, "Time-based flush trigger")
	fs.IntVar(&cfg.MaxBufferSize, "max-buffer-size", 10000, "Ingestion buffer capacity in entries")

	fs.IntVar(&cfg.MaxRetries, "max-retries", 3, "Retry budget per failed batch (negative disables retries)")
	fs.DurationVar(&cfg.RetryBackoff, "retry-backoff", time.Second, "Delay before the first retry; doubles per attempt")
	fs.IntVar(&cfg.RetryQueueSize, "retry-queue-size", 100, "Retry queue capacity in batches")

	fs.DurationVar(&cfg.Timeout, "timeout", 10*time.Second, "Per-request push timeout")
	fs.StringVar(&cfg.Compression, "compression", "gzip", "Request body compression: none, gzip, snappy or zstd")
	fs.StringVar(&cfg.AuthHeader, "auth-header", "", "Raw Authorization header value")
	fs.StringVar(&cfg.BearerToken, "bearer-token", "", "Bearer token for the Authorization header")
	fs.StringVar(&cfg.BasicAuthUsername, "basic-auth-username", "", "Basic auth username")
	fs.StringVar(&cfg.BasicAuthPassword, "basic-auth-password", "", "Basic auth password")

	fs.BoolVar(&cfg.TLSEnabled, "tls-enabled", false, "Enable custom TLS settings")
	fs.StringVar(&cfg.TLSCertFile, "tls-cert", "", "Path to client TLS certificate file (mTLS)")
	fs.StringVar(&cfg.TLSKeyFile, "tls-key", "", "Path to client TLS private key file (mTLS)")
	fs.StringVar(&cfg.TLSCAFile, "tls-ca", "", "Path to CA certificate for server verification")
	fs.BoolVar(&cfg.TLSInsecureSkipVerify, "tls-insecure-skip-verify", false, "Skip server certificate verification")
	fs.StringVar(&cfg.TLSServerName, "tls-server-name", "", "Override server name for certificate verification")

	fs.StringVar(&cfg.InputFormat, "input-format", "line", "Stdin record format: line or json")
	fs.StringVar(&cfg.StatsAddr, "stats-addr", ":9090", "Listen address for the /metrics endpoint (empty disables)")
	fs.DurationVar(&cfg.StatsLogInterval, "stats-log-interval", 30*time.Second, "Interval between periodic stats log lines (0 disables)")

	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show usage")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version")

	return extraLabels
}

// applyOverrides fills flag-untouched fields from the environment first,
// the YAML file second.
func (c *Config) applyOverrides(explicit map[string]bool, y *YAMLConfig, getenv func(string) string) error {
	var firstErr error
	resolve := func(flagName, envSuffix string, fromEnv func(string) error, fromYAML func()) {
		if explicit[flagName] {
			return
		}
		if v := getenv(envPrefix + envSuffix); v != "" {
			if err := fromEnv(v); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid %s%s: %w", envPrefix, envSuffix, err)
			}
			return
		}
		if y != nil && fromYAML != nil {
			fromYAML()
		}
	}

	setString := func(dst *string) func(string) error {
		return func(v string) error { *dst = v; return nil }
	}
	setInt := func(dst *int) func(string) error {
		return func(v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			*dst = n
			return nil
		}
	}
	setDuration := func(dst *time.Duration) func(string) error {
		return func(v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return err
			}
			*dst = d
			return nil
		}
	}
	setBool := func(dst *bool) func(string) error {
		return func(v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return err
			}
			*dst = b
			return nil
		}
	}
	yamlString := func(dst *string, v string) func() {
		return func() {
			if v != "" {
				*dst = v
			}
		}
	}
	yamlInt := func(dst *int, v int) func() {
		return func() {
			if v != 0 {
				*dst = v
			}
		}
	}
	yamlDuration := func(dst *time.Duration, v Duration) func() {
		return func() {
			if v != 0 {
				*dst = time.Duration(v)
			}
		}
	}

	var yv YAMLConfig
	if y != nil {
		yv = *y
	}

	resolve("endpoint", "ENDPOINT", setString(&c.Endpoint), yamlString(&c.Endpoint, yv.Endpoint))
	resolve("app", "APP", setString(&c.App), yamlString(&c.App, yv.App))
	resolve("env", "ENVIRONMENT", setString(&c.Environment), yamlString(&c.Environment, yv.Environment))

	resolve("batch-size", "BATCH_SIZE", setInt(&c.BatchSize), yamlInt(&c.BatchSize, yv.Batch.Size))
	resolve("max-batch-bytes", "MAX_BATCH_BYTES", func(v string) error {
		n, err := ParseByteSize(v)
		if err != nil {
			return err
		}
		c.MaxBatchBytes = n
		return nil
	}, func() {
		if yv.Batch.MaxBytes != 0 {
			c.MaxBatchBytes = int64(yv.Batch.MaxBytes)
		}
	})
	resolve("flush-interval", "FLUSH_INTERVAL", setDuration(&c.FlushInterval), yamlDuration(&c.FlushInterval, yv.Batch.Interval))
	resolve("max-buffer-size", "MAX_BUFFER_SIZE", setInt(&c.MaxBufferSize), yamlInt(&c.MaxBufferSize, yv.Buffer.MaxSize))

	resolve("max-retries", "MAX_RETRIES", setInt(&c.MaxRetries), func() {
		if yv.Retry.MaxRetries != nil {
			c.MaxRetries = *yv.Retry.MaxRetries
		}
	})
	resolve("retry-backoff", "RETRY_BACKOFF", setDuration(&c.RetryBackoff), yamlDuration(&c.RetryBackoff, yv.Retry.Backoff))
	resolve("retry-queue-size", "RETRY_QUEUE_SIZE", setInt(&c.RetryQueueSize), yamlInt(&c.RetryQueueSize, yv.Retry.QueueSize))

	resolve("timeout", "TIMEOUT", setDuration(&c.Timeout), yamlDuration(&c.Timeout, yv.Transport.Timeout))
	resolve("compression", "COMPRESSION", setString(&c.Compression), yamlString(&c.Compression, yv.Transport.Compression))
	resolve("auth-header", "AUTH_HEADER", setString(&c.AuthHeader), yamlString(&c.AuthHeader, yv.Transport.AuthHeader))
	resolve("bearer-token", "BEARER_TOKEN", setString(&c.BearerToken), yamlString(&c.BearerToken, yv.Transport.BearerToken))
	resolve("basic-auth-username", "BASIC_AUTH_USERNAME", setString(&c.BasicAuthUsername), yamlString(&c.BasicAuthUsername, yv.Transport.BasicAuthUsername))
	resolve("basic-auth-password", "BASIC_AUTH_PASSWORD", setString(&c.BasicAuthPassword), yamlString(&c.BasicAuthPassword, yv.Transport.BasicAuthPassword))

	resolve("tls-enabled", "TLS_ENABLED", setBool(&c.TLSEnabled), func() {
		if yv.Transport.TLS.Enabled {
			c.TLSEnabled = true
		}
	})
	resolve("tls-cert", "TLS_CERT_FILE", setString(&c.TLSCertFile), yamlString(&c.TLSCertFile, yv.Transport.TLS.CertFile))
	resolve("tls-key", "TLS_KEY_FILE", setString(&c.TLSKeyFile), yamlString(&c.TLSKeyFile, yv.Transport.TLS.KeyFile))
	resolve("tls-ca", "TLS_CA_FILE", setString(&c.TLSCAFile), yamlString(&c.TLSCAFile, yv.Transport.TLS.CAFile))
	resolve("tls-insecure-skip-verify", "TLS_INSECURE_SKIP_VERIFY", setBool(&c.TLSInsecureSkipVerify), func() {
		if yv.Transport.TLS.InsecureSkipVerify {
			c.TLSInsecureSkipVerify = true
		}
	})
	resolve("tls-server-name", "TLS_SERVER_NAME", setString(&c.TLSServerName), yamlString(&c.TLSServerName, yv.Transport.TLS.ServerName))

	resolve("input-format", "INPUT_FORMAT", setString(&c.InputFormat), yamlString(&c.InputFormat, yv.Input.Format))
	resolve("stats-addr", "STATS_ADDR", setString(&c.StatsAddr), yamlString(&c.StatsAddr, yv.Stats.Addr))
	resolve("stats-log-interval", "STATS_LOG_INTERVAL", setDuration(&c.StatsLogInterval), yamlDuration(&c.StatsLogInterval, yv.Stats.LogInterval))

	resolve("extra-labels", "EXTRA_LABELS", func(v string) error {
		labels, err := parseLabelList(v)
		if err != nil {
			return err
		}
		c.ExtraLabels = labels
		return nil
	}, func() {
		if len(yv.ExtraLabels) > 0 {
			c.ExtraLabels = yv.ExtraLabels
		}
	})

	if c.Headers == nil && y != nil && len(yv.Transport.Headers) > 0 {
		c.Headers = yv.Transport.Headers
	}

	return firstErr
}

// Validate reports resolved-configuration errors.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required (flag -endpoint, env %sENDPOINT or config file)", envPrefix)
	}
	switch c.InputFormat {
	case "line", "json":
	default:
		return fmt.Errorf("invalid input format %q: use line or json", c.InputFormat)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch-size must be positive")
	}
	if c.MaxBufferSize < c.BatchSize {
		return fmt.Errorf("max-buffer-size (%d) must be at least batch-size (%d)", c.MaxBufferSize, c.BatchSize)
	}
	return nil
}

// parseLabelList parses "k=v,k2=v2" into a label map.
func parseLabelList(s string) (map[string]string, error) {
	labels := map[string]string{}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid label pair %q: want k=v", pair)
		}
		labels[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return labels, nil
}

// PrintVersion prints the build version.
func PrintVersion() {
	fmt.Printf("loki-courier %s\n", Version)
}

// PrintUsage prints flag usage.
func PrintUsage() {
	fs := flag.NewFlagSet("loki-courier", flag.ContinueOnError)
	registerFlags(fs, &Config{})
	fmt.Fprintln(os.Stderr, "Usage: loki-courier [flags]")
	fmt.Fprintln(os.Stderr, "Reads log records from stdin and ships them to a Loki push endpoint.")
	fmt.Fprintln(os.Stderr)
	fs.PrintDefaults()
}
