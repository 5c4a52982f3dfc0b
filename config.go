package courier

import (
	"fmt"
	"time"

	"github.com/szibis/loki-courier/internal/compression"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultBatchSize      = 100
	DefaultFlushInterval  = 5 * time.Second
	DefaultMaxBufferSize  = 10000
	DefaultMaxBatchBytes  = 1 << 20
	DefaultMaxRetries     = 3
	DefaultRetryBackoff   = time.Second
	DefaultRetryQueueSize = 100
	DefaultTimeout        = 10 * time.Second
	DefaultCompression    = "gzip"
)

// TLSConfig holds TLS settings for the push connection.
type TLSConfig struct {
	// Enabled turns on custom TLS settings; https endpoints work without it.
	Enabled bool
	// CertFile and KeyFile are the client certificate pair for mTLS.
	CertFile string
	KeyFile  string
	// CAFile is the CA bundle used to verify the server.
	CAFile string
	// InsecureSkipVerify skips server certificate verification.
	InsecureSkipVerify bool
	// ServerName overrides the name used for certificate verification.
	ServerName string
}

// HTTPConfig holds connection pool settings for the push client.
type HTTPConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	DisableKeepAlives   bool
	ForceAttemptHTTP2   bool
}

// Config configures a Client. The zero value is not usable: Endpoint is
// required. Every other field has a default applied by New.
type Config struct {
	// Endpoint is the Loki base URL, e.g. "http://localhost:3100". The
	// push path is appended automatically when absent.
	Endpoint string

	// App and Environment become the "app" and "env" stream labels.
	App         string
	Environment string

	// BatchSize is the entry count that triggers an immediate flush and
	// bounds each batch (default 100).
	BatchSize int
	// FlushInterval is the time-based flush trigger (default 5s).
	FlushInterval time.Duration
	// MaxBufferSize bounds the ingestion buffer in entries (default 10000);
	// appends beyond it are dropped, not queued.
	MaxBufferSize int
	// MaxBatchBytes bounds the estimated serialized batch size (default 1MiB).
	MaxBatchBytes int

	// MaxRetries is the retry budget per failed batch (default 3).
	// A negative value disables retries entirely.
	MaxRetries int
	// RetryBackoff is the delay before the first retry (default 1s);
	// later delays double per attempt.
	RetryBackoff time.Duration
	// RetryQueueSize bounds the retry queue in batches (default 100);
	// overflow evicts the oldest scheduled batch.
	RetryQueueSize int

	// Timeout is the per-request timeout (default 10s).
	Timeout time.Duration
	// Compression selects the request body encoding: "none", "gzip",
	// "snappy" or "zstd" (default "gzip").
	Compression string

	// AuthHeader is a raw Authorization header value sent verbatim. It
	// takes precedence over BearerToken and the basic auth pair.
	AuthHeader        string
	BearerToken       string
	BasicAuthUsername string
	BasicAuthPassword string
	// Headers is a map of extra headers attached to every push request.
	Headers map[string]string

	// ExtraLabels are additional stream labels merged under app/env/level.
	// Keep the set small and low-cardinality: every distinct combination
	// is a separate Loki stream.
	ExtraLabels map[string]string

	TLS  TLSConfig
	HTTP HTTPConfig
}

func (c Config) withDefaults() Config {
	if c.App == "" {
		c.App = "default"
	}
	if c.Environment == "" {
		c.Environment = "production"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.MaxBufferSize <= 0 {
		c.MaxBufferSize = DefaultMaxBufferSize
	}
	if c.MaxBatchBytes <= 0 {
		c.MaxBatchBytes = DefaultMaxBatchBytes
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.RetryQueueSize <= 0 {
		c.RetryQueueSize = DefaultRetryQueueSize
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Compression == "" {
		c.Compression = DefaultCompression
	}
	return c
}

// Validate reports configuration errors that defaults cannot paper over.
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if _, err := compression.ParseType(c.Compression); err != nil {
		return err
	}
	if c.BatchSize > c.MaxBufferSize && c.MaxBufferSize > 0 {
		return fmt.Errorf("batch_size (%d) must not exceed max_buffer_size (%d)", c.BatchSize, c.MaxBufferSize)
	}
	return nil
}
