package courier

import (
	"runtime"
	"time"

	"github.com/szibis/loki-courier/internal/auth"
	"github.com/szibis/loki-courier/internal/compression"
	"github.com/szibis/loki-courier/internal/entry"
	"github.com/szibis/loki-courier/internal/shipper"
	tlspkg "github.com/szibis/loki-courier/internal/tls"
	"github.com/szibis/loki-courier/internal/transport"
)

// Field is a single ordered metadata key-value pair attached to a record.
// Metadata rides in the log line itself, not in the stream labels, so it
// is safe for high-cardinality values.
type Field struct {
	Key   string
	Value string
}

// Stats is a point-in-time snapshot of delivery counters. Sent, Errors,
// Dropped and Flushes are monotonic over the client lifetime; Pending and
// Retrying are live sizes and can move in both directions.
type Stats struct {
	// Sent is the number of entries delivered to the endpoint.
	Sent uint64
	// Errors is the number of entries permanently rejected by the endpoint.
	Errors uint64
	// Dropped is the number of entries discarded without delivery.
	Dropped uint64
	// Flushes is the number of successfully delivered batches.
	Flushes uint64
	// Pending is the current ingestion buffer occupancy in entries.
	Pending int
	// Retrying is the current retry queue depth in batches.
	Retrying int
}

// Client is a non-blocking Loki push client. All methods are safe for
// concurrent use. Create one with New and release it with Stop.
type Client struct {
	cfg  Config
	ship *shipper.Shipper

	// base is the label set shared by every record: extra labels under
	// app and env, with level added per record.
	base map[string]string

	cleanup runtime.Cleanup
}

// New creates a Client and starts its background worker. The caller owns
// the Client and should call Stop; a Client that becomes unreachable
// without Stop is stopped by a GC cleanup as a last resort.
func New(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	comp, err := compression.ParseType(cfg.Compression)
	if err != nil {
		return nil, err
	}

	tr, err := transport.NewLoki(transport.Config{
		Endpoint:    cfg.Endpoint,
		Timeout:     cfg.Timeout,
		Compression: comp,
		Auth: auth.ClientConfig{
			AuthorizationHeader: cfg.AuthHeader,
			BearerToken:         cfg.BearerToken,
			BasicAuthUsername:   cfg.BasicAuthUsername,
			BasicAuthPassword:   cfg.BasicAuthPassword,
			Headers:             cfg.Headers,
		},
		TLS: tlspkg.ClientConfig{
			Enabled:            cfg.TLS.Enabled,
			CertFile:           cfg.TLS.CertFile,
			KeyFile:            cfg.TLS.KeyFile,
			CAFile:             cfg.TLS.CAFile,
			InsecureSkipVerify: cfg.TLS.InsecureSkipVerify,
			ServerName:         cfg.TLS.ServerName,
		},
		HTTPClient: transport.HTTPClientConfig{
			MaxIdleConns:        cfg.HTTP.MaxIdleConns,
			MaxIdleConnsPerHost: cfg.HTTP.MaxIdleConnsPerHost,
			IdleConnTimeout:     cfg.HTTP.IdleConnTimeout,
			DisableKeepAlives:   cfg.HTTP.DisableKeepAlives,
			ForceAttemptHTTP2:   cfg.HTTP.ForceAttemptHTTP2,
		},
	})
	if err != nil {
		return nil, err
	}

	base := make(map[string]string, len(cfg.ExtraLabels)+2)
	for k, v := range cfg.ExtraLabels {
		base[k] = v
	}
	base["app"] = cfg.App
	base["env"] = cfg.Environment

	c := &Client{
		cfg:  cfg,
		base: base,
		ship: shipper.New(shipper.Config{
			BatchSize:      cfg.BatchSize,
			MaxBatchBytes:  cfg.MaxBatchBytes,
			FlushInterval:  cfg.FlushInterval,
			MaxBufferSize:  cfg.MaxBufferSize,
			MaxRetries:     cfg.MaxRetries,
			RetryBackoff:   cfg.RetryBackoff,
			RetryQueueSize: cfg.RetryQueueSize,
		}, tr),
	}
	c.cleanup = runtime.AddCleanup(c, func(s *shipper.Shipper) {
		s.Stop(time.Second)
	}, c.ship)
	return c, nil
}

// Debug records a debug-level message.
func (c *Client) Debug(message string, metadata ...Field) {
	c.log(entry.LevelDebug, message, metadata)
}

// Info records an info-level message.
func (c *Client) Info(message string, metadata ...Field) {
	c.log(entry.LevelInfo, message, metadata)
}

// Warn records a warn-level message.
func (c *Client) Warn(message string, metadata ...Field) {
	c.log(entry.LevelWarn, message, metadata)
}

// Error records an error-level message.
func (c *Client) Error(message string, metadata ...Field) {
	c.log(entry.LevelError, message, metadata)
}

// Log records a message at an arbitrary level string. Unknown levels map
// to info.
func (c *Client) Log(level, message string, metadata ...Field) {
	c.log(entry.ParseLevel(level), message, metadata)
}

func (c *Client) log(level entry.Level, message string, metadata []Field) {
	labels := make(map[string]string, len(c.base)+1)
	for k, v := range c.base {
		labels[k] = v
	}
	labels["level"] = string(level)

	var md []entry.Field
	if len(metadata) > 0 {
		md = make([]entry.Field, len(metadata))
		for i, f := range metadata {
			md[i] = entry.Field{Key: f.Key, Value: f.Value}
		}
	}

	c.ship.Append(entry.New(level, message, labels, md))
}

// Flush blocks until the worker has attempted the current buffer contents
// and due retries once, or until timeout. It returns true when the pass
// completed in time.
func (c *Client) Flush(timeout time.Duration) bool {
	return c.ship.Flush(timeout)
}

// Stop performs one final best-effort flush, terminates the background
// worker and closes the transport, waiting up to timeout. It is
// idempotent; records appended after Stop are dropped and counted.
func (c *Client) Stop(timeout time.Duration) {
	c.ship.Stop(timeout)
	c.cleanup.Stop()
}

// Stats returns the current delivery counters.
func (c *Client) Stats() Stats {
	s := c.ship.Stats()
	return Stats{
		Sent:     s.Sent,
		Errors:   s.Errors,
		Dropped:  s.Dropped,
		Flushes:  s.Flushes,
		Pending:  s.Pending,
		Retrying: s.Retrying,
	}
}

// StopAll stops every live Client in the process, waiting up to timeout
// for each. It is intended for process shutdown paths that cannot reach
// individual clients.
func StopAll(timeout time.Duration) {
	shipper.StopAll(timeout)
}
