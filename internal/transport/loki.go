package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/szibis/loki-courier/internal/auth"
	"github.com/szibis/loki-courier/internal/compression"
	"github.com/szibis/loki-courier/internal/entry"
	tlspkg "github.com/szibis/loki-courier/internal/tls"
	"golang.org/x/net/http2"
)

const pushPath = "/loki/api/v1/push"

// maxErrorBodyBytes caps how much of a rejection body is retained.
const maxErrorBodyBytes = 1024

var (
	pushRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "loki_courier_push_requests_total",
		Help: "Total number of push requests attempted",
	})

	pushErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "loki_courier_push_errors_total",
		Help: "Total number of push errors by error type",
	}, []string{"error_type"})

	pushBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "loki_courier_push_bytes_total",
		Help: "Total bytes sent to the push endpoint",
	}, []string{"compression"})

	pushEntriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "loki_courier_push_entries_total",
		Help: "Total number of log entries delivered",
	})
)

func init() {
	prometheus.MustRegister(pushRequestsTotal)
	prometheus.MustRegister(pushErrorsTotal)
	prometheus.MustRegister(pushBytesTotal)
	prometheus.MustRegister(pushEntriesTotal)
}

// HTTPClientConfig holds HTTP client connection pool settings.
type HTTPClientConfig struct {
	// MaxIdleConns controls the maximum number of idle (keep-alive)
	// connections across all hosts. Zero means the default of 100.
	MaxIdleConns int
	// MaxIdleConnsPerHost controls the maximum idle connections per host.
	MaxIdleConnsPerHost int
	// IdleConnTimeout is how long an idle connection remains open.
	IdleConnTimeout time.Duration
	// DisableKeepAlives forces a new connection per request.
	DisableKeepAlives bool
	// ForceAttemptHTTP2 enables HTTP/2 negotiation.
	ForceAttemptHTTP2 bool
}

// Config holds the Loki transport configuration.
type Config struct {
	// Endpoint is the Loki base URL; the push path is appended when absent.
	Endpoint string
	// Timeout is the per-request timeout, enforced by the transport.
	Timeout time.Duration
	// Compression selects the request body compression.
	Compression compression.Type
	// Auth configures authentication headers.
	Auth auth.ClientConfig
	// TLS configures custom TLS settings.
	TLS tlspkg.ClientConfig
	// HTTPClient configures connection pooling.
	HTTPClient HTTPClientConfig
}

// Loki ships batches to a Loki push endpoint over HTTP.
type Loki struct {
	client      *http.Client
	endpoint    string
	timeout     time.Duration
	compression compression.Type
}

// NewLoki creates a Loki transport from the configuration.
func NewLoki(cfg Config) (*Loki, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	htr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     cfg.HTTPClient.ForceAttemptHTTP2,
		MaxIdleConns:          cfg.HTTPClient.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.HTTPClient.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.HTTPClient.IdleConnTimeout,
		DisableKeepAlives:     cfg.HTTPClient.DisableKeepAlives,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if htr.MaxIdleConns == 0 {
		htr.MaxIdleConns = 100
	}
	if htr.MaxIdleConnsPerHost == 0 {
		htr.MaxIdleConnsPerHost = 100
	}
	if htr.IdleConnTimeout == 0 {
		htr.IdleConnTimeout = 90 * time.Second
	}

	if cfg.TLS.Enabled {
		tlsConfig, err := tlspkg.NewClientTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		htr.TLSClientConfig = tlsConfig
	} else if strings.HasPrefix(cfg.Endpoint, "https://") {
		htr.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	if cfg.HTTPClient.ForceAttemptHTTP2 && htr.TLSClientConfig != nil {
		if h2, err := http2.ConfigureTransports(htr); err == nil && h2 != nil {
			h2.ReadIdleTimeout = 30 * time.Second
		}
	}

	var roundTripper http.RoundTripper = htr
	if cfg.Auth.Enabled() {
		roundTripper = auth.HTTPTransport(cfg.Auth, roundTripper)
	}

	return &Loki{
		client:      &http.Client{Transport: roundTripper},
		endpoint:    pushURL(cfg.Endpoint),
		timeout:     cfg.Timeout,
		compression: cfg.Compression,
	}, nil
}

// Send serializes the batch into the Loki stream format and POSTs it.
func (l *Loki) Send(ctx context.Context, batch []entry.Entry) error {
	if len(batch) == 0 {
		return nil
	}

	body, err := json.Marshal(buildPayload(batch))
	if err != nil {
		// Serialization failures must not escape as raw errors.
		return &SendError{Kind: KindTransient, Err: fmt.Errorf("failed to encode payload: %w", err)}
	}

	compressed, err := compression.Compress(body, l.compression)
	if err != nil {
		return &SendError{Kind: KindTransient, Err: fmt.Errorf("failed to compress payload: %w", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.endpoint, bytes.NewReader(compressed))
	if err != nil {
		return &SendError{Kind: KindTransient, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if encoding := l.compression.ContentEncoding(); encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	pushRequestsTotal.Inc()

	resp, err := l.client.Do(req)
	if err != nil {
		serr := Classify(err)
		pushErrorsTotal.WithLabelValues(errorLabel(serr)).Inc()
		return serr
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		_, _ = io.Copy(io.Discard, resp.Body)
		serr := &SendError{
			Kind:       KindPermanent,
			StatusCode: resp.StatusCode,
			Body:       string(respBody),
		}
		pushErrorsTotal.WithLabelValues(errorLabel(serr)).Inc()
		return serr
	}

	// Drain the body to allow connection reuse.
	_, _ = io.Copy(io.Discard, resp.Body)

	label := "none"
	if l.compression != compression.TypeNone && l.compression != "" {
		label = string(l.compression)
	}
	pushBytesTotal.WithLabelValues(label).Add(float64(len(compressed)))
	pushEntriesTotal.Add(float64(len(batch)))

	return nil
}

// Close releases idle connections.
func (l *Loki) Close() error {
	l.client.CloseIdleConnections()
	return nil
}

// pushURL appends the push path to a base endpoint unless a path is
// already present, defaulting the scheme to http.
func pushURL(endpoint string) string {
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	trimmed := strings.TrimRight(endpoint, "/")
	rest := trimmed[strings.Index(trimmed, "://")+3:]
	if strings.Contains(rest, "/") {
		return trimmed
	}
	return trimmed + pushPath
}
