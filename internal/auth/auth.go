// Package auth attaches authentication headers to outgoing push requests.
package auth

import (
	"encoding/base64"
	"net/http"
)

// ClientConfig holds authentication configuration for the push client.
type ClientConfig struct {
	// AuthorizationHeader is a raw Authorization header value sent verbatim
	// (e.g. "Bearer abc" or "Basic dXNlcjpwYXNz"). Takes precedence over the
	// typed fields below.
	AuthorizationHeader string
	// BearerToken is the bearer token to send with requests.
	BearerToken string
	// BasicAuthUsername is the username for basic authentication.
	BasicAuthUsername string
	// BasicAuthPassword is the password for basic authentication.
	BasicAuthPassword string
	// Headers is a map of custom headers to send with requests.
	Headers map[string]string
}

// Enabled reports whether any authentication or custom header is configured.
func (c ClientConfig) Enabled() bool {
	return c.AuthorizationHeader != "" || c.BearerToken != "" ||
		c.BasicAuthUsername != "" || len(c.Headers) > 0
}

// authTransport wraps an http.RoundTripper to add authentication headers.
type authTransport struct {
	cfg  ClientConfig
	base http.RoundTripper
}

// HTTPTransport wraps a RoundTripper with authentication header injection.
func HTTPTransport(cfg ClientConfig, base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &authTransport{cfg: cfg, base: base}
}

// RoundTrip implements http.RoundTripper.
func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Clone the request to avoid mutating the original
	newReq := req.Clone(req.Context())

	switch {
	case t.cfg.AuthorizationHeader != "":
		newReq.Header.Set("Authorization", t.cfg.AuthorizationHeader)
	case t.cfg.BearerToken != "":
		newReq.Header.Set("Authorization", "Bearer "+t.cfg.BearerToken)
	case t.cfg.BasicAuthUsername != "":
		newReq.Header.Set("Authorization", "Basic "+basicAuthEncoded(t.cfg.BasicAuthUsername, t.cfg.BasicAuthPassword))
	}

	for k, v := range t.cfg.Headers {
		newReq.Header.Set(k, v)
	}

	return t.base.RoundTrip(newReq)
}

// basicAuthEncoded returns the base64-encoded basic auth credentials.
func basicAuthEncoded(username, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
}
