package drivers

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultHTTPTimeout bounds one HTTP request when HTTP_TIMEOUT_SECS is
	// not set.
	DefaultHTTPTimeout = 15 * time.Second

	// DefaultHTTPRetries is the transient-failure retry budget when
	// HTTP_RETRIES is not set.
	DefaultHTTPRetries = 2

	// maxResponseBytes caps how much of a response body is read. Device
	// APIs returning full configs stay well under this.
	maxResponseBytes = 4 << 20
)

// HTTPTimeout returns the per-request timeout, honoring HTTP_TIMEOUT_SECS.
func HTTPTimeout() time.Duration {
	if v := os.Getenv("HTTP_TIMEOUT_SECS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return DefaultHTTPTimeout
}

// HTTPRetryLimit returns the retry budget for transient failures, honoring
// HTTP_RETRIES.
func HTTPRetryLimit() int {
	if v := os.Getenv("HTTP_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return DefaultHTTPRetries
}

// NewHTTPClient builds the pooled HTTP client shared by the HTTP drivers.
// Server certificates verify against the system roots plus the optional
// TRUST_BUNDLE PEM file.
func NewHTTPClient() (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	if bundle := os.Getenv("TRUST_BUNDLE"); bundle != "" {
		pem, err := os.ReadFile(bundle)
		if err != nil {
			return nil, fmt.Errorf("failed to read trust bundle %s: %w", bundle, err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("trust bundle %s contains no certificates", bundle)
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: pool}
	}

	return &http.Client{
		Transport: transport,
		Timeout:   HTTPTimeout(),
	}, nil
}

// HTTPError is a non-2xx response from a device API. 5xx responses are
// retryable, 4xx are not.
type HTTPError struct {
	// StatusCode is the HTTP status.
	StatusCode int

	// URL is the request URL.
	URL string

	// Body is the response body, capped for log safety.
	Body string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s returned %d: %s", e.URL, e.StatusCode, summarize(e.Body))
}

// Temporary reports whether a retry may clear the failure.
func (e *HTTPError) Temporary() bool {
	return e.StatusCode >= 500
}

// requestAuth carries per-request authorization. Exactly one of basic or
// header applies.
type requestAuth struct {
	username string
	password string
	header   string
	value    string
}

func basicAuth(username, password string) requestAuth {
	return requestAuth{username: username, password: password}
}

func headerAuth(name, value string) requestAuth {
	return requestAuth{header: name, value: value}
}

func (a requestAuth) apply(req *http.Request) {
	if a.header != "" {
		req.Header.Set(a.header, a.value)
		return
	}
	if a.username != "" {
		req.SetBasicAuth(a.username, a.password)
	}
}

// postJSON posts a JSON payload and returns the response body. Transient
// failures (transport errors, timeouts, 5xx) are retried with linear
// backoff up to the HTTP_RETRIES budget; 4xx responses fail immediately.
func postJSON(ctx context.Context, client *http.Client, url string, auth requestAuth, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request payload: %w", err)
	}

	retries := HTTPRetryLimit()
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * 200 * time.Millisecond
			log.Debug().Str("url", url).Int("attempt", attempt).Dur("backoff", delay).Msg("retrying HTTP request")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		auth.apply(req)

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("request to %s failed: %w", url, err)
			continue
		}

		data, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		resp.Body.Close()
		if readErr != nil {
			lastErr = fmt.Errorf("failed to read response from %s: %w", url, readErr)
			continue
		}

		if resp.StatusCode >= 500 {
			lastErr = &HTTPError{StatusCode: resp.StatusCode, URL: url, Body: string(data)}
			continue
		}
		if resp.StatusCode >= 400 {
			return nil, &HTTPError{StatusCode: resp.StatusCode, URL: url, Body: string(data)}
		}
		return data, nil
	}
	return nil, lastErr
}
