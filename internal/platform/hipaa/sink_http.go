package hipaa

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTPSink posts each audit entry as JSON to a remote endpoint. Retries are
// not attempted; a failed delivery is reported to the caller once.
type HTTPSink struct {
	endpoint   string
	secret     string
	httpClient *http.Client
}

// HTTPSinkOption configures an HTTPSink.
type HTTPSinkOption func(*HTTPSink)

// WithSinkHTTPClient overrides the HTTP client.
func WithSinkHTTPClient(c *http.Client) HTTPSinkOption {
	return func(s *HTTPSink) { s.httpClient = c }
}

// WithSigningSecret signs every payload with HMAC-SHA256 in the
// X-Audit-Signature header.
func WithSigningSecret(secret string) HTTPSinkOption {
	return func(s *HTTPSink) { s.secret = secret }
}

// NewHTTPSink creates a sink for endpoint, which must be an http or https URL.
// timeout bounds each delivery.
func NewHTTPSink(endpoint string, timeout time.Duration, opts ...HTTPSinkOption) (*HTTPSink, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("audit endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("audit endpoint: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("audit endpoint: missing host")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	s := &HTTPSink{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *HTTPSink) Name() string { return "http" }

// Deliver sends one entry. Any non-2xx status is an error.
func (s *HTTPSink) Deliver(ctx context.Context, entry AuditEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build audit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Audit-ID", entry.ID)
	if s.secret != "" {
		req.Header.Set("X-Audit-Signature", "sha256="+signPayload(payload, s.secret))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post audit entry: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post audit entry: non-2xx response: %d", resp.StatusCode)
	}
	return nil
}

func signPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
