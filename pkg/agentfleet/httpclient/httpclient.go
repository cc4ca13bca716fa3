// Package httpclient builds HTTP clients for external collaborators and
// turns transport failures into messages a user can act on.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"syscall"
	"time"
)

// DefaultTimeout applies when a collaborator has no explicit timeout.
const DefaultTimeout = 30 * time.Second

// FailureKind classifies a transport failure.
type FailureKind int

const (
	FailureOther FailureKind = iota
	FailureTimeout
	FailureConnectionRefused
	FailureDNS
)

// String returns a short label for logs.
func (k FailureKind) String() string {
	switch k {
	case FailureTimeout:
		return "timeout"
	case FailureConnectionRefused:
		return "connection_refused"
	case FailureDNS:
		return "dns"
	default:
		return "other"
	}
}

// New returns a client with an explicit overall timeout.
func New(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			TLSHandshakeTimeout: 10 * time.Second,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// Classify returns the kind of transport failure behind err.
func Classify(err error) FailureKind {
	if err == nil {
		return FailureOther
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return FailureTimeout
		}
		return FailureDNS
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return FailureConnectionRefused
	}
	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}
	return FailureOther
}

// Describe returns a user-presentable explanation of a failed call to
// service.
func Describe(service string, err error) string {
	if service != "" {
		service = strings.ToUpper(service[:1]) + service[1:]
	}
	switch Classify(err) {
	case FailureTimeout:
		return fmt.Sprintf("%s did not answer in time (request timed out). Please try again in a moment.", service)
	case FailureConnectionRefused:
		return fmt.Sprintf("%s refused the connection. The service may be down.", service)
	case FailureDNS:
		host := ""
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			host = " " + dnsErr.Name
		}
		return fmt.Sprintf("%s could not be reached: DNS lookup failed for%s. Check the configured URL.", service, host)
	default:
		return fmt.Sprintf("%s request failed: %v", service, err)
	}
}

// TransportError is returned by DoJSON when no response was received. Its
// message is the Describe text; the cause stays reachable through Unwrap.
type TransportError struct {
	Service string
	Err     error
}

func (e *TransportError) Error() string { return Describe(e.Service, e.Err) }

func (e *TransportError) Unwrap() error { return e.Err }

// Kind classifies the underlying failure.
func (e *TransportError) Kind() FailureKind { return Classify(e.Err) }

// StatusError is returned by DoJSON for non-2xx responses.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("%s %s returned %d: %s", e.Method, e.URL, e.StatusCode, strings.TrimSpace(body))
}

// Client performs JSON calls against one service.
type Client struct {
	Name    string
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

// NewClient creates a JSON client for the service at baseURL.
func NewClient(name, baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		Name:    name,
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTP:    New(timeout),
	}
}

// DoJSON sends body (when not nil) as JSON and decodes the response into
// out (when not nil). query is appended to the path when not empty.
func (c *Client) DoJSON(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if c.BaseURL == "" {
		return fmt.Errorf("%s: base URL is not configured", c.Name)
	}
	target := c.BaseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", c.Name, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", c.Name, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &TransportError{Service: c.Name, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", c.Name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Method: method, URL: target, StatusCode: resp.StatusCode, Body: string(data)}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", c.Name, err)
	}
	return nil
}
