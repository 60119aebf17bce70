// Package npdc is a small client for the auth and dataset attachment
// endpoints of the dataset service.
package npdc

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/chmdznr/psync/pkg/errors"
)

// Option configures a client.
type Option func(*options)

type options struct {
	httpClient *http.Client
	timeout    time.Duration
	userAgent  string
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithUserAgent sets the User-Agent header sent with each request.
func WithUserAgent(ua string) Option {
	return func(o *options) { o.userAgent = ua }
}

func newOptions(opts []Option) options {
	o := options{timeout: 60 * time.Second, userAgent: "psync"}
	for _, opt := range opts {
		opt(&o)
	}
	o.httpClient = &http.Client{
		Timeout:   o.timeout,
		Transport: newTransport(),
	}
	return o
}

func newTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// restClient holds what the auth and dataset clients share.
type restClient struct {
	base *url.URL
	opts options
}

func newRESTClient(entrypoint string, opts []Option) (restClient, error) {
	if !strings.HasSuffix(entrypoint, "/") {
		entrypoint += "/"
	}
	base, err := url.Parse(entrypoint)
	if err != nil {
		return restClient{}, errors.ConfigError{Field: "entrypoint", Err: err}
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return restClient{}, errors.ConfigError{
			Field: "entrypoint",
			Err:   fmt.Errorf("unsupported scheme in %q", entrypoint),
		}
	}
	return restClient{base: base, opts: newOptions(opts)}, nil
}

func (c restClient) url(path string, query url.Values) string {
	u := c.base.ResolveReference(&url.URL{Path: path})
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// do sends the request and decodes a JSON response into out when out is not
// nil. Responses outside the 2xx range become APIErrors.
func (c restClient) do(req *http.Request, op, token string, out interface{}) error {
	req.Header.Set("User-Agent", c.opts.userAgent)
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.opts.httpClient.Do(req)
	if err != nil {
		return errors.APIError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	log.WithFields(log.Fields{
		"method":   req.Method,
		"url":      req.URL.Redacted(),
		"status":   resp.StatusCode,
		"duration": time.Since(start).Round(time.Millisecond),
	}).Debug("Dataset service request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.APIError{Op: op, StatusCode: resp.StatusCode, Err: readProblem(resp.Body)}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.APIError{Op: op, StatusCode: resp.StatusCode, Err: errors.WithContext(err, "decode response")}
	}
	return nil
}

func (c restClient) doJSON(ctx context.Context, method, path, op, token string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errors.APIError{Op: op, Err: errors.WithContext(err, "encode request")}
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path, nil), body)
	if err != nil {
		return errors.APIError{Op: op, Err: err}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, op, token, out)
}

// problem is the error document returned by the service.
type problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

func readProblem(r io.Reader) error {
	b, _ := io.ReadAll(io.LimitReader(r, 4096))
	var p problem
	if err := json.Unmarshal(b, &p); err == nil && (p.Title != "" || p.Detail != "") {
		if p.Detail != "" {
			return fmt.Errorf("%s: %s", p.Title, p.Detail)
		}
		return errors.New(p.Title)
	}
	msg := strings.TrimSpace(string(b))
	if msg == "" {
		msg = "empty response"
	}
	return errors.New(msg)
}
