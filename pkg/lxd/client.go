// Package lxd implements the engine's API client on top of the LXD REST API.
package lxd

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lxtui/lxtui/pkg/engine"
	"github.com/lxtui/lxtui/pkg/telemetry"
)

// Socket locations tried in order when no endpoint is configured.
var DefaultSocketPaths = []string{
	"/var/snap/lxd/common/lxd/unix.socket",
	"/var/lib/lxd/unix.socket",
}

// SocketEnv names the environment variable overriding the socket path.
const SocketEnv = "LXD_SOCKET"

const (
	unixBaseURL     = "http://unix.socket"
	maxResponseSize = 16 << 20
	stateTimeout    = 30
)

// Config configures the LXD client.
type Config struct {
	// Endpoint is a unix socket path, a unix:// URL or an https:// URL.
	// Empty means auto-detect.
	Endpoint string `yaml:"endpoint"`

	// Project scopes every call to an LXD project.
	Project string `yaml:"project" validate:"omitempty,max=63"`

	// UseEvents enables the /1.0/events stream for operation status.
	UseEvents bool `yaml:"use_events"`

	// TLS settings for https endpoints.
	ClientCert         string `yaml:"client_cert"`
	ClientKey          string `yaml:"client_key" validate:"required_with=ClientCert"`
	ServerCert         string `yaml:"server_cert"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{UseEvents: true}
}

// Endpoint is a resolved connection target.
type Endpoint struct {
	// Socket is the unix socket path, empty for TCP endpoints.
	Socket string
	// URL is the base URL of the API.
	URL string
}

// ResolveEndpoint resolves the configured endpoint. An explicit value wins,
// then LXD_SOCKET, then the first default socket that exists. When none
// exists the first default is used so that calls fail as transport errors
// until the daemon comes up.
func ResolveEndpoint(explicit string) (Endpoint, error) {
	switch {
	case strings.HasPrefix(explicit, "https://"), strings.HasPrefix(explicit, "http://"):
		u, err := url.Parse(explicit)
		if err != nil {
			return Endpoint{}, fmt.Errorf("invalid LXD endpoint %q: %w", explicit, err)
		}
		return Endpoint{URL: strings.TrimRight(u.String(), "/")}, nil
	case strings.HasPrefix(explicit, "unix://"):
		return Endpoint{Socket: strings.TrimPrefix(explicit, "unix://"), URL: unixBaseURL}, nil
	case explicit != "":
		return Endpoint{Socket: explicit, URL: unixBaseURL}, nil
	}

	if env := os.Getenv(SocketEnv); env != "" {
		return Endpoint{Socket: env, URL: unixBaseURL}, nil
	}
	for _, path := range DefaultSocketPaths {
		if _, err := os.Stat(path); err == nil {
			return Endpoint{Socket: path, URL: unixBaseURL}, nil
		}
	}
	return Endpoint{Socket: DefaultSocketPaths[0], URL: unixBaseURL}, nil
}

// Client talks to one LXD server. It implements engine.Client.
type Client struct {
	endpoint  Endpoint
	project   string
	http      *http.Client
	transport *http.Transport
	dialer    *websocket.Dialer

	logger  *telemetry.Logger
	tracer  *telemetry.Tracer
	metrics *telemetry.Metrics

	mu      sync.Mutex
	closed  bool
	streams map[*EventStream]struct{}
}

var _ engine.Client = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(c *Client) { c.logger = l.NewComponentLogger("lxd") }
}

// WithTracer sets the tracer used for API call spans.
func WithTracer(t *telemetry.Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a client for the configured endpoint. No connection is
// made until the first call.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	endpoint, err := ResolveEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{
		MaxIdleConns:        16,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	dialer := &websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	if endpoint.Socket != "" {
		socket := endpoint.Socket
		dial := func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socket)
		}
		transport.DialContext = dial
		dialer.NetDialContext = dial
	} else if strings.HasPrefix(endpoint.URL, "https://") {
		tlsConfig, err := buildTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
		dialer.TLSClientConfig = tlsConfig
	}

	c := &Client{
		endpoint:  endpoint,
		project:   cfg.Project,
		http:      &http.Client{Transport: transport},
		transport: transport,
		dialer:    dialer,
		logger:    telemetry.NewNopLogger(),
		streams:   make(map[*EventStream]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.logger.Debugf("using LXD endpoint %s", c.describeEndpoint())
	return c, nil
}

func buildTLSConfig(cfg Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // opt-in for self-signed servers
	}

	if cfg.ClientCert != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if cfg.ServerCert != "" {
		pem, err := os.ReadFile(cfg.ServerCert)
		if err != nil {
			return nil, fmt.Errorf("failed to read server certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.ServerCert)
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}

func (c *Client) describeEndpoint() string {
	if c.endpoint.Socket != "" {
		return "unix://" + c.endpoint.Socket
	}
	return c.endpoint.URL
}

// Endpoint returns the resolved endpoint.
func (c *Client) Endpoint() Endpoint {
	return c.endpoint
}

// Close releases idle connections and closes every event stream opened by
// this client.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	streams := make([]*EventStream, 0, len(c.streams))
	for s := range c.streams {
		streams = append(streams, s)
	}
	c.mu.Unlock()

	var errs []error
	for _, s := range streams {
		errs = append(errs, s.Close())
	}
	c.transport.CloseIdleConnections()
	return errors.Join(errs...)
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Ping checks that the API answers GET /1.0.
func (c *Client) Ping(ctx context.Context) (Server, error) {
	var server Server
	resp, err := c.do(ctx, http.MethodGet, "/1.0", nil, nil)
	if err != nil {
		return server, err
	}
	if err := decodeMetadata(resp, &server); err != nil {
		return server, err
	}
	return server, nil
}

// do performs one API call and returns the decoded envelope. Every failure
// is returned as a classified *engine.Error, except context cancellation.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body interface{}) (*Response, error) {
	if c.isClosed() {
		return nil, engine.NewTransportError("client is closed", nil)
	}

	call := telemetry.StartAPICall(ctx, c.tracer, c.metrics, method, endpointLabel(path))
	resp, code, err := c.roundTrip(call.Ctx, method, path, query, body)
	call.End(code, string(engine.KindOf(err)), err)

	if err != nil {
		c.logger.WithError(err).Debugf("%s %s failed", method, path)
	}
	return resp, err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, query url.Values, body interface{}) (*Response, int, error) {
	target, err := c.url(path, query)
	if err != nil {
		return nil, 0, engine.NewProtocolError("invalid request path", err)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, 0, engine.NewProtocolError("failed to encode request body", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, 0, engine.NewProtocolError("failed to build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, 0, ctx.Err()
		}
		return nil, 0, engine.NewTransportError(fmt.Sprintf("%s %s", method, path), err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, httpResp.StatusCode, engine.NewTransportError("failed to read response", err)
	}

	resp, err := parseResponse(httpResp.StatusCode, data)
	return resp, httpResp.StatusCode, err
}

func (c *Client) url(path string, query url.Values) (string, error) {
	u, err := url.Parse(c.endpoint.URL + path)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, vs := range query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	if c.project != "" && q.Get("project") == "" {
		q.Set("project", c.project)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// parseResponse decodes an LXD envelope and maps failures to engine errors.
func parseResponse(httpCode int, data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		if httpCode >= 400 {
			return nil, engine.NewRemoteError(httpCode, strings.TrimSpace(http.StatusText(httpCode)+": "+string(data)))
		}
		return nil, engine.NewProtocolError("malformed response", err)
	}

	if resp.Type == ResponseError || httpCode >= 400 {
		code := resp.ErrorCode
		if code == 0 {
			code = httpCode
		}
		msg := resp.Error
		if msg == "" {
			msg = http.StatusText(code)
		}
		return nil, engine.NewRemoteError(code, msg)
	}

	if err := resp.Type.Validate(); err != nil {
		return nil, engine.NewProtocolError("unexpected response envelope", err)
	}
	if resp.Type == ResponseAsync && resp.Operation == "" {
		return nil, engine.NewProtocolError("async response without operation", nil)
	}
	return &resp, nil
}

func decodeMetadata(resp *Response, v interface{}) error {
	if len(resp.Metadata) == 0 || string(resp.Metadata) == "null" {
		return engine.NewProtocolError("response has no metadata", nil)
	}
	if err := json.Unmarshal(resp.Metadata, v); err != nil {
		return engine.NewProtocolError("malformed response metadata", err)
	}
	return nil
}

// endpointLabel replaces names and ids in path so metric labels stay bounded.
func endpointLabel(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i := 1; i < len(parts); i++ {
		switch parts[i-1] {
		case "instances":
			parts[i] = "{name}"
		case "operations":
			parts[i] = "{id}"
		}
	}
	return "/" + strings.Join(parts, "/")
}
