package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Client talks to the operations API of a running dgxctl server.
type Client struct {
	baseURL string
	client  *http.Client
	dialer  *websocket.Dialer
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS settings for an HTTPS API server. CACert may
// point at the tls_ca.crt a self-signed server writes next to its key.
type TLSClientConfig struct {
	CACert     string // CA certificate file path
	ClientCert string // Client certificate file
	ClientKey  string // Client private key file
	ServerName string // Server name for verification
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080/api",
		Timeout: 30 * time.Second,
	}
}

// New creates a new API client. A TLS setup failure is returned rather than
// silently falling back to defaults.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	dialer := *websocket.DefaultDialer
	if config.TLS != nil || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
		dialer.TLSClientConfig = tlsConfig
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		dialer:  &dialer,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}, nil
}

// IsReachable checks if the server is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	_, err := c.Connections(ctx)
	if err != nil {
		c.logger.Debug("Server unreachable", "url", c.baseURL, "error", err)
		return false
	}
	return true
}

// Connections lists the configured connections.
func (c *Client) Connections(ctx context.Context) ([]Connection, error) {
	var out struct {
		Connections []Connection `json:"connections"`
	}
	if err := c.do(ctx, http.MethodGet, "/connections", nil, &out); err != nil {
		return nil, err
	}
	return out.Connections, nil
}

// ListOperations lists a connection's operations. sync nil leaves the
// server default (reconcile first).
func (c *Client) ListOperations(ctx context.Context, connID string, sync *bool) (ListResponse, error) {
	path := c.opsPath(connID)
	if sync != nil {
		path += "?sync_status=" + strconv.FormatBool(*sync)
	}
	var out ListResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return ListResponse{}, err
	}
	return out, nil
}

// SyncOperations reconciles a connection's running operations.
func (c *Client) SyncOperations(ctx context.Context, connID string) (Summary, error) {
	var out Summary
	if err := c.do(ctx, http.MethodPost, c.opsPath(connID)+"/sync", nil, &out); err != nil {
		return Summary{}, err
	}
	c.logger.Debug("Sync completed", "connection", connID, "checked", out.Checked, "synced", out.Synced, "errors", out.Errors)
	return out, nil
}

// Launch starts a detached command on the connection's host.
func (c *Client) Launch(ctx context.Context, connID string, req LaunchRequest) (Operation, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return Operation{}, fmt.Errorf("marshal request: %w", err)
	}
	var out struct {
		Operation Operation `json:"operation"`
	}
	if err := c.do(ctx, http.MethodPost, c.opsPath(connID), data, &out); err != nil {
		return Operation{}, err
	}
	return out.Operation, nil
}

// Kill signals an operation. An empty signal means TERM.
func (c *Client) Kill(ctx context.Context, connID, opID, signal string) (Operation, error) {
	path := c.opsPath(connID) + "/" + url.PathEscape(opID) + "/kill"
	if signal != "" {
		path += "?signal=" + url.QueryEscape(signal)
	}
	var out struct {
		Operation Operation `json:"operation"`
	}
	if err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return Operation{}, err
	}
	return out.Operation, nil
}

// Events streams events to fn until ctx is done, the server closes the
// stream, or fn returns an error. A server-side close returns nil.
func (c *Client) Events(ctx context.Context, q EventsQuery, fn func(Event) error) error {
	u, err := url.Parse(c.baseURL + "/events")
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	v := url.Values{}
	if q.ConnectionID != "" {
		v.Set("connection", q.ConnectionID)
	}
	if q.Type != "" {
		v.Set("type", q.Type)
	}
	u.RawQuery = v.Encode()

	ws, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			defer func() { _ = resp.Body.Close() }()
			return c.apiError(resp)
		}
		return fmt.Errorf("dial events: %w", err)
	}
	defer func() { _ = ws.Close() }()

	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()
	for {
		var e Event
		if err := ws.ReadJSON(&e); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}

func (c *Client) opsPath(connID string) string {
	return "/connections/" + url.PathEscape(connID) + "/operations"
}

// do performs a request and decodes a 2xx JSON body into out.
func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.apiError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// apiError turns an error response into an *APIError.
func (c *Client) apiError(resp *http.Response) error {
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		c.logger.Debug("Failed to decode error response", "status", resp.StatusCode)
		return &APIError{StatusCode: resp.StatusCode}
	}
	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return &APIError{StatusCode: resp.StatusCode, Message: errorResp.Error}
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true // #nosec G402 explicit opt-in
		return tlsConfig, nil
	}
	if config.TLS == nil {
		return tlsConfig, nil
	}
	if config.TLS.ServerName != "" {
		tlsConfig.ServerName = config.TLS.ServerName
	}
	if config.TLS.CACert != "" {
		if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
			return nil, fmt.Errorf("failed to load CA certificate: %w", err)
		}
	}
	if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}

	tlsConfig.RootCAs = caCertPool
	return nil
}
