// Package nifi provides the Apache NiFi REST transport used to materialize
// plan graphs in process groups. Non-2xx responses are classified into
// engine errors.
package nifi

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/flowmend/flowmend/pkg/engine"
	"github.com/flowmend/flowmend/pkg/telemetry"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

const rootGroup = "root"

// Client talks to the NiFi REST API. It implements the engine's
// materializer, workspace provider, service lister and terminator.
type Client struct {
	cfg      *Config
	apiURL   string
	http     *http.Client
	limiter  *rate.Limiter
	clientID string
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics

	catalogMu sync.Mutex
	catalog   []ProcessorType
}

var (
	_ engine.Materializer      = (*Client)(nil)
	_ engine.WorkspaceProvider = (*Client)(nil)
	_ engine.ServiceLister     = (*Client)(nil)
	_ engine.Terminator        = (*Client)(nil)
	_ engine.RouteChecker      = (*Client)(nil)
	_ engine.GroupProvider     = (*Client)(nil)
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client, e.g. for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMetrics records every request in the given metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a NiFi client.
func NewClient(cfg *Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !cfg.VerifySSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in via NIFI_VERIFY_SSL=false
	}

	c := &Client{
		cfg:      cfg,
		apiURL:   apiURL(cfg.BaseURL),
		http:     &http.Client{Transport: transport, Timeout: cfg.RequestTimeout},
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		clientID: uuid.NewString(),
		logger:   telemetry.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = telemetry.NopLogger()
	}
	c.logger = c.logger.NewComponentLogger("nifi")
	return c, nil
}

func apiURL(base string) string {
	base = strings.TrimRight(base, "/")
	if strings.HasSuffix(base, "/nifi-api") {
		return base
	}
	return base + "/nifi-api"
}

// revision is the optimistic-locking envelope NiFi requires on writes.
type revision struct {
	ClientID string `json:"clientId,omitempty"`
	Version  int64  `json:"version"`
}

func (c *Client) revision(version int64) revision {
	return revision{ClientID: c.clientID, Version: version}
}

// deleteQuery builds the query NiFi expects on deletes.
func (c *Client) deleteQuery(version int64) url.Values {
	q := url.Values{}
	q.Set("version", strconv.FormatInt(version, 10))
	q.Set("clientId", c.clientID)
	return q
}

// do performs one request and returns the parsed body. op names the call in
// errors. Non-2xx responses are classified.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body interface{}) (gjson.Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return gjson.Result{}, fmt.Errorf("%s: %w", op, err)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return gjson.Result{}, fmt.Errorf("%s: failed to encode request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	target := c.apiURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.RecordRemoteRequest(method, 0, time.Since(start))
		c.logger.WithError(err).Debugf("%s %s failed", method, path)
		return gjson.Result{}, classifyTransport(ctx, op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	c.metrics.RecordRemoteRequest(method, resp.StatusCode, time.Since(start))
	if err != nil {
		return gjson.Result{}, classifyTransport(ctx, op, err)
	}

	c.logger.Debugf("%s %s -> %d (%s)", method, path, resp.StatusCode, time.Since(start).Round(time.Millisecond))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text := string(raw)
		if len(text) > c.cfg.MaxErrorBody && c.cfg.MaxErrorBody > 0 {
			text = text[:c.cfg.MaxErrorBody]
		}
		return gjson.Result{}, withRetryAfter(classifyStatus(op, resp.StatusCode, text), resp.Header.Get("Retry-After"), time.Now())
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		return gjson.Result{}, nil
	}
	if !gjson.ValidBytes(raw) {
		return gjson.Result{}, engine.NewTransientError(op+": invalid JSON response", nil).WithOperation(op)
	}
	return gjson.ParseBytes(raw), nil
}

// About returns the NiFi version.
func (c *Client) About(ctx context.Context) (string, error) {
	res, err := c.do(ctx, "about", http.MethodGet, "/flow/about", nil, nil)
	if err != nil {
		return "", err
	}
	if v := res.Get("about.version"); v.Exists() {
		return v.String(), nil
	}
	return res.Get("version").String(), nil
}

// RootGroupID resolves the id of the root process group.
func (c *Client) RootGroupID(ctx context.Context) (string, error) {
	res, err := c.do(ctx, "get root group", http.MethodGet, "/flow/process-groups/root", nil, nil)
	if err != nil {
		return "", err
	}
	for _, path := range []string{"processGroupFlow.id", "component.id", "id"} {
		if id := res.Get(path).String(); id != "" {
			return id, nil
		}
	}
	return rootGroup, nil
}

// currentVersion fetches the revision version of an entity.
func (c *Client) currentVersion(ctx context.Context, op, path string) (int64, error) {
	res, err := c.do(ctx, op, http.MethodGet, path, nil, nil)
	if err != nil {
		return 0, err
	}
	return res.Get("revision.version").Int(), nil
}

// deleteEntity deletes an entity at its current revision. A missing entity
// counts as deleted.
func (c *Client) deleteEntity(ctx context.Context, kind, path string) error {
	version, err := c.currentVersion(ctx, "get "+kind, path)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return err
	}
	_, err = c.do(ctx, "delete "+kind, http.MethodDelete, path, c.deleteQuery(version), nil)
	if err != nil && isNotFound(err) {
		return nil
	}
	return err
}
