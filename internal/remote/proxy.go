// Package remote reaches participants hosted by another domainctl process
// over HTTP.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/pslog"

	"pkt.systems/domainctl/api"
	"pkt.systems/domainctl/internal/correlation"
	"pkt.systems/domainctl/internal/mgmt"
	"pkt.systems/domainctl/internal/participant"
	"pkt.systems/domainctl/internal/svcfields"
	"pkt.systems/domainctl/internal/version"
)

// Endpoint paths served by every host.
const (
	PathOperation = "/v1/operation"
	PathPrepare   = "/v1/participant/prepare"
	PathCommit    = "/v1/participant/commit"
	PathRollback  = "/v1/participant/rollback"
	PathExecute   = "/v1/participant/execute"
	PathContent   = "/v1/content"
	PathHosts     = "/v1/hosts"
)

// DefaultTimeout bounds a single HTTP exchange.
const DefaultTimeout = 2 * time.Minute

// Decision delivery defaults.
const (
	DefaultDecisionAttempts   = 5
	DefaultDecisionBaseDelay  = 100 * time.Millisecond
	DefaultDecisionMaxDelay   = 5 * time.Second
	DefaultDecisionMultiplier = 2.0
)

// RetryPolicy bounds redelivery of a commit or rollback decision.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultDecisionAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultDecisionBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultDecisionMaxDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultDecisionMultiplier
	}
	return p
}

// Config configures a Client.
type Config struct {
	// Endpoint is the base URL of the remote host, e.g. http://10.0.0.2:9990.
	Endpoint   string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     pslog.Logger
	// DecisionRetry governs commit and rollback delivery. Zero fields take
	// the Default* values.
	DecisionRetry RetryPolicy
}

// Client talks to one remote host.
type Client struct {
	base       *url.URL
	httpClient *http.Client
	logger     pslog.Logger
	retry      RetryPolicy
}

// NewClient constructs a Client for cfg.Endpoint.
func NewClient(cfg Config) (*Client, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("remote: endpoint required")
	}
	base, err := url.Parse(strings.TrimRight(endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("remote: parse endpoint: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("remote: unsupported endpoint scheme %q", base.Scheme)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Client{
		base:       base,
		httpClient: httpClient,
		logger:     svcfields.WithSubsystem(logger, "remote.client").With("endpoint", base.String()),
		retry:      cfg.DecisionRetry.withDefaults(),
	}, nil
}

// Endpoint returns the base URL.
func (c *Client) Endpoint() string { return c.base.String() }

// Proxy returns a participant proxy for id reached through this host.
func (c *Client) Proxy(id mgmt.ParticipantID) *Proxy {
	return &Proxy{id: id, client: c}
}

// Execute runs op through the remote host's coordinator.
func (c *Client) Execute(ctx context.Context, op mgmt.Operation) (mgmt.Result, error) {
	var res mgmt.Result
	err := c.do(ctx, http.MethodPost, PathOperation, nil, api.OperationRequest{Operation: op}, &res)
	return res, err
}

// StoreContent uploads body to the remote content repository.
func (c *Client) StoreContent(ctx context.Context, body io.Reader) (string, error) {
	var resp api.ContentResponse
	if err := c.do(ctx, http.MethodPut, PathContent, nil, body, &resp); err != nil {
		return "", err
	}
	return resp.Hash, nil
}

// Store implements content.Storer.
func (c *Client) Store(ctx context.Context, body io.Reader) (string, error) {
	return c.StoreContent(ctx, body)
}

// FetchContent downloads content by hash. The caller closes the reader.
func (c *Client) FetchContent(ctx context.Context, hash string) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodGet, PathContent, url.Values{"hash": {hash}}, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp.Body, nil
}

// Hosts lists the hosts known to the remote process.
func (c *Client) Hosts(ctx context.Context) ([]api.HostInfo, error) {
	var resp api.HostsResponse
	if err := c.do(ctx, http.MethodGet, PathHosts, nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Hosts, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Request, error) {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	var reader io.Reader
	contentType := ""
	switch b := body.(type) {
	case nil:
	case io.Reader:
		reader = b
		contentType = "application/octet-stream"
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("remote: encode %s: %w", path, err)
		}
		reader = bytes.NewReader(data)
		contentType = "application/json"
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("User-Agent", version.UserAgent())
	if id := correlation.ID(ctx); id != "" {
		req.Header.Set(correlation.Header, id)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	req, err := c.newRequest(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("remote.request.error", "path", path, "error", err, "elapsed", time.Since(start))
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	c.logger.Trace("remote.request.success", "path", path, "status", resp.StatusCode, "elapsed", time.Since(start))
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("remote: decode %s response: %w", path, err)
	}
	return nil
}

// Error is a non-2xx response from a remote host.
type Error struct {
	Status   int
	Response api.ErrorResponse
}

func (e *Error) Error() string {
	if e.Response.Detail != "" {
		return fmt.Sprintf("remote %d %s: %s", e.Status, e.Response.ErrorCode, e.Response.Detail)
	}
	return fmt.Sprintf("remote %d %s", e.Status, e.Response.ErrorCode)
}

func decodeError(resp *http.Response) error {
	out := &Error{Status: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &out.Response); err != nil || out.Response.ErrorCode == "" {
		out.Response.ErrorCode = http.StatusText(resp.StatusCode)
		out.Response.Detail = strings.TrimSpace(string(data))
	}
	return out
}

// Proxy is a participant.Proxy for a host controller or managed server
// living in another process.
type Proxy struct {
	id     mgmt.ParticipantID
	client *Client
}

var (
	_ participant.Proxy          = (*Proxy)(nil)
	_ participant.DirectExecutor = (*Proxy)(nil)
)

// ID implements participant.Proxy.
func (p *Proxy) ID() mgmt.ParticipantID { return p.id }

// Execute implements participant.Proxy.
func (p *Proxy) Execute(ctx context.Context, op mgmt.Operation, sink participant.MessageSink, control participant.Control) error {
	if op.HasPayloadContent() {
		return &mgmt.ContentStorageError{Err: errors.New("operation carries raw content; substitute hashes before dispatch")}
	}
	var resp api.PrepareResponse
	err := p.client.do(ctx, http.MethodPost, PathPrepare, nil, api.PrepareRequest{Operation: op, Server: p.id.Server}, &resp)
	if err != nil {
		return p.wrapError(ctx, err)
	}
	switch resp.State {
	case api.StatePrepared:
		if resp.TxID == "" {
			return &mgmt.ParticipantError{ID: p.id, Kind: mgmt.FailureParticipant, Err: errors.New("prepared without a transaction id")}
		}
		if sink != nil {
			sink(p.id, "prepared remotely as "+resp.TxID)
		}
		control.Prepared(&remoteTx{proxy: p, txID: resp.TxID}, resp.Result)
	case api.StateFailed:
		control.Failed(resp.Result)
	case api.StateCompleted:
		control.Completed(resp.Result)
	default:
		return &mgmt.ParticipantError{ID: p.id, Kind: mgmt.FailureParticipant, Err: fmt.Errorf("unknown participant state %q", resp.State)}
	}
	return nil
}

// ExecuteDirect implements participant.DirectExecutor.
func (p *Proxy) ExecuteDirect(ctx context.Context, op mgmt.Operation) (mgmt.Result, error) {
	var res mgmt.Result
	err := p.client.do(ctx, http.MethodPost, PathExecute, nil, api.PrepareRequest{Operation: op, Server: p.id.Server}, &res)
	if err != nil {
		return mgmt.Result{}, p.wrapError(ctx, err)
	}
	return res, nil
}

func (p *Proxy) wrapError(ctx context.Context, err error) error {
	kind := mgmt.FailureUnresponsive
	var remoteErr *Error
	switch {
	case errors.As(err, &remoteErr):
		kind = mgmt.FailureParticipant
		if remoteErr.Response.FailureKind == mgmt.FailureRouting {
			kind = mgmt.FailureRouting
		}
	case ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled):
		kind = mgmt.FailureInterrupted
	case errors.Is(err, context.DeadlineExceeded):
		kind = mgmt.FailureTimeout
	}
	return &mgmt.ParticipantError{ID: p.id, Kind: kind, Err: err}
}

type remoteTx struct {
	proxy *Proxy
	txID  string
}

func (t *remoteTx) Commit(ctx context.Context) error {
	return t.decide(ctx, PathCommit)
}

func (t *remoteTx) Rollback(ctx context.Context) error {
	return t.decide(ctx, PathRollback)
}

// decide delivers the decision, retrying transport failures and 5xx
// responses with exponential backoff. Other responses are final.
func (t *remoteTx) decide(ctx context.Context, path string) error {
	client := t.proxy.client
	policy := client.retry
	delay := policy.BaseDelay
	var err error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			break
		}
		var resp api.DecisionResponse
		err = client.do(ctx, http.MethodPost, path, nil, api.DecisionRequest{TxID: t.txID}, &resp)
		if err == nil {
			return nil
		}
		if !retryable(err) || attempt == policy.MaxAttempts {
			break
		}
		client.logger.Debug("remote.decision.retry", "participant", t.proxy.id.String(), "path", path, "attempt", attempt, "delay", delay, "error", err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
		delay = time.Duration(float64(delay)*policy.Multiplier + 0.5)
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}
	if err == nil {
		err = ctx.Err()
	}
	return fmt.Errorf("remote %s %s: %w", t.proxy.id, path, err)
}

func retryable(err error) bool {
	var remoteErr *Error
	if errors.As(err, &remoteErr) {
		return remoteErr.Status >= http.StatusInternalServerError
	}
	return !errors.Is(err, context.Canceled)
}
