package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"fleetinspect/internal/config"
	"fleetinspect/internal/metrics"
	"fleetinspect/pkg/log"
)

// Service is the request/response contract of the fleet backend.
type Service interface {
	Create(ctx context.Context, model string, values map[string]any, kwargs map[string]any) (int64, error)
	Read(ctx context.Context, model string, ids []int64, fields []string) (json.RawMessage, error)
	SearchRead(ctx context.Context, model string, domain []any, fields []string, opts SearchOptions) (json.RawMessage, error)
	Write(ctx context.Context, model string, ids []int64, values map[string]any) error
	Call(ctx context.Context, model, method string, args []any, kwargs map[string]any) (json.RawMessage, error)
}

type SearchOptions struct {
	Limit  int
	Offset int
	Order  string
}

var _ Service = (*Client)(nil)

// Client speaks the ORM's JSON-RPC dialect over HTTP.
type Client struct {
	BaseURL    string
	Database   string
	Login      string
	Password   string
	HTTPClient *http.Client
	Timeout    time.Duration
	Log        log.Logger

	seq    atomic.Int64
	authMu sync.Mutex
}

// New creates a client from config. A configured session id is installed as the session cookie.
func New(cfg config.Remote, logger log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		BaseURL:    strings.TrimRight(cfg.URL, "/"),
		Database:   cfg.Database,
		Login:      cfg.Login,
		Password:   cfg.Password,
		Timeout:    timeout,
		HTTPClient: &http.Client{Timeout: timeout, Jar: jar},
		Log:        logger.WithName("remote"),
	}
	if cfg.SessionID != "" {
		u, err := url.Parse(c.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid remote url: %w", err)
		}
		jar.SetCookies(u, []*http.Cookie{{Name: "session_id", Value: cfg.SessionID, Path: "/"}})
	}
	return c, nil
}

func (c *Client) logger() log.Logger {
	if c.Log != nil {
		return c.Log
	}
	return log.NewNopLogger()
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      int64  `json:"id"`
}

type rpcResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"data"`
}

const sessionExpired = "odoo.http.SessionExpiredException"

// Authenticate opens a backend session with the configured credentials.
func (c *Client) Authenticate(ctx context.Context) error {
	if c.Login == "" {
		return errors.New("remote login not configured")
	}
	params := map[string]any{"db": c.Database, "login": c.Login, "password": c.Password}
	raw, err := c.do(ctx, "/web/session/authenticate", params, "res.users", "authenticate")
	if err != nil {
		return err
	}
	var info struct {
		UID json.RawMessage `json:"uid"`
	}
	if err := json.Unmarshal(raw, &info); err != nil || isNullish(info.UID) {
		return &DomainError{Model: "res.users", Method: "authenticate", Name: "AccessDenied", Message: "invalid credentials"}
	}
	c.logger().Debug("authenticated", "login", c.Login)
	return nil
}

// Execute runs model.method through call_kw and returns the raw result.
func (c *Client) Execute(ctx context.Context, model, method string, args []any, kwargs map[string]any) (json.RawMessage, error) {
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	params := map[string]any{"model": model, "method": method, "args": args, "kwargs": kwargs}
	endpoint := fmt.Sprintf("/web/dataset/call_kw/%s/%s", model, method)
	raw, err := c.do(ctx, endpoint, params, model, method)
	var de *DomainError
	if errors.As(err, &de) && de.Name == sessionExpired && c.Login != "" {
		if aerr := c.reauthenticate(ctx); aerr != nil {
			return nil, aerr
		}
		raw, err = c.do(ctx, endpoint, params, model, method)
	}
	return raw, err
}

func (c *Client) reauthenticate(ctx context.Context) error {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	c.logger().Info("session expired, re-authenticating")
	return c.Authenticate(ctx)
}

func (c *Client) Create(ctx context.Context, model string, values map[string]any, kwargs map[string]any) (int64, error) {
	raw, err := c.Execute(ctx, model, "create", []any{values}, kwargs)
	if err != nil {
		return 0, err
	}
	return decodeID(raw)
}

func (c *Client) Read(ctx context.Context, model string, ids []int64, fields []string) (json.RawMessage, error) {
	return c.Execute(ctx, model, "read", []any{ids}, map[string]any{"fields": fields})
}

func (c *Client) SearchRead(ctx context.Context, model string, domain []any, fields []string, opts SearchOptions) (json.RawMessage, error) {
	if domain == nil {
		domain = []any{}
	}
	kwargs := map[string]any{"domain": domain, "fields": fields}
	if opts.Limit > 0 {
		kwargs["limit"] = opts.Limit
	}
	if opts.Offset > 0 {
		kwargs["offset"] = opts.Offset
	}
	if opts.Order != "" {
		kwargs["order"] = opts.Order
	}
	return c.Execute(ctx, model, "search_read", nil, kwargs)
}

func (c *Client) Write(ctx context.Context, model string, ids []int64, values map[string]any) error {
	_, err := c.Execute(ctx, model, "write", []any{ids, values}, nil)
	return err
}

// Call invokes a server procedure. A {"error": ...} result is reported as a DomainError.
func (c *Client) Call(ctx context.Context, model, method string, args []any, kwargs map[string]any) (json.RawMessage, error) {
	raw, err := c.Execute(ctx, model, method, args, kwargs)
	if err != nil {
		return nil, err
	}
	if perr := procedureError(model, method, raw); perr != nil {
		return nil, perr
	}
	return raw, nil
}

func (c *Client) do(ctx context.Context, endpoint string, params any, model, method string) (json.RawMessage, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	op := model + "." + method
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: "call", Params: params, ID: c.seq.Add(1)})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	took := time.Since(start)
	metrics.RemoteLatency.WithLabelValues(method).Observe(took.Seconds())
	c.logger().Debug("rpc", "op", op, "status", resp.StatusCode, "took", took)
	if resp.StatusCode >= 300 {
		return nil, &TransportError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(truncate(data, 200))}
	}
	var out rpcResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode envelope: %w", err)}
	}
	if out.Error != nil {
		msg := out.Error.Data.Message
		if msg == "" {
			msg = out.Error.Message
		}
		return nil, &DomainError{Model: model, Method: method, Name: out.Error.Data.Name, Message: msg}
	}
	return out.Result, nil
}
