package inference

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	retryDelay         = 100 * time.Millisecond
)

// HTTPConfig holds configuration for the HTTP client
type HTTPConfig struct {
	Endpoint string // Base URL; "http://" is assumed when no scheme is given
	Timeout  time.Duration
	Retries  int
}

// HTTPClient talks to a model host over JSON/HTTP
type HTTPClient struct {
	*resty.Client
}

var _ Client = (*HTTPClient)(nil)

type apiError struct {
	Error string `json:"error"`
}

// NewHTTPClient returns an initialized model host HTTP client
func NewHTTPClient(cfg HTTPConfig, logger *zap.Logger) *HTTPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	baseURL := cfg.Endpoint
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}

	r := resty.New().
		SetLogger(logger.Sugar()).
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(retryDelay).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			return resp != nil && resp.StatusCode() >= http.StatusInternalServerError
		})

	return &HTTPClient{Client: r}
}

// CheckHealth calls GET /v1/health
func (c *HTTPClient) CheckHealth(ctx context.Context) error {
	resp, err := c.R().SetContext(ctx).Get("/v1/health")
	if err != nil {
		return fmt.Errorf("couldn't connect with model host: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: %s", ErrUnhealthy, resp.Status())
	}
	return nil
}

// Status calls GET /v1/models/{name}
func (c *HTTPClient) Status(ctx context.Context, model string) (*Status, error) {
	var out Status
	if err := c.do(ctx, http.MethodGet, modelPath(model, ""), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Load calls POST /v1/models/{name}/load
func (c *HTTPClient) Load(ctx context.Context, model string) (*Status, error) {
	var out Status
	if err := c.do(ctx, http.MethodPost, modelPath(model, "load"), struct{}{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Detect calls POST /v1/models/{name}/detect
func (c *HTTPClient) Detect(ctx context.Context, req *DetectRequest) (*DetectResponse, error) {
	var out DetectResponse
	if err := c.do(ctx, http.MethodPost, modelPath(req.Model, "detect"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Segment calls POST /v1/models/{name}/segment. The host answers 422 when
// it has no confident mask.
func (c *HTTPClient) Segment(ctx context.Context, req *SegmentRequest) (*SegmentResponse, error) {
	var out SegmentResponse
	if err := c.do(ctx, http.MethodPost, modelPath(req.Model, "segment"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Propose calls POST /v1/models/{name}/propose
func (c *HTTPClient) Propose(ctx context.Context, req *ProposeRequest) (*ProposeResponse, error) {
	var out ProposeResponse
	if err := c.do(ctx, http.MethodPost, modelPath(req.Model, "propose"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Close drops idle connections
func (c *HTTPClient) Close() error {
	c.GetClient().CloseIdleConnections()
	return nil
}

func modelPath(model, action string) string {
	p := "/v1/models/" + url.PathEscape(model)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, result any) error {
	var apiErr apiError
	r := c.R().SetContext(ctx).SetResult(result).SetError(&apiErr)
	if body != nil {
		r.SetBody(body)
	}

	resp, err := r.Execute(method, path)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s %s: %w", method, path, ctxErr)
		}
		return fmt.Errorf("couldn't connect with model host: %w", err)
	}
	if !resp.IsError() {
		return nil
	}

	msg := apiErr.Error
	if msg == "" {
		msg = resp.Status()
	}
	switch resp.StatusCode() {
	case http.StatusUnprocessableEntity:
		return fmt.Errorf("%s %s: %w: %s", method, path, ErrNoMask, msg)
	case http.StatusNotFound:
		return fmt.Errorf("%s %s: %w: %s", method, path, ErrModelNotFound, msg)
	}
	return fmt.Errorf("%s %s: %s", method, path, msg)
}
