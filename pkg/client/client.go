package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/vaphes/pocketbase/pkg/auth"
	"github.com/vaphes/pocketbase/pkg/realtime"
)

const DefaultTimeout = 120 * time.Second

type ClientOptions struct {
	BaseURL    string
	Lang       string
	AuthStore  auth.Store
	HTTPClient *http.Client
	Logger     logrus.FieldLogger
	// Timeout bounds every request except the realtime stream. Zero means
	// DefaultTimeout, negative disables it.
	Timeout  time.Duration
	Realtime []realtime.Option
}

type Client struct {
	AuthStore auth.Store
	Realtime  *realtime.Service

	baseURL    string
	lang       string
	httpClient *http.Client
	logger     logrus.FieldLogger
	timeout    time.Duration
}

// Request describes an API call. A header set to the empty string is not
// sent, which is how the automatic Authorization header is disabled.
type Request struct {
	Method  string
	Params  url.Values
	Headers map[string]string
	Body    any
}

func New(options ClientOptions) (*Client, error) {
	if _, err := url.Parse(options.BaseURL); err != nil {
		return nil, errors.Wrapf(err, "invalid base url %q", options.BaseURL)
	}

	c := &Client{
		AuthStore:  options.AuthStore,
		baseURL:    options.BaseURL,
		lang:       options.Lang,
		httpClient: options.HTTPClient,
		logger:     options.Logger,
		timeout:    options.Timeout,
	}

	if c.baseURL == "" {
		c.baseURL = "/"
	}

	if c.lang == "" {
		c.lang = "en-US"
	}

	if c.AuthStore == nil {
		c.AuthStore = auth.NewMemoryStore()
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}

	if c.logger == nil {
		c.logger = logrus.StandardLogger()
	}

	if c.timeout == 0 {
		c.timeout = DefaultTimeout
	}

	opts := []realtime.Option{
		realtime.WithLogger(c.logger),
		realtime.WithHTTPClient(c.httpClient),
	}
	c.Realtime = realtime.NewService(c, append(opts, options.Realtime...)...)

	return c, nil
}

// BuildURL joins the base url and path with a single slash.
func (c *Client) BuildURL(path string) string {
	u := c.baseURL
	if !strings.HasSuffix(u, "/") {
		u += "/"
	}

	return u + strings.TrimPrefix(path, "/")
}

// Send performs an API request and decodes the JSON response into out,
// which may be nil. Failures are returned as *ResponseError.
func (c *Client) Send(ctx context.Context, path string, r *Request, out any) error {
	if r == nil {
		r = &Request{}
	}

	method := r.Method
	if method == "" {
		method = http.MethodGet
	}

	u := c.BuildURL(path)
	if len(r.Params) > 0 {
		u += "?" + r.Params.Encode()
	}

	var body io.Reader
	if r.Body != nil {
		b, err := json.Marshal(r.Body)
		if err != nil {
			return &ResponseError{URL: u, OriginalError: errors.Wrap(err, "encode request body")}
		}
		body = bytes.NewReader(b)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return &ResponseError{URL: u, OriginalError: err}
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept-Language", c.lang)

	if _, ok := r.Headers["Authorization"]; !ok {
		if token := c.AuthStore.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	for key, value := range r.Headers {
		if value != "" {
			req.Header.Set(key, value)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &ResponseError{
			URL:           u,
			IsAbort:       errors.Is(err, context.Canceled),
			OriginalError: err,
		}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &ResponseError{URL: u, Status: resp.StatusCode, OriginalError: err}
	}

	if resp.StatusCode >= 400 {
		respErr := &ResponseError{URL: u, Status: resp.StatusCode}
		_ = json.Unmarshal(raw, &respErr.Data)

		c.logger.WithFields(logrus.Fields{
			"url":    u,
			"status": resp.StatusCode,
		}).Debug("request failed")

		return respErr
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return &ResponseError{URL: u, Status: resp.StatusCode, OriginalError: errors.Wrap(err, "decode response")}
	}

	return nil
}

// Do sends a JSON body with method to path.
func (c *Client) Do(ctx context.Context, method string, path string, body any, out any) error {
	return c.Send(ctx, path, &Request{Method: method, Body: body}, out)
}

func (c *Client) Collection(name string) *RecordService {
	return &RecordService{client: c, collection: name}
}

// Close drops the realtime subscriptions and closes the stream.
func (c *Client) Close() {
	c.Realtime.Close()
}
