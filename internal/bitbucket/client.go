package bitbucket

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

	"go.uber.org/zap"

	"github.com/bosondata/badwolf/internal/common"
)

const DefaultBaseURL = "https://api.bitbucket.org"

// APIError is a non-2xx answer from the Bitbucket API.
type APIError struct {
	Code        int
	ErrorCode   string
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("code: %d, error: %s, description: %s", e.Code, e.ErrorCode, e.Description)
}

func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	auth       Authenticator
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) { client.httpClient = c }
}

func NewClient(baseURL string, auth Authenticator, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: http.DefaultClient,
		auth:       auth,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewClientFromConfig picks OAuth2 when a consumer key is configured and
// basic auth otherwise.
func NewClientFromConfig(conf common.Config) (*Client, error) {
	var auth Authenticator
	switch {
	case conf.BitbucketOAuthKey != "":
		auth = NewOAuth2Auth(conf.BitbucketOAuthKey, conf.BitbucketOAuthSecret, conf.BitbucketRefreshToken)
	case conf.BitbucketUsername != "":
		auth = &BasicAuth{Username: conf.BitbucketUsername, Password: conf.BitbucketPassword}
	default:
		return nil, errors.New("bitbucket: no credentials configured")
	}
	return NewClient(conf.BitbucketAPIURL, auth), nil
}

// GitURL returns an authenticated HTTPS clone URL for a repository.
func (c *Client) GitURL(fullName string) (string, error) {
	return c.auth.GitURL(fullName)
}

func (c *Client) Get(ctx context.Context, path string, query url.Values, out any) error {
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	return c.doJSON(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.doJSON(ctx, http.MethodPost, path, body, out)
}

func (c *Client) Put(ctx context.Context, path string, body, out any) error {
	return c.doJSON(ctx, http.MethodPut, path, body, out)
}

func (c *Client) Delete(ctx context.Context, path string) error {
	_, err := c.Do(ctx, http.MethodDelete, path, nil)
	return err
}

// GetRaw returns the undecoded response body.
func (c *Client) GetRaw(ctx context.Context, path string) ([]byte, error) {
	return c.Do(ctx, http.MethodGet, path, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	data, err := c.Do(ctx, method, path, body)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("bitbucket: decoding %s %s: %w", method, path, err)
	}
	return nil
}

// Do sends an authenticated request. A 401 with refreshable credentials
// triggers one token refresh and a single retry.
func (c *Client) Do(ctx context.Context, method, path string, body any) ([]byte, error) {
	return c.do(ctx, method, path, body, false)
}

func (c *Client) do(ctx context.Context, method, path string, body any, isRetry bool) ([]byte, error) {
	resp, err := c.doRaw(ctx, method, c.url(path), body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("bitbucket: reading response body: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}

	if resp.StatusCode == http.StatusUnauthorized && !isRetry {
		if refresher, ok := c.auth.(Refresher); ok {
			common.GetLogger().Info("bitbucket access token expired, refreshing", zap.String("path", path))
			if err := refresher.Refresh(ctx); err != nil {
				return nil, err
			}
			return c.do(ctx, method, path, body, true)
		}
	}
	return nil, parseAPIError(resp.StatusCode, data)
}

func (c *Client) doRaw(ctx context.Context, method, rawURL string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("bitbucket: encoding request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("bitbucket: creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.auth.Authorize(ctx, req); err != nil {
		return nil, fmt.Errorf("bitbucket: authentication: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bitbucket: %s %s: %w", method, rawURL, err)
	}
	return resp, nil
}

func (c *Client) url(path string) string {
	if strings.HasPrefix(path, "https://") || strings.HasPrefix(path, "http://") {
		return path
	}
	return c.baseURL + "/" + strings.TrimLeft(path, "/")
}

// parseAPIError understands both the OAuth error shape
// ({"error": "...", "error_description": "..."}) and the API v2 shape
// ({"type": "error", "error": {"message": "...", "detail": "..."}}).
func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{Code: status}
	var wire struct {
		Error            json.RawMessage `json:"error"`
		ErrorDescription string          `json:"error_description"`
	}
	if json.Unmarshal(body, &wire) != nil {
		apiErr.Description = strings.TrimSpace(string(body))
		return apiErr
	}
	apiErr.Description = wire.ErrorDescription
	var code string
	if json.Unmarshal(wire.Error, &code) == nil {
		apiErr.ErrorCode = code
		return apiErr
	}
	var detail struct {
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if json.Unmarshal(wire.Error, &detail) == nil {
		apiErr.ErrorCode = detail.Message
		if apiErr.Description == "" {
			apiErr.Description = detail.Detail
		}
	}
	return apiErr
}
