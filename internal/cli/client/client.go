package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/bosondata/badwolf/internal/common"
)

// Client talks to a running badwolf server.
type Client struct {
	serverURL  string
	httpClient *http.Client
}

// New returns a client for serverURL. caCertPath, when set, replaces the
// system root pool.
func New(serverURL, caCertPath string) (*Client, error) {
	if serverURL == "" {
		return nil, errors.New("server url not configured")
	}
	tlsConfig := &tls.Config{}
	if caCertPath != "" {
		caCert, err := os.ReadFile(caCertPath)
		if err != nil {
			return nil, fmt.Errorf("read ca cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("parse ca cert %s", caCertPath)
		}
		tlsConfig.RootCAs = pool
	}
	return &Client{
		serverURL:  strings.TrimRight(serverURL, "/"),
		httpClient: &http.Client{Transport: &http.Transport{TLSClientConfig: tlsConfig}},
	}, nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.serverURL+path, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read body failed: %w", err)
	}
	return body, resp.StatusCode, nil
}

// Running returns how many pipelines the server is executing.
func (c *Client) Running(ctx context.Context) (int, error) {
	body, status, err := c.get(ctx, "/")
	if err != nil {
		return 0, err
	}
	if status != http.StatusOK {
		return 0, fmt.Errorf("server returned %d", status)
	}
	var res struct {
		Code int `json:"code"`
		Data struct {
			Running int `json:"running"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, fmt.Errorf("failed to parse response: %w", err)
	}
	if res.Code != common.SuccessCode {
		return 0, common.NewErrNo(res.Code)
	}
	return res.Data.Running, nil
}

// Log fetches a rendered build or lint log page.
func (c *Client) Log(ctx context.Context, kind, sha, taskID string) ([]byte, error) {
	path := fmt.Sprintf("/log/%s/%s/%s", kind, url.PathEscape(sha), url.PathEscape(taskID))
	body, status, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
		return body, nil
	case http.StatusNotFound:
		return nil, common.NewErrNo(common.LogNotExists)
	default:
		return nil, fmt.Errorf("server returned %d", status)
	}
}
