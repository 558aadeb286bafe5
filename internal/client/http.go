// Package client 下游服务的 HTTP 客户端（钱包/商户/账本/通知）。
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	commonerrors "github.com/ewallet/payment/pkg/errors"
)

const defaultTimeout = 5 * time.Second

// baseClient 各下游客户端共享的请求封装。
// 传输层错误与 5xx 一律映射为可重试的 UNAVAILABLE，
// 4xx 按响应体中的错误码还原为业务错误。
type baseClient struct {
	service string
	baseURL string
	token   string
	client  *http.Client
}

func newBaseClient(service, baseURL, token string) baseClient {
	return baseClient{
		service: service,
		baseURL: baseURL,
		token:   token,
		client: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

func (c *baseClient) post(ctx context.Context, path string, body interface{}) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *baseClient) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return c.do(req)
}

func (c *baseClient) do(req *http.Request) ([]byte, error) {
	if c.token != "" {
		req.Header.Set("X-Internal-Token", c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, commonerrors.Newf(commonerrors.CodeUnavailable, "%s unreachable: %v", c.service, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, commonerrors.Newf(commonerrors.CodeUnavailable, "%s read response: %v", c.service, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, nil
	}

	if resp.StatusCode >= 500 {
		return nil, commonerrors.Newf(commonerrors.CodeUnavailable, "%s returned %d", c.service, resp.StatusCode)
	}

	// 4xx：优先还原下游的业务错误码
	var payload struct {
		Code    commonerrors.Code `json:"code"`
		Message string            `json:"message"`
	}
	if jsonErr := json.Unmarshal(respBody, &payload); jsonErr == nil && payload.Code != "" {
		return nil, commonerrors.Newf(payload.Code, "%s: %s", c.service, payload.Message)
	}
	return nil, commonerrors.Newf(commonerrors.CodeInvalidRequest, "%s returned %d", c.service, resp.StatusCode)
}
