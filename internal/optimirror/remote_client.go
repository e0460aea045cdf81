package optimirror

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type AccessTokenProvider func(ctx context.Context) (string, error)

type RemoteClientOptions struct {
	BaseURL       string
	TokenProvider AccessTokenProvider
	HTTPClient    *http.Client
	UserAgent     string
}

// RemoteClient builds RemoteOperations against an upstream JSON API. It
// performs exactly one request per invocation: retries, backoff, and circuit
// gating belong to the Coordinator, not the transport. Failures surface as
// *RemoteError with a structured code so classification never depends on
// message wording.
type RemoteClient struct {
	baseURL    string
	token      AccessTokenProvider
	httpClient *http.Client
	userAgent  string
}

func NewRemoteClient(opts RemoteClientOptions) *RemoteClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	return &RemoteClient{
		baseURL:    baseURL,
		token:      opts.TokenProvider,
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
	}
}

func (c *RemoteClient) Create(dataType string, payload json.RawMessage, correlationID string) RemoteOperation {
	return func(ctx context.Context) (json.RawMessage, error) {
		return c.do(ctx, http.MethodPost, c.recordURL(dataType, ""), payload, correlationID)
	}
}

func (c *RemoteClient) Update(dataType, id string, payload json.RawMessage, correlationID string) RemoteOperation {
	return func(ctx context.Context) (json.RawMessage, error) {
		return c.do(ctx, http.MethodPut, c.recordURL(dataType, id), payload, correlationID)
	}
}

func (c *RemoteClient) Delete(dataType, id, correlationID string) RemoteOperation {
	return func(ctx context.Context) (json.RawMessage, error) {
		return c.do(ctx, http.MethodDelete, c.recordURL(dataType, id), nil, correlationID)
	}
}

func (c *RemoteClient) recordURL(dataType, id string) string {
	u := c.baseURL + "/v1/" + url.PathEscape(dataType)
	if id != "" {
		u += "/" + url.PathEscape(id)
	}
	return u
}

func (c *RemoteClient) do(ctx context.Context, method, requestURL string, payload json.RawMessage, correlationID string) (json.RawMessage, error) {
	if c == nil || c.baseURL == "" {
		return nil, &RemoteError{Code: CodeValidation, Message: "remote client is not configured"}
	}
	var body io.Reader
	if len(payload) > 0 {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, requestURL, body)
	if err != nil {
		return nil, &RemoteError{Code: CodeValidation, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if correlationID != "" {
		req.Header.Set("X-Correlation-Id", correlationID)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if c.token != nil {
		token, tokenErr := c.token(ctx)
		if tokenErr != nil {
			return nil, &RemoteError{Code: CodeUnauthorized, Message: tokenErr.Error()}
		}
		if strings.TrimSpace(token) != "" {
			req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		code := CodeNetwork
		if errors.Is(err, context.DeadlineExceeded) {
			code = CodeTimeout
		}
		var urlErr *url.Error
		if errors.As(err, &urlErr) && urlErr.Timeout() {
			code = CodeTimeout
		}
		return nil, &RemoteError{Code: code, Message: err.Error()}
	}
	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, &RemoteError{Code: CodeNetwork, Message: readErr.Error()}
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if len(respBody) == 0 {
			return nil, nil
		}
		return json.RawMessage(respBody), nil
	}
	return nil, remoteErrorFromResponse(resp, respBody)
}

func remoteErrorFromResponse(resp *http.Response, body []byte) *RemoteError {
	code := ""
	message := strings.TrimSpace(string(body))
	var parsed map[string]any
	if json.Unmarshal(body, &parsed) == nil {
		if c, ok := parsed["code"].(string); ok {
			code = c
		}
		if m, ok := parsed["message"].(string); ok && strings.TrimSpace(m) != "" {
			message = m
		}
	}
	if code == "" {
		code = codeForStatus(resp.StatusCode)
	}
	remoteErr := &RemoteError{
		Code:    code,
		Message: fmt.Sprintf("status=%d message=%s", resp.StatusCode, message),
		Status:  resp.StatusCode,
	}
	if retryAfter := parseRetryAfterSeconds(resp.Header.Get("Retry-After")); retryAfter > 0 {
		remoteErr.RetryAfter = retryAfter
	}
	return remoteErr
}

func codeForStatus(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return CodeUnauthorized
	case status == http.StatusForbidden:
		return CodeForbidden
	case status == http.StatusNotFound:
		return CodeNotFound
	case status == http.StatusConflict:
		return CodeConflict
	case status == http.StatusTooManyRequests:
		return CodeRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return CodeTimeout
	case status == http.StatusServiceUnavailable:
		return CodeUnavailable
	case status >= 500:
		return CodeServerError
	case status >= 400:
		return CodeValidation
	default:
		return CodeServerError
	}
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
