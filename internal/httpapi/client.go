package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/attendsync/internal/attendance"
)

// APIError is a non-2xx answer from the local API.
type APIError struct {
	StatusCode    int
	Code          string
	Message       string
	CorrelationID string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8787"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *Client) Mark(ctx context.Context, in attendance.MarkInput) (MarkResponse, error) {
	var out MarkResponse
	err := c.doJSON(ctx, http.MethodPost, "/v1/marks", in, &out)
	return out, err
}

func (c *Client) UpdateStatus(ctx context.Context, ids []string, status string) (StatusUpdateResponse, error) {
	var out StatusUpdateResponse
	err := c.doJSON(ctx, http.MethodPost, "/v1/marks/status", StatusUpdateRequest{StudentIDs: ids, Status: status}, &out)
	return out, err
}

func (c *Client) Remove(ctx context.Context, ids []string) (attendance.SyncStatus, error) {
	var out attendance.SyncStatus
	err := c.doJSON(ctx, http.MethodPost, "/v1/records/remove", RemoveRequest{StudentIDs: ids}, &out)
	return out, err
}

func (c *Client) Clear(ctx context.Context) (attendance.SyncStatus, error) {
	var out attendance.SyncStatus
	err := c.doJSON(ctx, http.MethodPost, "/v1/records/clear", nil, &out)
	return out, err
}

func (c *Client) Records(ctx context.Context) (RecordsResponse, error) {
	var out RecordsResponse
	err := c.doJSON(ctx, http.MethodGet, "/v1/records", nil, &out)
	return out, err
}

func (c *Client) Status(ctx context.Context) (attendance.SyncStatus, error) {
	var out attendance.SyncStatus
	err := c.doJSON(ctx, http.MethodGet, "/v1/sync/status", nil, &out)
	return out, err
}

func (c *Client) SetEndpoint(ctx context.Context, endpoint string) (attendance.SyncStatus, error) {
	var out attendance.SyncStatus
	err := c.doJSON(ctx, http.MethodPut, "/v1/sync/endpoint", EndpointRequest{Endpoint: endpoint}, &out)
	return out, err
}

func (c *Client) Flush(ctx context.Context) (attendance.SyncStatus, error) {
	var out attendance.SyncStatus
	err := c.doJSON(ctx, http.MethodPost, "/v1/sync/flush", nil, &out)
	return out, err
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	} else if method == http.MethodPost || method == http.MethodPut {
		bodyBytes = []byte("{}")
	}
	correlationID := newCorrelationID()
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Correlation-Id", correlationID)
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			// A POST may have committed before the connection dropped.
			if idempotentMethod(method) && attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload ErrorResponse
		_ = json.Unmarshal(payloadBytes, &errPayload)
		if errPayload.Message == "" {
			errPayload.Message = strings.TrimSpace(string(payloadBytes))
		}
		return &APIError{
			StatusCode:    resp.StatusCode,
			Code:          errPayload.Code,
			Message:       errPayload.Message,
			CorrelationID: errPayload.CorrelationID,
		}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func idempotentMethod(method string) bool {
	return method == http.MethodGet || method == http.MethodPut
}
