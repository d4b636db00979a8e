// Package remote talks to the authoritative attendance record store: a
// form-encoded write endpoint and a JSON snapshot read on the same URL.
package remote

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	maxResponseBytes = 8 << 20
	maxErrorBody     = 512
	schemaURL        = "snapshot.schema.json"
)

//go:embed snapshot.schema.json
var snapshotSchemaJSON []byte

var compileSnapshotSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(snapshotSchemaJSON))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, doc); err != nil {
		return nil, err
	}
	return compiler.Compile(schemaURL)
})

// Client performs single attempts. Retrying belongs to the caller.
type Client struct {
	httpClient *http.Client
	now        func() time.Time
}

func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{httpClient: httpClient, now: time.Now}
}

type writeEnvelope struct {
	Result  string `json:"result"`
	Message string `json:"message"`
}

// Write posts one record. It succeeds only on a 2xx answer carrying
// {"result":"success"}.
func (c *Client) Write(ctx context.Context, endpoint string, payload Payload) error {
	target, err := parseEndpoint(endpoint)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), strings.NewReader(payload.Form().Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return err
	}
	var envelope writeEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if !strings.EqualFold(strings.TrimSpace(envelope.Result), "success") {
		return &RejectedError{Result: envelope.Result, Message: envelope.Message}
	}
	return nil
}

// Snapshot reads the full remote record list, bypassing intermediate caches.
func (c *Client) Snapshot(ctx context.Context, endpoint string) ([]Item, error) {
	target, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	q := target.Query()
	q.Set("action", "read")
	q.Set("_", strconv.FormatInt(c.now().UnixNano(), 10))
	target.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	return DecodeSnapshot(body)
}

// DecodeSnapshot validates raw against the snapshot schema and decodes it.
func DecodeSnapshot(raw []byte) ([]Item, error) {
	schema, err := compileSnapshotSchema()
	if err != nil {
		return nil, fmt.Errorf("compile snapshot schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if err := schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	var items []Item
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return items, nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text := strings.TrimSpace(string(body))
		if len(text) > maxErrorBody {
			text = text[:maxErrorBody]
		}
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: text}
	}
	return body, nil
}

func parseEndpoint(endpoint string) (*url.URL, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("remote endpoint is not configured")
	}
	target, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("remote endpoint must be http or https: %q", endpoint)
	}
	return target, nil
}
