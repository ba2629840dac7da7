package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nbworkflows/labflow/pkg/model"
)

// Client communicates with the LabFlow control plane on behalf of a
// worker: private-key fetch, history reporting, runtime registration.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a worker API client with connection pooling.
func NewClient(baseURL, token string) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
	}
}

// PrivateKey fetches the project's symmetric key. The key is per-task and
// never cached.
func (c *Client) PrivateKey(ctx context.Context, projectID string) (string, error) {
	var out struct {
		PrivateKey string `json:"private_key"`
	}
	if err := c.doJSON(ctx, http.MethodPost,
		fmt.Sprintf("/v1/projects/%s/_private_key", projectID), nil, &out); err != nil {
		return "", fmt.Errorf("private key: %w", err)
	}
	return out.PrivateKey, nil
}

// PushHistory reports a terminal execution result.
func (c *Client) PushHistory(ctx context.Context, res *model.ExecutionResult) error {
	if err := c.doJSON(ctx, http.MethodPost, "/v1/history", res, nil); err != nil {
		return fmt.Errorf("push history: %w", err)
	}
	return nil
}

// RegisterRuntime records a freshly built runtime version.
func (c *Client) RegisterRuntime(ctx context.Context, rt *model.Runtime) error {
	if err := c.doJSON(ctx, http.MethodPost,
		fmt.Sprintf("/v1/runtimes/%s", rt.ProjectID), rt, nil); err != nil {
		return fmt.Errorf("register runtime: %w", err)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr model.APIError
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Code != "" {
			return &apiErr
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
