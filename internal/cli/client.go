// Package cli implements the labflow command line: a thin typed client
// over the control-plane API plus cobra commands driven by the project's
// labfile.
package cli

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/nbworkflows/labflow/pkg/model"
)

// Client is a typed HTTP client for the LabFlow API.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewClient creates a LabFlow API client.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{},
		Logger:     logger,
	}
}

// do performs a JSON request and decodes the response into out (when
// non-nil). Non-2xx responses surface as *model.APIError.
func (c *Client) do(method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.BaseURL+path, rd)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	c.Logger.Debug("HTTP request", "method", req.Method, "url", req.URL.String())

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	c.Logger.Debug("HTTP response", "status", resp.StatusCode, "body", string(respBody))

	if resp.StatusCode >= 400 {
		var apiErr model.APIError
		if err := json.Unmarshal(respBody, &apiErr); err == nil && apiErr.Code != "" {
			return &apiErr
		}
		return fmt.Errorf("%s %s: status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("parse response: %w\nbody: %s", err, string(respBody))
		}
	}
	return nil
}

// Login exchanges credentials for a token pair and keeps the access token
// on the client.
func (c *Client) Login(username, password string) (*model.TokenPair, error) {
	var pair model.TokenPair
	err := c.do("POST", "/v1/auth/login",
		map[string]string{"username": username, "password": password}, &pair)
	if err != nil {
		return nil, err
	}
	c.Token = pair.AccessToken
	return &pair, nil
}

// CreateProject registers a project; it returns the public project data,
// or nil when the name already exists.
func (c *Client) CreateProject(req model.ProjectReq) (*model.ProjectData, error) {
	var data model.ProjectData
	if err := c.do("POST", "/v1/projects", req, &data); err != nil {
		return nil, err
	}
	if data.ProjectID == "" {
		return nil, nil
	}
	return &data, nil
}

// RegisterWorkflow creates or updates a workflow and returns its wfid.
func (c *Client) RegisterWorkflow(projectID string, data model.WorkflowData) (string, error) {
	method := "POST"
	if data.WFID != "" {
		method = "PUT"
	}
	var resp map[string]string
	if err := c.do(method, "/v1/workflows/"+projectID, data, &resp); err != nil {
		return "", err
	}
	return resp["wfid"], nil
}

// ListWorkflows returns the project's registered workflows.
func (c *Client) ListWorkflows(projectID string) ([]model.Workflow, error) {
	var out []model.Workflow
	if err := c.do("GET", "/v1/workflows/"+projectID, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteWorkflow unschedules and removes a workflow.
func (c *Client) DeleteWorkflow(projectID, wfid string) error {
	return c.do("DELETE", "/v1/workflows/"+projectID+"/"+wfid, nil, nil)
}

// RunWorkflow fires a workflow now and returns the execid.
func (c *Client) RunWorkflow(projectID, wfid string) (string, error) {
	var resp map[string]string
	if err := c.do("POST", "/v1/workflows/"+projectID+"/_run/"+wfid, nil, &resp); err != nil {
		return "", err
	}
	return resp["execid"], nil
}

// UploadBundle streams a project bundle for a runtime version.
func (c *Client) UploadBundle(projectID, runtime, version string, r io.Reader) (string, error) {
	q := url.Values{"runtime": {runtime}, "version": {version}}
	req, err := http.NewRequest("POST",
		c.BaseURL+"/v1/projects/"+projectID+"/_upload?"+q.Encode(), r)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/zip")
	var resp map[string]string
	if err := c.send(req, &resp); err != nil {
		return "", err
	}
	return resp["key"], nil
}

// Build enqueues an image build for a runtime spec.
func (c *Client) Build(projectID string, spec model.RuntimeSpec, version, cluster string) (*model.BuildContext, error) {
	q := url.Values{}
	if version != "" {
		q.Set("version", version)
	}
	if cluster != "" {
		q.Set("cluster", cluster)
	}
	path := "/v1/projects/" + projectID + "/_build"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var bc model.BuildContext
	if err := c.do("POST", path, spec, &bc); err != nil {
		return nil, err
	}
	return &bc, nil
}

// History returns the project's last limit execution results.
func (c *Client) History(projectID string, limit int) ([]model.HistoryResult, error) {
	var resp struct {
		Rows []model.HistoryResult `json:"rows"`
	}
	path := "/v1/history/" + projectID + "?lt=" + strconv.Itoa(limit)
	if err := c.do("GET", path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Rows, nil
}

// GetOutput fetches a stored result notebook. The caller closes the
// returned reader.
func (c *Client) GetOutput(projectID, file string) (io.ReadCloser, error) {
	q := url.Values{"file": {file}}
	req, err := http.NewRequest("GET",
		c.BaseURL+"/v1/history/"+projectID+"/_get_output?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		var apiErr model.APIError
		if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Code != "" {
			return nil, &apiErr
		}
		return nil, fmt.Errorf("get output: status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// UploadOutput sends a result notebook through the multipart output
// endpoint; failed=true routes it under the error prefix.
func (c *Client) UploadOutput(projectID, outputName string, content io.Reader, failed bool) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", outputName)
	if err != nil {
		return fmt.Errorf("multipart form: %w", err)
	}
	if _, err := io.Copy(fw, content); err != nil {
		return fmt.Errorf("multipart copy: %w", err)
	}
	mw.WriteField("output_name", outputName)
	mw.Close()

	endpoint := "/_output_ok"
	if failed {
		endpoint = "/_output_fail"
	}
	req, err := http.NewRequest("POST", c.BaseURL+"/v1/history/"+projectID+endpoint, &buf)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.send(req, nil)
}

// Listen tails an execution's event stream, calling fn for each event
// until the terminal control=exit event or a stream error. fn returning an
// error stops the tail early.
func (c *Client) Listen(projectID, execID, last string, fn func(*model.Event) error) error {
	q := url.Values{}
	if last != "" {
		q.Set("last", last)
	}
	path := c.BaseURL + "/v1/events/" + projectID + "/" + execID + "/_listen"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	req, err := http.NewRequest("GET", path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("listen: status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	var frame strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			frame.WriteString(line)
			frame.WriteString("\n")
			continue
		}
		if frame.Len() == 0 {
			continue
		}
		ev, err := model.FromSSE(frame.String())
		frame.Reset()
		if err != nil {
			return fmt.Errorf("parse event: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
		if ev.IsExit() {
			return nil
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("event stream: %w", err)
	}
	return nil
}
