package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/banshee-data/calibrix/internal/httputil"
)

// Client calls a running calibrix server.
type Client struct {
	base string
	http httputil.HTTPClient
}

// NewClient returns a client for the server at baseURL. A nil hc uses
// http.DefaultClient.
func NewClient(baseURL string, hc httputil.HTTPClient) *Client {
	if hc == nil {
		hc = httputil.NewStandardClient(nil)
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: hc}
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, httputil.MaxBodyBytes))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &StatusError{Code: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) Status(ctx context.Context) (StatusAPI, error) {
	var st StatusAPI
	err := c.do(ctx, http.MethodGet, "/status", nil, &st)
	return st, err
}

func (c *Client) Groups(ctx context.Context) ([]GroupAPI, error) {
	var groups []GroupAPI
	err := c.do(ctx, http.MethodGet, "/groups", nil, &groups)
	return groups, err
}

func (c *Client) Accuracy(ctx context.Context) ([]AccuracyAPI, error) {
	var rows []AccuracyAPI
	err := c.do(ctx, http.MethodGet, "/accuracy", nil, &rows)
	return rows, err
}

// Commit blocks for the server's commit window.
func (c *Client) Commit(ctx context.Context) (CommitAPI, error) {
	var res CommitAPI
	err := c.do(ctx, http.MethodPost, "/commit", nil, &res)
	return res, err
}

func (c *Client) StartAuto(ctx context.Context) (PlanAPI, error) {
	var p PlanAPI
	err := c.do(ctx, http.MethodPost, "/auto/start", nil, &p)
	return p, err
}

func (c *Client) StopAuto(ctx context.Context) (StatusAPI, error) {
	var st StatusAPI
	err := c.do(ctx, http.MethodPost, "/auto/stop", nil, &st)
	return st, err
}

// SaveRun persists the recorded groups and returns the new run ID.
func (c *Client) SaveRun(ctx context.Context, name, notes string) (string, error) {
	var res runIDResponse
	err := c.do(ctx, http.MethodPost, "/runs", persistRequest{Name: name, Notes: notes}, &res)
	return res.RunID, err
}

func (c *Client) SendCommand(ctx context.Context, command string) error {
	return c.do(ctx, http.MethodPost, "/command", commandRequest{Command: command}, nil)
}
