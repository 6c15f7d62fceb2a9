// Package client is a small Go client for the address space status API.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/vaheed/novaspace/pkg/types"
)

// APIError is returned for every non-2xx response.
type APIError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

type Client struct {
	base  string
	http  *http.Client
	token string
}

func New(base, token string) *Client {
	return &Client{base: trim(base), http: http.DefaultClient, token: token}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

func trim(s string) string {
	if len(s) > 0 && s[len(s)-1] == '/' {
		return s[:len(s)-1]
	}
	return s
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		_ = json.Unmarshal(raw, apiErr)
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ListAddressSpaces returns every known status, optionally only those in phase.
func (c *Client) ListAddressSpaces(ctx context.Context, phase types.Phase) ([]types.SpaceStatus, error) {
	path := "/api/v1/addressspaces"
	if phase != "" {
		path += "?phase=" + url.QueryEscape(string(phase))
	}
	var out []types.SpaceStatus
	return out, c.do(ctx, http.MethodGet, path, &out)
}

func (c *Client) GetAddressSpace(ctx context.Context, name string) (types.SpaceStatus, error) {
	var out types.SpaceStatus
	return out, c.do(ctx, http.MethodGet, "/api/v1/addressspaces/"+url.PathEscape(name), &out)
}

// Events returns the newest events of a space first.
func (c *Client) Events(ctx context.Context, name string, limit int) ([]types.Event, error) {
	path := "/api/v1/addressspaces/" + url.PathEscape(name) + "/events"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []types.Event
	return out, c.do(ctx, http.MethodGet, path, &out)
}

// Reconcile asks the controller to run a cycle soon.
func (c *Client) Reconcile(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/v1/reconcile", nil)
}
