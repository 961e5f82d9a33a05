// Package sdwebui drives a remote AUTOMATIC1111-compatible Stable Diffusion
// server over its HTTP API. The ControlNet extension provides the identity
// adapter and the LCM sampler plus LoRA provide the accelerated schedule.
package sdwebui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrAPIStatus is returned for non-2xx responses.
var ErrAPIStatus = errors.New("sdwebui: unexpected API status")

// client is a thin JSON client for the sd-webui API.
type client struct {
	baseURL string
	http    *http.Client
	auth    string // "user:password", optional
}

func newClient(baseURL string, httpClient *http.Client, auth string) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		auth:    auth,
	}
}

func (c *client) get(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *client) post(ctx context.Context, path string, in, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, in, out)
}

func (c *client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("sdwebui: failed to encode %s request: %w", path, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("sdwebui: failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if user, pass, ok := strings.Cut(c.auth, ":"); ok {
		req.SetBasicAuth(user, pass)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sdwebui: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s %s returned %d: %s",
			ErrAPIStatus, method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("sdwebui: failed to decode %s response: %w", path, err)
	}
	return nil
}
