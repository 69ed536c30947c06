package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"courier/internal/archive"
	"courier/internal/bus"
	"courier/internal/constants"
	"courier/internal/management"
	pkgerrors "courier/pkg/errors"
	"courier/pkg/models"
)

// apiClient drives the operator API for the CLI commands.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout:   constants.DefaultHTTPTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (c *apiClient) Publish(ctx context.Context, busName string, entries []management.PublishEntry) (bus.BatchPublishResult, error) {
	var out bus.BatchPublishResult
	err := c.do(ctx, http.MethodPost, "/api/v1/buses/"+url.PathEscape(busName)+"/events",
		management.PublishRequest{Entries: entries}, &out)
	return out, err
}

func (c *apiClient) Redrive(ctx context.Context, queueName string, req management.RedriveRequest) (management.RedriveResponse, error) {
	var out management.RedriveResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/queues/"+url.PathEscape(queueName)+"/redrive", req, &out)
	return out, err
}

func (c *apiClient) StartReplay(ctx context.Context, req management.ReplayRequest) (management.ReplayResponse, error) {
	var out management.ReplayResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/replays", req, &out)
	return out, err
}

func (c *apiClient) Replay(ctx context.Context, id string) (archive.ReplayJob, error) {
	var out archive.ReplayJob
	err := c.do(ctx, http.MethodGet, "/api/v1/replays/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := models.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(management.ChangedByHeader, "courier-cli")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < constants.HTTPStatusOKMin || resp.StatusCode >= constants.HTTPStatusOKMax {
		var apiErr pkgerrors.ErrorResponse
		if jsonErr := models.Unmarshal(data, &apiErr); jsonErr == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %d %s: %s", method, path, resp.StatusCode, apiErr.ErrorCode, apiErr.Error)
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	return models.Unmarshal(data, out)
}
