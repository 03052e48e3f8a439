// Package backtestlab is a Go client for the backtestlab-server HTTP API.
package backtestlab

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

	"backtestlab/internal/batch"
	"backtestlab/internal/domain"
	"backtestlab/internal/results"
)

// Client provides a Go SDK for interacting with the backtestlab-server API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new backtestlab API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backtestlab: %d %s", e.Status, e.Message)
}

// Unwrap maps the status onto the domain error taxonomy so callers can use
// errors.Is with domain.ErrNotFound and domain.ErrInvalidInput.
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusBadRequest:
		return domain.ErrInvalidInput
	case http.StatusNotFound:
		return domain.ErrNotFound
	}
	return nil
}

// Query lists result summaries matching f. When the server skipped corrupt
// rows the rest are returned with an error wrapping domain.ErrDataCorruption.
func (c *Client) Query(ctx context.Context, f results.Filter) ([]results.Summary, error) {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("symbol", f.Symbol)
	set("strategy", f.Strategy)
	set("params_hash", f.ParamsHash)
	set("exit_rule", f.ExitRule)
	set("order_by", f.OrderBy)
	if f.MinTrades > 0 {
		q.Set("min_trades", strconv.Itoa(f.MinTrades))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	var out struct {
		Results []results.Summary `json:"results"`
		Warning string            `json:"warning"`
	}
	status, err := c.doStatus(ctx, http.MethodGet, "/api/results?"+q.Encode(), nil, &out)
	if err != nil {
		return nil, err
	}
	if status == http.StatusPartialContent {
		return out.Results, fmt.Errorf("%w: %s", domain.ErrDataCorruption, out.Warning)
	}
	return out.Results, nil
}

// Get fetches the full record for key. A record with an unreadable payload is
// returned together with an error wrapping domain.ErrDataCorruption.
func (c *Client) Get(ctx context.Context, key results.Key) (results.Record, error) {
	var out struct {
		Record  results.Record `json:"record"`
		Warning string         `json:"warning"`
	}
	status, err := c.doStatus(ctx, http.MethodGet, recordPath(key), nil, &out)
	if err != nil {
		return results.Record{}, err
	}
	if status == http.StatusPartialContent {
		return out.Record, fmt.Errorf("%w: %s", domain.ErrDataCorruption, out.Warning)
	}
	return out.Record, nil
}

// Delete removes the result for key. Deleting a missing key returns an error
// wrapping domain.ErrNotFound.
func (c *Client) Delete(ctx context.Context, key results.Key) error {
	return c.do(ctx, http.MethodDelete, recordPath(key), nil, nil)
}

// Summary returns store-wide counts.
func (c *Client) Summary(ctx context.Context) (results.StoreSummary, error) {
	var out results.StoreSummary
	err := c.do(ctx, http.MethodGet, "/api/results/summary", nil, &out)
	return out, err
}

// TopPerformers returns the best n results for strategy by metric.
func (c *Client) TopPerformers(ctx context.Context, strategy, metric string, minTrades, n int) ([]results.Summary, error) {
	q := url.Values{
		"strategy":   {strategy},
		"metric":     {metric},
		"min_trades": {strconv.Itoa(minTrades)},
		"n":          {strconv.Itoa(n)},
	}
	var out []results.Summary
	err := c.do(ctx, http.MethodGet, "/api/results/top?"+q.Encode(), nil, &out)
	return out, err
}

// BulkStats returns the summaries of the keys that exist, keyed by Key.ID().
func (c *Client) BulkStats(ctx context.Context, keys []results.Key) (map[string]results.Summary, error) {
	var out map[string]results.Summary
	err := c.do(ctx, http.MethodPost, "/api/results/bulk", map[string]any{"keys": keys}, &out)
	return out, err
}

// BatchRequest describes a server-side batch run.
type BatchRequest struct {
	Symbols   []string                `json:"symbols"`
	Configs   []domain.StrategyConfig `json:"configs"`
	ExitRules []string                `json:"exit_rules"`
}

// RunBatch runs a batch on the server and waits for it to finish.
func (c *Client) RunBatch(ctx context.Context, req BatchRequest) (batch.Table, batch.JobStats, error) {
	var out struct {
		Results batch.Table    `json:"results"`
		Stats   batch.JobStats `json:"stats"`
	}
	err := c.do(ctx, http.MethodPost, "/api/batch", req, &out)
	return out.Results, out.Stats, err
}

// EnsureIndicator asks the server to compute an indicator column unless it
// is already cached. The flag reports whether a computation happened.
func (c *Client) EnsureIndicator(ctx context.Context, symbol, name string, period int) (bool, error) {
	var out struct {
		Computed bool `json:"computed"`
	}
	path := fmt.Sprintf("/api/indicators/%s/%s/%d", url.PathEscape(symbol), url.PathEscape(name), period)
	err := c.do(ctx, http.MethodPost, path, nil, &out)
	return out.Computed, err
}

func recordPath(k results.Key) string {
	return "/api/results/" + url.PathEscape(k.Symbol) + "/" + url.PathEscape(k.Strategy) +
		"/" + url.PathEscape(k.ParamsHash) + "/" + url.PathEscape(k.ExitRule)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	_, err := c.doStatus(ctx, method, path, body, out)
	return err
}

func (c *Client) doStatus(ctx context.Context, method, path string, body, out any) (int, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encoding request: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return resp.StatusCode, &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
	}
	return resp.StatusCode, nil
}
