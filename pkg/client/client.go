// Package client provides a typed HTTP client for the water-tank API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/JoeMarian/water-tank/pkg/api"
)

// APIError is a non-2xx response decoded from the server's error envelope.
type APIError struct {
	StatusCode int
	Slug       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: %d - %s", e.StatusCode, e.Message)
}

// Client is a water-tank API client.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option is a function that configures a Client.
type Option func(*Client)

// WithTimeout sets the timeout for the HTTP client.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a client for the given base URL, e.g. http://localhost:8000.
func NewClient(baseURL string, options ...Option) *Client {
	client := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}

	for _, option := range options {
		option(client)
	}

	return client
}

// HistoryOptions narrows a History query.
type HistoryOptions struct {
	Field string
	Start *time.Time
	End   *time.Time
	Limit int
}

// CreateChannel registers a channel and returns it with the generated API key.
func (c *Client) CreateChannel(ctx context.Context, req api.CreateChannelRequest) (*api.Channel, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/api/channels", nil, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var channel api.Channel
	if err := json.NewDecoder(resp.Body).Decode(&channel); err != nil {
		return nil, err
	}

	return &channel, nil
}

// ListChannels returns all channels, without API keys.
func (c *Client) ListChannels(ctx context.Context) ([]api.ChannelSummary, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/api/channels", nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var channels []api.ChannelSummary
	if err := json.NewDecoder(resp.Body).Decode(&channels); err != nil {
		return nil, err
	}

	return channels, nil
}

// GetChannel returns channel details, including the API key.
func (c *Client) GetChannel(ctx context.Context, name, apiKey string) (*api.Channel, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, channelPath(name), keyQuery(apiKey), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var channel api.Channel
	if err := json.NewDecoder(resp.Body).Decode(&channel); err != nil {
		return nil, err
	}

	return &channel, nil
}

// WriteData posts a JSON body of field values to the channel.
func (c *Client) WriteData(ctx context.Context, name, apiKey string, data map[string]interface{}) (*api.WriteResponse, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, channelPath(name)+"/data", keyQuery(apiKey), data)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var write api.WriteResponse
	if err := json.NewDecoder(resp.Body).Decode(&write); err != nil {
		return nil, err
	}

	return &write, nil
}

// UpdateByQuery writes field values through query parameters, the path used
// by clients that cannot send a body.
func (c *Client) UpdateByQuery(ctx context.Context, name, apiKey string, values map[string]string) (*api.WriteResponse, error) {
	query := keyQuery(apiKey)
	for field, value := range values {
		query.Set(field, value)
	}

	resp, err := c.doRequest(ctx, http.MethodGet, channelPath(name)+"/update", query, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var write api.WriteResponse
	if err := json.NewDecoder(resp.Body).Decode(&write); err != nil {
		return nil, err
	}

	return &write, nil
}

// History returns entries as flat documents of timestamp plus fields,
// oldest first.
func (c *Client) History(ctx context.Context, name, apiKey string, opts HistoryOptions) ([]api.Entry, error) {
	query := keyQuery(apiKey)
	if opts.Field != "" {
		query.Set("field_name", opts.Field)
	}
	if opts.Start != nil {
		query.Set("start_time", opts.Start.UTC().Format(api.TimestampFormat))
	}
	if opts.End != nil {
		query.Set("end_time", opts.End.UTC().Format(api.TimestampFormat))
	}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}

	resp, err := c.doRequest(ctx, http.MethodGet, channelPath(name)+"/data", query, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var entries []api.Entry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, err
	}

	return entries, nil
}

// Latest returns the newest entry for the channel.
func (c *Client) Latest(ctx context.Context, name, apiKey string) (api.Entry, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, dataPath(name)+"/latest", keyQuery(apiKey), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var entry api.Entry
	if err := json.NewDecoder(resp.Body).Decode(&entry); err != nil {
		return nil, err
	}

	return entry, nil
}

// LatestField returns the newest value of a single field.
func (c *Client) LatestField(ctx context.Context, name, apiKey, field string) (*api.FieldValue, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, dataPath(name)+"/latest/"+url.PathEscape(field), keyQuery(apiKey), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var value api.FieldValue
	if err := json.NewDecoder(resp.Body).Decode(&value); err != nil {
		return nil, err
	}

	return &value, nil
}

// DeleteChannel removes the channel and all of its data.
func (c *Client) DeleteChannel(ctx context.Context, name, apiKey string) error {
	resp, err := c.doRequest(ctx, http.MethodDelete, channelPath(name), keyQuery(apiKey), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return nil
}

// RemoveField drops a field from the channel schema, backfilling its history
// with "N/A".
func (c *Client) RemoveField(ctx context.Context, name, apiKey, field string) error {
	resp, err := c.doRequest(ctx, http.MethodDelete, channelPath(name)+"/fields/"+url.PathEscape(field), keyQuery(apiKey), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return nil
}

// UpdateFields adds and removes schema fields, returning the resulting list.
func (c *Client) UpdateFields(ctx context.Context, name, apiKey string, req api.UpdateFieldsRequest) ([]string, error) {
	resp, err := c.doRequest(ctx, http.MethodPatch, channelPath(name), keyQuery(apiKey), req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var fields api.FieldsResponse
	if err := json.NewDecoder(resp.Body).Decode(&fields); err != nil {
		return nil, err
	}

	return fields.Fields, nil
}

// Health returns the server health document. A degraded server answers 503
// but still carries the document, so the status code is not treated as an
// error here.
func (c *Client) Health(ctx context.Context) (*api.HealthStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var status api.HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to decode health response: %w", err)
	}

	return &status, nil
}

func channelPath(name string) string {
	return "/api/channels/" + url.PathEscape(name)
}

func dataPath(name string) string {
	return "/api/data/" + url.PathEscape(name)
}

func keyQuery(apiKey string) url.Values {
	return url.Values{"api_key": []string{apiKey}}
}

// doRequest performs an HTTP request and maps non-2xx responses to APIError.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body interface{}) (*http.Response, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}

	return resp, nil
}

func decodeAPIError(resp *http.Response) error {
	var envelope struct {
		Error   string `json:"error"`
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return &APIError{StatusCode: resp.StatusCode, Message: resp.Status}
	}
	return &APIError{StatusCode: resp.StatusCode, Slug: envelope.Error, Message: envelope.Message}
}
