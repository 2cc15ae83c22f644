package historysync

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

	"github.com/nerrad567/places-core/internal/places"
)

// maxErrorBody caps how much of an error response is kept for messages.
const maxErrorBody = 512

// bso is a record as stored on the storage node.
type bso struct {
	ID       string  `json:"id"`
	Modified float64 `json:"modified,omitempty"`
	Payload  string  `json:"payload"`
}

// serverConfig is the subset of info/configuration the store uses.
type serverConfig struct {
	MaxPostRecords int `json:"max_post_records"`
}

// postResult is the storage node's reply to a batch upload.
type postResult struct {
	Modified float64           `json:"modified"`
	Success  []string          `json:"success"`
	Failed   map[string]string `json:"failed"`
}

// client talks to one storage node.
type client struct {
	http  *http.Client
	base  string
	token string
}

func newClient(hc *http.Client, init places.ClientInit) *client {
	return &client{
		http:  hc,
		base:  strings.TrimRight(init.StorageURL, "/"),
		token: init.AccessToken,
	}
}

func (c *client) configuration(ctx context.Context) (serverConfig, error) {
	var cfg serverConfig
	err := c.do(ctx, http.MethodGet, "/info/configuration", nil, &cfg)
	return cfg, err
}

// collections returns the last-modified time of every collection.
func (c *client) collections(ctx context.Context) (map[string]float64, error) {
	colls := make(map[string]float64)
	err := c.do(ctx, http.MethodGet, "/info/collections", nil, &colls)
	return colls, err
}

// fetchHistory returns every history record modified after newer.
func (c *client) fetchHistory(ctx context.Context, newer float64) ([]bso, error) {
	q := url.Values{}
	q.Set("full", "1")
	q.Set("newer", strconv.FormatFloat(newer, 'f', 2, 64))

	var records []bso
	err := c.do(ctx, http.MethodGet, "/storage/history?"+q.Encode(), nil, &records)
	return records, err
}

func (c *client) postHistory(ctx context.Context, records []bso) (postResult, error) {
	var res postResult
	err := c.do(ctx, http.MethodPost, "/storage/history", records, &res)
	return res, err
}

func (c *client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close() //nolint:errcheck // Response body close

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%s %s: %w", method, path, ErrUnauthorized)
	case resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%s %s: %w (status %d)", method, path, ErrServer, resp.StatusCode)
	case resp.StatusCode >= http.StatusBadRequest:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
