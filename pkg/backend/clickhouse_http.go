package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/malbeclabs/analyst/pkg/pipeline"
)

const maxErrorBodyLen = 500

type ClickHouseHTTPConfig struct {
	Logger     *slog.Logger
	URL        string
	Database   string
	Username   string
	Password   string
	HTTPClient *http.Client
}

func (c *ClickHouseHTTPConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.URL == "" {
		return errors.New("url is required")
	}
	if _, err := url.Parse(c.URL); err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 90 * time.Second}
	}
	return nil
}

// ClickHouseHTTP executes queries through the ClickHouse HTTP interface
// using the JSON output format.
type ClickHouseHTTP struct {
	log *slog.Logger
	cfg ClickHouseHTTPConfig
}

func NewClickHouseHTTP(cfg ClickHouseHTTPConfig) (*ClickHouseHTTP, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &ClickHouseHTTP{log: cfg.Logger, cfg: cfg}, nil
}

type clickHouseJSONResponse struct {
	Meta []struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"meta"`
	Data []map[string]any `json:"data"`
}

func (c *ClickHouseHTTP) Execute(ctx context.Context, query string) (pipeline.QueryResult, error) {
	start := time.Now()
	result, err := c.do(ctx, query)
	observe(KindClickHouseHTTP, start, err)
	return result, err
}

func (c *ClickHouseHTTP) do(ctx context.Context, query string) (pipeline.QueryResult, error) {
	query = strings.TrimSuffix(strings.TrimSpace(query), ";")
	body := query + " FORMAT JSON"

	endpoint := c.cfg.URL
	if c.cfg.Database != "" {
		u, _ := url.Parse(endpoint)
		q := u.Query()
		q.Set("database", c.cfg.Database)
		u.RawQuery = q.Encode()
		endpoint = u.String()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body))
	if err != nil {
		return pipeline.QueryResult{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return pipeline.QueryResult{}, fmt.Errorf("failed to connect to database: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return pipeline.QueryResult{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return pipeline.QueryResult{}, errors.New(pipeline.Truncate(strings.TrimSpace(string(data)), maxErrorBodyLen))
	}

	var chResp clickHouseJSONResponse
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&chResp); err != nil {
		return pipeline.QueryResult{}, fmt.Errorf("failed to parse response: %w", err)
	}

	columns := make([]string, 0, len(chResp.Meta))
	for _, m := range chResp.Meta {
		columns = append(columns, m.Name)
	}

	rows := make([]pipeline.Row, 0, len(chResp.Data))
	for _, d := range chResp.Data {
		row := make(pipeline.Row, len(d))
		for k, v := range d {
			row[k] = jsonNumber(v)
		}
		rows = append(rows, row)
	}

	return pipeline.QueryResult{
		Columns: columns,
		Rows:    rows,
		Count:   len(rows),
	}, nil
}

func jsonNumber(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}
