// Package opendata is a client for an Opendatasoft Explore v2.1 catalog
// (the Bologna OpenData portal by default). The catalog is an external
// black box; this client covers the slice of its API the dataset tools use.
package opendata

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// DefaultBaseURL is the Bologna OpenData Explore API.
const DefaultBaseURL = "https://opendata.comune.bologna.it/api/explore/v2.1"

// TooHeavyThreshold is the estimated-size limit (bytes) above which a
// dataset is refused for sandbox staging.
const TooHeavyThreshold = 2_000_000

// Client talks to the catalog over HTTP. Safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a catalog client. Pass "" for the default portal.
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Minute},
	}
}

// Field is one column of a dataset schema.
type Field struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Type        string `json:"type"`
	Label       string `json:"label"`
}

// datasetMeta is the raw catalog metadata shape.
type datasetMeta struct {
	DatasetID string  `json:"dataset_id"`
	Fields    []Field `json:"fields"`
	Metas     struct {
		Default struct {
			Title        string `json:"title"`
			Description  string `json:"description"`
			RecordsCount int    `json:"records_count"`
		} `json:"default"`
	} `json:"metas"`
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("opendata: build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("opendata: request %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("opendata: %s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("opendata: decode %s: %w", path, err)
	}
	return nil
}

// ListDatasets searches the catalog by keyword and returns matching dataset
// ids. The query is wrapped in an ODSQL search() clause, with single quotes
// escaped so user text cannot break out of it.
func (c *Client) ListDatasets(ctx context.Context, query string, limit int) ([]string, error) {
	params := url.Values{}
	params.Set("limit", fmt.Sprint(limit))
	if query != "" {
		escaped := strings.ReplaceAll(query, "'", "''")
		params.Set("where", fmt.Sprintf("search('%s')", escaped))
	}
	var page struct {
		Results []datasetMeta `json:"results"`
	}
	if err := c.getJSON(ctx, "/catalog/datasets", params, &page); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(page.Results))
	for _, r := range page.Results {
		if r.DatasetID != "" {
			ids = append(ids, r.DatasetID)
		}
	}
	return ids, nil
}

// Description returns the dataset's human-written description as plain text,
// with HTML markup stripped.
func (c *Client) Description(ctx context.Context, datasetID string) (string, error) {
	meta, err := c.dataset(ctx, datasetID)
	if err != nil {
		return "", err
	}
	return htmlToText(meta.Metas.Default.Description), nil
}

// Fields returns the dataset schema.
func (c *Client) Fields(ctx context.Context, datasetID string) ([]Field, error) {
	meta, err := c.dataset(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	fields := make([]Field, 0, len(meta.Fields))
	for _, f := range meta.Fields {
		if f.Name == "" {
			continue
		}
		f.Type = strings.ToLower(f.Type)
		if f.Label == "" {
			f.Label = f.Name
		}
		fields = append(fields, f)
	}
	return fields, nil
}

// Preview returns up to limit rows, with each cell capped at maxCellChars
// so a single wide row cannot blow up the model context.
func (c *Client) Preview(ctx context.Context, datasetID string, limit, maxCellChars int) ([]map[string]any, error) {
	params := url.Values{}
	params.Set("select", "*")
	params.Set("limit", fmt.Sprint(limit))
	var page struct {
		Results []map[string]any `json:"results"`
	}
	if err := c.getJSON(ctx, "/catalog/datasets/"+datasetID+"/records", params, &page); err != nil {
		return nil, err
	}
	for _, row := range page.Results {
		for k, v := range row {
			if s, ok := v.(string); ok {
				if runes := []rune(s); len(runes) > maxCellChars {
					row[k] = string(runes[:maxCellChars]) + "…"
				}
			}
		}
	}
	return page.Results, nil
}

// TooHeavy estimates the dataset's exported size from its record and field
// counts and reports whether it exceeds threshold. Estimation failures count
// as not heavy so a flaky catalog never blocks loading.
func (c *Client) TooHeavy(ctx context.Context, datasetID string, threshold int64) bool {
	meta, err := c.dataset(ctx, datasetID)
	if err != nil {
		return false
	}
	records := int64(meta.Metas.Default.RecordsCount)
	if records == 0 {
		return false
	}
	// Rough parquet estimate: 2 bytes per field per record.
	estimated := records * int64(len(meta.Fields)) * 2
	return estimated > threshold
}

// ExportParquet downloads the full dataset as parquet bytes.
func (c *Client) ExportParquet(ctx context.Context, datasetID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/catalog/datasets/"+datasetID+"/exports/parquet", nil)
	if err != nil {
		return nil, fmt.Errorf("opendata: build export request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("opendata: export %s: %w", datasetID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("opendata: export %s: status %d", datasetID, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("opendata: read export: %w", err)
	}
	return data, nil
}

func (c *Client) dataset(ctx context.Context, datasetID string) (*datasetMeta, error) {
	var meta datasetMeta
	if err := c.getJSON(ctx, "/catalog/datasets/"+datasetID, nil, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

var (
	breakTags = regexp.MustCompile(`(?i)<\s*(br|/p)\s*>`)
	openP     = regexp.MustCompile(`(?i)<\s*p\s*>`)
	anyTag    = regexp.MustCompile(`<[^>]+>`)
)

func htmlToText(s string) string {
	if s == "" {
		return ""
	}
	s = breakTags.ReplaceAllString(s, "\n")
	s = openP.ReplaceAllString(s, "")
	s = anyTag.ReplaceAllString(s, "")
	return strings.TrimSpace(html.UnescapeString(s))
}
