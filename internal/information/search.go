package information

import (
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
)

// Custom Search defaults.
const (
	DefaultSearchURL     = "https://www.googleapis.com/customsearch/v1"
	DefaultSearchResults = 3
	defaultSearchTimeout = 15 * time.Second
)

// ErrSearchNotConfigured is returned when no API key or engine id is set.
var ErrSearchNotConfigured = errors.New("web search is not configured")

// SearchResult is one hit of a web search.
type SearchResult struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
}

// Searcher runs web searches for the assistant.
type Searcher interface {
	Search(ctx context.Context, query string) ([]SearchResult, error)
}

// SearchOpts configures a GoogleSearch.
type SearchOpts struct {
	APIKey     string
	EngineID   string
	BaseURL    string
	Results    int
	HTTPClient *http.Client
}

// SearchOption configures a GoogleSearch.
type SearchOption func(*SearchOpts)

// WithSearchCredentials sets the API key and the programmable search engine id.
func WithSearchCredentials(apiKey, engineID string) SearchOption {
	return func(o *SearchOpts) {
		o.APIKey = apiKey
		o.EngineID = engineID
	}
}

// WithSearchURL overrides the Custom Search endpoint.
func WithSearchURL(u string) SearchOption {
	return func(o *SearchOpts) { o.BaseURL = u }
}

// WithSearchHTTPClient sets the HTTP client used for queries.
func WithSearchHTTPClient(c *http.Client) SearchOption {
	return func(o *SearchOpts) { o.HTTPClient = c }
}

// GoogleSearch queries the Google Custom Search JSON API.
type GoogleSearch struct {
	opts SearchOpts
}

var _ Searcher = (*GoogleSearch)(nil)

func NewGoogleSearch(opts ...SearchOption) (*GoogleSearch, error) {
	cfg := SearchOpts{BaseURL: DefaultSearchURL, Results: DefaultSearchResults}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" || cfg.EngineID == "" {
		return nil, ErrSearchNotConfigured
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultSearchTimeout}
	}
	return &GoogleSearch{opts: cfg}, nil
}

type searchResponse struct {
	Items []SearchResult `json:"items"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (g *GoogleSearch) Search(ctx context.Context, query string) ([]SearchResult, error) {
	q := url.Values{}
	q.Set("key", g.opts.APIKey)
	q.Set("cx", g.opts.EngineID)
	q.Set("q", query)
	q.Set("num", fmt.Sprint(g.opts.Results))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.opts.BaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	resp, err := g.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read search response: %w", err)
	}
	var out searchResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode search response (status %d): %w", resp.StatusCode, err)
	}
	if out.Error != nil {
		return nil, fmt.Errorf("search failed: %s (code %d)", out.Error.Message, out.Error.Code)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search failed: status %d", resp.StatusCode)
	}
	slog.Debug("GoogleSearch.Search: results", "query", query, "count", len(out.Items))
	if len(out.Items) > g.opts.Results {
		out.Items = out.Items[:g.opts.Results]
	}
	return out.Items, nil
}

// FormatResults renders hits as the text shown to both the user and the model.
func FormatResults(query string, results []SearchResult) string {
	if len(results) == 0 {
		return fmt.Sprintf("No pude encontrar resultados en la web para %q.", query)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Según una búsqueda en la web, esto es lo que encontré sobre %q:", query)
	for _, r := range results {
		snippet := strings.Join(strings.Fields(r.Snippet), " ")
		fmt.Fprintf(&b, "\n- %s (Fuente: %s)", snippet, r.Link)
	}
	return b.String()
}
