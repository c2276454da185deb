// Package httpsource implements search.SourceClient against a JSON-over-HTTP
// search service.
//
// External sources (literature indexes, guidelines services, notes stores)
// expose a uniform POST /search endpoint: the client sends {query, limit} and
// receives scored passages. Authentication is a bearer token when an API key
// is configured.
//
// Example usage:
//
//	c, err := httpsource.New(search.SourceDescriptor{
//	    Name: "pubmed", Kind: search.KindLiterature,
//	}, "https://literature-gw.internal", httpsource.WithAPIKey(key))
package httpsource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/halcyon-health/halcyon/pkg/search"
	"github.com/halcyon-health/halcyon/pkg/types"
)

// Ensure Client implements the search.SourceClient interface at compile time.
var _ search.SourceClient = (*Client)(nil)

// Option is a functional option for Client.
type Option func(*Client)

// WithAPIKey sets the bearer token sent with every request.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithHTTPClient replaces the underlying HTTP client. Useful for tests and
// for deployments that need custom TLS or proxy settings.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// Client implements search.SourceClient over a JSON HTTP search service.
// Safe for concurrent use.
type Client struct {
	desc       search.SourceDescriptor
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New constructs a Client for the source described by desc.
//
// baseURL is the service root (e.g., "https://literature-gw.internal") and
// must not be empty. A trailing slash is stripped automatically.
func New(desc search.SourceDescriptor, baseURL string, opts ...Option) (*Client, error) {
	if desc.Name == "" {
		return nil, fmt.Errorf("httpsource: descriptor name must not be empty")
	}
	if baseURL == "" {
		return nil, fmt.Errorf("httpsource %s: baseURL must not be empty", desc.Name)
	}
	c := &Client{
		desc:       desc,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Descriptor implements search.SourceClient.
func (c *Client) Descriptor() search.SourceDescriptor {
	return c.desc
}

// searchRequest is the JSON request body sent to the /search endpoint.
type searchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

// searchResponse is the JSON response body returned by the /search endpoint.
type searchResponse struct {
	Results []resultEntry `json:"results"`
}

// resultEntry is a single scored passage from the service.
type resultEntry struct {
	Title         string  `json:"title"`
	Content       string  `json:"content"`
	URL           string  `json:"url"`
	Score         float64 `json:"score"`
	EvidenceGrade string  `json:"evidence_grade,omitempty"`
	DocID         string  `json:"doc_id,omitempty"`
}

// Search implements search.SourceClient by issuing a single POST /search
// request. The per-source deadline is enforced by the caller through ctx.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]types.SearchResult, error) {
	body, err := json.Marshal(searchRequest{Query: query, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("httpsource %s: marshal request: %w", c.desc.Name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("httpsource %s: build request: %w", c.desc.Name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpsource %s: http: %w", c.desc.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Source: c.desc.Name, StatusCode: resp.StatusCode}
	}

	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("httpsource %s: decode response: %w", c.desc.Name, err)
	}
	return c.convertResults(sr), nil
}

// StatusError reports a non-200 response from the search service. The fan-out
// layer inspects StatusCode to decide whether a retry is worthwhile (5xx is
// transient, 4xx is not).
type StatusError struct {
	Source     string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("httpsource %s: unexpected status %d", e.Source, e.StatusCode)
}

// Transient reports whether the failure is worth a retry.
func (e *StatusError) Transient() bool {
	return e.StatusCode >= 500
}

func (c *Client) convertResults(sr searchResponse) []types.SearchResult {
	out := make([]types.SearchResult, 0, len(sr.Results))
	for _, r := range sr.Results {
		out = append(out, types.SearchResult{
			Source:        c.desc.Name,
			SourceKind:    string(c.desc.Kind),
			Content:       r.Content,
			Score:         r.Score,
			Title:         r.Title,
			URL:           r.URL,
			EvidenceGrade: r.EvidenceGrade,
			DocID:         r.DocID,
		})
	}
	return out
}
