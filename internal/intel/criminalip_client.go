package intel

import (
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

	"c2block/sync-service/internal/circuitbreaker"
	"c2block/sync-service/internal/metrics"
)

// SearchEndpoint is the banner search path relative to the API base URL.
const SearchEndpoint = "v1/banner/search"

// APIError is a non-success answer from the API, either an HTTP status or a
// status field in the JSON body.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("criminal ip returned %d", e.Status)
	}
	return fmt.Sprintf("criminal ip returned %d: %s", e.Status, e.Message)
}

// permanent reports errors the breaker should not count: the server answered,
// it just refused this request.
func permanent(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != http.StatusTooManyRequests
}

// SearchResult is one page of a banner search.
type SearchResult struct {
	Count int
	IPs   []string
}

type searchResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Data    struct {
		Count  int `json:"count"`
		Result []struct {
			IPAddress string `json:"ip_address"`
		} `json:"result"`
	} `json:"data"`
}

// CriminalIPClient is a client for the Criminal IP banner search API
type CriminalIPClient struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Breaker    *circuitbreaker.CircuitBreaker // optional
}

// NewCriminalIPClient creates a new client. baseURL must end with a slash.
func NewCriminalIPClient(baseURL, apiKey string, timeout time.Duration, breaker *circuitbreaker.CircuitBreaker) *CriminalIPClient {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &CriminalIPClient{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
		Breaker: breaker,
	}
}

// Search fetches one page of results for query starting at offset.
func (c *CriminalIPClient) Search(ctx context.Context, query string, offset int) (SearchResult, error) {
	var res SearchResult
	call := func() error {
		var err error
		res, err = c.search(ctx, query, offset)
		return err
	}

	var err error
	if c.Breaker != nil {
		err = c.Breaker.Do(call, permanent)
	} else {
		err = call()
	}
	switch {
	case err == nil:
		metrics.FeedQueries.WithLabelValues("ok").Inc()
	case errors.Is(err, circuitbreaker.ErrOpen):
		metrics.FeedQueries.WithLabelValues("rejected").Inc()
	default:
		metrics.FeedQueries.WithLabelValues("error").Inc()
	}
	return res, err
}

func (c *CriminalIPClient) search(ctx context.Context, query string, offset int) (SearchResult, error) {
	q := url.Values{}
	q.Set("query", query)
	q.Set("offset", strconv.Itoa(offset))
	endpoint := c.BaseURL + SearchEndpoint + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return SearchResult{}, err
	}
	req.Header.Set("x-api-key", c.APIKey)
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return SearchResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return SearchResult{}, &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	var body searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return SearchResult{}, fmt.Errorf("decode search response: %w", err)
	}
	if body.Status != http.StatusOK {
		return SearchResult{}, &APIError{Status: body.Status, Message: body.Message}
	}

	res := SearchResult{Count: body.Data.Count, IPs: make([]string, 0, len(body.Data.Result))}
	for _, r := range body.Data.Result {
		res.IPs = append(res.IPs, r.IPAddress)
	}
	return res, nil
}
