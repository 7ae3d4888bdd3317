package intel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"c2block/sync-service/internal/circuitbreaker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearch_SendsHeadersAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/banner/search", r.URL.Path)
		assert.Equal(t, "product: Cobalt Strike", r.URL.Query().Get("query"))
		assert.Equal(t, "20", r.URL.Query().Get("offset"))
		assert.Equal(t, "secret", r.Header.Get("x-api-key"))
		assert.Equal(t, "no-cache", r.Header.Get("Cache-Control"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":200,"message":"api success","data":{"count":23,"result":[{"ip_address":"1.2.3.4"},{"ip_address":"5.6.7.8"}]}}`))
	}))
	defer srv.Close()

	c := NewCriminalIPClient(srv.URL, "secret", 5*time.Second, nil)
	res, err := c.Search(context.Background(), "product: Cobalt Strike", 20)
	require.NoError(t, err)
	assert.Equal(t, 23, res.Count)
	assert.Equal(t, []string{"1.2.3.4", "5.6.7.8"}, res.IPs)
}

func TestSearch_BodyStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":401,"message":"invalid api key"}`))
	}))
	defer srv.Close()

	c := NewCriminalIPClient(srv.URL+"/", "bad", 5*time.Second, nil)
	_, err := c.Search(context.Background(), "q", 0)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 401, apiErr.Status)
	assert.Contains(t, err.Error(), "invalid api key")
}

func TestSearch_BreakerOpensOnServerErrors(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	cb := circuitbreaker.New("criminalip-test", circuitbreaker.Config{FailureThreshold: 2, Timeout: time.Hour})
	c := NewCriminalIPClient(srv.URL, "k", 5*time.Second, cb)

	for i := 0; i < 2; i++ {
		_, err := c.Search(context.Background(), "q", 0)
		require.Error(t, err)
	}
	_, err := c.Search(context.Background(), "q", 0)
	assert.True(t, errors.Is(err, circuitbreaker.ErrOpen))
	assert.Equal(t, 2, calls)
}

func TestSearch_ClientErrorsDoNotTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad query", http.StatusBadRequest)
	}))
	defer srv.Close()

	cb := circuitbreaker.New("criminalip-4xx", circuitbreaker.Config{FailureThreshold: 1, Timeout: time.Hour})
	c := NewCriminalIPClient(srv.URL, "k", 5*time.Second, cb)

	for i := 0; i < 3; i++ {
		_, err := c.Search(context.Background(), "q", 0)
		require.Error(t, err)
		assert.False(t, errors.Is(err, circuitbreaker.ErrOpen))
	}
	assert.Equal(t, circuitbreaker.StateClosed, cb.State())
}
