package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/cleartrial/backend/pkg/config"
	"github.com/zatekoja/cleartrial/backend/pkg/retry"
)

func newTestClient(baseURL string) *HTTPClient {
	c := NewClient(&config.RegistryConfig{BaseURL: baseURL, PageSize: 2})
	c.retryCfg = retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2}
	return c
}

func TestListStudies_PassesQueryAndToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/studies", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "json", q.Get("format"))
		assert.Equal(t, "2", q.Get("pageSize"))
		assert.Equal(t, "protocolSection", q.Get("fields"))
		assert.Equal(t, "tok-1", q.Get("pageToken"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"studies":[{"protocolSection":{}},{"protocolSection":{}}],"nextPageToken":"tok-2"}`))
	}))
	defer server.Close()

	page, err := newTestClient(server.URL+"/api/v2/").ListStudies(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Len(t, page.Studies, 2)
	assert.Equal(t, "tok-2", page.NextPageToken)
}

func TestListStudies_FirstPageOmitsToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, present := r.URL.Query()["pageToken"]
		assert.False(t, present)
		_, _ = w.Write([]byte(`{"studies":[]}`))
	}))
	defer server.Close()

	page, err := newTestClient(server.URL).ListStudies(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, page.Studies)
	assert.Equal(t, "", page.NextPageToken)
}

func TestListStudies_RetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"studies":[{}]}`))
	}))
	defer server.Close()

	page, err := newTestClient(server.URL).ListStudies(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, page.Studies, 1)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestListStudies_BadRequestIsNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`invalid pageToken`))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).ListStudies(context.Background(), "bogus")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid pageToken")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
