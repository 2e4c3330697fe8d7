package catalog

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/pkgdash"
	"github.com/wolfeidau/pkgdash/cache"
	"github.com/wolfeidau/pkgdash/fetch"
	"github.com/wolfeidau/pkgdash/telemetry"
)

func parseTestCatalog(data []byte) ([]Entry, error) {
	var raw []struct {
		Name   string `json:"name"`
		Latest string `json:"latest"`
		Desc   string `json:"desc"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &pkgdash.ParseError{Origin: "test catalog", Err: err}
	}
	entries := make([]Entry, 0, len(raw))
	for _, r := range raw {
		entries = append(entries, Entry{Name: r.Name, Latest: r.Latest, Description: r.Desc})
	}
	return entries, nil
}

func testFetcher(t *testing.T, handler http.HandlerFunc) (*Fetcher, *httptest.Server) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	f := NewFetcher(Config{
		URL:      srv.URL,
		CacheKey: "test/catalog",
		TTL:      time.Hour,
		Client:   fetch.New(),
		Cache:    cache.New(),
		Parse:    parseTestCatalog,
	})
	return f, srv
}

func TestEntriesFetchesOnceThenServesFromCache(t *testing.T) {
	var hits atomic.Int64
	f, _ := testFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`[{"name":"wget","latest":"1.22","desc":"retrieve files"}]`))
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		entries, err := f.Entries(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		require.Equal(t, "wget", entries[0].Name)
	}

	require.Equal(t, int64(1), hits.Load())
}

func TestConcurrentMissesShareOneFetch(t *testing.T) {
	var hits atomic.Int64
	release := make(chan struct{})
	f, _ := testFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		_, _ = w.Write([]byte(`[{"name":"wget","latest":"1.22"}]`))
	})

	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.Entries(ctx)
		}()
	}

	// Give the callers time to pile up on the in-flight fetch.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int64(1), hits.Load())
}

func TestRefreshBypassesCache(t *testing.T) {
	var hits atomic.Int64
	f, _ := testFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`[]`))
	})

	ctx := context.Background()

	_, err := f.Entries(ctx)
	require.NoError(t, err)

	f.Refresh()

	_, err = f.Entries(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), hits.Load())
}

func TestFetchFailureIsRecoverable(t *testing.T) {
	var hits atomic.Int64
	f, _ := testFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	ctx := context.Background()

	_, err := f.Entries(ctx)
	require.Error(t, err)

	// The failure was not cached; the next call retries upstream.
	_, err = f.Entries(ctx)
	require.Error(t, err)
	require.Equal(t, int64(2), hits.Load())
}

// readCacheLookups scrapes the Prometheus endpoint and returns the
// per-result values of pkgdash_cache_lookups_total.
func readCacheLookups(t *testing.T, m *telemetry.Metrics) map[string]float64 {
	t.Helper()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	lookups := make(map[string]float64)
	for _, line := range strings.Split(string(body), "\n") {
		if !strings.HasPrefix(line, "pkgdash_cache_lookups_total{") {
			continue
		}
		value, err := strconv.ParseFloat(line[strings.LastIndex(line, " ")+1:], 64)
		require.NoError(t, err)
		switch {
		case strings.Contains(line, `result="hit"`):
			lookups["hit"] += value
		case strings.Contains(line, `result="miss"`):
			lookups["miss"] += value
		}
	}
	return lookups
}

func TestEntriesRecordsOneLookupPerCall(t *testing.T) {
	ctx := context.Background()

	metrics, err := telemetry.New(ctx, telemetry.Config{ServiceName: "pkgdash-test", ServiceVersion: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = metrics.Shutdown(ctx) })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"name":"wget","latest":"1.22"}]`))
	}))
	t.Cleanup(srv.Close)

	payloads := cache.New()
	f := NewFetcher(Config{
		URL:      srv.URL,
		CacheKey: "test/catalog",
		TTL:      time.Hour,
		Client:   fetch.New(),
		Cache:    payloads,
		Parse:    parseTestCatalog,
		Metrics:  metrics,
	})

	_, err = f.Entries(ctx) // cold: miss
	require.NoError(t, err)
	_, err = f.Entries(ctx) // warm: hit
	require.NoError(t, err)

	// A cached payload that no longer parses counts as a miss, never as
	// a hit and a miss for the same call.
	payloads.Set("test/catalog", []byte(`corrupted`), time.Hour)
	_, err = f.Entries(ctx)
	require.NoError(t, err)

	lookups := readCacheLookups(t, metrics)
	require.Equal(t, float64(1), lookups["hit"])
	require.Equal(t, float64(2), lookups["miss"])
}

func TestMalformedPayloadIsParseError(t *testing.T) {
	f, _ := testFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"not":"an array"`))
	})

	_, err := f.Entries(context.Background())

	var parseErr *pkgdash.ParseError
	require.ErrorAs(t, err, &parseErr)
}
