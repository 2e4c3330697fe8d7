package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/pkgdash"
	"github.com/wolfeidau/pkgdash/scan"
	"github.com/wolfeidau/pkgdash/source"
	"github.com/wolfeidau/pkgdash/store"
)

// stubAdapter supports operations that block until released.
type stubAdapter struct {
	src     pkgdash.Source
	release chan error
}

func (s *stubAdapter) Source() pkgdash.Source         { return s.src }
func (s *stubAdapter) Available(context.Context) bool { return true }
func (s *stubAdapter) List(context.Context) ([]pkgdash.Package, error) {
	return nil, nil
}
func (s *stubAdapter) Update(context.Context, string) error    { return <-s.release }
func (s *stubAdapter) Install(context.Context, string) error   { return <-s.release }
func (s *stubAdapter) Uninstall(context.Context, string) error { return <-s.release }

func newTestServer(t *testing.T) (*Server, *store.Store, *stubAdapter) {
	t.Helper()

	adapter := &stubAdapter{src: pkgdash.SourceHomebrew, release: make(chan error)}
	registry := source.NewRegistry()
	registry.Register(adapter)

	st := store.New()
	orchestrator := scan.New(scan.Config{Store: st, Registry: registry})

	return New(Config{Store: st, Orchestrator: orchestrator}), st, adapter
}

func TestPackagesEndpoint(t *testing.T) {
	srv, st, _ := newTestServer(t)
	st.Merge([]pkgdash.Package{
		{Name: "wget", Source: pkgdash.SourceHomebrew, InstalledVersion: "1.21.4", LatestVersion: "1.25.0"},
		{Name: "jq", Source: pkgdash.SourceHomebrew, InstalledVersion: "1.7.1"},
	})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/packages", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Packages []struct {
			Name       string `json:"name"`
			IsOutdated bool   `json:"is_outdated"`
		} `json:"packages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Packages, 2)
	require.Equal(t, "jq", body.Packages[0].Name)
	require.False(t, body.Packages[0].IsOutdated)
	require.Equal(t, "wget", body.Packages[1].Name)
	require.True(t, body.Packages[1].IsOutdated)
}

func TestStatusEndpoint(t *testing.T) {
	srv, st, _ := newTestServer(t)
	st.Merge([]pkgdash.Package{{Name: "wget", Source: pkgdash.SourceHomebrew, InstalledVersion: "1.21.4"}})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Scanning bool `json:"scanning"`
		Packages int  `json:"packages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.False(t, body.Scanning)
	require.Equal(t, 1, body.Packages)
}

func TestRequestOperationAccepted(t *testing.T) {
	srv, st, adapter := newTestServer(t)
	st.Merge([]pkgdash.Package{{Name: "wget", Source: pkgdash.SourceHomebrew, InstalledVersion: "1.21.4"}})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/operations",
		strings.NewReader(`{"name":"wget","source":"homebrew","kind":"update"}`))
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	var body struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body.ID)

	// While the operation runs, its status is queryable.
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/operations?name=wget&source=homebrew", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var status struct {
		InFlight bool                  `json:"in_flight"`
		Kind     pkgdash.OperationKind `json:"kind"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.True(t, status.InFlight)
	require.Equal(t, pkgdash.OperationUpdate, status.Kind)

	adapter.release <- nil
}

func TestDuplicateOperationConflicts(t *testing.T) {
	srv, st, adapter := newTestServer(t)
	st.Merge([]pkgdash.Package{{Name: "wget", Source: pkgdash.SourceHomebrew, InstalledVersion: "1.21.4"}})

	body := `{"name":"wget","source":"homebrew","kind":"update"}`

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/operations", strings.NewReader(body)))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/operations", strings.NewReader(body)))
	require.Equal(t, http.StatusConflict, rec.Code)

	adapter.release <- nil
}

func TestRequestOperationValidation(t *testing.T) {
	srv, _, _ := newTestServer(t)

	for name, body := range map[string]string{
		"malformed json": `{`,
		"missing name":   `{"source":"homebrew","kind":"update"}`,
		"unknown source": `{"name":"x","source":"apt","kind":"update"}`,
		"invalid kind":   `{"name":"x","source":"homebrew","kind":"reinstall"}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/operations", strings.NewReader(body)))
			require.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestRequestOperationUnknownPackage(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/operations",
		strings.NewReader(`{"name":"ghost","source":"homebrew","kind":"update"}`)))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRefreshStartsScan(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/refresh", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		return !srv.orchestrator.IsScanning()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRequestIDHeader(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}
