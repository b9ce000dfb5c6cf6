package httpapi

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jake-fetch/urlfetch/internal/bus/memory"
	"github.com/jake-fetch/urlfetch/internal/config"
	"github.com/jake-fetch/urlfetch/internal/controlplane"
	"github.com/jake-fetch/urlfetch/internal/fetchstore"
	storemem "github.com/jake-fetch/urlfetch/internal/fetchstore/memory"
	"github.com/jake-fetch/urlfetch/internal/idgen"
)

func newTestServer() (*Server, fetchstore.Repository) {
	repo := storemem.New(nil)
	b := memory.New()
	submitter := controlplane.NewSubmitter(repo, b, idgen.New(), time.Hour)
	maintenance := controlplane.NewMaintenance(repo, 2*time.Hour, time.Minute)
	return NewServer(submitter, repo, maintenance, config.AuthConfig{}, zap.NewNop()), repo
}

func TestServer_Submit_Succeeds(t *testing.T) {
	t.Parallel()
	server, _ := newTestServer()

	req := httptest.NewRequest(http.MethodPost, "/api/url-content/", bytes.NewBufferString(`{"urls":["https://example.com"]}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "queued")
}

func TestServer_Submit_RejectsEmptyBatch(t *testing.T) {
	t.Parallel()
	server, _ := newTestServer()

	req := httptest.NewRequest(http.MethodPost, "/api/url-content/", bytes.NewBufferString(`{"urls":[]}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Submit_RejectsInvalidJSON(t *testing.T) {
	t.Parallel()
	server, _ := newTestServer()

	req := httptest.NewRequest(http.MethodPost, "/api/url-content/", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_ByID_NotFound(t *testing.T) {
	t.Parallel()
	server, _ := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/api/url-content/"+newUUID(), nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ByID_BadID(t *testing.T) {
	t.Parallel()
	server, _ := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/api/url-content/not-a-uuid", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_ByID_Found(t *testing.T) {
	t.Parallel()
	server, repo := newTestServer()

	created, err := repo.Create(context.Background(), fetchstore.Record{URL: "https://example.com", Status: fetchstore.StatusPending})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/url-content/"+created.ID, nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), created.ID)
}

func TestServer_Latest_MissingURL(t *testing.T) {
	t.Parallel()
	server, _ := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/api/url-content/latest", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Latest_NotFound(t *testing.T) {
	t.Parallel()
	server, _ := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/api/url-content/latest?url=https://example.com", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ByURL_ReturnsHistoryShape(t *testing.T) {
	t.Parallel()
	server, repo := newTestServer()
	_, err := repo.Create(context.Background(), fetchstore.Record{URL: "https://example.com/x", Status: fetchstore.StatusPending})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/url-content/by-url?url=https://example.com/x", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"totalScrapes":1`)
}

func TestServer_ListAll_InvalidLimit(t *testing.T) {
	t.Parallel()
	server, _ := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/api/url-content/?limit=notanumber", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_FixInconsistencies_Succeeds(t *testing.T) {
	t.Parallel()
	server, _ := newTestServer()

	req := httptest.NewRequest(http.MethodPost, "/api/url-content/fix-inconsistencies", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "fixed")
}

func TestServer_APIKeyMiddleware_RejectsWithoutKey(t *testing.T) {
	t.Parallel()
	repo := storemem.New(nil)
	b := memory.New()
	submitter := controlplane.NewSubmitter(repo, b, idgen.New(), time.Hour)
	maintenance := controlplane.NewMaintenance(repo, 2*time.Hour, time.Minute)
	server := NewServer(submitter, repo, maintenance, config.AuthConfig{Enabled: true, APIKey: "secret"}, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func newUUID() string {
	gen := idgen.New()
	id, err := gen.NewID()
	if err != nil {
		panic(err)
	}
	return id
}
