package router

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	coreconfig "github.com/jasonchiu/dvirmail/core/config"
	"github.com/jasonchiu/dvirmail/core/memstore"
	"github.com/jasonchiu/dvirmail/feature/repository"
)

func newHandler(t *testing.T) http.Handler {
	t.Helper()
	repo, err := repository.New(repository.ShapeFlat, repository.Options{Store: memstore.New(), Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	return New(Deps{
		Config:     coreconfig.Runtime{AllowedOrigins: []string{"https://my.geotab.com"}},
		Repository: repo,
	})
}

func TestHealthz(t *testing.T) {
	rec := httptest.NewRecorder()
	newHandler(t).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok\n" {
		t.Fatalf("healthz = %d %q", rec.Code, rec.Body.String())
	}
}

func TestMetricsExposeRepositoryCounters(t *testing.T) {
	h := newHandler(t)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/tenants/acme/recipients", nil))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "dvirmail_repository_operations_total") {
		t.Fatalf("metrics = %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := newHandler(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/tenants/acme/recipients", nil)
	req.Header.Set("Origin", "https://my.geotab.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://my.geotab.com" {
		t.Fatalf("allow origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/tenants/acme/recipients", nil)
	req.Header.Set("Origin", "https://evil.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unexpected allow origin %q", got)
	}
}
