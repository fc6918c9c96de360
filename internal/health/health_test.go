package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/dufeut/mik-sub001/internal/admission"
	"github.com/dufeut/mik-sub001/internal/cache"
	"github.com/dufeut/mik-sub001/internal/errs"
)

type fakeLister struct{ names []string }

func (f fakeLister) Names() []string { return f.names }
func (f fakeLister) Count() int      { return len(f.names) }

func newTestHealth(t *testing.T) *Health {
	t.Helper()
	c, err := cache.New(t.TempDir(), 1<<20, zerolog.Nop())
	require.NoError(t, err)
	adm := admission.New(4)
	return New(fakeLister{names: []string{"a", "b"}}, c, adm, 256<<20)
}

func TestServeHealthSummaryOmitsModulesByDefault(t *testing.T) {
	h := newTestHealth(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHealth(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
	_, hasModules := body["modules"]
	require.False(t, hasModules, "summary form must not include modules unless ?verbose=true")
}

func TestServeHealthVerboseIncludesModules(t *testing.T) {
	h := newTestHealth(t)
	req := httptest.NewRequest(http.MethodGet, "/health?verbose=true", nil)
	rec := httptest.NewRecorder()
	h.ServeHealth(rec, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	mods, ok := body["modules"].([]any)
	require.True(t, ok)
	require.ElementsMatch(t, []any{"a", "b"}, mods)
}

func TestServeMetricsExposesCounters(t *testing.T) {
	h := newTestHealth(t)
	h.RecordResult(errs.KindUnknown)
	h.RecordResult(errs.KindExecutionTimeout)
	h.RecordAdmissionRefused()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeMetrics(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	out := rec.Body.String()
	require.True(t, strings.Contains(out, "requests_total"))
	require.True(t, strings.Contains(out, "requests_timeout_total 1"))
	require.True(t, strings.Contains(out, "admission_refused_total 1"))
}

func TestRecordResultClassifiesByStatus(t *testing.T) {
	h := newTestHealth(t)
	h.RecordResult(errs.KindUnknown)
	h.RecordResult(errs.KindInvalidRequest)   // 4xx
	h.RecordResult(errs.KindModuleLoadFailed) // 5xx

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeMetrics(rec, req)
	out := rec.Body.String()
	require.Contains(t, out, "requests_success_total 1")
	require.Contains(t, out, "requests_client_error_total 1")
	require.Contains(t, out, "requests_server_error_total 1")
}
