package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/dufeut/mik-sub001/internal/admission"
	"github.com/dufeut/mik-sub001/internal/audit"
	"github.com/dufeut/mik-sub001/internal/breaker"
	"github.com/dufeut/mik-sub001/internal/cache"
	"github.com/dufeut/mik-sub001/internal/engine"
	"github.com/dufeut/mik-sub001/internal/executor"
	"github.com/dufeut/mik-sub001/internal/health"
	"github.com/dufeut/mik-sub001/internal/registry"
	"github.com/dufeut/mik-sub001/internal/security"
)

// fakeEngine/fakeModule/fakeInstance let router tests drive a real
// registry.Registry without any actual WebAssembly bytes.
type fakeEngine struct{}

func (e *fakeEngine) Name() string          { return "fake" }
func (e *fakeEngine) EngineVersion() string { return "fake-v1" }
func (e *fakeEngine) CompileToNative(ctx context.Context, source []byte) ([]byte, error) {
	return source, nil
}
func (e *fakeEngine) Load(ctx context.Context, artifact []byte) (engine.Module, error) {
	return &fakeModule{}, nil
}
func (e *fakeEngine) Close(ctx context.Context) error { return nil }

type fakeModule struct{}

func (m *fakeModule) ExportsIncomingHandler() bool { return true }
func (m *fakeModule) Instantiate(ctx context.Context, limits engine.Limits, check engine.OutboundChecker, observe engine.LimitObserver) (engine.Instance, error) {
	return &fakeInstance{}, nil
}
func (m *fakeModule) Close(ctx context.Context) error { return nil }

type fakeInstance struct{}

func (i *fakeInstance) HandleIncoming(ctx context.Context, req *http.Request) (*http.Response, error) {
	return &http.Response{StatusCode: http.StatusOK, Header: http.Header{}}, nil
}
func (i *fakeInstance) MemoryUsedBytes() uint64      { return 0 }
func (i *fakeInstance) Close(ctx context.Context) error { return nil }

func newTestRouter(t *testing.T, admissionCeiling int) (*Router, *admission.Controller) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "greeter.wasm"), []byte("fake"), 0o644))

	c, err := cache.New(t.TempDir(), 1<<20, zerolog.Nop())
	require.NoError(t, err)
	bs := breaker.Settings{FailureThreshold: 3, Cooldown: time.Second}
	reg, err := registry.New(context.Background(), dir, c, &fakeEngine{}, bs, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	adm := admission.New(admissionCeiling)
	auditCh := audit.New(16, testWriter{}, zerolog.Nop())
	t.Cleanup(auditCh.Close)

	exec := executor.New(security.New([]string{"*"}), engine.Limits{}, time.Second, 1<<20, zerolog.Nop(), auditCh)
	h := health.New(reg, c, adm, 1<<20)

	var perModuleRate func(string) *rate.Limiter
	return New(reg, exec, adm, h, auditCh, perModuleRate, zerolog.Nop()), adm
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestServeRunHappyPath(t *testing.T) {
	r, _ := newTestRouter(t, 10)

	req := httptest.NewRequest(http.MethodGet, "/run/greeter/hello", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServeRunMissingModuleNameIs404(t *testing.T) {
	r, _ := newTestRouter(t, 10)
	req := httptest.NewRequest(http.MethodGet, "/run/", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeRunUnknownModuleIs404(t *testing.T) {
	r, _ := newTestRouter(t, 10)
	req := httptest.NewRequest(http.MethodGet, "/run/nope/x", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeRunAdmissionRefused(t *testing.T) {
	r, adm := newTestRouter(t, 1)

	credit, ok := adm.TryAcquire()
	require.True(t, ok)
	defer credit.Release()

	req := httptest.NewRequest(http.MethodGet, "/run/greeter/hello", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	r, _ := newTestRouter(t, 10)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
