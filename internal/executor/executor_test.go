package executor

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/dufeut/mik-sub001/internal/engine"
	"github.com/dufeut/mik-sub001/internal/errs"
	"github.com/dufeut/mik-sub001/internal/registry"
	"github.com/dufeut/mik-sub001/internal/security"
)

type fakeInstance struct {
	resp     *http.Response
	err      error
	sleep    time.Duration
	closed   bool
	closeErr error
}

func (f *fakeInstance) HandleIncoming(ctx context.Context, req *http.Request) (*http.Response, error) {
	if f.sleep > 0 {
		select {
		case <-time.After(f.sleep):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.resp, f.err
}
func (f *fakeInstance) MemoryUsedBytes() uint64         { return 0 }
func (f *fakeInstance) Close(ctx context.Context) error { f.closed = true; return f.closeErr }

type fakeModule struct {
	inst      *fakeInstance
	instErr   error
	instSleep time.Duration
}

func (m *fakeModule) ExportsIncomingHandler() bool { return true }
func (m *fakeModule) Instantiate(ctx context.Context, limits engine.Limits, check engine.OutboundChecker, observe engine.LimitObserver) (engine.Instance, error) {
	if m.instSleep > 0 {
		select {
		case <-time.After(m.instSleep):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.instErr != nil {
		return nil, m.instErr
	}
	return m.inst, nil
}
func (m *fakeModule) Close(ctx context.Context) error { return nil }

func newHandle(name string, mod engine.Module) *registry.Handle {
	return &registry.Handle{Name: name, Module: mod}
}

func TestExecuteHappyPath(t *testing.T) {
	resp := &http.Response{StatusCode: 200, Header: http.Header{}, Body: io.NopCloser(bytes.NewReader([]byte("ok")))}
	mod := &fakeModule{inst: &fakeInstance{resp: resp}}
	h := newHandle("greeter", mod)

	ex := New(security.New([]string{"*"}), engine.Limits{}, time.Second, 1<<20, zerolog.Nop(), nil)

	req := httpRequest(t)
	got, err := ex.Execute(context.Background(), h, req)
	require.NoError(t, err)
	require.Equal(t, 200, got.StatusCode)
	require.NotEmpty(t, got.Header.Get("X-Trace-ID"))

	body, _ := io.ReadAll(got.Body)
	require.Equal(t, "ok", string(body))
	require.True(t, mod.inst.closed, "instance must be closed on every path")
}

func TestExecuteHandlerTimeout(t *testing.T) {
	mod := &fakeModule{inst: &fakeInstance{sleep: 50 * time.Millisecond}}
	h := newHandle("slow", mod)

	ex := New(security.New(nil), engine.Limits{}, 5*time.Millisecond, 1<<20, zerolog.Nop(), nil)
	_, err := ex.Execute(context.Background(), h, httpRequest(t))
	require.Error(t, err)
	require.Equal(t, errs.KindExecutionTimeout, errs.KindOf(err))
}

func TestExecuteInstantiationFailure(t *testing.T) {
	mod := &fakeModule{instErr: context.Canceled}
	h := newHandle("broken", mod)

	ex := New(security.New(nil), engine.Limits{}, time.Second, 1<<20, zerolog.Nop(), nil)
	_, err := ex.Execute(context.Background(), h, httpRequest(t))
	require.Error(t, err)
}

func TestExecuteRequestBodyTooLarge(t *testing.T) {
	mod := &fakeModule{inst: &fakeInstance{resp: &http.Response{StatusCode: 200, Header: http.Header{}}}}
	h := newHandle("mod", mod)

	ex := New(security.New(nil), engine.Limits{}, time.Second, 4, zerolog.Nop(), nil)
	req := httpRequest(t)
	req.Body = io.NopCloser(bytes.NewReader([]byte("way too long a body")))

	_, err := ex.Execute(context.Background(), h, req)
	require.Error(t, err)
	require.Equal(t, errs.KindPayloadTooLarge, errs.KindOf(err))
	require.Equal(t, http.StatusRequestEntityTooLarge, errs.StatusFor(errs.KindOf(err)))
}

func httpRequest(t *testing.T) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, "/", nil)
	require.NoError(t, err)
	return req
}
