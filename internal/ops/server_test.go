package ops

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "newsbot/pkg/logx"
)

func get(t *testing.T, h http.Handler, target, auth string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if auth != "" {
		req.Header.Set("Authorization", "Bearer "+auth)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	body, _ := io.ReadAll(rec.Result().Body)
	return rec.Code, string(body)
}

func TestHandler(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	promauto.With(reg).NewCounter(prometheus.CounterOpts{Name: "newsbot_test_total", Help: "test"}).Inc()
	var unhealthy error
	s := New(Config{}, reg, func() error { return unhealthy }, logx.Nop())

	h := s.Handler(Config{Token: "s3cret"})
	code, _ := get(t, h, "/healthz", "")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, body := get(t, h, "/healthz", "s3cret")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body)

	code, body = get(t, h, "/metrics?token=s3cret", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "newsbot_test_total 1")

	code, _ = get(t, h, "/debug/pprof/", "s3cret")
	assert.Equal(t, http.StatusNotFound, code, "pprof is opt-in")

	unhealthy = errors.New("poller.press: exited")
	code, body = get(t, h, "/healthz", "s3cret")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body, "poller.press")
}

func TestPprofEnabled(t *testing.T) {
	t.Parallel()

	s := New(Config{}, prometheus.NewRegistry(), nil, logx.Nop())
	code, _ := get(t, s.Handler(Config{Pprof: true}), "/debug/pprof/", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestStartRefusesInsecureBind(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, prometheus.NewRegistry(), nil, logx.Nop())
	assert.ErrorIs(t, s.Start(context.Background()), ErrInsecureBind)
}

func TestStartServesAndStops(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, prometheus.NewRegistry(), nil, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	addr := s.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.Empty(t, s.Addr())
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"127.0.0.1:9090": true,
		"localhost:9090": true,
		"[::1]:9090":     true,
		":9090":          false,
		"0.0.0.0:9090":   false,
		"10.0.0.5:9090":  false,
		"garbage":        false,
	}
	for addr, want := range cases {
		assert.Equal(t, want, isLoopbackAddr(addr), addr)
	}
}
