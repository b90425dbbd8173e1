package status

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "crawlsched/pkg/logx"
)

func get(t *testing.T, url, token string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, b
}

func startService(t *testing.T, cfg Config) *Service {
	t.Helper()
	s := New(cfg, func() any { return map[string]int{"queued": 3} }, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		stopCtx, c := context.WithTimeout(context.Background(), 2*time.Second)
		defer c()
		s.Stop(stopCtx)
		cancel()
	})
	s.Start(ctx)
	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 5*time.Millisecond)
	return s
}

func TestServesStatusAndHealth(t *testing.T) {
	s := startService(t, Config{Enabled: true, Addr: "127.0.0.1:0"})
	base := "http://" + s.Addr()

	code, body := get(t, base+"/healthz", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", string(body))

	code, body = get(t, base+"/status", "")
	require.Equal(t, http.StatusOK, code)
	var got map[string]int
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, 3, got["queued"])

	code, _ = get(t, base+"/debug/pprof/", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestTokenAndPprof(t *testing.T) {
	s := startService(t, Config{Enabled: true, Addr: "127.0.0.1:0", Token: "secret", Pprof: true})
	base := "http://" + s.Addr()

	code, _ := get(t, base+"/status", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = get(t, base+"/status", "wrong")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = get(t, base+"/status?token=secret", "")
	assert.Equal(t, http.StatusOK, code)
	code, _ = get(t, base+"/debug/pprof/cmdline", "secret")
	assert.Equal(t, http.StatusOK, code)
}

func TestReconfigureDisables(t *testing.T) {
	s := startService(t, Config{Enabled: true, Addr: "127.0.0.1:0"})
	require.True(t, s.Enabled())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Reconfigure(ctx, Config{})
	assert.False(t, s.Enabled())
	assert.Eventually(t, func() bool { return s.Addr() == "" }, 2*time.Second, 5*time.Millisecond)
}

func TestIsLoopbackAddr(t *testing.T) {
	for addr, want := range map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:80":   true,
		"[::1]:6060":     true,
		":6060":          false,
		"0.0.0.0:6060":   false,
		"10.1.2.3:80":    false,
		"nonsense":       false,
	} {
		assert.Equal(t, want, IsLoopbackAddr(addr), addr)
	}
}
