package debug

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "owscholar/pkg/logx"
)

func TestHandler_StatusAndAuth(t *testing.T) {
	t.Parallel()
	s := New(Config{}, func(context.Context) any {
		return map[string]int{"bindings": 3}
	}, logx.Nop())
	h := s.handler("secret")

	tests := []struct {
		name   string
		target string
		header string
		want   int
	}{
		{name: "missing token", target: "/status", want: http.StatusUnauthorized},
		{name: "query token", target: "/status?token=secret", want: http.StatusOK},
		{name: "bearer token", target: "/healthz", header: "Bearer secret", want: http.StatusOK},
		{name: "wrong bearer", target: "/healthz", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "pprof index", target: "/debug/pprof/?token=secret", want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status?token=secret", nil))
	var doc map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, 3, doc["bindings"])
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	for addr, want := range map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:1":    true,
		"[::1]:6060":     true,
		":6060":          false,
		"0.0.0.0:6060":   false,
		"10.0.0.1:6060":  false,
		"garbage":        false,
	} {
		assert.Equal(t, want, isLoopbackAddr(addr), addr)
	}
}

func TestReconfigure_StartStop(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, logx.Nop())
	ctx := context.Background()

	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})
	assert.True(t, s.Enabled())
	s.Reconfigure(ctx, Config{Enabled: false})
	assert.False(t, s.Enabled())
	s.mu.Lock()
	assert.Nil(t, s.sup)
	s.mu.Unlock()
}
