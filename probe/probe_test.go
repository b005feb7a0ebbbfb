package probe_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/maestro-pos/backendlink/probe"
)

func newProber(timeout time.Duration) *probe.Prober {
	return probe.New(nil, timeout, zap.NewNop())
}

func TestHealthy_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	assert.True(t, newProber(time.Second).Healthy(context.Background(), srv.URL))
}

func TestHealthy_WrongStatusField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"degraded"}`))
	}))
	defer srv.Close()

	assert.False(t, newProber(time.Second).Healthy(context.Background(), srv.URL))
}

func TestHealthy_NonSuccessStatusCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	assert.False(t, newProber(time.Second).Healthy(context.Background(), srv.URL))
}

func TestHealthy_NotJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>welcome</html>"))
	}))
	defer srv.Close()

	assert.False(t, newProber(time.Second).Healthy(context.Background(), srv.URL))
}

func TestHealthy_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	assert.False(t, newProber(50*time.Millisecond).Healthy(context.Background(), srv.URL))
}

func TestHealthy_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	assert.False(t, newProber(time.Second).Healthy(context.Background(), url))
}

func TestHealthy_BadURL(t *testing.T) {
	assert.False(t, newProber(time.Second).Healthy(context.Background(), "http://bad url with spaces"))
}
