package microservice_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/illmade-knight/go-eventbroker/pkg/microservice"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestBaseServer_Routes(t *testing.T) {
	var unhealthy atomic.Bool
	server := microservice.NewBaseServer(zerolog.Nop(), ":0", func() error {
		if unhealthy.Load() {
			return errors.New("engine stopped")
		}
		return nil
	})
	server.Handle("/stats", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"name":"central"}`))
	}))
	require.NoError(t, server.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	})

	base := "http://localhost" + server.GetHTTPPort()

	code, body := get(t, base+"/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "OK", body)

	unhealthy.Store(true)
	code, body = get(t, base+"/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body, "engine stopped")

	code, body = get(t, base+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, strings.Contains(body, "go_goroutines"), "default registry is exposed")

	code, body = get(t, base+"/stats")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"name":"central"}`, body)
}
