package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ffaaslite/go-ffaas/internal/endpoints"

	"github.com/launchdarkly/go-sdk-common/v3/ldlogtest"
	"github.com/launchdarkly/go-test-helpers/v3/httphelpers"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, environ map[string]string) config {
	t.Helper()
	cfg, err := loadConfig(environ)
	require.NoError(t, err)
	return cfg
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url) //nolint:noctx
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestComponentsServeSeededFlags(t *testing.T) {
	seedFile := filepath.Join(t.TempDir(), "flags.yaml")
	require.NoError(t, os.WriteFile(seedFile, []byte("flagValues:\n  new-checkout: true\n"), 0o600))

	for _, cache := range []string{cacheMemory, cacheLRU, cacheNone} {
		t.Run(cache, func(t *testing.T) {
			mockLog := ldlogtest.NewMockLog()
			cfg := testConfig(t, map[string]string{"FFAAS_CACHE": cache, "FFAAS_SEED_FILE": seedFile})
			c, err := newComponents(context.Background(), cfg, mockLog.Loggers)
			require.NoError(t, err)
			defer c.close()

			httphelpers.WithServer(c.handler, func(server *httptest.Server) {
				defer c.broadcaster.Close()
				status, body := get(t, server.URL+endpoints.FlagPath("new-checkout"))
				assert.Equal(t, http.StatusOK, status)
				assert.Contains(t, body, `"boolValue":true`)

				status, body = get(t, server.URL+endpoints.MetricsPath)
				assert.Equal(t, http.StatusOK, status)
				assert.Contains(t, body, "go_goroutines")

				status, body = get(t, server.URL+endpoints.AuditPath)
				assert.Equal(t, http.StatusOK, status)
				assert.Contains(t, body, `"actor":"`+seedActor+`"`)
			})
		})
	}
}

func TestComponentsWithoutMetrics(t *testing.T) {
	cfg := testConfig(t, map[string]string{"FFAAS_METRICS": "false"})
	c, err := newComponents(context.Background(), cfg, ldlogtest.NewMockLog().Loggers)
	require.NoError(t, err)
	defer c.close()

	httphelpers.WithServer(c.handler, func(server *httptest.Server) {
		status, _ := get(t, server.URL+endpoints.MetricsPath)
		assert.Equal(t, http.StatusNotFound, status)
	})
}

func TestComponentsFailOnInvalidSeedFile(t *testing.T) {
	seedFile := filepath.Join(t.TempDir(), "flags.yaml")
	require.NoError(t, os.WriteFile(seedFile, []byte("flags: [\n"), 0o600))
	cfg := testConfig(t, map[string]string{"FFAAS_SEED_FILE": seedFile})
	_, err := newComponents(context.Background(), cfg, ldlogtest.NewMockLog().Loggers)
	assert.ErrorContains(t, err, "unable to load seed files")
}

func TestRunShutsDownWhenContextIsDone(t *testing.T) {
	cfg := testConfig(t, map[string]string{"FFAAS_ADDR": "127.0.0.1:0"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, ldlogtest.NewMockLog().Loggers) }()
	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return")
	}
}

func TestRunReportsListenError(t *testing.T) {
	cfg := testConfig(t, map[string]string{"FFAAS_ADDR": "not an address"})
	err := run(context.Background(), cfg, ldlogtest.NewMockLog().Loggers)
	require.Error(t, err)
	assert.False(t, strings.Contains(err.Error(), "shutdown"))
}
