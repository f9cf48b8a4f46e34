package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexusexport/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDebugServer_Routes(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter_total", Help: "test"})
	reg.MustRegister(c)
	c.Add(3)

	s := NewDebugServer(&config.DebugConfig{PProfEnabled: true, MetricsEnabled: true}, reg, discardLogger())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "test_counter_total 3"))

	resp, err = http.Get(ts.URL + "/debug/pprof/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDebugServer_DisabledRoutes(t *testing.T) {
	s := NewDebugServer(&config.DebugConfig{}, prometheus.NewRegistry(), discardLogger())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSystemCollector_ReportsOverflowDisk(t *testing.T) {
	reg := prometheus.NewRegistry()
	sc := NewSystemCollector(t.TempDir(), 10*time.Millisecond, reg, discardLogger())
	sc.Start()
	defer sc.Stop()

	require.Eventually(t, func() bool {
		return promtest.ToFloat64(sc.diskFreeBytes) > 0
	}, 2*time.Second, 10*time.Millisecond)

	n, err := promtest.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}
