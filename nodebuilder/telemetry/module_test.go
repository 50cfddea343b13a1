package telemetry

import (
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
)

func TestConstructModule_Disabled(t *testing.T) {
	var reg prometheus.Registerer

	cfg := DefaultConfig()
	app := fxtest.New(t,
		ConstructModule(&cfg),
		fx.Populate(&reg)).
		RequireStart()
	defer app.RequireStop()

	assert.NotNil(t, reg)
}

func TestConstructModule_ServesMetrics(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	var reg prometheus.Registerer
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Address = addr

	app := fxtest.New(t,
		ConstructModule(&cfg),
		fx.Populate(&reg)).
		RequireStart()
	defer app.RequireStop()

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_requests_total"})
	require.NoError(t, reg.Register(counter))
	counter.Inc()

	resp, err := http.Get("http://" + addr + cfg.Endpoint)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "test_requests_total 1")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Address = "nope"
	assert.NoError(t, cfg.Validate(), "disabled config is not checked")

	cfg.Enabled = true
	assert.Error(t, cfg.Validate())

	cfg.Address = "localhost:9090"
	cfg.Endpoint = "metrics"
	assert.Error(t, cfg.Validate())
}
