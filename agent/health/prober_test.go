package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentregistry/types"
)

func newTestProber() *NetworkProber {
	cfg := DefaultNetworkProberConfig()
	cfg.RateLimit = 0
	return NewNetworkProber(cfg)
}

func TestNetworkProber_HTTPHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","resources":{"cpu_percent":12.5,"memory_mb":300}}`))
	}))
	defer srv.Close()

	res := newTestProber().Probe(context.Background(), "http", srv.URL)
	require.NoError(t, res.Err)
	assert.True(t, res.Healthy)
	assert.Greater(t, res.Latency, time.Duration(0))
	require.NotNil(t, res.Resources)
	assert.Equal(t, 12.5, res.Resources.CPUPercent)
	assert.Equal(t, 300.0, res.Resources.MemoryMB)
}

func TestNetworkProber_HTTPNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	res := newTestProber().Probe(context.Background(), "http", srv.URL)
	assert.False(t, res.Healthy)
	assert.Equal(t, types.ErrProbeFailure, types.GetErrorCode(res.Err))
}

func TestNetworkProber_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res := newTestProber().Probe(ctx, "http", srv.URL)
	assert.False(t, res.Healthy)
	assert.Equal(t, types.ErrProbeTimeout, types.GetErrorCode(res.Err))
}

func TestNetworkProber_TCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()

	res := newTestProber().Probe(context.Background(), "grpc", "grpc://"+ln.Addr().String())
	require.NoError(t, res.Err)
	assert.True(t, res.Healthy)
}

func TestNetworkProber_InvalidEndpoint(t *testing.T) {
	p := newTestProber()

	res := p.Probe(context.Background(), "http", "::not-a-url")
	assert.Equal(t, types.ErrProbeFailure, types.GetErrorCode(res.Err))

	res = p.Probe(context.Background(), "grpc", "grpc://host-without-port")
	assert.Equal(t, types.ErrProbeFailure, types.GetErrorCode(res.Err))
}

func TestParseResources(t *testing.T) {
	assert.Nil(t, parseResources([]byte("plain text")))
	assert.Nil(t, parseResources([]byte(`{"status":"ok"}`)))
	r := parseResources([]byte(`{"resources":{"memory_mb":64}}`))
	require.NotNil(t, r)
	assert.Equal(t, 64.0, r.MemoryMB)
	assert.Zero(t, r.CPUPercent)
}
