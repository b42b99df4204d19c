package health

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/BaSui01/agentregistry/internal/tlsutil"
	"github.com/BaSui01/agentregistry/types"
)

// ProbeResult is the outcome of probing one endpoint once.
type ProbeResult struct {
	Healthy   bool
	Latency   time.Duration
	Err       error
	Resources *ResourceUsage
}

// Prober probes a single agent endpoint. Implementations must honour ctx
// cancellation; the Monitor always passes a deadline.
type Prober interface {
	Probe(ctx context.Context, protocol, endpoint string) ProbeResult
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, protocol, endpoint string) ProbeResult

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context, protocol, endpoint string) ProbeResult {
	return f(ctx, protocol, endpoint)
}

// NetworkProber probes http(s) endpoints with GET <endpoint><HealthPath> and
// every other scheme with a TCP dial to host:port.
type NetworkProber struct {
	client     *http.Client
	dialer     *net.Dialer
	healthPath string
	limiter    *rate.Limiter
}

// NetworkProberConfig configures NetworkProber.
type NetworkProberConfig struct {
	HealthPath string
	// RateLimit caps probes per second across all agents; 0 disables it.
	RateLimit float64
	Burst     int
}

// DefaultNetworkProberConfig returns sensible defaults.
func DefaultNetworkProberConfig() NetworkProberConfig {
	return NetworkProberConfig{
		HealthPath: "/health",
		RateLimit:  50,
		Burst:      10,
	}
}

// NewNetworkProber creates a prober. Per-probe timeouts come from the
// caller's context, so the HTTP client carries none of its own.
func NewNetworkProber(cfg NetworkProberConfig) *NetworkProber {
	p := &NetworkProber{
		client:     tlsutil.ProbeHTTPClient(0),
		dialer:     &net.Dialer{},
		healthPath: cfg.HealthPath,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return p
}

// Probe implements Prober.
func (p *NetworkProber) Probe(ctx context.Context, protocol, endpoint string) ProbeResult {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return ProbeResult{Err: classifyProbeError(ctx, err)}
		}
	}

	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return ProbeResult{Err: types.Errorf(types.ErrProbeFailure, "invalid endpoint %q", endpoint)}
	}

	start := time.Now()
	var res ProbeResult
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		res = p.probeHTTP(ctx, u)
	default:
		res = p.probeTCP(ctx, u)
	}
	res.Latency = time.Since(start)
	return res
}

func (p *NetworkProber) probeHTTP(ctx context.Context, u *url.URL) ProbeResult {
	target := strings.TrimSuffix(u.String(), "/") + p.healthPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return ProbeResult{Err: types.NewError(types.ErrProbeFailure, "build request").WithCause(err)}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return ProbeResult{Err: classifyProbeError(ctx, err)}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ProbeResult{Err: types.Errorf(types.ErrProbeFailure, "health endpoint returned %d", resp.StatusCode)}
	}
	return ProbeResult{Healthy: true, Resources: parseResources(body)}
}

func (p *NetworkProber) probeTCP(ctx context.Context, u *url.URL) ProbeResult {
	host := u.Host
	if u.Port() == "" {
		return ProbeResult{Err: types.Errorf(types.ErrProbeFailure, "endpoint %q has no port", u.String())}
	}
	conn, err := p.dialer.DialContext(ctx, "tcp", host)
	if err != nil {
		return ProbeResult{Err: classifyProbeError(ctx, err)}
	}
	_ = conn.Close()
	return ProbeResult{Healthy: true}
}

// parseResources reads optional self-reported usage from a health body such
// as {"status":"ok","resources":{"cpu_percent":12.5,"memory_mb":300}}.
func parseResources(body []byte) *ResourceUsage {
	if !gjson.ValidBytes(body) {
		return nil
	}
	res := gjson.GetBytes(body, "resources")
	if !res.Exists() {
		return nil
	}
	return &ResourceUsage{
		CPUPercent: res.Get("cpu_percent").Float(),
		MemoryMB:   res.Get("memory_mb").Float(),
	}
}

func classifyProbeError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return types.NewError(types.ErrProbeTimeout, "probe timed out").WithCause(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return types.NewError(types.ErrProbeTimeout, "probe timed out").WithCause(err)
	}
	return types.NewError(types.ErrProbeFailure, "probe failed").WithCause(err)
}
