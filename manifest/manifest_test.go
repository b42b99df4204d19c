package manifest_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentregistry/manifest"
	"github.com/BaSui01/agentregistry/testutil/fixtures"
)

func TestParse_YAML(t *testing.T) {
	m, err := manifest.Parse([]byte(fixtures.ManifestYAML))
	require.NoError(t, err)

	assert.Equal(t, "worker-api-v1", m.ID)
	assert.Equal(t, []string{"api-design", "validation"}, m.Capabilities.Domains)
	assert.Equal(t, 200.0, m.Performance.Throughput)
	assert.Equal(t, 50.0, m.Performance.LatencyP99)
	require.Len(t, m.Protocols, 1)
	assert.Equal(t, "http://worker-api.local:8080", m.Protocols[0].Endpoint)
	assert.Equal(t, []string{"openapi", "rest"}, m.Capabilities.Specializations["api-design"].Features)
}

func TestParse_JSONRoundTrip(t *testing.T) {
	data, err := manifest.Encode(fixtures.SecurityAuditorManifest())
	require.NoError(t, err)

	m, err := manifest.Parse(data)
	require.NoError(t, err)
	assert.Equal(t, fixtures.SecurityAuditorManifest(), m)
}

func TestParse_UnknownField(t *testing.T) {
	_, err := manifest.Parse([]byte("id: a\nbogus: true\n"))
	assert.Error(t, err)
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte(fixtures.ManifestYAML), 0o600))
	data, err := manifest.Encode(fixtures.DocumentationManifest())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json"), data, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	ms, err := manifest.LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Equal(t, "worker-docs-v1", ms[0].ID)
	assert.Equal(t, "worker-api-v1", ms[1].ID)
}

func TestClone_IsDeep(t *testing.T) {
	orig := fixtures.SecurityAuditorManifest()
	c := orig.Clone()

	c.Capabilities.Domains[0] = "changed"
	*c.Performance.CostPerRequest = 99
	c.Protocols[0].Endpoint = "http://elsewhere"

	assert.Equal(t, "security", orig.Capabilities.Domains[0])
	assert.Equal(t, 0.02, *orig.Performance.CostPerRequest)
	assert.Equal(t, "http://critic-security.local:8080", orig.Protocols[0].Endpoint)
}

func TestStructuralValidator(t *testing.T) {
	ctx := context.Background()
	v := manifest.NewStructuralValidator()

	tests := []struct {
		name      string
		mutate    func(m *manifest.AgentManifest)
		valid     bool
		failCheck string
	}{
		{name: "valid", mutate: func(*manifest.AgentManifest) {}, valid: true},
		{name: "bad id", mutate: func(m *manifest.AgentManifest) { m.ID = "Bad ID" }, failCheck: "id"},
		{name: "missing type", mutate: func(m *manifest.AgentManifest) { m.Type = "" }, failCheck: "type"},
		{name: "bad version", mutate: func(m *manifest.AgentManifest) { m.Version = "one" }, failCheck: "version"},
		{name: "no domains", mutate: func(m *manifest.AgentManifest) { m.Capabilities.Domains = nil }, failCheck: "capabilities.domains"},
		{name: "duplicate domain", mutate: func(m *manifest.AgentManifest) {
			m.Capabilities.Domains = []string{"security", "security"}
		}, failCheck: "capabilities.domains"},
		{name: "negative throughput", mutate: func(m *manifest.AgentManifest) { m.Performance.Throughput = -1 }, failCheck: "performance.throughput"},
		{name: "unordered latency", mutate: func(m *manifest.AgentManifest) { m.Performance.LatencyP50 = 500 }, failCheck: "performance.latency"},
		{name: "no protocols", mutate: func(m *manifest.AgentManifest) { m.Protocols = nil }, failCheck: "protocols"},
		{name: "bad endpoint", mutate: func(m *manifest.AgentManifest) { m.Protocols[0].Endpoint = "not a url" }, failCheck: "protocols.endpoint"},
		{name: "bad specialization version", mutate: func(m *manifest.AgentManifest) {
			m.Capabilities.Specializations["api-design"] = manifest.Specialization{Version: "x.y"}
		}, failCheck: "capabilities.specializations"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := fixtures.WorkerAPIManifest()
			tt.mutate(m)

			report, err := v.Validate(ctx, m)
			require.NoError(t, err)
			assert.Equal(t, tt.valid, report.Valid, "errors: %v", report.Errors)
			if tt.failCheck != "" {
				found := false
				for _, r := range report.Results {
					if r.Check == tt.failCheck && !r.Passed {
						found = true
					}
				}
				assert.True(t, found, "expected failed check %q in %+v", tt.failCheck, report.Results)
			}
		})
	}
}

func TestSchemaValidator(t *testing.T) {
	ctx := context.Background()
	v, err := manifest.NewSchemaValidator()
	require.NoError(t, err)

	report, err := v.Validate(ctx, fixtures.WorkerAPIManifest())
	require.NoError(t, err)
	assert.True(t, report.Valid, "errors: %v", report.Errors)

	m := fixtures.WorkerAPIManifest()
	m.Protocols = nil
	report, err = v.Validate(ctx, m)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.NotEmpty(t, report.Errors)
}

func TestDefaultValidator_MergesReports(t *testing.T) {
	v, err := manifest.NewDefaultValidator()
	require.NoError(t, err)

	m := fixtures.WorkerAPIManifest()
	m.Version = "not-semver"
	report, err := v.Validate(context.Background(), m)
	require.NoError(t, err)

	assert.False(t, report.Valid)
	var checks []string
	for _, r := range report.Results {
		checks = append(checks, r.Check)
	}
	assert.Contains(t, checks, "schema")
	assert.Contains(t, checks, "version")
}

func TestCompareVersions(t *testing.T) {
	assert.Equal(t, 0, manifest.CompareVersions("1.2.0", "v1.2.0"))
	assert.Equal(t, 1, manifest.CompareVersions("2.0.0", "1.9.9"))
	assert.Equal(t, -1, manifest.CompareVersions("1.0.0", "1.0.1"))
}
