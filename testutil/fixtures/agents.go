// =============================================================================
// 📦 测试数据工厂 - Agent Manifest
// =============================================================================
// 提供预定义的 Agent Manifest，用于注册、发现与匹配测试
// =============================================================================
package fixtures

import (
	"fmt"

	"github.com/BaSui01/agentregistry/manifest"
)

// =============================================================================
// 🤖 Manifest 工厂
// =============================================================================

// WorkerAPIManifest 返回 worker-api-v1：domains {api-design, validation}，
// 吞吐 200 req/s，p99 50ms
func WorkerAPIManifest() *manifest.AgentManifest {
	return &manifest.AgentManifest{
		ID:      "worker-api-v1",
		Type:    "worker",
		Subtype: "api",
		Version: "1.0.0",
		Metadata: manifest.Metadata{
			Name:        "API Worker",
			Description: "Designs and validates API contracts",
		},
		Capabilities: manifest.Capabilities{
			Domains:    []string{"api-design", "validation"},
			Operations: []string{"analyze", "validate", "generate"},
			Specializations: map[string]manifest.Specialization{
				"api-design": {Features: []string{"openapi", "rest"}, Version: "3.1.0"},
			},
		},
		Performance: manifest.Performance{
			Throughput: 200,
			LatencyP50: 10,
			LatencyP95: 30,
			LatencyP99: 50,
		},
		Protocols: []manifest.Protocol{
			{Name: "http", Version: "1.1", Endpoint: "http://worker-api.local:8080"},
		},
	}
}

// SecurityAuditorManifest 返回覆盖 security/compliance/audit 的 critic
func SecurityAuditorManifest() *manifest.AgentManifest {
	cost := 0.02
	return &manifest.AgentManifest{
		ID:      "critic-security-v1",
		Type:    "critic",
		Version: "2.3.0",
		Capabilities: manifest.Capabilities{
			Domains:    []string{"security", "compliance", "audit"},
			Operations: []string{"audit", "analyze", "review"},
		},
		Performance: manifest.Performance{
			Throughput:     50,
			LatencyP50:     100,
			LatencyP95:     250,
			LatencyP99:     400,
			CostPerRequest: &cost,
			Resources:      &manifest.Resources{CPUCores: 2, MemoryMB: 2048},
		},
		Protocols: []manifest.Protocol{
			{Name: "http", Version: "1.1", Endpoint: "http://critic-security.local:8080"},
			{Name: "grpc", Version: "1.0", Endpoint: "grpc://critic-security.local:9090"},
		},
	}
}

// DocumentationManifest 返回覆盖 documentation 的 worker
func DocumentationManifest() *manifest.AgentManifest {
	return &manifest.AgentManifest{
		ID:      "worker-docs-v1",
		Type:    "worker",
		Version: "1.2.0",
		Capabilities: manifest.Capabilities{
			Domains:    []string{"documentation"},
			Operations: []string{"generate", "transform"},
		},
		Performance: manifest.Performance{
			Throughput: 120,
			LatencyP50: 40,
			LatencyP95: 80,
			LatencyP99: 120,
		},
		Protocols: []manifest.Protocol{
			{Name: "http", Endpoint: "http://worker-docs.local:8080"},
		},
	}
}

// ManifestWith 返回按参数定制的 Manifest，常用于属性测试
func ManifestWith(id, agentType string, domains []string, throughput, p99 float64, protocols ...string) *manifest.AgentManifest {
	if len(protocols) == 0 {
		protocols = []string{"http"}
	}
	m := &manifest.AgentManifest{
		ID:      id,
		Type:    agentType,
		Version: "1.0.0",
		Capabilities: manifest.Capabilities{
			Domains: domains,
		},
		Performance: manifest.Performance{
			Throughput: throughput,
			LatencyP50: p99 / 4,
			LatencyP95: p99 / 2,
			LatencyP99: p99,
		},
	}
	for i, p := range protocols {
		m.Protocols = append(m.Protocols, manifest.Protocol{
			Name:     p,
			Endpoint: fmt.Sprintf("http://%s.local:%d", id, 8080+i),
		})
	}
	return m
}

// ManifestYAML 是 worker-api-v1 的 YAML 形式
const ManifestYAML = `id: worker-api-v1
type: worker
subtype: api
version: 1.0.0
capabilities:
  domains: [api-design, validation]
  operations: [analyze, validate, generate]
  specializations:
    api-design:
      features: [openapi, rest]
      version: 3.1.0
performance:
  throughput: 200
  latency_p50: 10
  latency_p95: 30
  latency_p99: 50
protocols:
  - name: http
    version: "1.1"
    endpoint: http://worker-api.local:8080
`
