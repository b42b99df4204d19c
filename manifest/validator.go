package manifest

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/mod/semver"
)

// ValidationResult is the outcome of one named check.
type ValidationResult struct {
	Check   string `json:"check"`
	Passed  bool   `json:"passed"`
	Message string `json:"message,omitempty"`
}

// ValidationReport aggregates every check run against a manifest.
type ValidationReport struct {
	Valid   bool               `json:"valid"`
	Errors  []string           `json:"errors,omitempty"`
	Results []ValidationResult `json:"results"`
}

func (r *ValidationReport) add(check string, passed bool, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.Results = append(r.Results, ValidationResult{Check: check, Passed: passed, Message: msg})
	if !passed {
		r.Valid = false
		r.Errors = append(r.Errors, check+": "+msg)
	}
}

// merge folds other into r.
func (r *ValidationReport) merge(other *ValidationReport) {
	if other == nil {
		return
	}
	r.Results = append(r.Results, other.Results...)
	r.Errors = append(r.Errors, other.Errors...)
	if !other.Valid {
		r.Valid = false
	}
}

// Validator is the accept/reject oracle consulted before registration.
// The returned error signals a validator malfunction, not a rejection.
type Validator interface {
	Validate(ctx context.Context, m *AgentManifest) (*ValidationReport, error)
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, m *AgentManifest) (*ValidationReport, error)

// Validate implements Validator.
func (f ValidatorFunc) Validate(ctx context.Context, m *AgentManifest) (*ValidationReport, error) {
	return f(ctx, m)
}

// Chain runs validators in order and merges their reports.
func Chain(validators ...Validator) Validator {
	return ValidatorFunc(func(ctx context.Context, m *AgentManifest) (*ValidationReport, error) {
		report := &ValidationReport{Valid: true}
		for _, v := range validators {
			r, err := v.Validate(ctx, m)
			if err != nil {
				return nil, err
			}
			report.merge(r)
		}
		return report, nil
	})
}

var (
	agentIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,127}$`)
	domainPattern  = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)
)

// StructuralValidator checks invariants the registry relies on: identifiers,
// versions, a non-empty domain set, a sane performance profile, and
// reachable protocol endpoints.
type StructuralValidator struct{}

// NewStructuralValidator returns the default manifest validator.
func NewStructuralValidator() *StructuralValidator {
	return &StructuralValidator{}
}

// Validate implements Validator.
func (StructuralValidator) Validate(_ context.Context, m *AgentManifest) (*ValidationReport, error) {
	report := &ValidationReport{Valid: true}
	if m == nil {
		report.add("manifest", false, "manifest is nil")
		return report, nil
	}

	if agentIDPattern.MatchString(m.ID) {
		report.add("id", true, "id %q is well formed", m.ID)
	} else {
		report.add("id", false, "id %q must match %s", m.ID, agentIDPattern.String())
	}

	if strings.TrimSpace(m.Type) != "" {
		report.add("type", true, "type %q", m.Type)
	} else {
		report.add("type", false, "type is required")
	}

	if v := canonicalVersion(m.Version); semver.IsValid(v) {
		report.add("version", true, "version %s", m.Version)
	} else {
		report.add("version", false, "version %q is not a semantic version", m.Version)
	}

	validateCapabilities(report, m.Capabilities)
	validatePerformance(report, m.Performance)
	validateProtocols(report, m.Protocols)

	return report, nil
}

func validateCapabilities(report *ValidationReport, caps Capabilities) {
	if len(caps.Domains) == 0 {
		report.add("capabilities.domains", false, "at least one domain is required")
		return
	}
	seen := make(map[string]bool, len(caps.Domains))
	for _, d := range caps.Domains {
		if !domainPattern.MatchString(d) {
			report.add("capabilities.domains", false, "domain %q must be lowercase kebab-case", d)
			return
		}
		if seen[d] {
			report.add("capabilities.domains", false, "domain %q declared twice", d)
			return
		}
		seen[d] = true
	}
	report.add("capabilities.domains", true, "%d domains", len(caps.Domains))

	for name, spec := range caps.Specializations {
		if spec.Version != "" && !semver.IsValid(canonicalVersion(spec.Version)) {
			report.add("capabilities.specializations", false, "specialization %q has invalid version %q", name, spec.Version)
			return
		}
	}
	if len(caps.Specializations) > 0 {
		report.add("capabilities.specializations", true, "%d specializations", len(caps.Specializations))
	}
}

func validatePerformance(report *ValidationReport, perf Performance) {
	switch {
	case perf.Throughput < 0:
		report.add("performance.throughput", false, "throughput must not be negative")
	default:
		report.add("performance.throughput", true, "%.1f req/s", perf.Throughput)
	}

	switch {
	case perf.LatencyP50 < 0 || perf.LatencyP95 < 0 || perf.LatencyP99 < 0:
		report.add("performance.latency", false, "latency percentiles must not be negative")
	case perf.LatencyP95 > 0 && perf.LatencyP50 > perf.LatencyP95,
		perf.LatencyP99 > 0 && perf.LatencyP95 > perf.LatencyP99:
		report.add("performance.latency", false, "latency percentiles must be ordered p50 <= p95 <= p99")
	default:
		report.add("performance.latency", true, "p99 %.1fms", perf.LatencyP99)
	}

	if perf.CostPerRequest != nil && *perf.CostPerRequest < 0 {
		report.add("performance.cost_per_request", false, "cost must not be negative")
	}
}

func validateProtocols(report *ValidationReport, protocols []Protocol) {
	if len(protocols) == 0 {
		report.add("protocols", false, "at least one protocol is required")
		return
	}
	seen := make(map[string]bool, len(protocols))
	for _, p := range protocols {
		if p.Name == "" {
			report.add("protocols", false, "protocol name is required")
			return
		}
		if seen[p.Name] {
			report.add("protocols", false, "protocol %q declared twice", p.Name)
			return
		}
		seen[p.Name] = true

		u, err := url.Parse(p.Endpoint)
		if err != nil || u.Scheme == "" || u.Host == "" {
			report.add("protocols.endpoint", false, "protocol %q has invalid endpoint %q", p.Name, p.Endpoint)
			return
		}
	}
	report.add("protocols", true, "%d protocols", len(protocols))
}

// canonicalVersion prefixes a bare version with "v" as x/mod/semver expects.
func canonicalVersion(v string) string {
	if v == "" || strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

// CompareVersions compares two semantic versions with or without the "v"
// prefix. Invalid versions sort before valid ones.
func CompareVersions(a, b string) int {
	return semver.Compare(canonicalVersion(a), canonicalVersion(b))
}
