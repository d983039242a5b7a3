package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"

	"github.com/opennetfab/opennetfab/pkg/telemetry"
)

// defaultPackage is assumed when a rule omits its package declaration.
const defaultPackage = "netfab.policies"

// Engine evaluates job submissions against the loaded guardrail policies.
// Evaluation happens once at intake, before the job engine admits any
// device task; a blocking violation rejects the whole job.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   *telemetry.Logger
	builtin  []Policy
}

// compiledPolicy is a policy whose Rego parsed successfully.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger *telemetry.Logger) (*Engine, error) {
	if logger == nil {
		logger = telemetry.FromContext(context.Background())
	}
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.NewComponentLogger("policy-engine"),
		builtin:  BuiltinPolicies(),
	}
	if err := e.loadBuiltinPolicies(); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}
	return e, nil
}

// EvaluateJob evaluates every enabled policy against the job input and
// partitions the emitted violations into blocking and warning sets. A policy
// whose evaluation itself errors downgrades to a warning rather than
// blocking the job: a broken rule file must not take job submission down
// with it.
func (e *Engine) EvaluateJob(ctx context.Context, input *Input) (*Result, error) {
	start := time.Now()
	if input == nil || input.Job == nil {
		return nil, fmt.Errorf("policy input requires a job")
	}
	if input.Context == nil {
		input.Context = &Context{}
	}
	if input.Context.Timestamp.IsZero() {
		input.Context.Timestamp = time.Now().UTC()
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{
		Allowed:           true,
		EvaluatedPolicies: make([]string, 0, len(e.policies)),
		EvaluatedAt:       start.UTC(),
	}

	for _, cp := range e.policies {
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, cp.policy.Name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.WithError(err).WithField("policy", cp.policy.Name).Error("Policy evaluation failed")
			result.Warnings = append(result.Warnings, Violation{
				Policy:     cp.policy.Name,
				Message:    fmt.Sprintf("policy evaluation failed: %v", err),
				Severity:   SeverityWarning,
				DetectedAt: time.Now().UTC(),
			})
			continue
		}

		for _, v := range violations {
			if v.Severity.Blocking() {
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}

	result.Allowed = len(result.Violations) == 0
	result.Duration = time.Since(start)

	e.logger.WithJob(input.Job.ID.String()).WithFields(map[string]interface{}{
		"allowed":    result.Allowed,
		"violations": len(result.Violations),
		"warnings":   len(result.Warnings),
		"duration":   result.Duration.String(),
	}).Debug("Job policy evaluation completed")

	return result, nil
}

// evaluatePolicy queries the deny set of one policy's package.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	query := fmt.Sprintf("data.%s.deny", packageName(cp.policy.Rego))

	r := rego.New(
		rego.Module(cp.policy.Name, cp.policy.Rego),
		rego.Query(query),
		rego.Input(input),
	)
	results, err := r.Eval(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		for _, expr := range result.Expressions {
			denySet, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				violations = append(violations, makeViolation(cp.policy, d))
			}
		}
	}
	return violations, nil
}

// packageName extracts the package declaration from Rego source.
func packageName(src string) string {
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return defaultPackage
}

// makeViolation converts one deny-set entry into a Violation. Rules emit
// either a bare message string or an object with message/severity/device
// fields; the policy's default severity applies when the rule stays silent.
func makeViolation(policy *Policy, result interface{}) Violation {
	v := Violation{
		Policy:     policy.Name,
		Severity:   policy.Severity,
		DetectedAt: time.Now().UTC(),
	}
	switch value := result.(type) {
	case string:
		v.Message = value
	case map[string]interface{}:
		if msg, ok := value["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := value["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
		if dev, ok := value["device"].(string); ok {
			v.DeviceID = dev
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}
	return v
}

// LoadPolicies loads policy files from the given paths on top of the
// built-in set. A file policy with the same name as a built-in replaces it.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.ReplaceFilePolicies(policies)
}

// ReplaceFilePolicies swaps in a freshly loaded policy set, keeping the
// built-ins. The loader's watch callback funnels through here so a reload
// with a broken file leaves the previous set intact.
func (e *Engine) ReplaceFilePolicies(policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies)+len(e.builtin))
	for i := range e.builtin {
		cp, err := compile(&e.builtin[i])
		if err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", e.builtin[i].Name, err)
		}
		compiled[e.builtin[i].Name] = cp
	}
	for i := range policies {
		cp, err := compile(&policies[i])
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
		compiled[policies[i].Name] = cp
	}

	e.mu.Lock()
	e.policies = compiled
	e.mu.Unlock()

	e.logger.WithField("count", len(compiled)).Info("Policies loaded")
	return nil
}

// compile parses the policy's Rego module.
func compile(policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	return &compiledPolicy{
		policy:   policy,
		module:   module,
		compiled: time.Now(),
	}, nil
}

// loadBuiltinPolicies compiles and stores the built-in set.
func (e *Engine) loadBuiltinPolicies() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.builtin {
		cp, err := compile(&e.builtin[i])
		if err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", e.builtin[i].Name, err)
		}
		e.policies[e.builtin[i].Name] = cp
	}
	e.logger.WithField("count", len(e.builtin)).Debug("Built-in policies loaded")
	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	return cp.policy, nil
}

// ListPolicies returns all loaded policies.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
	}
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.WithFields(map[string]interface{}{"policy": name, "enabled": enabled}).Info("Policy toggled")
	return nil
}
