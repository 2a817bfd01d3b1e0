package adapters

import (
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/exploopio/attackmap/pkg/errors"
	"github.com/exploopio/attackmap/pkg/logging"
	"github.com/exploopio/attackmap/pkg/mapping"
)

// Registry holds at most one adapter per source. Applicability can be
// overridden per source with a CEL expression over the variables
// product_type (string) and platforms (list of string), both lower-cased,
// e.g. `product_type == "edr" || "windows" in platforms`.
type Registry struct {
	mu       sync.RWMutex
	adapters map[SourceTag]Adapter
	when     map[SourceTag]cel.Program
	env      *cel.Env
	logger   logging.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger logging.Logger) (*Registry, error) {
	env, err := cel.NewEnv(
		cel.Variable("product_type", cel.StringType),
		cel.Variable("platforms", cel.ListType(cel.StringType)),
	)
	if err != nil {
		return nil, errors.E(errors.KindInternal, "adapters.NewRegistry", err)
	}
	return &Registry{
		adapters: make(map[SourceTag]Adapter),
		when:     make(map[SourceTag]cel.Program),
		env:      env,
		logger:   logging.OrDefault(logger, "adapters"),
	}, nil
}

// Register adds an adapter. Unknown sources and duplicates are rejected.
func (r *Registry) Register(a Adapter) error {
	const op = "adapters.Registry.Register"
	tag := a.Source()
	if !tag.Valid() {
		return errors.E(errors.KindInvalidInput, op, "unknown adapter source "+string(tag))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.adapters[tag]; dup {
		return errors.E(errors.KindInvalidInput, op, "adapter "+string(tag)+" already registered")
	}
	r.adapters[tag] = a
	return nil
}

// SetWhen compiles expr as the applicability rule for tag. An empty expr
// removes the override.
func (r *Registry) SetWhen(tag SourceTag, expr string) error {
	const op = "adapters.Registry.SetWhen"
	r.mu.Lock()
	defer r.mu.Unlock()
	if strings.TrimSpace(expr) == "" {
		delete(r.when, tag)
		return nil
	}
	ast, iss := r.env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return errors.E(errors.KindInvalidInput, op, "compile "+string(tag)+" when", iss.Err())
	}
	prg, err := r.env.Program(ast)
	if err != nil {
		return errors.E(errors.KindInvalidInput, op, "program "+string(tag)+" when", err)
	}
	r.when[tag] = prg
	return nil
}

// Get returns the adapter registered for tag.
func (r *Registry) Get(tag SourceTag) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[tag]
	return a, ok
}

// Ordered returns the registered adapters in priority order.
func (r *Registry) Ordered() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(r.adapters))
	for _, tag := range mapping.PriorityOrder {
		if a, ok := r.adapters[tag]; ok {
			out = append(out, a)
		}
	}
	return out
}

// Applicable returns, in priority order, the adapters that apply to a
// product. A CEL override that fails to evaluate falls back to the
// adapter's own IsApplicable.
func (r *Registry) Applicable(productType string, platforms []string) []Adapter {
	lowered := make([]string, len(platforms))
	for i, p := range platforms {
		lowered[i] = strings.ToLower(p)
	}
	vars := map[string]any{
		"product_type": strings.ToLower(productType),
		"platforms":    lowered,
	}

	var out []Adapter
	for _, a := range r.Ordered() {
		r.mu.RLock()
		prg, ok := r.when[a.Source()]
		r.mu.RUnlock()

		if ok {
			applies, err := evalBool(prg, vars)
			if err == nil {
				if applies {
					out = append(out, a)
				}
				continue
			}
			r.logger.Warn("applicability rule for %s failed, using default: %v", a.Source(), err)
		}
		if a.IsApplicable(productType, platforms) {
			out = append(out, a)
		}
	}
	return out
}

func evalBool(prg cel.Program, vars map[string]any) (bool, error) {
	val, _, err := prg.Eval(vars)
	if err != nil {
		return false, err
	}
	b, ok := val.Value().(bool)
	if !ok {
		return false, errors.E(errors.KindInvalidInput, "adapters.evalBool", "applicability rule did not return a bool")
	}
	return b, nil
}
