package star

import (
	"fmt"
	"strings"

	"go.starlark.net/starlark"
)

// FixtureScope defines when a fixture is instantiated.
type FixtureScope string

const (
	// ScopeTest creates a fresh fixture instance for each attempt (default).
	ScopeTest FixtureScope = "test"
	// ScopeFile shares one fixture instance across every test in a file,
	// for the lifetime of the worker's in-process handling of that file.
	ScopeFile FixtureScope = "file"
)

// FixturePrefix is the prefix for fixture function names.
const FixturePrefix = "fixture_"

// Fixture is a named dependency a test or hook can request by parameter
// name, per spec.md's fixture argument-bag resolution.
type Fixture struct {
	Name  string
	Fn    *starlark.Function
	Scope FixtureScope
}

// FixtureRegistry holds every fixture and environment-provided value
// available while running one file in one worker. The worker
// repopulates builtins (TestInfo, environment-provided arguments) per
// attempt via RegisterBuiltin and clears test-scoped cache entries with
// ClearTestCache between attempts.
type FixtureRegistry struct {
	fixtures map[string]*Fixture
	cache    map[string]starlark.Value
	builtins map[string]starlark.Value
}

func NewFixtureRegistry() *FixtureRegistry {
	return &FixtureRegistry{
		fixtures: make(map[string]*Fixture),
		cache:    make(map[string]starlark.Value),
		builtins: make(map[string]starlark.Value),
	}
}

// RegisterBuiltin binds a name to an already-computed value, used by
// the worker to expose the current TestInfo and environment-supplied
// arguments as resolvable fixture names.
func (r *FixtureRegistry) RegisterBuiltin(name string, value starlark.Value) {
	r.builtins[name] = value
}

// ClearBuiltins removes every builtin binding, called between attempts
// so a stale TestInfo from a previous attempt is never resolved.
func (r *FixtureRegistry) ClearBuiltins() {
	r.builtins = make(map[string]starlark.Value)
}

func (r *FixtureRegistry) Register(f *Fixture) {
	r.fixtures[f.Name] = f
}

func (r *FixtureRegistry) Get(name string) (*Fixture, bool) {
	f, ok := r.fixtures[name]
	return f, ok
}

// ClearTestCache drops cached values for test-scoped fixtures; called
// between attempts. File-scoped fixture values survive.
func (r *FixtureRegistry) ClearTestCache() {
	for name, fixture := range r.fixtures {
		if fixture.Scope == ScopeTest {
			delete(r.cache, name)
		}
	}
}

// GetOrCompute returns a fixture's value, computing (and, for
// file-scoped fixtures, caching) it on first request.
func (r *FixtureRegistry) GetOrCompute(thread *starlark.Thread, name string) (starlark.Value, error) {
	if builtin, ok := r.builtins[name]; ok {
		return builtin, nil
	}

	fixture, ok := r.fixtures[name]
	if !ok {
		return nil, fmt.Errorf("fixture %q not found", name)
	}

	if fixture.Scope == ScopeFile {
		if val, ok := r.cache[name]; ok {
			return val, nil
		}
	}

	args, err := r.resolveFixtureArgs(thread, fixture.Fn)
	if err != nil {
		return nil, fmt.Errorf("resolving fixture %q dependencies: %w", name, err)
	}

	val, err := starlark.Call(thread, fixture.Fn, args, nil)
	if err != nil {
		return nil, fmt.Errorf("calling fixture %q: %w", name, err)
	}

	if fixture.Scope == ScopeFile {
		r.cache[name] = val
	}
	return val, nil
}

func (r *FixtureRegistry) resolveFixtureArgs(thread *starlark.Thread, fn *starlark.Function) (starlark.Tuple, error) {
	numParams := fn.NumParams()
	if numParams == 0 {
		return nil, nil
	}
	args := make(starlark.Tuple, numParams)
	for i := 0; i < numParams; i++ {
		paramName, _ := fn.Param(i)
		val, err := r.GetOrCompute(thread, paramName)
		if err != nil {
			return nil, err
		}
		args[i] = val
	}
	return args, nil
}

// FindFixtures extracts fixture_*-prefixed functions from a file's
// globals into a registry. Scope defaults to test; a file may override
// per-fixture scope via a top-level __fixture_config__ dict mapping
// fixture name to "file" or "test".
func FindFixtures(globals starlark.StringDict) *FixtureRegistry {
	registry := NewFixtureRegistry()

	for name, val := range globals {
		fn, ok := val.(*starlark.Function)
		if !ok || !strings.HasPrefix(name, FixturePrefix) {
			continue
		}

		fixtureName := strings.TrimPrefix(name, FixturePrefix)
		scope := ScopeTest

		if configVal, ok := globals["__fixture_config__"]; ok {
			if configDict, ok := configVal.(*starlark.Dict); ok {
				if scopeVal, found, _ := configDict.Get(starlark.String(fixtureName)); found {
					if scopeStr, ok := scopeVal.(starlark.String); ok {
						switch string(scopeStr) {
						case "file":
							scope = ScopeFile
						case "test":
							scope = ScopeTest
						}
					}
				}
			}
		}

		registry.Register(&Fixture{Name: fixtureName, Fn: fn, Scope: scope})
	}

	return registry
}

// ResolveTestArgs resolves the argument bag for a spec or hook function,
// one value per declared parameter name, looked up against registry
// (builtins like "t" first, fixtures second).
func ResolveTestArgs(thread *starlark.Thread, fn *starlark.Function, registry *FixtureRegistry) (starlark.Tuple, error) {
	numParams := fn.NumParams()
	if numParams == 0 {
		return nil, nil
	}
	args := make(starlark.Tuple, numParams)
	for i := 0; i < numParams; i++ {
		paramName, _ := fn.Param(i)
		val, err := registry.GetOrCompute(thread, paramName)
		if err != nil {
			return nil, err
		}
		args[i] = val
	}
	return args, nil
}
