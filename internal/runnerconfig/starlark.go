package runnerconfig

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"go.starlark.net/starlark"
)

// DefaultStarlarkTimeout is the default execution timeout for Starlark
// config files.
const DefaultStarlarkTimeout = 5 * time.Second

// ErrConfigureNotFound is returned when the config file doesn't define
// a configure() function.
var ErrConfigureNotFound = errors.New("partest.sky must define a configure() function")

// ErrConfigureReturnType is returned when configure() doesn't return a dict.
var ErrConfigureReturnType = errors.New("configure() must return a dict")

// LoadStarlarkConfig loads a configuration from a Starlark file. The
// file must define a configure() function returning a dict. Execution
// is sandboxed: no filesystem or network access beyond getenv, with a
// timeout enforced via thread cancellation.
func LoadStarlarkConfig(path string, timeout time.Duration) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	thread := &starlark.Thread{Name: path}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel("execution timeout")
		case <-done:
		}
	}()
	defer close(done)

	globals, err := starlark.ExecFile(thread, path, data, configPredeclared())
	if err != nil {
		return nil, fmt.Errorf("executing config %s: %w", path, err)
	}

	configureFn, ok := globals["configure"]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, ErrConfigureNotFound)
	}
	fn, ok := configureFn.(*starlark.Function)
	if !ok {
		return nil, fmt.Errorf("%s: configure must be a function, got %s", path, configureFn.Type())
	}

	result, err := starlark.Call(thread, fn, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: calling configure(): %w", path, err)
	}

	dict, ok := result.(*starlark.Dict)
	if !ok {
		return nil, fmt.Errorf("%s: %w, got %s", path, ErrConfigureReturnType, result.Type())
	}
	return dictToConfig(dict)
}

func configPredeclared() starlark.StringDict {
	return starlark.StringDict{
		"getenv":    starlark.NewBuiltin("getenv", builtinGetenv),
		"host_os":   starlark.String(runtime.GOOS),
		"host_arch": starlark.String(runtime.GOARCH),
		"duration":  starlark.NewBuiltin("duration", builtinDuration),
		"struct":    starlark.NewBuiltin("struct", builtinStruct),
	}
}

func builtinGetenv(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var defaultVal starlark.String
	if err := starlark.UnpackArgs("getenv", args, kwargs, "name", &name, "default?", &defaultVal); err != nil {
		return nil, err
	}
	if val := os.Getenv(name); val != "" {
		return starlark.String(val), nil
	}
	return defaultVal, nil
}

func builtinDuration(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var s string
	if err := starlark.UnpackArgs("duration", args, kwargs, "s", &s); err != nil {
		return nil, err
	}
	if _, err := time.ParseDuration(s); err != nil {
		return nil, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return starlark.String(s), nil
}

func builtinStruct(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(args) > 0 {
		return nil, errors.New("struct: positional arguments not allowed")
	}
	d := starlark.NewDict(len(kwargs))
	for _, kv := range kwargs {
		if err := d.SetKey(starlark.String(string(kv[0].(starlark.String))), kv[1]); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func dictToConfig(d *starlark.Dict) (*Config, error) {
	cfg := DefaultConfig()

	if v, found, _ := d.Get(starlark.String("timeout")); found {
		s, ok := starlark.AsString(v)
		if !ok {
			return nil, fmt.Errorf("timeout must be a string, got %s", v.Type())
		}
		dur, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout %q: %w", s, err)
		}
		cfg.Timeout = Duration{dur}
	}

	if v, found, _ := d.Get(starlark.String("retries")); found {
		i, ok := intFromValue(v)
		if !ok {
			return nil, fmt.Errorf("retries must be an int, got %s", v.Type())
		}
		cfg.Retries = i
	}

	if v, found, _ := d.Get(starlark.String("repeat_each")); found {
		i, ok := intFromValue(v)
		if !ok {
			return nil, fmt.Errorf("repeat_each must be an int, got %s", v.Type())
		}
		cfg.RepeatEach = i
	}

	if v, found, _ := d.Get(starlark.String("workers")); found {
		switch val := v.(type) {
		case starlark.String:
			cfg.Workers = string(val)
		case starlark.Int:
			i, _ := val.Int64()
			cfg.Workers = fmt.Sprintf("%d", i)
		default:
			return nil, fmt.Errorf("workers must be a string or int, got %s", v.Type())
		}
	}

	if v, found, _ := d.Get(starlark.String("prelude")); found {
		list, ok := v.(*starlark.List)
		if !ok {
			return nil, fmt.Errorf("prelude must be a list, got %s", v.Type())
		}
		cfg.Prelude = nil
		for i := 0; i < list.Len(); i++ {
			s, ok := starlark.AsString(list.Index(i))
			if !ok {
				return nil, fmt.Errorf("prelude[%d] must be a string", i)
			}
			cfg.Prelude = append(cfg.Prelude, s)
		}
	}

	if v, found, _ := d.Get(starlark.String("test_prefix")); found {
		s, ok := starlark.AsString(v)
		if !ok {
			return nil, fmt.Errorf("test_prefix must be a string, got %s", v.Type())
		}
		cfg.TestPrefix = s
	}

	if v, found, _ := d.Get(starlark.String("output_dir")); found {
		s, ok := starlark.AsString(v)
		if !ok {
			return nil, fmt.Errorf("output_dir must be a string, got %s", v.Type())
		}
		cfg.OutputDir = s
	}

	if v, found, _ := d.Get(starlark.String("snapshot_dir")); found {
		s, ok := starlark.AsString(v)
		if !ok {
			return nil, fmt.Errorf("snapshot_dir must be a string, got %s", v.Type())
		}
		cfg.SnapshotDir = s
	}

	if v, found, _ := d.Get(starlark.String("fail_fast")); found {
		b, ok := v.(starlark.Bool)
		if !ok {
			return nil, fmt.Errorf("fail_fast must be a bool, got %s", v.Type())
		}
		cfg.FailFast = bool(b)
	}

	if v, found, _ := d.Get(starlark.String("max_failures")); found {
		i, ok := intFromValue(v)
		if !ok {
			return nil, fmt.Errorf("max_failures must be an int, got %s", v.Type())
		}
		cfg.MaxFailures = i
	}

	if v, found, _ := d.Get(starlark.String("verbose")); found {
		b, ok := v.(starlark.Bool)
		if !ok {
			return nil, fmt.Errorf("verbose must be a bool, got %s", v.Type())
		}
		cfg.Verbose = bool(b)
	}

	if v, found, _ := d.Get(starlark.String("projects")); found {
		list, ok := v.(*starlark.List)
		if !ok {
			return nil, fmt.Errorf("projects must be a list, got %s", v.Type())
		}
		for i := 0; i < list.Len(); i++ {
			pd, ok := list.Index(i).(*starlark.Dict)
			if !ok {
				return nil, fmt.Errorf("projects[%d] must be a dict", i)
			}
			pc, err := projectFromDict(pd)
			if err != nil {
				return nil, fmt.Errorf("projects[%d]: %w", i, err)
			}
			cfg.Projects = append(cfg.Projects, pc)
		}
	}

	return cfg, nil
}

func projectFromDict(d *starlark.Dict) (ProjectConfig, error) {
	var pc ProjectConfig

	if v, found, _ := d.Get(starlark.String("name")); found {
		s, ok := starlark.AsString(v)
		if !ok {
			return pc, fmt.Errorf("name must be a string, got %s", v.Type())
		}
		pc.Name = s
	}
	if v, found, _ := d.Get(starlark.String("dir")); found {
		s, ok := starlark.AsString(v)
		if !ok {
			return pc, fmt.Errorf("dir must be a string, got %s", v.Type())
		}
		pc.Dir = s
	}
	if v, found, _ := d.Get(starlark.String("match")); found {
		ss, err := stringListFromValue(v, "match")
		if err != nil {
			return pc, err
		}
		pc.Match = ss
	}
	if v, found, _ := d.Get(starlark.String("ignore")); found {
		ss, err := stringListFromValue(v, "ignore")
		if err != nil {
			return pc, err
		}
		pc.Ignore = ss
	}
	if v, found, _ := d.Get(starlark.String("retries")); found {
		i, ok := intFromValue(v)
		if !ok {
			return pc, fmt.Errorf("retries must be an int, got %s", v.Type())
		}
		pc.Retries = &i
	}
	if v, found, _ := d.Get(starlark.String("repeat_each")); found {
		i, ok := intFromValue(v)
		if !ok {
			return pc, fmt.Errorf("repeat_each must be an int, got %s", v.Type())
		}
		pc.RepeatEach = &i
	}
	if v, found, _ := d.Get(starlark.String("timeout")); found {
		s, ok := starlark.AsString(v)
		if !ok {
			return pc, fmt.Errorf("timeout must be a string, got %s", v.Type())
		}
		dur, err := time.ParseDuration(s)
		if err != nil {
			return pc, fmt.Errorf("invalid timeout %q: %w", s, err)
		}
		d := Duration{dur}
		pc.Timeout = &d
	}
	if v, found, _ := d.Get(starlark.String("use")); found {
		useDict, ok := v.(*starlark.Dict)
		if !ok {
			return pc, fmt.Errorf("use must be a dict, got %s", v.Type())
		}
		pc.Use = make(map[string]string)
		for _, item := range useDict.Items() {
			k, ok := starlark.AsString(item[0])
			if !ok {
				return pc, fmt.Errorf("use: keys must be strings")
			}
			val, ok := starlark.AsString(item[1])
			if !ok {
				return pc, fmt.Errorf("use[%s]: value must be a string", k)
			}
			pc.Use[k] = val
		}
	}

	return pc, nil
}

func intFromValue(v starlark.Value) (int, bool) {
	i, ok := v.(starlark.Int)
	if !ok {
		return 0, false
	}
	n, ok := i.Int64()
	return int(n), ok
}

func stringListFromValue(v starlark.Value, field string) ([]string, error) {
	list, ok := v.(*starlark.List)
	if !ok {
		return nil, fmt.Errorf("%s must be a list, got %s", field, v.Type())
	}
	var out []string
	for i := 0; i < list.Len(); i++ {
		s, ok := starlark.AsString(list.Index(i))
		if !ok {
			return nil, fmt.Errorf("%s[%d] must be a string", field, i)
		}
		out = append(out, s)
	}
	return out, nil
}
