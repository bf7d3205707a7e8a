package worker

import (
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/albertocavalcante/sky/internal/model"
)

// newTestInfoValue exposes a model.TestInfo to Starlark as the "t"
// parameter hooks and test bodies request by name, built the same way
// internal/star's assert and snapshot modules expose native Go state
// (a starlarkstruct.Module bound to closures over the Go value).
func newTestInfoValue(ti *model.TestInfo) *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "t",
		Members: starlark.StringDict{
			"title":        starlark.String(ti.Test.Spec.Title),
			"full_title":   starlark.String(ti.Test.Spec.FullTitle()),
			"file":         starlark.String(ti.Test.File),
			"worker_index": starlark.MakeInt(ti.WorkerIndex),
			"attempt":      starlark.MakeInt(ti.Attempt),
			"repeat_index": starlark.MakeInt(ti.Test.RepeatIndex),
			"variation":    starlark.String(ti.Test.VariationString),
			"output_path": starlark.NewBuiltin("t.output_path", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				return starlark.String(ti.OutputPath()), nil
			}),
			"snapshot_path": starlark.NewBuiltin("t.snapshot_path", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				var name starlark.String = "default"
				if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name?", &name); err != nil {
					return nil, err
				}
				return starlark.String(ti.SnapshotPath(string(name))), nil
			}),
			"skip": starlark.NewBuiltin("t.skip", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				var reason starlark.String
				if err := starlark.UnpackArgs(b.Name(), args, kwargs, "reason?", &reason); err != nil {
					return nil, err
				}
				ti.Skip(string(reason))
				return starlark.None, nil
			}),
			"fixme": starlark.NewBuiltin("t.fixme", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				var reason starlark.String
				if err := starlark.UnpackArgs(b.Name(), args, kwargs, "reason?", &reason); err != nil {
					return nil, err
				}
				ti.Fixme(string(reason))
				return starlark.None, nil
			}),
			"fail": starlark.NewBuiltin("t.fail", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				var reason starlark.String
				if err := starlark.UnpackArgs(b.Name(), args, kwargs, "reason?", &reason); err != nil {
					return nil, err
				}
				ti.FailExpected(string(reason))
				return starlark.None, nil
			}),
			"slow": starlark.NewBuiltin("t.slow", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				var reason starlark.String
				if err := starlark.UnpackArgs(b.Name(), args, kwargs, "reason?", &reason); err != nil {
					return nil, err
				}
				ti.Slow(string(reason))
				return starlark.None, nil
			}),
			"set_timeout": starlark.NewBuiltin("t.set_timeout", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				var ms int64
				if err := starlark.UnpackArgs(b.Name(), args, kwargs, "ms", &ms); err != nil {
					return nil, err
				}
				ti.SetTimeout(time.Duration(ms) * time.Millisecond)
				return starlark.None, nil
			}),
		},
	}
}

// newWorkerInfoValue exposes model.WorkerInfo for environment-style
// worker-scoped hooks that want to read it from Starlark (rare, but
// symmetric with newTestInfoValue).
func newWorkerInfoValue(wi *model.WorkerInfo) *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "worker",
		Members: starlark.StringDict{
			"index":   starlark.MakeInt(wi.WorkerIndex),
			"project": starlark.String(wi.Project.Name),
		},
	}
}
