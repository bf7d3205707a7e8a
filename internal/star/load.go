package star

import (
	"fmt"
	"os"
	"path/filepath"

	"go.starlark.net/lib/json"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/albertocavalcante/sky/internal/model"
)

// TestPrefix is carried to workers in the loader snapshot; the
// describe-pass loader below finds specs by which builtin registered
// them, not by name prefix.
const TestPrefix = "test_"

// Loader executes the describe pass for test files: a pure load of the
// file's top level that accumulates suites and specs into a FileSuite,
// without running any spec body. Running bodies is the worker's job
// (the execute pass, per spec.md §9's two-phase contract).
type Loader struct {
	Predeclared starlark.StringDict
	Preludes    []string
}

// NewLoader builds a Loader with the default predeclared environment:
// assert, struct, json, and the describe-pass builtins.
func NewLoader(extra starlark.StringDict) *Loader {
	base := make(starlark.StringDict)
	for k, v := range extra {
		base[k] = v
	}
	if _, ok := base["assert"]; !ok {
		base["assert"] = NewAssertModule()
	}
	base["struct"] = starlark.NewBuiltin("struct", starlarkstruct.Make)
	base["json"] = json.Module
	return &Loader{Predeclared: base}
}

// WithPreludes loads prelude files once and folds their globals into
// the loader's predeclared environment, returning a new Loader (the
// receiver is left unmodified).
func (l *Loader) WithPreludes(preludes []string) (*Loader, error) {
	if len(preludes) == 0 {
		return l, nil
	}
	combined := make(starlark.StringDict)
	for k, v := range l.Predeclared {
		combined[k] = v
	}
	for _, p := range preludes {
		src, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading prelude %s: %w", p, err)
		}
		thread := &starlark.Thread{Name: p}
		globals, err := starlark.ExecFile(thread, p, src, combined)
		if err != nil {
			return nil, fmt.Errorf("executing prelude %s: %w", p, err)
		}
		for k, v := range globals {
			combined[k] = v
		}
	}
	return &Loader{Predeclared: combined, Preludes: preludes}, nil
}

// builder accumulates suites and specs for a single file load. It is
// scoped to one Load call, never a package-level variable, so
// concurrent loads on different goroutines (e.g. multiple worker
// processes, or a single process loading fixtures for several files)
// never interfere.
type builder struct {
	file  string
	stack []*model.Suite
}

func (b *builder) top() *model.Suite { return b.stack[len(b.stack)-1] }

// Load runs the describe pass over src and returns the resulting
// FileSuite. No spec body is executed; only describe()/test() calls at
// the top level (and inside nested describe() bodies) run, registering
// structure.
func (l *Loader) Load(project *model.Project, file string, src []byte) (*model.FileSuite, error) {
	root := &model.Suite{Title: "", File: file}
	b := &builder{file: file, stack: []*model.Suite{root}}

	predeclared := make(starlark.StringDict)
	for k, v := range l.Predeclared {
		predeclared[k] = v
	}
	for name, fn := range b.builtins() {
		predeclared[name] = fn
	}

	thread := &starlark.Thread{Name: file}
	globals, err := starlark.ExecFile(thread, file, src, predeclared)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", file, err)
	}

	return &model.FileSuite{Project: project, File: file, Root: root, Globals: globals}, nil
}

// LoadFile reads and loads a file from disk.
func (l *Loader) LoadFile(project *model.Project, file string) (*model.FileSuite, error) {
	abs, err := filepath.Abs(file)
	if err != nil {
		abs = file
	}
	src, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	return l.Load(project, abs, src)
}

func (b *builder) builtins() starlark.StringDict {
	return starlark.StringDict{
		"describe":    starlark.NewBuiltin("describe", b.describeFn),
		"test":        starlark.NewBuiltin("test", b.testFn),
		"before_all":  starlark.NewBuiltin("before_all", b.hookFn(func(s *model.Suite, fn *starlark.Function) { s.BeforeAll = append(s.BeforeAll, fn) })),
		"after_all":   starlark.NewBuiltin("after_all", b.hookFn(func(s *model.Suite, fn *starlark.Function) { s.AfterAll = append(s.AfterAll, fn) })),
		"before_each": starlark.NewBuiltin("before_each", b.hookFn(func(s *model.Suite, fn *starlark.Function) { s.BeforeEach = append(s.BeforeEach, fn) })),
		"after_each":  starlark.NewBuiltin("after_each", b.hookFn(func(s *model.Suite, fn *starlark.Function) { s.AfterEach = append(s.AfterEach, fn) })),
	}
}

func (b *builder) hookFn(attach func(*model.Suite, *starlark.Function)) starlark.Func {
	return func(thread *starlark.Thread, bi *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var fn *starlark.Function
		if err := starlark.UnpackArgs(bi.Name(), args, kwargs, "fn", &fn); err != nil {
			return nil, err
		}
		attach(b.top(), fn)
		return starlark.None, nil
	}
}

func (b *builder) describeFn(thread *starlark.Thread, bi *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var title string
	var fn *starlark.Function
	only := false
	skip := starlark.Value(starlark.False)
	if err := starlark.UnpackArgs(bi.Name(), args, kwargs,
		"title", &title, "fn", &fn, "only?", &only, "skip?", &skip); err != nil {
		return nil, err
	}

	suite := &model.Suite{
		Title:       title,
		File:        b.file,
		Parent:      b.top(),
		Only:        only,
		Annotations: annotationsFromSkipValue(skip),
	}
	b.top().Children = append(b.top().Children, suite)

	b.stack = append(b.stack, suite)
	defer func() { b.stack = b.stack[:len(b.stack)-1] }()

	_, err := starlark.Call(thread, fn, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("describe %q: %w", title, err)
	}
	return starlark.None, nil
}

func (b *builder) testFn(thread *starlark.Thread, bi *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var title string
	var fn *starlark.Function
	only := false
	skip := starlark.Value(starlark.False)
	fixme := starlark.Value(starlark.False)
	fail := starlark.Value(starlark.False)
	slow := false
	if err := starlark.UnpackArgs(bi.Name(), args, kwargs,
		"title", &title, "fn", &fn, "only?", &only,
		"skip?", &skip, "fixme?", &fixme, "fail?", &fail, "slow?", &slow); err != nil {
		return nil, err
	}

	var annotations []model.Annotation
	annotations = append(annotations, annotationsFromSkipValue(skip)...)
	annotations = append(annotations, annotationsFromValue("fixme", fixme)...)
	annotations = append(annotations, annotationsFromValue("fail", fail)...)
	if slow {
		annotations = append(annotations, model.Annotation{Type: "slow", Condition: true})
	}

	spec := &model.Spec{
		Title:       title,
		File:        b.file,
		Parent:      b.top(),
		Body:        fn,
		Only:        only,
		Annotations: annotations,
	}
	b.top().Children = append(b.top().Children, spec)
	return starlark.None, nil
}

func annotationsFromSkipValue(v starlark.Value) []model.Annotation {
	return annotationsFromValue("skip", v)
}

// annotationsFromValue interprets a skip/fixme/fail argument: False
// means absent, True means unconditional, a non-empty string means
// "apply, with this reason".
func annotationsFromValue(kind string, v starlark.Value) []model.Annotation {
	switch t := v.(type) {
	case starlark.Bool:
		if bool(t) {
			return []model.Annotation{{Type: kind, Condition: true}}
		}
		return nil
	case starlark.String:
		return []model.Annotation{{Type: kind, Condition: true, Reason: string(t)}}
	default:
		return nil
	}
}
