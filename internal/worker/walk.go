package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.starlark.net/starlark"

	"github.com/albertocavalcante/sky/internal/ipc"
	"github.com/albertocavalcante/sky/internal/model"
	"github.com/albertocavalcante/sky/internal/star"
)

// runContext holds everything shared across one run message's walk of a
// FileSuite: which tests were actually assigned to this bucket, which
// ones are still outstanding, and the spec-to-ordinal mapping needed to
// recompute the same test ids the planner assigned without re-running
// the planner itself.
type runContext struct {
	worker          *Worker
	file            string
	variationString string
	repeatIndex     int
	entries         map[string]ipc.TestEntry
	remaining       map[string]ipc.TestEntry
	ordinals        map[*model.Spec]int
	fixtures        *star.FixtureRegistry
}

func newRunContext(w *Worker, msg ipc.RunMessage, fs *model.FileSuite, fixtures *star.FixtureRegistry) *runContext {
	entries := make(map[string]ipc.TestEntry, len(msg.Entries))
	remaining := make(map[string]ipc.TestEntry, len(msg.Entries))
	for _, e := range msg.Entries {
		entries[e.TestID] = e
		remaining[e.TestID] = e
	}
	ordinals := make(map[*model.Spec]int)
	next := 0
	assignOrdinals(fs.Root, &next, ordinals)

	return &runContext{
		worker:          w,
		file:            msg.File,
		variationString: msg.VariationString,
		repeatIndex:     msg.RepeatEachIndex,
		entries:         entries,
		remaining:       remaining,
		ordinals:        ordinals,
		fixtures:        fixtures,
	}
}

// assignOrdinals mirrors internal/runner's planner.go pre-order walk
// exactly, so the ids this worker derives for specs line up with the
// ids the dispatcher assigned when it built the run message.
func assignOrdinals(n model.Node, next *int, out map[*model.Spec]int) {
	switch v := n.(type) {
	case *model.Spec:
		out[v] = *next
		*next++
	case *model.Suite:
		for _, c := range v.Children {
			assignOrdinals(c, next, out)
		}
	}
}

func (rc *runContext) testID(spec *model.Spec) string {
	return model.TestID(rc.file, rc.ordinals[spec], rc.variationString, rc.repeatIndex)
}

func (rc *runContext) settle(id string) {
	delete(rc.remaining, id)
}

// hasAssignedTests reports whether n or any descendant spec belongs to
// this bucket, used to skip a suite's before_all/after_all entirely
// when none of its tests were scheduled here (e.g. after a shard split
// a file's tests across workers).
func (rc *runContext) hasAssignedTests(n model.Node) bool {
	switch v := n.(type) {
	case *model.Spec:
		_, ok := rc.entries[rc.testID(v)]
		return ok
	case *model.Suite:
		for _, c := range v.Children {
			if rc.hasAssignedTests(c) {
				return true
			}
		}
	}
	return false
}

// walkSuite performs the describe-tree DFS: before_all, each child in
// source order, after_all. A before_all failure fails every test in the
// subtree without running them; after_all always runs once entered,
// regardless of earlier failures, and its own failure is reported
// against every test in the subtree that is still outstanding (one that
// has not yet reported a result).
func (w *Worker) walkSuite(rc *runContext, suite *model.Suite) {
	if !rc.hasAssignedTests(suite) {
		return
	}

	if err := w.runHookList(context.Background(), 0, rc, suite.BeforeAll, nil); err != nil {
		w.failScope(rc, suite, err)
		return
	}

	for _, child := range suite.Children {
		switch v := child.(type) {
		case *model.Suite:
			w.walkSuite(rc, v)
		case *model.Spec:
			w.runSpecIfAssigned(rc, v)
		}
	}

	if err := w.runHookList(context.Background(), 0, rc, suite.AfterAll, nil); err != nil {
		w.failScope(rc, suite, fmt.Errorf("after_all: %w", err))
	}
}

// failScope marks every outstanding test under n as failed with err,
// without executing it, used when a before_all/after_all hook fails.
func (w *Worker) failScope(rc *runContext, n model.Node, err error) {
	switch v := n.(type) {
	case *model.Spec:
		id := rc.testID(v)
		entry, ok := rc.remaining[id]
		if !ok {
			return
		}
		w.emitTestBegin(id)
		w.emitTestEnd(id, entry, 0, model.StatusFailed, model.NewSerializedError(err), nil, v)
		rc.settle(id)
	case *model.Suite:
		for _, c := range v.Children {
			w.failScope(rc, c, err)
		}
	}
}

// runHookList calls each hook function in order with no fixed args;
// hooks that declare parameters resolve them against the worker/suite
// level fixtures only (no "t" is bound for before_all/after_all, which
// run outside any single test's scope).
// runHookList runs fns in order, each under its own deadline race so a
// hung before_each/after_each cannot wedge the worker the way an
// unbounded starlark.Call would.
func (w *Worker) runHookList(ctx context.Context, timeout time.Duration, rc *runContext, fns []*starlark.Function, printTag *string) error {
	for _, fn := range fns {
		thread := &starlark.Thread{Name: fn.Name()}
		if printTag != nil {
			thread.Print = w.printFunc(*printTag)
		}
		disarm := withDeadline(thread, timeout)
		err := raceGo(ctx, func() error {
			args, err := star.ResolveTestArgs(thread, fn, rc.fixtures)
			if err != nil {
				return err
			}
			_, err = starlark.Call(thread, fn, args, nil)
			return err
		})
		disarm()
		if err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) runSpecIfAssigned(rc *runContext, spec *model.Spec) {
	id := rc.testID(spec)
	entry, ok := rc.entries[id]
	if !ok {
		return
	}
	w.runAttempt(rc, spec, entry)
}

// runAttempt drives one attempt of one spec: testBegin, before_each
// chain (the environment first, then ancestors outward-in), the body, the
// after_each chain in reverse (suite hooks first, environment last, per
// the ordering decision recorded for the environment contract), and
// testEnd.
func (w *Worker) runAttempt(rc *runContext, spec *model.Spec, entry ipc.TestEntry) {
	w.emitTestBegin(entry.TestID)

	if entry.Skipped {
		w.emitTestEnd(entry.TestID, entry, 0, model.StatusSkipped, nil, nil, spec)
		rc.settle(entry.TestID)
		return
	}

	ancestors := ancestorChain(spec)
	timeout := time.Duration(entry.TimeoutMS) * time.Millisecond

	test := &model.Test{
		ID:              entry.TestID,
		Spec:            spec,
		Project:         w.project,
		File:            rc.file,
		VariationString: rc.variationString,
		RepeatIndex:     rc.repeatIndex,
		ExpectedStatus:  model.Status(entry.ExpectedStatus),
		Timeout:         timeout,
		Annotations:     model.AncestorAnnotations(spec),
	}
	ti := model.NewTestInfo(test, w.index, entry.Retry,
		func() string { return w.outputPath(rc.file, spec, entry, rc.repeatIndex) },
		func(name string) string { return w.snapshotPath(rc.file, spec, name) },
	)

	thread := &starlark.Thread{Name: entry.TestID, Print: w.printFunc(entry.TestID)}
	disarm := withDeadline(thread, ti.Timeout)
	defer disarm()

	ctx := context.Background()
	var cancel context.CancelFunc
	if ti.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, ti.Timeout)
		defer cancel()
	}

	start := time.Now()

	var data map[string]any
	var runErr error
	var envArgs map[string]any

	if err := raceGo(ctx, func() error {
		args, berr := w.composite.BeforeEach(ctx, ti)
		envArgs = args
		return berr
	}); err != nil {
		runErr = fmt.Errorf("before_each: %w", err)
	}

	if runErr == nil {
		rc.fixtures.ClearBuiltins()
		rc.fixtures.ClearTestCache()
		rc.fixtures.RegisterBuiltin("t", newTestInfoValue(ti))
		rc.fixtures.RegisterBuiltin("snapshot", star.NewSnapshotModule(ti, w.snapshotUpdate))
		for k, v := range envArgs {
			sv, cerr := toStarlark(v)
			if cerr != nil {
				runErr = fmt.Errorf("environment argument %q: %w", k, cerr)
				break
			}
			rc.fixtures.RegisterBuiltin(k, sv)
		}
	}

	if runErr == nil {
		for _, s := range ancestors {
			if err := w.runHookList(ctx, ti.Timeout, rc, s.BeforeEach, &entry.TestID); err != nil {
				runErr = fmt.Errorf("before_each: %w", err)
				break
			}
		}
	}

	if runErr == nil {
		args, err := star.ResolveTestArgs(thread, spec.Body, rc.fixtures)
		if err != nil {
			runErr = err
		} else {
			result, err := starlark.Call(thread, spec.Body, args, nil)
			if err != nil {
				runErr = err
			} else if result != starlark.None {
				if m, ok := fromStarlark(result).(map[string]any); ok {
					data = m
				}
			}
		}
	}

	// The body or an earlier hook may have already burned through ctx's
	// deadline; re-racing teardown against the same expired context would
	// abandon it instantly. Give teardown a fresh full-length deadline in
	// that case so cleanup cannot be skipped just because the test timed
	// out.
	teardownCtx := ctx
	if ctx.Err() != nil {
		var teardownCancel context.CancelFunc
		teardownCtx, teardownCancel = context.WithTimeout(context.Background(), ti.Timeout)
		defer teardownCancel()
	}

	for i := len(ancestors) - 1; i >= 0; i-- {
		if err := w.runHookList(teardownCtx, ti.Timeout, rc, ancestors[i].AfterEach, &entry.TestID); err != nil && runErr == nil {
			runErr = fmt.Errorf("after_each: %w", err)
		}
	}

	if err := raceGo(teardownCtx, func() error { return w.composite.AfterEach(teardownCtx, ti) }); err != nil && runErr == nil {
		runErr = fmt.Errorf("environment after_each: %w", err)
	}

	duration := time.Since(start)
	status := classifyStatus(runErr, ti)

	w.emitTestEnd(entry.TestID, entry, duration, status, model.NewSerializedError(runErr), data, spec)
	rc.settle(entry.TestID)
}

func classifyStatus(err error, ti *model.TestInfo) model.Status {
	if skip, _ := ti.EffectiveSkip(); skip {
		return model.StatusSkipped
	}
	if err == nil {
		return model.StatusPassed
	}
	if strings.Contains(err.Error(), timeoutReason) || errors.Is(err, context.DeadlineExceeded) {
		return model.StatusTimedOut
	}
	return model.StatusFailed
}

func ancestorChain(spec *model.Spec) []*model.Suite {
	var chain []*model.Suite
	for s := spec.Parent; s != nil; s = s.Parent {
		chain = append([]*model.Suite{s}, chain...)
	}
	return chain
}

// fileRelativeNoExtension renders file relative to the project root with
// its extension stripped, the first path component of both the output
// and snapshot path templates.
func (w *Worker) fileRelativeNoExtension(file string) string {
	rel, err := filepath.Rel(w.project.Dir, file)
	if err != nil {
		rel = filepath.Base(file)
	}
	return strings.TrimSuffix(rel, filepath.Ext(rel))
}

// outputPath implements the output-path template: outputDir joined with
// the file's relative path, the sanitized spec title, and a retry/repeat
// suffix when either is non-zero.
func (w *Worker) outputPath(file string, spec *model.Spec, entry ipc.TestEntry, repeatIndex int) string {
	dir := sanitizeComponent(spec.FullTitle())
	if entry.Retry > 0 {
		dir += fmt.Sprintf("-retry%d", entry.Retry)
	}
	if repeatIndex > 0 {
		dir += fmt.Sprintf("-repeat%d", repeatIndex)
	}
	return filepath.Join(w.project.OutputDir, w.fileRelativeNoExtension(file), dir)
}

// snapshotPath mirrors outputPath's template under the snapshot
// directory, without the retry/repeat suffixes, since snapshots are
// shared across every attempt of a test.
func (w *Worker) snapshotPath(file string, spec *model.Spec, name string) string {
	return filepath.Join(w.project.SnapshotDir, w.fileRelativeNoExtension(file), sanitizeComponent(spec.FullTitle())+"-"+sanitizeComponent(name)+".snap")
}
