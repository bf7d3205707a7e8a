// Package worker implements the child-process side of the IPC protocol:
// it loads one file at a time, walks its describe tree, and runs
// whichever tests a run message assigns to it, per spec.md §4.3's worker
// contract.
package worker

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.starlark.net/starlark"

	"github.com/albertocavalcante/sky/internal/environment"
	"github.com/albertocavalcante/sky/internal/ipc"
	"github.com/albertocavalcante/sky/internal/model"
	"github.com/albertocavalcante/sky/internal/runner"
	"github.com/albertocavalcante/sky/internal/star"
)

// EnvVar is the environment variable cmd/partest checks to decide
// whether to run as a worker; see ipc.WorkerEnvVar.
const EnvVar = ipc.WorkerEnvVar

// teardownGrace bounds how long a worker waits for environment AfterAll
// hooks after a stop message, matching spec.md §4.3's escape timer so a
// hung teardown can never wedge the dispatcher's shutdown.
const teardownGrace = 30 * time.Second

// Worker drives one child process's half of the protocol: decode
// messages from the dispatcher, execute the assigned work, encode
// results back.
type Worker struct {
	index          int
	enc            *ipc.Encoder
	dec            *ipc.Decoder
	registry       *environment.Registry
	project        *model.Project
	loader         *star.Loader
	envs           []environment.Environment
	composite      *environment.Composite
	workerInfo     *model.WorkerInfo
	snapshotUpdate bool

	suiteCache   map[string]*model.FileSuite
	fixtureCache map[string]*star.FixtureRegistry
}

// Run reads messages from r and writes responses to w until a stop
// message arrives or r is closed, returning the process exit code.
func Run(r io.Reader, w io.Writer, registry *environment.Registry) int {
	wk := &Worker{
		enc:          ipc.NewEncoder(w),
		dec:          ipc.NewDecoder(r),
		registry:     registry,
		suiteCache:   make(map[string]*model.FileSuite),
		fixtureCache: make(map[string]*star.FixtureRegistry),
	}
	defer wk.teardown()

	for {
		env, err := wk.dec.Decode()
		if err != nil {
			if err == io.EOF {
				return 0
			}
			return 1
		}

		switch env.Kind {
		case ipc.KindInit:
			var msg ipc.InitMessage
			if err := env.Unmarshal(&msg); err != nil {
				return 1
			}
			if err := wk.handleInit(msg); err != nil {
				wk.enc.Encode(ipc.KindTeardownErr, ipc.TeardownErrorMessage{Error: *errPayload(err)})
				return 1
			}
			if err := wk.enc.Encode(ipc.KindReady, ipc.ReadyMessage{}); err != nil {
				return 1
			}
		case ipc.KindRun:
			var msg ipc.RunMessage
			if err := env.Unmarshal(&msg); err != nil {
				continue
			}
			wk.handleRun(msg)
		case ipc.KindStop:
			return 0
		}
	}
}

func (w *Worker) handleInit(msg ipc.InitMessage) error {
	w.index = msg.WorkerIndex
	snap := msg.Loader

	w.project = &model.Project{
		Name:         snap.ProjectName,
		Dir:          snap.ProjectDir,
		OutputDir:    snap.OutputDir,
		SnapshotDir:  snap.SnapshotDir,
		Timeout:      time.Duration(snap.DefaultTimeoutMS) * time.Millisecond,
		Environments: snap.Environments,
	}
	w.snapshotUpdate = snap.UpdateSnapshots

	loader, err := star.NewLoader(nil).WithPreludes(snap.Preludes)
	if err != nil {
		return fmt.Errorf("loading preludes: %w", err)
	}
	w.loader = loader

	envs, err := w.registry.Resolve(snap.Environments)
	if err != nil {
		return err
	}
	w.envs = envs
	w.composite = environment.NewComposite(envs...)
	w.workerInfo = &model.WorkerInfo{WorkerIndex: w.index, Project: w.project}

	ctx, cancel := context.WithTimeout(context.Background(), teardownGrace)
	defer cancel()
	return raceGo(ctx, func() error { return w.composite.BeforeAll(ctx, w.workerInfo) })
}

func (w *Worker) handleRun(msg ipc.RunMessage) {
	fs, err := w.loadFile(msg.File)
	if err != nil {
		w.enc.Encode(ipc.KindDone, ipc.DoneMessage{FatalError: errPayload(err), Remaining: msg.Entries})
		return
	}

	fixtures := w.fixturesFor(msg.File, fs)
	rc := newRunContext(w, msg, fs, fixtures)

	var fatal *ipc.ErrorPayload
	func() {
		defer func() {
			if r := recover(); r != nil {
				fatal = &ipc.ErrorPayload{Message: fmt.Sprintf("worker panic: %v", r)}
			}
		}()
		w.walkSuite(rc, fs.Root)
	}()

	remaining := make([]ipc.TestEntry, 0, len(rc.remaining))
	for _, e := range rc.remaining {
		remaining = append(remaining, e)
	}
	w.enc.Encode(ipc.KindDone, ipc.DoneMessage{FatalError: fatal, Remaining: remaining})
}

func (w *Worker) teardown() {
	if w.composite == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), teardownGrace)
	defer cancel()
	if err := raceGo(ctx, func() error { return w.composite.AfterAll(ctx, w.workerInfo) }); err != nil {
		w.enc.Encode(ipc.KindTeardownErr, ipc.TeardownErrorMessage{Error: *errPayload(err)})
	}
}

func (w *Worker) loadFile(file string) (*model.FileSuite, error) {
	if fs, ok := w.suiteCache[file]; ok {
		return fs, nil
	}
	fs, err := w.loader.LoadFile(w.project, file)
	if err != nil {
		return nil, err
	}
	w.suiteCache[file] = fs
	return fs, nil
}

func (w *Worker) fixturesFor(file string, fs *model.FileSuite) *star.FixtureRegistry {
	if r, ok := w.fixtureCache[file]; ok {
		return r
	}
	r := star.FindFixtures(fs.Globals)
	w.fixtureCache[file] = r
	return r
}

func (w *Worker) emitTestBegin(id string) {
	w.enc.Encode(ipc.KindTestBegin, ipc.TestBeginMessage{TestID: id, WorkerIndex: w.index})
}

func (w *Worker) emitTestEnd(id string, entry ipc.TestEntry, duration time.Duration, status model.Status, se *model.SerializedError, data map[string]any, spec *model.Spec) {
	w.enc.Encode(ipc.KindTestEnd, ipc.TestEndMessage{
		TestID:         id,
		DurationMS:     duration.Milliseconds(),
		Status:         string(status),
		Error:          runner.ToErrorPayload(se),
		Data:           data,
		ExpectedStatus: entry.ExpectedStatus,
		Annotations:    runner.ToAnnotationPayloads(model.AncestorAnnotations(spec)),
		TimeoutMS:      entry.TimeoutMS,
	})
}

// printFunc returns a starlark.Thread.Print callback tagged with the
// currently executing test id. Worker processes cannot write test output
// to the real stdout; that file descriptor is the IPC wire back to the
// dispatcher, so Starlark's print() is intercepted here instead and
// forwarded as a stdOut event.
func (w *Worker) printFunc(testID string) func(thread *starlark.Thread, msg string) {
	return func(thread *starlark.Thread, msg string) {
		w.emitStd(ipc.KindStdOut, testID, msg+"\n")
	}
}

func (w *Worker) emitStd(kind ipc.Kind, testID, text string) {
	w.enc.Encode(kind, ipc.StdStreamMessage{TestID: testID, Text: text})
}

func errPayload(err error) *ipc.ErrorPayload {
	if err == nil {
		return nil
	}
	return runner.ToErrorPayload(model.NewSerializedError(err))
}
