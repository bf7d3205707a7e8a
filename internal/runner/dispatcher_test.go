package runner_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/albertocavalcante/sky/internal/ipc"
	"github.com/albertocavalcante/sky/internal/model"
	"github.com/albertocavalcante/sky/internal/report"
	"github.com/albertocavalcante/sky/internal/runner"
	"github.com/albertocavalcante/sky/internal/star"
)

// crashMarkerEnv tells the fake worker below which run to misbehave on:
// the dispatcher always re-execs os.Executable(), which during `go test`
// is this test binary, so TestMain intercepts that re-exec the same way
// cmd/partest intercepts ipc.WorkerEnvVar in production.
const crashMarkerEnv = "PARTEST_TEST_CRASH_MARKER"

func TestMain(m *testing.M) {
	if marker := os.Getenv(crashMarkerEnv); marker != "" {
		os.Exit(runFakeWorker(marker))
	}
	os.Exit(m.Run())
}

// runFakeWorker speaks just enough of the protocol to complete the
// init handshake and then, the first time it is invoked (no marker file
// present yet), exits mid-bucket after announcing one test begin and
// nothing else, simulating a worker process dying unexpectedly. Every
// later invocation finds the marker already there and runs the
// assigned bucket to completion, so the dispatcher's reschedule onto a
// fresh slot can be observed succeeding.
func runFakeWorker(marker string) int {
	dec := ipc.NewDecoder(os.Stdin)
	enc := ipc.NewEncoder(os.Stdout)

	env, err := dec.Decode()
	if err != nil || env.Kind != ipc.KindInit {
		return 1
	}
	if err := enc.Encode(ipc.KindReady, ipc.ReadyMessage{}); err != nil {
		return 1
	}

	env, err = dec.Decode()
	if err != nil || env.Kind != ipc.KindRun {
		return 1
	}
	var run ipc.RunMessage
	if err := env.Unmarshal(&run); err != nil || len(run.Entries) == 0 {
		return 1
	}

	first := run.Entries[0]
	if _, statErr := os.Stat(marker); statErr != nil {
		_ = os.WriteFile(marker, []byte("crashed once"), 0o644)
		_ = enc.Encode(ipc.KindTestBegin, ipc.TestBeginMessage{TestID: first.TestID})
		return 1 // die before testEnd/done, leaving the bucket's work unfinished
	}

	for _, e := range run.Entries {
		_ = enc.Encode(ipc.KindTestBegin, ipc.TestBeginMessage{TestID: e.TestID})
		_ = enc.Encode(ipc.KindTestEnd, ipc.TestEndMessage{
			TestID:         e.TestID,
			Status:         string(model.StatusPassed),
			ExpectedStatus: e.ExpectedStatus,
		})
	}
	_ = enc.Encode(ipc.KindDone, ipc.DoneMessage{})

	env, _ = dec.Decode()
	_ = env
	return 0
}

// capturingReporter records every OnTestEnd/OnError/OnEnd call so the
// test can assert on the final tally without depending on a concrete
// report.Reporter implementation's formatting.
type capturingReporter struct {
	mu      sync.Mutex
	ends    []*model.TestResult
	errs    []error
	summary report.Summary
}

func (c *capturingReporter) OnBegin(report.RunInfo, []*model.FileSuite) {}
func (c *capturingReporter) OnTestBegin(*model.Test, int)               {}
func (c *capturingReporter) OnStdOut(*model.Test, int, []byte)          {}
func (c *capturingReporter) OnStdErr(*model.Test, int, []byte)          {}
func (c *capturingReporter) OnTimeout(time.Duration)                    {}

func (c *capturingReporter) OnTestEnd(t *model.Test, r *model.TestResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ends = append(c.ends, r)
}

func (c *capturingReporter) OnError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

func (c *capturingReporter) OnEnd(s report.Summary) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.summary = s
}

func planSingleBucket(t *testing.T, src string) (*runner.Result, []*model.FileSuite) {
	t.Helper()
	dir := t.TempDir()
	file := filepath.Join(dir, "crashy_test.star")
	if err := os.WriteFile(file, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	project := &model.Project{Name: "default", Dir: dir, Timeout: 5 * time.Second}
	loader := star.NewLoader(nil)
	suite, err := loader.LoadFile(project, file)
	if err != nil {
		t.Fatalf("loading %s: %v", file, err)
	}
	result, err := runner.Plan([]*model.FileSuite{suite}, runner.Options{})
	if err != nil {
		t.Fatalf("planning: %v", err)
	}
	return result, []*model.FileSuite{suite}
}

// TestDispatchReschedulesAfterWorkerCrash exercises the baseline-attempt
// tracking in internal/runner/dispatcher.go: when a worker process dies
// mid-bucket, tests it had not yet reported a testEnd for must be
// rescheduled onto a fresh slot rather than silently dropped or
// double-counted for tests the dead worker did finish reporting.
func TestDispatchReschedulesAfterWorkerCrash(t *testing.T) {
	result, suites := planSingleBucket(t, `
def passes(t):
    pass

test("first", passes)
test("second", passes)
`)
	if len(result.Tests) != 2 {
		t.Fatalf("expected 2 planned tests, got %d", len(result.Tests))
	}

	marker := filepath.Join(t.TempDir(), "crashed-once")
	t.Setenv(crashMarkerEnv, marker)

	reporter := &capturingReporter{}
	run := report.RunInfo{}
	opts := runner.DispatchOptions{Workers: 1, GraceShutdown: 2 * time.Second}

	if err := runner.Dispatch(context.Background(), result, reporter, run, suites, opts); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	// The worker that crashed reports its in-flight test as a one-shot
	// failure (it never got to run again); the test that had not yet
	// started gets rescheduled onto the freshly spawned replacement slot
	// and completes normally there.
	if reporter.summary.Total != 2 {
		t.Fatalf("summary.Total = %d, want 2", reporter.summary.Total)
	}
	if reporter.summary.Failed != 1 {
		t.Fatalf("summary.Failed = %d, want 1, ends=%s", reporter.summary.Failed, dump(reporter.ends))
	}
	if reporter.summary.Passed != 1 {
		t.Fatalf("summary.Passed = %d, want 1, ends=%s", reporter.summary.Passed, dump(reporter.ends))
	}
}

func dump(results []*model.TestResult) string {
	b, _ := json.Marshal(results)
	return string(b)
}
