package worker

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/albertocavalcante/sky/internal/environment"
	"github.com/albertocavalcante/sky/internal/ipc"
	"github.com/albertocavalcante/sky/internal/model"
	"github.com/albertocavalcante/sky/internal/runner"
	"github.com/albertocavalcante/sky/internal/star"
)

// harness drives a Worker over an in-process pipe pair, the same
// framed-JSON protocol cmd/partest's dispatcher speaks over a real
// subprocess's stdin/stdout, without needing to fork anything.
type harness struct {
	enc  *ipc.Encoder
	dec  *ipc.Decoder
	done chan int
}

func newHarness(t *testing.T, registry *environment.Registry) *harness {
	t.Helper()
	toWorker, fromTest := io.Pipe()
	fromWorker, toTest := io.Pipe()

	h := &harness{
		enc: ipc.NewEncoder(fromTest),
		dec: ipc.NewDecoder(fromWorker),
	}
	h.done = make(chan int, 1)
	go func() { h.done <- Run(toWorker, toTest, registry) }()
	return h
}

func (h *harness) send(kind ipc.Kind, msg any) {
	_ = h.enc.Encode(kind, msg)
}

func (h *harness) recv(t *testing.T) ipc.Envelope {
	t.Helper()
	env, err := h.dec.Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return env
}

func planBucket(t *testing.T, src string) (*model.Project, *model.Bucket) {
	t.Helper()
	dir := t.TempDir()
	file := filepath.Join(dir, "widget_test.star")
	if err := os.WriteFile(file, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	project := &model.Project{Name: "default", Dir: dir, Timeout: 5 * time.Second}
	suite, err := star.NewLoader(nil).LoadFile(project, file)
	if err != nil {
		t.Fatalf("loading %s: %v", file, err)
	}
	result, err := runner.Plan([]*model.FileSuite{suite}, runner.Options{})
	if err != nil {
		t.Fatalf("planning: %v", err)
	}
	buckets := runner.Bucketize(result.Tests)
	if len(buckets) != 1 {
		t.Fatalf("expected a single bucket, got %d", len(buckets))
	}
	return project, buckets[0]
}

func initWorker(t *testing.T, h *harness, project *model.Project) {
	t.Helper()
	snap := runner.LoaderSnapshotFor(project, "test_", nil, false)
	h.send(ipc.KindInit, ipc.InitMessage{WorkerIndex: 0, Loader: snap})
	env := h.recv(t)
	if env.Kind != ipc.KindReady {
		t.Fatalf("expected ready, got %v", env.Kind)
	}
}

func TestWorkerRunsBucketToCompletion(t *testing.T) {
	project, bucket := planBucket(t, `
def passes(t):
    pass

test("widget assembles", passes)
test("widget ships", passes)
`)

	h := newHarness(t, environment.NewRegistry())
	initWorker(t, h, project)

	h.send(ipc.KindRun, runner.RunMessageFor(bucket))

	var ends []ipc.TestEndMessage
	for {
		env := h.recv(t)
		switch env.Kind {
		case ipc.KindTestBegin:
			continue
		case ipc.KindTestEnd:
			var msg ipc.TestEndMessage
			if err := env.Unmarshal(&msg); err != nil {
				t.Fatalf("unmarshal testEnd: %v", err)
			}
			ends = append(ends, msg)
		case ipc.KindDone:
			goto doneReceived
		default:
			t.Fatalf("unexpected message kind %v", env.Kind)
		}
	}
doneReceived:

	if len(ends) != 2 {
		t.Fatalf("expected 2 testEnd messages, got %d", len(ends))
	}
	for _, e := range ends {
		if e.Status != string(model.StatusPassed) {
			t.Errorf("test %s: status = %s, want passed", e.TestID, e.Status)
		}
	}

	h.send(ipc.KindStop, ipc.StopMessage{})
	if code := <-h.done; code != 0 {
		t.Fatalf("Run exit code = %d, want 0", code)
	}
}

func TestWorkerReportsFailure(t *testing.T) {
	project, bucket := planBucket(t, `
def fails(t):
    assert.eq(1, 2, "never equal")

test("widget breaks", fails)
`)

	h := newHarness(t, environment.NewRegistry())
	initWorker(t, h, project)

	h.send(ipc.KindRun, runner.RunMessageFor(bucket))

	var end *ipc.TestEndMessage
	for end == nil {
		env := h.recv(t)
		if env.Kind == ipc.KindTestEnd {
			var msg ipc.TestEndMessage
			if err := env.Unmarshal(&msg); err != nil {
				t.Fatalf("unmarshal testEnd: %v", err)
			}
			end = &msg
		}
	}

	if end.Status != string(model.StatusFailed) {
		t.Errorf("status = %s, want failed", end.Status)
	}
	if end.Error == nil {
		t.Fatal("expected an error payload on a failed test")
	}

	h.send(ipc.KindStop, ipc.StopMessage{})
	<-h.done
}
