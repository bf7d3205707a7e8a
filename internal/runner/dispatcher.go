package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/albertocavalcante/sky/internal/ipc"
	"github.com/albertocavalcante/sky/internal/model"
	"github.com/albertocavalcante/sky/internal/report"
)

// DispatchOptions carries the run-level settings the dispatcher needs
// that are not already captured per-project on each model.Bucket.
type DispatchOptions struct {
	Workers         int
	TestPrefix      string
	Preludes        []string
	UpdateSnapshots bool
	MaxFailures     int           // 0 means unlimited
	GraceShutdown   time.Duration // default 30s, spec.md §5's SIGINT grace window
	Stderr          io.Writer     // worker stderr target; defaults to os.Stderr
}

type slotBookkeeping struct {
	bucket        *model.Bucket
	currentTestID string
	baseline      map[string]int // attempts-count snapshot at assignment time
}

// Dispatch drives result's buckets through a pool of worker processes,
// emitting reporter callbacks in the order spec.md §4.2 requires, until
// the queue drains or ctx is cancelled (SIGINT or a global deadline).
func Dispatch(ctx context.Context, result *Result, reporters report.Reporter, run report.RunInfo, suites []*model.FileSuite, opts DispatchOptions) error {
	reporters.OnBegin(run, suites)
	start := time.Now()

	if len(result.Buckets) == 0 {
		reporters.OnEnd(report.Summarize(result.Tests, time.Since(start)))
		return nil
	}

	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	workerCount := opts.Workers
	if workerCount < 1 {
		workerCount = 1
	}
	if workerCount > len(result.Buckets) {
		workerCount = len(result.Buckets)
	}

	pool, err := NewPool(workerCount, nil)
	if err != nil {
		return err
	}

	testByID := make(map[string]*model.Test, len(result.Tests))
	for _, t := range result.Tests {
		testByID[t.ID] = t
	}

	pending := append([]*model.Bucket{}, result.Buckets...)
	bookkeeping := make(map[int]*slotBookkeeping)

	type event struct {
		slot *Slot
		env  ipc.Envelope
		err  error
	}
	events := make(chan event, 64)
	listening := make(map[int]bool)

	startListening := func(slot *Slot) {
		if listening[slot.Index] {
			return
		}
		listening[slot.Index] = true
		go func() {
			for {
				env, err := pool.Recv(slot)
				events <- event{slot: slot, env: env, err: err}
				if err != nil {
					return
				}
			}
		}()
	}

	popForSlot := func(slot *Slot) *model.Bucket {
		if len(pending) == 0 {
			return nil
		}
		idx := 0
		if slot.HasAffinity {
			for i, b := range pending {
				if b.Key() == slot.Affinity {
					idx = i
					break
				}
			}
		}
		bucket := pending[idx]
		pending = append(pending[:idx], pending[idx+1:]...)
		return bucket
	}

	assign := func(slot *Slot) error {
		bucket := popForSlot(slot)
		if bucket == nil {
			return nil
		}

		if slot.cmd == nil {
			loader := LoaderSnapshotFor(bucket.Project, opts.TestPrefix, opts.Preludes, opts.UpdateSnapshots)
			if err := pool.Spawn(ctx, slot, slot.Index, loader, stderr); err != nil {
				pending = append(pending, bucket)
				return err
			}
			startListening(slot)
		}

		baseline := make(map[string]int, len(bucket.Tests))
		for _, t := range bucket.Tests {
			baseline[t.ID] = len(t.Attempts)
		}
		bookkeeping[slot.Index] = &slotBookkeeping{bucket: bucket, baseline: baseline}
		slot.Affinity = bucket.Key()
		slot.HasAffinity = true

		if err := pool.Assign(slot, RunMessageFor(bucket)); err != nil {
			return err
		}
		return nil
	}

	for _, slot := range pool.Slots() {
		if len(pending) == 0 {
			break
		}
		if err := assign(slot); err != nil {
			reporters.OnError(err)
		}
	}

	failures := 0
	timedOut := false

mainLoop:
	for {
		busy := false
		for _, s := range pool.Slots() {
			if s.State == SlotAssigned || s.State == SlotInitializing {
				busy = true
				break
			}
		}
		if len(pending) == 0 && !busy {
			break
		}

		select {
		case <-ctx.Done():
			timedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
			break mainLoop
		case ev := <-events:
			slot := ev.slot

			if ev.err != nil {
				bk := bookkeeping[slot.Index]
				if bk != nil {
					if bk.currentTestID != "" {
						if t, ok := testByID[bk.currentTestID]; ok {
							tr := &model.TestResult{
								Attempt:     t.NextAttempt(),
								WorkerIndex: slot.Index,
								Status:      model.StatusFailed,
								Error:       &model.SerializedError{Message: "worker process exited unexpectedly"},
							}
							t.Attempts = append(t.Attempts, tr)
							reporters.OnTestEnd(t, tr)
							if t.ExpectedStatus == model.StatusPassed {
								failures++
							}
						}
					}
					var remaining []*model.Test
					for _, t := range bk.bucket.Tests {
						if t.ID == bk.currentTestID {
							continue
						}
						if len(t.Attempts) == bk.baseline[t.ID] {
							remaining = append(remaining, t)
						}
					}
					if len(remaining) > 0 {
						pending = append([]*model.Bucket{RemainderBucket(bk.bucket, remaining)}, pending...)
					}
				}
				delete(bookkeeping, slot.Index)
				delete(listening, slot.Index)
				pool.Kill(slot)
				*slot = Slot{Index: slot.Index, State: SlotIdle}
				if len(pending) > 0 {
					if err := assign(slot); err != nil {
						reporters.OnError(err)
					}
				}
				continue
			}

			switch ev.env.Kind {
			case ipc.KindTestBegin:
				var m ipc.TestBeginMessage
				if err := ev.env.Unmarshal(&m); err != nil {
					continue
				}
				if bk := bookkeeping[slot.Index]; bk != nil {
					bk.currentTestID = m.TestID
				}
				if t, ok := testByID[m.TestID]; ok {
					reporters.OnTestBegin(t, t.NextAttempt())
				}

			case ipc.KindStdOut, ipc.KindStdErr:
				var m ipc.StdStreamMessage
				if err := ev.env.Unmarshal(&m); err != nil {
					continue
				}
				t, ok := testByID[m.TestID]
				if !ok {
					continue
				}
				if ev.env.Kind == ipc.KindStdOut {
					reporters.OnStdOut(t, t.NextAttempt(), []byte(m.Text))
				} else {
					reporters.OnStdErr(t, t.NextAttempt(), []byte(m.Text))
				}

			case ipc.KindTestEnd:
				var m ipc.TestEndMessage
				if err := ev.env.Unmarshal(&m); err != nil {
					continue
				}
				t, ok := testByID[m.TestID]
				if !ok {
					continue
				}
				tr := &model.TestResult{
					Attempt:     t.NextAttempt(),
					WorkerIndex: slot.Index,
					Duration:    time.Duration(m.DurationMS) * time.Millisecond,
					Status:      model.Status(m.Status),
					Error:       FromErrorPayload(m.Error),
					Data:        m.Data,
					Annotations: FromAnnotationPayloads(m.Annotations),
				}
				t.Attempts = append(t.Attempts, tr)
				reporters.OnTestEnd(t, tr)
				if tr.Status != model.StatusPassed && tr.Status != model.StatusSkipped && t.ExpectedStatus == model.StatusPassed {
					failures++
				}
				if t.ShouldRetry() {
					pending = append([]*model.Bucket{RetryBucket(t)}, pending...)
				}

			case ipc.KindDone:
				var m ipc.DoneMessage
				if err := ev.env.Unmarshal(&m); err != nil {
					continue
				}
				if bk := bookkeeping[slot.Index]; bk != nil && len(m.Remaining) > 0 {
					remaining := make([]*model.Test, 0, len(m.Remaining))
					for _, e := range m.Remaining {
						if t, ok := testByID[e.TestID]; ok {
							remaining = append(remaining, t)
						}
					}
					if len(remaining) > 0 {
						pending = append([]*model.Bucket{RemainderBucket(bk.bucket, remaining)}, pending...)
					}
				}
				if m.FatalError != nil {
					reporters.OnError(fmt.Errorf("worker %d: %s", slot.Index, m.FatalError.Message))
				}
				delete(bookkeeping, slot.Index)
				slot.State = SlotIdle

				if opts.MaxFailures > 0 && failures >= opts.MaxFailures {
					pending = nil
				} else if len(pending) > 0 {
					if err := assign(slot); err != nil {
						reporters.OnError(err)
					}
				}

			case ipc.KindTeardownErr:
				var m ipc.TeardownErrorMessage
				if err := ev.env.Unmarshal(&m); err == nil {
					reporters.OnError(fmt.Errorf("worker %d teardown: %s", slot.Index, m.Error.Message))
				}
			}
		}
	}

	grace := opts.GraceShutdown
	if grace <= 0 {
		grace = 30 * time.Second
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	for _, slot := range pool.Slots() {
		if slot.State != SlotDead {
			pool.Stop(stopCtx, slot)
		}
	}

	elapsed := time.Since(start)
	if timedOut {
		reporters.OnTimeout(elapsed)
	} else {
		reporters.OnEnd(report.Summarize(result.Tests, elapsed))
	}
	return nil
}
