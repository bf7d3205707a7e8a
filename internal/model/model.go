// Package model defines the immutable-after-construction entity types
// shared by the planner, dispatcher, and worker runtime: Project,
// FileSuite, Suite, Spec, Test, TestResult, and the mutable TestInfo
// passed into user hooks and test bodies.
package model

import (
	"fmt"
	"time"

	"go.starlark.net/starlark"
)

// Status is the final outcome of a single test attempt.
type Status string

const (
	StatusPassed   Status = "passed"
	StatusFailed   Status = "failed"
	StatusTimedOut Status = "timedOut"
	StatusSkipped  Status = "skipped"
)

// Annotation is a suite- or spec-level marker that changes scheduling or
// expected-status computation: skip, fixme, fail, slow.
type Annotation struct {
	Type      string // "skip", "fixme", "fail", "slow"
	Condition bool   // evaluated condition; true means the annotation applies
	Reason    string
}

// Project is a named run configuration. Immutable for the run.
type Project struct {
	Name         string
	Dir          string
	Match        []string
	Ignore       []string
	Retries      int
	RepeatEach   int
	Timeout      time.Duration
	OutputDir    string
	SnapshotDir  string
	Define       []starlark.StringDict // one entry per worker variation
	WorkerCount  int
	Environments []string // registered environment names, forward composition order
}

// FileSuite is the root suite for one test file under one project.
type FileSuite struct {
	Project *Project
	File    string
	Root    *Suite
	Globals starlark.StringDict // file-level globals, used to locate fixture_* functions
}

// Suite is a node in the suite tree: a title, ordered children, hooks,
// annotations, and an only flag.
type Suite struct {
	Title       string
	File        string
	Line        int
	Parent      *Suite
	Children    []Node // Suite or *Spec
	BeforeAll   []*starlark.Function
	AfterAll    []*starlark.Function
	BeforeEach  []*starlark.Function
	AfterEach   []*starlark.Function
	Annotations []Annotation
	Only        bool
}

// Node is implemented by *Suite and *Spec.
type Node interface {
	nodeTitle() string
}

func (s *Suite) nodeTitle() string { return s.Title }

// Spec is a single declared test case: title, location, body, and the
// Test instances it expands into (one per variation x repeat index).
type Spec struct {
	Title       string
	File        string
	Line        int
	Parent      *Suite
	Body        *starlark.Function
	Annotations []Annotation
	Only        bool
	Tests       []*Test
}

func (s *Spec) nodeTitle() string { return s.Title }

// FullTitle concatenates ancestor suite titles and the spec title,
// space-joined, as used for grep matching.
func (s *Spec) FullTitle() string {
	var parts []string
	for anc := s.Parent; anc != nil; anc = anc.Parent {
		if anc.Title != "" {
			parts = append([]string{anc.Title}, parts...)
		}
	}
	parts = append(parts, s.Title)
	out := parts[0]
	for _, p := range parts[1:] {
		out += " " + p
	}
	return out
}

// Test is the unit the dispatcher schedules: one (variation x
// repeat-index) instance of a Spec.
type Test struct {
	ID              string
	Spec            *Spec
	Project         *Project
	File            string
	VariationIndex  int
	VariationString string
	RepeatIndex     int
	ExpectedStatus  Status
	Timeout         time.Duration
	Annotations     []Annotation
	RetriesAllowed  int
	Attempts        []*TestResult
}

// NextAttempt returns the zero-based index of the attempt about to run.
func (t *Test) NextAttempt() int { return len(t.Attempts) }

// LastResult returns the most recent attempt's result, or nil.
func (t *Test) LastResult() *TestResult {
	if len(t.Attempts) == 0 {
		return nil
	}
	return t.Attempts[len(t.Attempts)-1]
}

// ShouldRetry reports whether another attempt should be scheduled,
// per spec: retry only when the previous attempt failed or timed out
// and the expected status is passed, and attempts remain.
func (t *Test) ShouldRetry() bool {
	last := t.LastResult()
	if last == nil {
		return false
	}
	if t.ExpectedStatus != StatusPassed {
		return false
	}
	if last.Status != StatusFailed && last.Status != StatusTimedOut {
		return false
	}
	return len(t.Attempts) <= t.RetriesAllowed
}

// Flaky reports whether the test ultimately passed after at least one
// failed attempt.
func (t *Test) Flaky() bool {
	if len(t.Attempts) < 2 {
		return false
	}
	last := t.LastResult()
	if last == nil || last.Status != StatusPassed {
		return false
	}
	for _, a := range t.Attempts[:len(t.Attempts)-1] {
		if a.Status == StatusFailed || a.Status == StatusTimedOut {
			return true
		}
	}
	return false
}

// TestResult is the outcome of one attempt.
type TestResult struct {
	Attempt      int
	WorkerIndex  int
	Duration     time.Duration
	Status       Status
	Error        *SerializedError
	Stdout       string
	Stderr       string
	Data         map[string]any
	Annotations  []Annotation
}

// SerializedError is the canonical cross-process error shape.
type SerializedError struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
	Value   string `json:"value,omitempty"`
}

func (e *SerializedError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// NewSerializedError builds a SerializedError from a Go error.
func NewSerializedError(err error) *SerializedError {
	if err == nil {
		return nil
	}
	se := &SerializedError{Message: err.Error()}
	if evalErr, ok := err.(*starlark.EvalError); ok {
		se.Stack = evalErr.Backtrace()
	}
	return se
}

// WorkerInfo is passed to environment BeforeAll/AfterAll hooks.
type WorkerInfo struct {
	WorkerIndex int
	Project     *Project
}

// TestInfo is the mutable scratch passed into user hooks and the test
// body. Created immediately before BeforeEach, discarded after AfterEach
// and environment AfterEach complete. Owned exclusively by the worker
// running the attempt; never shared across goroutines.
type TestInfo struct {
	Test        *Test
	WorkerIndex int
	Attempt     int
	Annotations []Annotation
	Timeout     time.Duration

	outputPathFn   func() string
	snapshotPathFn func(name string) string
}

// NewTestInfo constructs a TestInfo for one attempt.
func NewTestInfo(t *Test, workerIndex, attempt int, outputPathFn func() string, snapshotPathFn func(name string) string) *TestInfo {
	annotations := make([]Annotation, len(t.Annotations))
	copy(annotations, t.Annotations)
	return &TestInfo{
		Test:           t,
		WorkerIndex:    workerIndex,
		Attempt:        attempt,
		Annotations:    annotations,
		Timeout:        t.Timeout,
		outputPathFn:   outputPathFn,
		snapshotPathFn: snapshotPathFn,
	}
}

// OutputPath returns a directory guaranteed unique across attempts and
// repeats, created lazily on first use by the caller.
func (ti *TestInfo) OutputPath() string {
	if ti.outputPathFn == nil {
		return ""
	}
	return ti.outputPathFn()
}

// SnapshotPath returns the path for a named snapshot, shared across
// attempts of the same test.
func (ti *TestInfo) SnapshotPath(name string) string {
	if ti.snapshotPathFn == nil {
		return ""
	}
	return ti.snapshotPathFn(name)
}

// Skip dynamically annotates the test as skipped.
func (ti *TestInfo) Skip(reason string) {
	ti.Annotations = append(ti.Annotations, Annotation{Type: "skip", Condition: true, Reason: reason})
}

// Fixme dynamically annotates the test as fixme (treated like skip).
func (ti *TestInfo) Fixme(reason string) {
	ti.Annotations = append(ti.Annotations, Annotation{Type: "fixme", Condition: true, Reason: reason})
}

// FailExpected dynamically annotates the test as expected to fail.
func (ti *TestInfo) FailExpected(reason string) {
	ti.Annotations = append(ti.Annotations, Annotation{Type: "fail", Condition: true, Reason: reason})
}

// Slow dynamically annotates the test as slow (informational).
func (ti *TestInfo) Slow(reason string) {
	ti.Annotations = append(ti.Annotations, Annotation{Type: "slow", Condition: true, Reason: reason})
}

// SetTimeout overrides the remaining timeout for the current attempt.
func (ti *TestInfo) SetTimeout(d time.Duration) {
	ti.Timeout = d
}

// EffectiveSkip reports whether ti's current annotations mark the test
// as skip or fixme.
func (ti *TestInfo) EffectiveSkip() (bool, string) {
	for _, a := range ti.Annotations {
		if (a.Type == "skip" || a.Type == "fixme") && a.Condition {
			return true, a.Reason
		}
	}
	return false, ""
}

// ComputeExpectedStatus implements spec.md §3's expected-status rule:
// skipped if any ancestor carries a true skip/fixme; otherwise failed if
// any ancestor carries a true fail; otherwise passed.
func ComputeExpectedStatus(annotations []Annotation) Status {
	for _, a := range annotations {
		if (a.Type == "skip" || a.Type == "fixme") && a.Condition {
			return StatusSkipped
		}
	}
	for _, a := range annotations {
		if a.Type == "fail" && a.Condition {
			return StatusFailed
		}
	}
	return StatusPassed
}

// AncestorAnnotations collects annotations from the root suite down to
// the spec itself, outermost first.
func AncestorAnnotations(spec *Spec) []Annotation {
	var chain []*Suite
	for s := spec.Parent; s != nil; s = s.Parent {
		chain = append([]*Suite{s}, chain...)
	}
	var out []Annotation
	for _, s := range chain {
		out = append(out, s.Annotations...)
	}
	out = append(out, spec.Annotations...)
	return out
}

// TestID derives a stable id from file path, ordinal within file,
// variation string, and repeat index.
func TestID(file string, ordinal int, variationString string, repeatIndex int) string {
	return fmt.Sprintf("%s#%d#%s#%d", file, ordinal, variationString, repeatIndex)
}

// Bucket is the unit of work handed to a worker: tests sharing project,
// file, variation, and repeat index.
type Bucket struct {
	Project         *Project
	File            string
	VariationIndex  int
	VariationString string
	RepeatIndex     int
	Tests           []*Test
	Retry           bool // true if this bucket was synthesized for a retry/reschedule
}

// Key identifies the worker-affinity bucketing group a bucket belongs
// to, per spec.md §4.1 step 8.
type Key struct {
	Project         string
	File            string
	RepeatIndex     int
	VariationString string
}

func (b *Bucket) Key() Key {
	return Key{
		Project:         b.Project.Name,
		File:            b.File,
		RepeatIndex:     b.RepeatIndex,
		VariationString: b.VariationString,
	}
}
