package report

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/albertocavalcante/sky/internal/model"
)

// JSONReporter accumulates every test's attempts and writes a single
// JSON document to W at OnEnd. The schema matches the CIResults shape
// in ci.go so cmd/partest-ci can consume it directly.
type JSONReporter struct {
	W io.Writer

	mu    sync.Mutex
	files map[string]*jsonFile
	order []string
}

type jsonAttempt struct {
	Attempt    int    `json:"attempt"`
	Status     string `json:"status"`
	DurationMS int64  `json:"durationMs"`
	Error      string `json:"error,omitempty"`
}

type jsonTest struct {
	Name     string        `json:"name"`
	Line     int           `json:"line,omitempty"`
	Passed   bool          `json:"passed"`
	Skipped  bool          `json:"skipped"`
	Flaky    bool          `json:"flaky"`
	Duration string        `json:"duration"`
	Error    string        `json:"error,omitempty"`
	Output   string        `json:"output,omitempty"`
	Attempts []jsonAttempt `json:"attempts,omitempty"`
}

type jsonFile struct {
	Path   string     `json:"path"`
	Tests  []jsonTest `json:"tests"`
	Passed bool       `json:"passed"`

	byTest map[string]int // test id -> index in Tests
}

type jsonOutput struct {
	Files    []jsonFile `json:"files"`
	Duration string     `json:"duration"`
}

func NewJSONReporter(w io.Writer) *JSONReporter {
	return &JSONReporter{W: w, files: make(map[string]*jsonFile)}
}

func (r *JSONReporter) OnBegin(run RunInfo, suites []*model.FileSuite) {}
func (r *JSONReporter) OnTestBegin(t *model.Test, attempt int)        {}
func (r *JSONReporter) OnStdOut(t *model.Test, attempt int, data []byte) {
	r.appendOutput(t, data)
}
func (r *JSONReporter) OnStdErr(t *model.Test, attempt int, data []byte) {
	r.appendOutput(t, data)
}

func (r *JSONReporter) appendOutput(t *model.Test, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, jt := r.entryFor(t)
	jt.Output += string(data)
	f.Tests[f.byTest[t.ID]] = *jt
}

func (r *JSONReporter) entryFor(t *model.Test) (*jsonFile, *jsonTest) {
	f, ok := r.files[t.File]
	if !ok {
		f = &jsonFile{Path: t.File, Passed: true, byTest: make(map[string]int)}
		r.files[t.File] = f
		r.order = append(r.order, t.File)
	}
	idx, ok := f.byTest[t.ID]
	if !ok {
		idx = len(f.Tests)
		f.byTest[t.ID] = idx
		f.Tests = append(f.Tests, jsonTest{Name: t.Spec.FullTitle(), Line: t.Spec.Line})
	}
	jt := f.Tests[idx]
	return f, &jt
}

func (r *JSONReporter) OnTestEnd(t *model.Test, result *model.TestResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, jt := r.entryFor(t)
	jt.Duration = result.Duration.Round(time.Millisecond).String()
	jt.Skipped = result.Status == model.StatusSkipped
	jt.Passed = jt.Skipped || result.Status == t.ExpectedStatus
	jt.Flaky = t.Flaky()
	if !jt.Passed && result.Error != nil {
		jt.Error = result.Error.Error()
	}
	jt.Attempts = append(jt.Attempts, jsonAttempt{
		Attempt:    result.Attempt,
		Status:     string(result.Status),
		DurationMS: result.Duration.Milliseconds(),
		Error:      result.Error.Error(),
	})
	if !jt.Passed {
		f.Passed = false
	}
	f.Tests[f.byTest[t.ID]] = *jt
}

func (r *JSONReporter) OnTimeout(elapsed time.Duration) {}
func (r *JSONReporter) OnError(err error)                {}

func (r *JSONReporter) OnEnd(summary Summary) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := jsonOutput{Duration: summary.Duration.Round(time.Millisecond).String()}
	for _, path := range r.order {
		f := *r.files[path]
		f.byTest = nil
		out.Files = append(out.Files, f)
	}

	enc := json.NewEncoder(r.W)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
}
