package report

import (
	"fmt"
	"time"

	"github.com/albertocavalcante/sky/internal/model"
)

// FanOut dispatches lifecycle calls to every registered Reporter in
// registration order. A panic or the absence of an error return from
// any one reporter never stops the others; Errors accumulates anything
// worth surfacing once the run ends.
type FanOut struct {
	reporters []Reporter
	errs      chan error
}

// NewFanOut builds a multiplexer over reporters, in the order they
// should receive every callback.
func NewFanOut(reporters ...Reporter) *FanOut {
	return &FanOut{reporters: reporters, errs: make(chan error, 64)}
}

// Errors returns the channel reporter-level errors are published on.
// Never closed; callers drain it opportunistically (typically after
// OnEnd) rather than blocking on it.
func (f *FanOut) Errors() <-chan error {
	return f.errs
}

func (f *FanOut) guard(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			f.publish(fmt.Errorf("reporter %s panicked: %v", name, r))
		}
	}()
	fn()
}

func (f *FanOut) publish(err error) {
	select {
	case f.errs <- err:
	default:
	}
}

func (f *FanOut) OnBegin(run RunInfo, suites []*model.FileSuite) {
	for _, r := range f.reporters {
		r := r
		f.guard("OnBegin", func() { r.OnBegin(run, suites) })
	}
}

func (f *FanOut) OnTestBegin(t *model.Test, attempt int) {
	for _, r := range f.reporters {
		r := r
		f.guard("OnTestBegin", func() { r.OnTestBegin(t, attempt) })
	}
}

func (f *FanOut) OnStdOut(t *model.Test, attempt int, data []byte) {
	for _, r := range f.reporters {
		r := r
		f.guard("OnStdOut", func() { r.OnStdOut(t, attempt, data) })
	}
}

func (f *FanOut) OnStdErr(t *model.Test, attempt int, data []byte) {
	for _, r := range f.reporters {
		r := r
		f.guard("OnStdErr", func() { r.OnStdErr(t, attempt, data) })
	}
}

func (f *FanOut) OnTestEnd(t *model.Test, result *model.TestResult) {
	for _, r := range f.reporters {
		r := r
		f.guard("OnTestEnd", func() { r.OnTestEnd(t, result) })
	}
}

func (f *FanOut) OnTimeout(elapsed time.Duration) {
	for _, r := range f.reporters {
		r := r
		f.guard("OnTimeout", func() { r.OnTimeout(elapsed) })
	}
}

func (f *FanOut) OnError(err error) {
	for _, r := range f.reporters {
		r := r
		f.guard("OnError", func() { r.OnError(err) })
	}
}

func (f *FanOut) OnEnd(summary Summary) {
	for _, r := range f.reporters {
		r := r
		f.guard("OnEnd", func() { r.OnEnd(summary) })
	}
}
