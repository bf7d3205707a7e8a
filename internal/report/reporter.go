// Package report implements the reporter fan-out: a multiplexer that
// forwards dispatcher lifecycle callbacks to registered reporter
// implementations, tolerant of any one reporter's errors.
package report

import (
	"time"

	"github.com/albertocavalcante/sky/internal/model"
)

// RunInfo describes the run a reporter is about to observe. It carries
// enough of the resolved configuration for a reporter to label its
// output without reaching back into runnerconfig.
type RunInfo struct {
	Projects []*model.Project
	Grep     []string
	Shard    *int // current shard, 1-based, nil if not sharded
	ShardOf  int
}

// Reporter is the full lifecycle surface a dispatcher drives, in order:
// one OnBegin, then per test OnTestBegin, interleaved OnStdOut/OnStdErr,
// and one OnTestEnd per attempt; finally one OnEnd, or OnTimeout in its
// place if the run's global deadline fired first. OnError reports a
// dispatcher-level condition not tied to any one test (a worker crash
// with no attributable test, a fatal config error).
//
// Implementations must tolerate attempts with no output at all and
// tests that never retry. A Reporter must not block the dispatcher for
// longer than it takes to format output; anything slower belongs in a
// background goroutine owned by the reporter itself.
type Reporter interface {
	OnBegin(run RunInfo, suites []*model.FileSuite)
	OnTestBegin(t *model.Test, attempt int)
	OnStdOut(t *model.Test, attempt int, data []byte)
	OnStdErr(t *model.Test, attempt int, data []byte)
	OnTestEnd(t *model.Test, result *model.TestResult)
	OnTimeout(elapsed time.Duration)
	OnError(err error)
	OnEnd(summary Summary)
}

// Summary is the terminal tally a run ends with.
type Summary struct {
	Duration time.Duration
	Passed   int
	Failed   int
	Skipped  int
	Flaky    int
	Total    int
}

// Summarize tallies a finished test list into a Summary. A test's final
// status is its last attempt's status, compared against its expected
// status: a test that failed but was expected to fail counts as
// passed, per spec's expected-status rule already folded into
// model.Test.ExpectedStatus.
func Summarize(tests []*model.Test, duration time.Duration) Summary {
	s := Summary{Duration: duration, Total: len(tests)}
	for _, t := range tests {
		last := t.LastResult()
		if last == nil {
			continue
		}
		if t.Flaky() {
			s.Flaky++
		}
		switch {
		case last.Status == model.StatusSkipped:
			s.Skipped++
		case last.Status == t.ExpectedStatus:
			s.Passed++
		default:
			s.Failed++
		}
	}
	return s
}
