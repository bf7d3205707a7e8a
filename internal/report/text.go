package report

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/albertocavalcante/sky/internal/model"
)

// TextReporter writes human-readable progress to an io.Writer as the
// run proceeds, then a final summary at OnEnd.
type TextReporter struct {
	W            io.Writer
	Verbose      bool
	ShowDuration bool
	Color        bool // ANSI status glyphs; auto-detected in NewTextReporter
	Quiet        bool // suppress passing/skipped lines and the header; failures and the summary still print

	mu sync.Mutex
}

// NewTextReporter builds a TextReporter, auto-detecting color support
// from whether w is a terminal (when w is an *os.File).
func NewTextReporter(w io.Writer, verbose bool) *TextReporter {
	color := false
	if f, ok := w.(*os.File); ok {
		color = term.IsTerminal(int(f.Fd()))
	}
	return &TextReporter{W: w, Verbose: verbose, ShowDuration: true, Color: color}
}

func (r *TextReporter) OnBegin(run RunInfo, suites []*model.FileSuite) {
	if r.Quiet {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.W, "Running %d file(s)\n", len(suites))
}

func (r *TextReporter) OnTestBegin(t *model.Test, attempt int) {}

func (r *TextReporter) OnStdOut(t *model.Test, attempt int, data []byte) {
	if r.Verbose {
		r.mu.Lock()
		defer r.mu.Unlock()
		fmt.Fprintf(r.W, "      %s\n", string(data))
	}
}

func (r *TextReporter) OnStdErr(t *model.Test, attempt int, data []byte) {
	r.OnStdOut(t, attempt, data)
}

func (r *TextReporter) statusGlyph(status string) string {
	if !r.Color {
		return status
	}
	switch status {
	case "PASS", "XFAIL":
		return "\x1b[32m" + status + "\x1b[0m"
	case "SKIP":
		return "\x1b[33m" + status + "\x1b[0m"
	default:
		return "\x1b[31m" + status + "\x1b[0m"
	}
}

func (r *TextReporter) OnTestEnd(t *model.Test, result *model.TestResult) {
	if r.Quiet && (result.Status == t.ExpectedStatus || result.Status == model.StatusSkipped) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var status string
	switch {
	case result.Status == model.StatusSkipped:
		status = "SKIP"
	case t.ExpectedStatus == model.StatusFailed && result.Status == model.StatusFailed:
		status = "XFAIL"
	case result.Status == t.ExpectedStatus:
		status = "PASS"
	case result.Status == model.StatusTimedOut:
		status = "TIMEOUT"
	default:
		status = "FAIL"
	}

	name := t.Spec.FullTitle()
	if t.VariationString != "" {
		name = fmt.Sprintf("%s [%s]", name, t.VariationString)
	}
	if t.RepeatIndex > 0 {
		name = fmt.Sprintf("%s (repeat %d)", name, t.RepeatIndex)
	}

	if r.ShowDuration {
		fmt.Fprintf(r.W, "%s  %s  (%s)\n", r.statusGlyph(status), name, result.Duration.Round(time.Millisecond))
	} else {
		fmt.Fprintf(r.W, "%s  %s\n", r.statusGlyph(status), name)
	}

	if status == "FAIL" && result.Error != nil {
		for _, line := range strings.Split(result.Error.Error(), "\n") {
			fmt.Fprintf(r.W, "      %s\n", line)
		}
	}
}

func (r *TextReporter) OnTimeout(elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.W, "\nGLOBAL TIMEOUT after %s\n", elapsed.Round(time.Millisecond))
}

func (r *TextReporter) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.W, "ERROR: %v\n", err)
}

func (r *TextReporter) OnEnd(summary Summary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.W)
	fmt.Fprintf(r.W, "Results: %d passed, %d failed, %d skipped, %d total",
		summary.Passed, summary.Failed, summary.Skipped, summary.Total)
	if summary.Flaky > 0 {
		fmt.Fprintf(r.W, " (%d flaky)", summary.Flaky)
	}
	fmt.Fprintln(r.W)
	if r.ShowDuration {
		fmt.Fprintf(r.W, "Duration: %s\n", summary.Duration.Round(time.Millisecond))
	}
}
