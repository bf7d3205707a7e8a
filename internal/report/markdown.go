package report

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/albertocavalcante/sky/internal/model"
)

// MarkdownReporter accumulates results and writes a GitHub-flavored
// Markdown summary at OnEnd, suitable for $GITHUB_STEP_SUMMARY.
type MarkdownReporter struct {
	W io.Writer

	mu    sync.Mutex
	tests []markdownTest
}

type markdownTest struct {
	file    string
	name    string
	passed  bool
	skipped bool
	errText string
}

func NewMarkdownReporter(w io.Writer) *MarkdownReporter {
	return &MarkdownReporter{W: w}
}

func (r *MarkdownReporter) OnBegin(run RunInfo, suites []*model.FileSuite) {}
func (r *MarkdownReporter) OnTestBegin(t *model.Test, attempt int)           {}
func (r *MarkdownReporter) OnStdOut(t *model.Test, attempt int, data []byte) {}
func (r *MarkdownReporter) OnStdErr(t *model.Test, attempt int, data []byte) {}

func (r *MarkdownReporter) OnTestEnd(t *model.Test, result *model.TestResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	passed := result.Status == model.StatusSkipped || result.Status == t.ExpectedStatus
	mt := markdownTest{
		file:    t.File,
		name:    t.Spec.FullTitle(),
		passed:  passed,
		skipped: result.Status == model.StatusSkipped,
	}
	if !passed && result.Error != nil {
		mt.errText = result.Error.Error()
	}
	r.tests = append(r.tests, mt)
}

func (r *MarkdownReporter) OnTimeout(elapsed time.Duration) {}
func (r *MarkdownReporter) OnError(err error)                {}

func (r *MarkdownReporter) OnEnd(summary Summary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.W

	fmt.Fprintln(w, "## \U0001F9EA Test Results")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "**%d tests** completed in **%s**\n", summary.Total, summary.Duration.Round(time.Millisecond))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "| Status | Count |")
	fmt.Fprintln(w, "|--------|-------|")
	fmt.Fprintf(w, "| ✅ Passed | %d |\n", summary.Passed)
	fmt.Fprintf(w, "| ❌ Failed | %d |\n", summary.Failed)
	fmt.Fprintf(w, "| ⏭️ Skipped | %d |\n", summary.Skipped)
	if summary.Flaky > 0 {
		fmt.Fprintf(w, "| \U0001F501 Flaky | %d |\n", summary.Flaky)
	}
	fmt.Fprintln(w)

	if summary.Failed > 0 {
		fmt.Fprintln(w, "### ❌ Failed Tests")
		fmt.Fprintln(w)
		for _, t := range r.tests {
			if t.passed || t.skipped {
				continue
			}
			fmt.Fprintf(w, "<details>\n<summary><code>%s::%s</code></summary>\n\n", t.file, t.name)
			fmt.Fprintln(w, "```")
			for _, line := range strings.Split(t.errText, "\n") {
				fmt.Fprintln(w, line)
			}
			fmt.Fprintln(w, "```")
			fmt.Fprintln(w, "</details>")
			fmt.Fprintln(w)
		}
	}

	if summary.Skipped > 0 {
		fmt.Fprintln(w, "### ⏭️ Skipped Tests")
		fmt.Fprintln(w)
		for _, t := range r.tests {
			if !t.skipped {
				continue
			}
			fmt.Fprintf(w, "- `%s::%s`\n", t.file, t.name)
		}
		fmt.Fprintln(w)
	}
}
