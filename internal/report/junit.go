package report

import (
	"encoding/xml"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/albertocavalcante/sky/internal/model"
)

// JUnitReporter accumulates results and writes a single JUnit XML
// document at OnEnd. All per-test callbacks are no-ops; JUnit has no
// streaming form.
type JUnitReporter struct {
	W io.Writer

	mu    sync.Mutex
	files map[string]*junitTestSuite
	order []string
}

type junitTestSuites struct {
	XMLName xml.Name         `xml:"testsuites"`
	Tests   int              `xml:"tests,attr"`
	Errors  int              `xml:"errors,attr"`
	Time    float64          `xml:"time,attr"`
	Suites  []junitTestSuite `xml:"testsuite"`
}

type junitTestSuite struct {
	Name      string          `xml:"name,attr"`
	Tests     int             `xml:"tests,attr"`
	Failures  int             `xml:"failures,attr"`
	Errors    int             `xml:"errors,attr"`
	Skipped   int             `xml:"skipped,attr"`
	Time      float64         `xml:"time,attr"`
	TestCases []junitTestCase `xml:"testcase"`
}

type junitTestCase struct {
	Name      string        `xml:"name,attr"`
	ClassName string        `xml:"classname,attr"`
	Time      float64       `xml:"time,attr"`
	Failure   *junitFailure `xml:"failure,omitempty"`
	Skipped   *junitSkipped `xml:"skipped,omitempty"`
}

type junitFailure struct {
	Message string `xml:"message,attr"`
	Type    string `xml:"type,attr"`
	Content string `xml:",chardata"`
}

type junitSkipped struct {
	Message string `xml:"message,attr,omitempty"`
}

func NewJUnitReporter(w io.Writer) *JUnitReporter {
	return &JUnitReporter{W: w, files: make(map[string]*junitTestSuite)}
}

func (r *JUnitReporter) OnBegin(run RunInfo, suites []*model.FileSuite) {}
func (r *JUnitReporter) OnTestBegin(t *model.Test, attempt int)           {}
func (r *JUnitReporter) OnStdOut(t *model.Test, attempt int, data []byte) {}
func (r *JUnitReporter) OnStdErr(t *model.Test, attempt int, data []byte) {}

func (r *JUnitReporter) OnTestEnd(t *model.Test, result *model.TestResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	suite, ok := r.files[t.File]
	if !ok {
		suite = &junitTestSuite{Name: t.File}
		r.files[t.File] = suite
		r.order = append(r.order, t.File)
	}

	passed := result.Status == model.StatusSkipped || result.Status == t.ExpectedStatus
	tc := junitTestCase{
		Name:      t.Spec.FullTitle(),
		ClassName: t.File,
		Time:      result.Duration.Seconds(),
	}
	switch {
	case result.Status == model.StatusSkipped:
		tc.Skipped = &junitSkipped{}
		suite.Skipped++
	case !passed:
		msg := "test failed"
		if result.Error != nil {
			msg = result.Error.Error()
		}
		tc.Failure = &junitFailure{Message: msg, Type: string(result.Status), Content: msg}
		suite.Failures++
	}

	suite.Tests++
	suite.Time += result.Duration.Seconds()
	suite.TestCases = append(suite.TestCases, tc)
}

func (r *JUnitReporter) OnTimeout(elapsed time.Duration) {}
func (r *JUnitReporter) OnError(err error)                {}

func (r *JUnitReporter) OnEnd(summary Summary) {
	r.mu.Lock()
	defer r.mu.Unlock()

	suites := junitTestSuites{Time: summary.Duration.Seconds()}
	for _, path := range r.order {
		s := *r.files[path]
		suites.Suites = append(suites.Suites, s)
		suites.Tests += s.Tests
		suites.Errors += s.Errors
	}

	_, _ = fmt.Fprint(r.W, xml.Header)
	enc := xml.NewEncoder(r.W)
	enc.Indent("", "  ")
	_ = enc.Encode(suites)
	_, _ = fmt.Fprintln(r.W)
}
