package report

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ciExit codes, kept distinct from internal/cli's because this command
// predates that package's unification and a second exit-code table
// change here would ripple into every CI pipeline invoking it.
const (
	ciExitOK     = 0
	ciExitFailed = 1
	ciExitError  = 2
)

// CISystem identifies a supported CI host.
type CISystem string

const (
	CISystemGitHub  CISystem = "github"
	CISystemGitLab  CISystem = "gitlab"
	CISystemCircle  CISystem = "circleci"
	CISystemAzure   CISystem = "azure"
	CISystemJenkins CISystem = "jenkins"
	CISystemGeneric CISystem = "generic"
)

// CIHandler renders a decoded JSON run document in one CI system's
// native format.
type CIHandler interface {
	Handle(results *CIResults, stdout, stderr io.Writer) error
}

// CIConfig configures the cmd/partest-ci reporter.
type CIConfig struct {
	System            CISystem
	CoverageThreshold float64
	Annotations       bool
	Summary           bool
	Quiet             bool
}

// CIAttempt mirrors jsonAttempt's wire shape.
type CIAttempt struct {
	Attempt    int    `json:"attempt"`
	Status     string `json:"status"`
	DurationMS int64  `json:"durationMs"`
	Error      string `json:"error,omitempty"`
}

// CITest mirrors jsonTest's wire shape, the per-test entry JSONReporter
// writes to its output document.
type CITest struct {
	Name     string      `json:"name"`
	Line     int         `json:"line,omitempty"`
	Passed   bool        `json:"passed"`
	Skipped  bool        `json:"skipped"`
	Flaky    bool        `json:"flaky"`
	Duration string      `json:"duration"`
	Error    string      `json:"error,omitempty"`
	Output   string      `json:"output,omitempty"`
	Attempts []CIAttempt `json:"attempts,omitempty"`
}

// CIFile mirrors jsonFile's wire shape.
type CIFile struct {
	Path   string   `json:"path"`
	Tests  []CITest `json:"tests"`
	Passed bool     `json:"passed"`
}

// CIResults is the top-level document JSONReporter writes and
// cmd/partest-ci reads from stdin: the run this package's handlers
// render into CI-native annotations and summaries.
type CIResults struct {
	Files    []CIFile `json:"files"`
	Duration string   `json:"duration"`
}

// Summary tallies passed/failed/skipped/total across every file.
func (r *CIResults) Summary() (passed, failed, skipped, total int) {
	for _, f := range r.Files {
		for _, t := range f.Tests {
			total++
			switch {
			case t.Skipped:
				skipped++
			case t.Passed:
				passed++
			default:
				failed++
			}
		}
	}
	return
}

// HasFailures reports whether any test in the document failed.
func (r *CIResults) HasFailures() bool {
	_, failed, _, _ := r.Summary()
	return failed > 0
}

// RunCI executes the cmd/partest-ci reporter: it reads a JSONReporter
// document from stdin and renders CI-native output, auto-detecting the
// host CI system from environment variables the way internal/ci did
// for sky-ci before this package absorbed it.
func RunCI(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cfg := CIConfig{Annotations: true, Summary: true}
	var systemFlag string

	fs := flag.NewFlagSet("partest-ci", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&systemFlag, "system", "", "CI system (github, gitlab, circleci, azure, jenkins, generic); auto-detected if not set")
	fs.Float64Var(&cfg.CoverageThreshold, "coverage-threshold", 0, "unused placeholder, kept for sky-ci flag compatibility")
	fs.BoolVar(&cfg.Annotations, "annotations", true, "enable PR annotations")
	fs.BoolVar(&cfg.Summary, "summary", true, "write job summary")
	fs.BoolVar(&cfg.Quiet, "quiet", false, "suppress stdout output")

	fs.Usage = func() {
		fmt.Fprintln(stderr, "Usage: partest-ci [flags]")
		fmt.Fprintln(stderr)
		fmt.Fprintln(stderr, "Reads a partest -reporter=json document from stdin and renders")
		fmt.Fprintln(stderr, "CI-native annotations and summaries.")
		fmt.Fprintln(stderr)
		fmt.Fprintln(stderr, "Examples:")
		fmt.Fprintln(stderr, "  partest -reporter=json . | partest-ci")
		fmt.Fprintln(stderr, "  partest -reporter=json . | partest-ci --system=github")
		fmt.Fprintln(stderr)
		fmt.Fprintln(stderr, "Flags:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return ciExitOK
		}
		return ciExitError
	}

	if systemFlag != "" {
		cfg.System = CISystem(systemFlag)
	} else {
		cfg.System = detectCISystem()
	}

	results, err := readCIResults(stdin)
	if err != nil {
		fmt.Fprintf(stderr, "partest-ci: reading input: %v\n", err)
		return ciExitError
	}

	if err := ciHandlerFor(cfg).Handle(results, stdout, stderr); err != nil {
		fmt.Fprintf(stderr, "partest-ci: %v\n", err)
		return ciExitError
	}

	if results.HasFailures() {
		return ciExitFailed
	}
	return ciExitOK
}

func detectCISystem() CISystem {
	switch {
	case os.Getenv("GITHUB_ACTIONS") == "true":
		return CISystemGitHub
	case os.Getenv("GITLAB_CI") == "true":
		return CISystemGitLab
	case os.Getenv("CIRCLECI") == "true":
		return CISystemCircle
	case os.Getenv("TF_BUILD") == "True":
		return CISystemAzure
	case os.Getenv("JENKINS_URL") != "":
		return CISystemJenkins
	default:
		return CISystemGeneric
	}
}

func readCIResults(r io.Reader) (*CIResults, error) {
	var results CIResults
	if err := json.NewDecoder(r).Decode(&results); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	return &results, nil
}

func ciHandlerFor(cfg CIConfig) CIHandler {
	switch cfg.System {
	case CISystemGitHub:
		return &githubCIHandler{cfg: cfg}
	case CISystemGitLab:
		return &genericCIHandler{cfg: cfg, name: "GitLab CI"}
	case CISystemCircle:
		return &genericCIHandler{cfg: cfg, name: "CircleCI"}
	case CISystemAzure:
		return &genericCIHandler{cfg: cfg, name: "Azure DevOps"}
	case CISystemJenkins:
		return &genericCIHandler{cfg: cfg, name: "Jenkins"}
	default:
		return &genericCIHandler{cfg: cfg, name: "Generic"}
	}
}

// githubCIHandler renders workflow-command annotations, a job summary,
// and $GITHUB_OUTPUT entries, the three surfaces GitHub Actions exposes
// for a step to talk back to the run.
type githubCIHandler struct {
	cfg CIConfig
}

func (h *githubCIHandler) Handle(results *CIResults, stdout, stderr io.Writer) error {
	if h.cfg.Annotations {
		h.writeAnnotations(results, stdout)
	}
	if h.cfg.Summary {
		if err := h.writeSummary(results); err != nil {
			fmt.Fprintf(stderr, "partest-ci: warning: writing summary: %v\n", err)
		}
	}
	if err := h.writeOutputs(results); err != nil {
		fmt.Fprintf(stderr, "partest-ci: warning: writing outputs: %v\n", err)
	}
	return nil
}

func (h *githubCIHandler) writeAnnotations(results *CIResults, w io.Writer) {
	cwd, _ := os.Getwd()
	for _, file := range results.Files {
		relPath := file.Path
		if cwd != "" {
			if rel, err := filepath.Rel(cwd, file.Path); err == nil {
				relPath = rel
			}
		}
		for _, test := range file.Tests {
			switch {
			case test.Skipped:
				if test.Line > 0 {
					fmt.Fprintf(w, "::notice file=%s,line=%d::%s skipped\n", relPath, test.Line, test.Name)
				} else {
					fmt.Fprintf(w, "::notice file=%s::%s skipped\n", relPath, test.Name)
				}
			case !test.Passed:
				errMsg := test.Error
				if errMsg == "" {
					errMsg = "test failed"
				}
				errMsg = escapeCIAnnotation(errMsg)
				if test.Line > 0 {
					fmt.Fprintf(w, "::error file=%s,line=%d::%s: %s\n", relPath, test.Line, test.Name, errMsg)
				} else {
					fmt.Fprintf(w, "::error file=%s::%s: %s\n", relPath, test.Name, errMsg)
				}
			}
		}
	}
}

func (h *githubCIHandler) writeSummary(results *CIResults) error {
	summaryPath := os.Getenv("GITHUB_STEP_SUMMARY")
	if summaryPath == "" {
		return nil
	}
	f, err := os.OpenFile(summaryPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	passed, failed, skipped, total := results.Summary()

	fmt.Fprintln(f, "## Test Results")
	fmt.Fprintln(f)
	fmt.Fprintln(f, "| Status | Count |")
	fmt.Fprintln(f, "|--------|-------|")
	fmt.Fprintf(f, "| Passed | %d |\n", passed)
	fmt.Fprintf(f, "| Failed | %d |\n", failed)
	if skipped > 0 {
		fmt.Fprintf(f, "| Skipped | %d |\n", skipped)
	}
	fmt.Fprintf(f, "| **Total** | **%d** |\n", total)
	fmt.Fprintln(f)

	if results.Duration != "" {
		fmt.Fprintf(f, "Duration: %s\n", results.Duration)
		fmt.Fprintln(f)
	}

	if failed > 0 {
		fmt.Fprintln(f, "<details>")
		fmt.Fprintln(f, "<summary>Failed tests</summary>")
		fmt.Fprintln(f)
		fmt.Fprintln(f, "```")
		for _, file := range results.Files {
			for _, test := range file.Tests {
				if !test.Passed && !test.Skipped {
					fmt.Fprintf(f, "%s::%s\n", filepath.Base(file.Path), test.Name)
					if test.Error != "" {
						fmt.Fprintf(f, "  %s\n", test.Error)
					}
				}
			}
		}
		fmt.Fprintln(f, "```")
		fmt.Fprintln(f, "</details>")
	}
	return nil
}

func (h *githubCIHandler) writeOutputs(results *CIResults) error {
	outputPath := os.Getenv("GITHUB_OUTPUT")
	if outputPath == "" {
		return nil
	}
	f, err := os.OpenFile(outputPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	passed, failed, _, _ := results.Summary()
	fmt.Fprintf(f, "passed=%d\n", passed)
	fmt.Fprintf(f, "failed=%d\n", failed)
	return nil
}

func escapeCIAnnotation(s string) string {
	s = strings.ReplaceAll(s, "%", "%25")
	s = strings.ReplaceAll(s, "\r", "%0D")
	s = strings.ReplaceAll(s, "\n", "%0A")
	return s
}

// genericCIHandler renders a plain-text summary, the fallback for CI
// systems without a native annotation protocol.
type genericCIHandler struct {
	cfg  CIConfig
	name string
}

func (h *genericCIHandler) Handle(results *CIResults, stdout, stderr io.Writer) error {
	if h.cfg.Quiet {
		return nil
	}

	passed, failed, skipped, total := results.Summary()

	fmt.Fprintf(stdout, "Test Results (%s)\n", h.name)
	fmt.Fprintln(stdout, strings.Repeat("=", 40))
	fmt.Fprintf(stdout, "Passed:  %d\n", passed)
	fmt.Fprintf(stdout, "Failed:  %d\n", failed)
	if skipped > 0 {
		fmt.Fprintf(stdout, "Skipped: %d\n", skipped)
	}
	fmt.Fprintf(stdout, "Total:   %d\n", total)
	if results.Duration != "" {
		fmt.Fprintf(stdout, "Duration: %s\n", results.Duration)
	}
	fmt.Fprintln(stdout)

	if failed > 0 {
		fmt.Fprintln(stdout, "Failed Tests:")
		fmt.Fprintln(stdout, strings.Repeat("-", 40))
		for _, file := range results.Files {
			for _, test := range file.Tests {
				if !test.Passed && !test.Skipped {
					fmt.Fprintf(stdout, "  %s::%s\n", filepath.Base(file.Path), test.Name)
					if test.Error != "" {
						fmt.Fprintf(stdout, "    %s\n", test.Error)
					}
				}
			}
		}
	}
	return nil
}
