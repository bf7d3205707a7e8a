// Package partest implements the partest CLI: flag parsing, config
// resolution, file discovery, and wiring the planner/dispatcher/reporter
// stack together, mirroring the split internal/cmd/skytest used between
// its own flag surface and the starlark/tester engine it drove.
package partest

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/albertocavalcante/sky/internal/cli"
	"github.com/albertocavalcante/sky/internal/environment"
	"github.com/albertocavalcante/sky/internal/model"
	"github.com/albertocavalcante/sky/internal/report"
	"github.com/albertocavalcante/sky/internal/runner"
	"github.com/albertocavalcante/sky/internal/runnerconfig"
	"github.com/albertocavalcante/sky/internal/star"
	"github.com/albertocavalcante/sky/internal/version"
)

// stringSliceFlag allows a flag to be specified multiple times,
// inherited from internal/cmd/skytest's -prelude handling.
type stringSliceFlag []string

func (s *stringSliceFlag) String() string { return strings.Join(*s, ", ") }

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, value)
	return nil
}

// Run parses args, resolves configuration, plans and dispatches the
// run, and returns the process exit code.
func Run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var (
		configFlag          string
		workersFlag         string
		retriesFlag         int
		repeatEachFlag      string // "" when unset; only a positive count overrides the config
		timeoutFlag         time.Duration
		globalTimeoutFlag   time.Duration
		grepFlags           stringSliceFlag
		shardFlag           string
		projectFlags        stringSliceFlag
		forbidOnlyFlag      bool
		maxFailuresFlag     int
		listFlag            bool
		reporterFlag        string
		updateSnapshotsFlag bool
		outputFlag          string
		quietFlag           bool
		verboseFlag         bool
		versionFlag         bool
		preludeFlags        stringSliceFlag
	)

	fs := flag.NewFlagSet("partest", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&configFlag, "config", "", "config file path (partest.sky or partest.toml)")
	fs.StringVar(&workersFlag, "workers", "", "worker count: auto, or a number")
	fs.IntVar(&retriesFlag, "retries", -1, "retries per test (-1: use config default)")
	fs.StringVar(&repeatEachFlag, "repeat-each", "", "repeat each test N times")
	fs.DurationVar(&timeoutFlag, "timeout", 0, "per-test timeout (0: use config default)")
	fs.DurationVar(&globalTimeoutFlag, "global-timeout", 0, "whole-run deadline (0: none)")
	fs.Var(&grepFlags, "grep", "only run tests whose full title matches this pattern (repeatable)")
	fs.StringVar(&shardFlag, "shard", "", "shard selection as current/total, 1-based")
	fs.Var(&projectFlags, "project", "restrict to this named project (repeatable)")
	fs.BoolVar(&forbidOnlyFlag, "forbid-only", false, "fail the run if any only() marker survived to source control")
	fs.IntVar(&maxFailuresFlag, "max-failures", 0, "stop dispatching new work after this many failures (0: unlimited)")
	fs.BoolVar(&listFlag, "list", false, "list the tests that would run, without running them")
	fs.StringVar(&reporterFlag, "reporter", "text", "comma-separated reporters: text, json, junit, markdown")
	fs.BoolVar(&updateSnapshotsFlag, "update-snapshots", false, "write snapshot mismatches instead of failing")
	fs.StringVar(&outputFlag, "output", "", "override the configured output directory")
	fs.BoolVar(&quietFlag, "quiet", false, "only print failing tests and the final summary")
	fs.BoolVar(&verboseFlag, "v", false, "stream captured stdout/stderr as tests run")
	fs.BoolVar(&versionFlag, "version", false, "print version and exit")
	fs.Var(&preludeFlags, "prelude", "prelude file loaded before every test file (repeatable)")

	fs.Usage = func() {
		cli.Writef(stderr, "usage: partest [flags] [paths...]\n\n")
		cli.Writef(stderr, "Runs Starlark-declared tests across a pool of worker processes.\n\n")
		cli.Writef(stderr, "flags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return cli.ExitOK
		}
		return cli.ExitError
	}

	if versionFlag {
		cli.Writef(stdout, "partest %s\n", version.String())
		return cli.ExitOK
	}

	cfg, cfgPath, err := resolveConfig(configFlag)
	if err != nil {
		cli.Writef(stderr, "partest: %v\n", err)
		return cli.ExitError
	}
	if cfgPath != "" && verboseFlag {
		cli.Writef(stderr, "partest: using config %s\n", cfgPath)
	}

	applyOverrides(cfg, workersFlag, retriesFlag, repeatEachFlag, timeoutFlag, outputFlag, preludeFlags)

	outputLock, err := acquireOutputLock(cfg.OutputDir)
	if err != nil {
		cli.Writef(stderr, "partest: %v\n", err)
		return cli.ExitError
	}
	defer outputLock.Unlock()

	rootDir, err := os.Getwd()
	if err != nil {
		cli.Writef(stderr, "partest: %v\n", err)
		return cli.ExitError
	}

	projects := runnerconfig.ResolveProjects(cfg, rootDir)
	if len(projectFlags) > 0 {
		projects = filterProjects(projects, projectFlags)
		if len(projects) == 0 {
			cli.Writef(stderr, "partest: no project matches --project %s\n", strings.Join(projectFlags, ","))
			return cli.ExitError
		}
	}

	shard, err := parseShard(shardFlag)
	if err != nil {
		cli.Writef(stderr, "partest: %v\n", err)
		return cli.ExitError
	}

	paths := fs.Args()

	var suites []*model.FileSuite
	for _, project := range projects {
		files, err := discoverProjectFiles(project, paths)
		if err != nil {
			cli.Writef(stderr, "partest: %v\n", err)
			return cli.ExitError
		}
		loader, err := star.NewLoader(nil).WithPreludes(cfg.Prelude)
		if err != nil {
			cli.Writef(stderr, "partest: %v\n", err)
			return cli.ExitError
		}
		for _, f := range files {
			suite, err := loader.LoadFile(project, f)
			if err != nil {
				cli.Writef(stderr, "partest: %v\n", err)
				return cli.ExitError
			}
			suites = append(suites, suite)
		}
	}

	if len(suites) == 0 {
		cli.Writeln(stderr, "partest: no test files found")
		return cli.ExitError
	}

	result, err := runner.Plan(suites, runner.Options{
		Grep:       grepFlags,
		ForbidOnly: forbidOnlyFlag,
		Shard:      shard,
	})
	if err != nil {
		cli.Writef(stderr, "partest: %v\n", err)
		return cli.ExitError
	}
	if result.ForbidOnlyViolated {
		cli.Writeln(stderr, "partest: forbid-only: an only() marker is present in the suite")
		return cli.ExitError
	}

	if listFlag {
		for _, t := range result.Tests {
			cli.Writeln(stdout, testLabel(t))
		}
		return cli.ExitOK
	}

	reporters, err := buildReporters(reporterFlag, stdout, quietFlag, verboseFlag)
	if err != nil {
		cli.Writef(stderr, "partest: %v\n", err)
		return cli.ExitError
	}
	capture := &summaryCapture{}
	fanout := report.NewFanOut(append(reporters, capture)...)

	run := report.RunInfo{Projects: projects, Grep: grepFlags}
	if shard != nil {
		current := shard.Current + 1
		run.Shard = &current
		run.ShardOf = shard.Total
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if globalTimeoutFlag > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, globalTimeoutFlag)
		defer cancel()
	}

	opts := runner.DispatchOptions{
		Workers:         runnerconfig.ParseWorkers(workersFlag),
		TestPrefix:      star.TestPrefix,
		Preludes:        cfg.Prelude,
		UpdateSnapshots: updateSnapshotsFlag,
		MaxFailures:     maxFailuresFlag,
		Stderr:          stderr,
	}
	if opts.Workers < 1 {
		opts.Workers = runnerconfig.ParseWorkers(cfg.Workers)
	}

	if err := runner.Dispatch(ctx, result, fanout, run, suites, opts); err != nil {
		cli.Writef(stderr, "partest: %v\n", err)
		return cli.ExitError
	}

	for {
		select {
		case err := <-fanout.Errors():
			cli.Writef(stderr, "partest: %v\n", err)
		default:
			return exitCodeFor(ctx, capture)
		}
	}
}

func exitCodeFor(ctx context.Context, capture *summaryCapture) int {
	if ctx.Err() == context.Canceled {
		return cli.ExitInterrupted
	}
	if capture.timedOut {
		return cli.ExitError
	}
	if capture.summary.Failed > 0 {
		return cli.ExitError
	}
	return cli.ExitOK
}

// summaryCapture is a report.Reporter that only remembers the final
// outcome, so Run can compute an exit code without re-deriving it from
// the reporters a user selected for display.
type summaryCapture struct {
	mu       sync.Mutex
	summary  report.Summary
	timedOut bool
}

func (c *summaryCapture) OnBegin(report.RunInfo, []*model.FileSuite)         {}
func (c *summaryCapture) OnTestBegin(*model.Test, int)                      {}
func (c *summaryCapture) OnStdOut(*model.Test, int, []byte)                 {}
func (c *summaryCapture) OnStdErr(*model.Test, int, []byte)                 {}
func (c *summaryCapture) OnTestEnd(*model.Test, *model.TestResult)          {}
func (c *summaryCapture) OnError(error)                                    {}

func (c *summaryCapture) OnTimeout(time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timedOut = true
}

func (c *summaryCapture) OnEnd(summary report.Summary) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.summary = summary
}

// acquireOutputLock serializes concurrent partest invocations against the
// same output directory, the same flock-based withLock pattern
// internal/plugins/store.go uses to guard its on-disk catalog, applied
// here to the results tree instead of a plugin store.
func acquireOutputLock(outputDir string) (*flock.Flock, error) {
	if outputDir == "" {
		outputDir = "."
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	lock := flock.New(filepath.Join(outputDir, ".partest.lock"))
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("acquire output lock: %w", err)
	}
	return lock, nil
}

func resolveConfig(configFlag string) (*runnerconfig.Config, string, error) {
	if configFlag != "" {
		cfg, err := runnerconfig.LoadConfig(configFlag)
		if err != nil {
			return nil, "", fmt.Errorf("loading config %s: %w", configFlag, err)
		}
		return cfg, configFlag, nil
	}
	cfg, path, err := runnerconfig.DiscoverConfig("")
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func applyOverrides(cfg *runnerconfig.Config, workers string, retries int, repeatEach string, timeout time.Duration, output string, preludes []string) {
	if workers != "" {
		cfg.Workers = workers
	}
	if retries >= 0 {
		cfg.Retries = retries
	}
	if repeatEach != "" {
		if n, err := strconv.Atoi(repeatEach); err == nil && n > 0 {
			cfg.RepeatEach = n
		}
	}
	if timeout > 0 {
		cfg.Timeout = runnerconfig.Duration{Duration: timeout}
	}
	if output != "" {
		cfg.OutputDir = output
	}
	if len(preludes) > 0 {
		cfg.Prelude = append(cfg.Prelude, preludes...)
	}
}

func filterProjects(projects []*model.Project, names []string) []*model.Project {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	var out []*model.Project
	for _, p := range projects {
		if want[p.Name] {
			out = append(out, p)
		}
	}
	return out
}

// parseShard parses "current/total", 1-based externally per spec.md §9's
// glossary entry for Shard, converting to the planner's zero-based form.
func parseShard(s string) (*runner.Shard, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid --shard %q, expected current/total", s)
	}
	current, err := strconv.Atoi(parts[0])
	if err != nil || current < 1 {
		return nil, fmt.Errorf("invalid --shard current %q", parts[0])
	}
	total, err := strconv.Atoi(parts[1])
	if err != nil || total < current {
		return nil, fmt.Errorf("invalid --shard total %q", parts[1])
	}
	return &runner.Shard{Current: current - 1, Total: total}, nil
}

// discoverProjectFiles expands explicit paths if given, else walks the
// project's directory honoring its match/ignore patterns.
func discoverProjectFiles(project *model.Project, paths []string) ([]string, error) {
	if len(paths) > 0 {
		return star.ExpandPaths(paths, project.Match, true)
	}
	files, err := star.ExpandPaths([]string{project.Dir}, project.Match, true)
	if err != nil {
		return nil, err
	}
	return filterIgnored(files, project.Ignore), nil
}

func filterIgnored(files []string, ignore []string) []string {
	if len(ignore) == 0 {
		return files
	}
	var out []string
	for _, f := range files {
		base := filepath.Base(f)
		skip := false
		for _, pattern := range ignore {
			if matched, _ := filepath.Match(pattern, base); matched {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, f)
		}
	}
	return out
}

func buildReporters(spec string, stdout io.Writer, quiet, verbose bool) ([]report.Reporter, error) {
	var out []report.Reporter
	for _, name := range strings.Split(spec, ",") {
		switch strings.TrimSpace(name) {
		case "text":
			r := report.NewTextReporter(stdout, verbose)
			r.Quiet = quiet
			out = append(out, r)
		case "json":
			out = append(out, report.NewJSONReporter(stdout))
		case "junit":
			out = append(out, report.NewJUnitReporter(stdout))
		case "markdown":
			out = append(out, report.NewMarkdownReporter(stdout))
		case "":
		default:
			return nil, fmt.Errorf("unknown reporter %q", name)
		}
	}
	if len(out) == 0 {
		out = append(out, report.NewTextReporter(stdout, verbose))
	}
	return out, nil
}

func testLabel(t *model.Test) string {
	label := t.Spec.FullTitle()
	if t.VariationString != "" {
		label = fmt.Sprintf("%s [%s]", label, t.VariationString)
	}
	if t.RepeatIndex > 0 {
		label = fmt.Sprintf("%s (repeat %d)", label, t.RepeatIndex)
	}
	return label
}

// NewRegistry is the environment factory set available to worker
// processes, used by cmd/partest to construct the registry worker.Run
// needs. No built-in environments ship out of the box; projects
// register their own via a prelude or a vendored build, the same
// extension point internal/plugins leaves to external binaries.
func NewRegistry() *environment.Registry {
	return environment.NewRegistry()
}

