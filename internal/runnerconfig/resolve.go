package runnerconfig

import (
	"runtime"
	"time"

	"go.starlark.net/starlark"

	"github.com/albertocavalcante/sky/internal/model"
)

// ResolveProjects converts every ProjectConfig into a model.Project,
// falling back to the Config's top-level defaults for any unset field.
// A Config with no Projects entries resolves to a single unnamed
// default project rooted at rootDir.
func ResolveProjects(cfg *Config, rootDir string) []*model.Project {
	if len(cfg.Projects) == 0 {
		return []*model.Project{resolveOne(cfg, ProjectConfig{Dir: rootDir}, 1)}
	}
	projects := make([]*model.Project, 0, len(cfg.Projects))
	for _, pc := range cfg.Projects {
		projects = append(projects, resolveOne(cfg, pc, ParseWorkers(cfg.Workers)))
	}
	return projects
}

func resolveOne(cfg *Config, pc ProjectConfig, workerCount int) *model.Project {
	p := &model.Project{
		Name:        pc.Name,
		Dir:         pc.Dir,
		Match:       pc.Match,
		Ignore:      pc.Ignore,
		Retries:     cfg.Retries,
		RepeatEach:  cfg.RepeatEach,
		Timeout:     cfg.Timeout.Duration,
		OutputDir:   cfg.OutputDir,
		SnapshotDir: cfg.SnapshotDir,
		WorkerCount: workerCount,
		Environments: append(append([]string{}, cfg.Environments...), pc.Environments...),
	}
	if pc.Retries != nil {
		p.Retries = *pc.Retries
	}
	if pc.RepeatEach != nil {
		p.RepeatEach = *pc.RepeatEach
	}
	if pc.Timeout != nil {
		p.Timeout = pc.Timeout.Duration
	}
	if p.Timeout == 0 {
		p.Timeout = 30 * time.Second
	}
	if len(pc.Use) > 0 {
		define := make(starlark.StringDict, len(pc.Use))
		for k, v := range pc.Use {
			define[k] = starlark.String(v)
		}
		p.Define = []starlark.StringDict{define}
	}
	return p
}

// ParseWorkers interprets the "auto"/"N" worker-count syntax the
// teacher's -j flag already uses, generalized from os.exec parallelism
// to worker-process count.
func ParseWorkers(s string) int {
	switch s {
	case "", "auto":
		n := runtime.NumCPU()
		if n < 1 {
			n = 1
		}
		return n
	default:
		if n, ok := parsePositiveInt(s); ok {
			return n
		}
		return 1
	}
}

func parsePositiveInt(s string) (int, bool) {
	n := 0
	if s == "" {
		return 0, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	if n <= 0 {
		return 0, false
	}
	return n, true
}
