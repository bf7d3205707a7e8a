// Package runner implements the scheduling core: the pure planner that
// turns discovered FileSuites into an ordered, bucketed workload, and
// the dispatcher that drives that workload across a worker pool.
package runner

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/albertocavalcante/sky/internal/model"
)

// Shard selects a contiguous window of the scheduled test list. Current
// is zero-based internally (spec.md's one-based external numbering is
// the CLI layer's concern).
type Shard struct {
	Current int
	Total   int
}

// Options carries the run-level planner inputs that are not already
// captured on each model.Project.
type Options struct {
	Grep       []string // patterns; a spec survives if its full title matches any
	ForbidOnly bool
	Shard      *Shard
}

// Result is the planner's pure output.
type Result struct {
	Tests              []*model.Test
	Buckets            []*model.Bucket
	ForbidOnlyViolated bool
}

// Plan implements spec.md §4.1's algorithm. fileSuites must already be
// in project-declaration order, then file order; in-file source order
// comes from each FileSuite's tree.
func Plan(fileSuites []*model.FileSuite, opts Options) (*Result, error) {
	grepRes, err := compileGrep(opts.Grep)
	if err != nil {
		return nil, err
	}

	if opts.ForbidOnly {
		for _, fs := range fileSuites {
			if anyOnly(fs.Root) {
				return &Result{ForbidOnlyViolated: true}, nil
			}
		}
	}

	var ordered []*model.Test
	for _, fs := range fileSuites {
		specs, ordinals := filteredSpecs(fs, grepRes)
		for _, spec := range specs {
			ordered = append(ordered, instantiateTests(fs, spec, ordinals[spec])...)
		}
	}

	if opts.Shard != nil && opts.Shard.Total > 1 {
		ordered = shardSlice(ordered, opts.Shard.Current, opts.Shard.Total)
	}

	buckets := Bucketize(ordered)

	return &Result{Tests: ordered, Buckets: buckets}, nil
}

func compileGrep(patterns []string) ([]*regexp.Regexp, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	res := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid grep pattern %q: %w", p, err)
		}
		res = append(res, re)
	}
	return res, nil
}

// anyOnly reports whether n or any descendant carries an only marker.
func anyOnly(n model.Node) bool {
	switch v := n.(type) {
	case *model.Spec:
		return v.Only
	case *model.Suite:
		if v.Only {
			return true
		}
		for _, c := range v.Children {
			if anyOnly(c) {
				return true
			}
		}
	}
	return false
}

// filteredSpecs applies only-filtering then grep, in source order. It
// also returns every spec's unfiltered pre-order ordinal (computed
// before either filter runs) so ids stay stable across runs with
// different filters applied.
func filteredSpecs(fs *model.FileSuite, grep []*regexp.Regexp) ([]*model.Spec, map[*model.Spec]int) {
	ordinal := 0
	ordinals := make(map[*model.Spec]int)
	assignOrdinals(fs.Root, &ordinal, ordinals)

	onlyActive := anyOnly(fs.Root)

	var survivors []*model.Spec
	collectSpecs(fs.Root, onlyActive, false, &survivors)

	if len(grep) == 0 {
		return survivors, ordinals
	}

	var matched []*model.Spec
	for _, s := range survivors {
		title := s.FullTitle()
		for _, re := range grep {
			if re.MatchString(title) {
				matched = append(matched, s)
				break
			}
		}
	}
	return matched, ordinals
}

func assignOrdinals(n model.Node, next *int, out map[*model.Spec]int) {
	switch v := n.(type) {
	case *model.Spec:
		out[v] = *next
		*next++
	case *model.Suite:
		for _, c := range v.Children {
			assignOrdinals(c, next, out)
		}
	}
}

// collectSpecs walks the tree gathering surviving specs. Once an
// ancestor suite is only-marked, every descendant spec survives
// regardless of its own marker (suite-level only cascades down); a
// deeper only marker narrows further within that subtree.
func collectSpecs(n model.Node, onlyActive, ancestorOnly bool, out *[]*model.Spec) {
	switch v := n.(type) {
	case *model.Spec:
		if !onlyActive || ancestorOnly || v.Only {
			*out = append(*out, v)
		}
	case *model.Suite:
		selfOnly := ancestorOnly || v.Only
		if selfOnly {
			for _, c := range v.Children {
				if anyOnly(c) {
					selfOnly = false
					break
				}
			}
		}
		for _, c := range v.Children {
			collectSpecs(c, onlyActive, selfOnly, out)
		}
	}
}

// instantiateTests expands one spec into its (variation x repeat)
// Test instances, per spec.md §4.1 step 4-5. ordinal is the spec's
// stable pre-order position within its file.
func instantiateTests(fs *model.FileSuite, spec *model.Spec, ordinal int) []*model.Test {
	project := fs.Project

	variationCount := len(project.Define)
	if variationCount == 0 {
		variationCount = 1
	}
	repeatCount := project.RepeatEach
	if repeatCount < 1 {
		repeatCount = 1
	}

	annotations := model.AncestorAnnotations(spec)

	var tests []*model.Test
	for vi := 0; vi < variationCount; vi++ {
		variationString := variationStringFor(project, vi)
		for ri := 0; ri < repeatCount; ri++ {
			id := model.TestID(fs.File, ordinal, variationString, ri)
			t := &model.Test{
				ID:              id,
				Spec:            spec,
				Project:         project,
				File:            fs.File,
				VariationIndex:  vi,
				VariationString: variationString,
				RepeatIndex:     ri,
				ExpectedStatus:  model.ComputeExpectedStatus(annotations),
				Timeout:         project.Timeout,
				Annotations:     annotations,
				RetriesAllowed:  project.Retries,
			}
			tests = append(tests, t)
			spec.Tests = append(spec.Tests, t)
		}
	}
	return tests
}

// variationStringFor renders a project's nth define entry as a stable,
// sorted "k=v;k=v" string used both for display and as part of the
// bucketing key.
func variationStringFor(project *model.Project, index int) string {
	if index >= len(project.Define) {
		return ""
	}
	dict := project.Define[index]
	keys := make([]string, 0, len(dict))
	for k := range dict {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	s := ""
	for i, k := range keys {
		if i > 0 {
			s += ";"
		}
		s += k + "=" + dict[k].String()
	}
	return s
}

// shardSlice slices tests into total contiguous, as-equal-as-possible
// chunks and returns the current (zero-based) chunk.
func shardSlice(tests []*model.Test, current, total int) []*model.Test {
	n := len(tests)
	base := n / total
	rem := n % total

	start := 0
	for i := 0; i < current; i++ {
		size := base
		if i < rem {
			size++
		}
		start += size
	}
	size := base
	if current < rem {
		size++
	}
	end := start + size
	if start > n {
		start = n
	}
	if end > n {
		end = n
	}
	return tests[start:end]
}
