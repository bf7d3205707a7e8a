package runner_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/albertocavalcante/sky/internal/model"
	"github.com/albertocavalcante/sky/internal/runner"
	"github.com/albertocavalcante/sky/internal/star"
)

func loadSuite(t *testing.T, project *model.Project, src string) *model.FileSuite {
	t.Helper()
	dir := t.TempDir()
	file := filepath.Join(dir, "plan_test.star")
	if err := os.WriteFile(file, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	if project.Dir == "" {
		project.Dir = dir
	}
	suite, err := star.NewLoader(nil).LoadFile(project, file)
	if err != nil {
		t.Fatalf("loading %s: %v", file, err)
	}
	return suite
}

func titles(tests []*model.Test) []string {
	out := make([]string, len(tests))
	for i, t := range tests {
		out[i] = t.Spec.FullTitle()
	}
	return out
}

func TestPlanGrepFiltersByFullTitle(t *testing.T) {
	suite := loadSuite(t, &model.Project{Name: "p"}, `
def ok(t):
    pass

def body():
    test("creates a widget", ok)
    test("deletes a widget", ok)

describe("widgets", body)
test("logs in", ok)
`)

	result, err := runner.Plan([]*model.FileSuite{suite}, runner.Options{Grep: []string{"widget"}})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	want := []string{"widgets creates a widget", "widgets deletes a widget"}
	if diff := cmp.Diff(want, titles(result.Tests)); diff != "" {
		t.Errorf("grep filter mismatch (-want +got):\n%s", diff)
	}
}

func TestPlanOnlyCascadesToDescendants(t *testing.T) {
	suite := loadSuite(t, &model.Project{Name: "p"}, `
def ok(t):
    pass

def inner():
    test("a", ok)
    test("b", ok)

describe("group", inner, only=True)
test("unrelated", ok)
`)

	result, err := runner.Plan([]*model.FileSuite{suite}, runner.Options{})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	want := []string{"group a", "group b"}
	if diff := cmp.Diff(want, titles(result.Tests)); diff != "" {
		t.Errorf("only-cascade mismatch (-want +got):\n%s", diff)
	}
}

func TestPlanForbidOnlyViolation(t *testing.T) {
	suite := loadSuite(t, &model.Project{Name: "p"}, `
def ok(t):
    pass

test("marked", ok, only=True)
`)

	result, err := runner.Plan([]*model.FileSuite{suite}, runner.Options{ForbidOnly: true})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if !result.ForbidOnlyViolated {
		t.Fatal("expected ForbidOnlyViolated to be true")
	}
	if len(result.Tests) != 0 {
		t.Fatalf("expected no tests planned once forbid-only trips, got %d", len(result.Tests))
	}
}

func TestPlanShardSplitsEvenly(t *testing.T) {
	suite := loadSuite(t, &model.Project{Name: "p"}, `
def ok(t):
    pass

test("one", ok)
test("two", ok)
test("three", ok)
`)

	first, err := runner.Plan([]*model.FileSuite{suite}, runner.Options{Shard: &runner.Shard{Current: 0, Total: 3}})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	second, err := runner.Plan([]*model.FileSuite{suite}, runner.Options{Shard: &runner.Shard{Current: 1, Total: 3}})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if diff := cmp.Diff([]string{"one"}, titles(first.Tests)); diff != "" {
		t.Errorf("shard 0/3 mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"two"}, titles(second.Tests)); diff != "" {
		t.Errorf("shard 1/3 mismatch (-want +got):\n%s", diff)
	}
}

func TestPlanRepeatEachExpandsInstances(t *testing.T) {
	suite := loadSuite(t, &model.Project{Name: "p", RepeatEach: 3}, `
def ok(t):
    pass

test("repeats", ok)
`)

	result, err := runner.Plan([]*model.FileSuite{suite}, runner.Options{})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(result.Tests) != 3 {
		t.Fatalf("expected 3 repeat instances, got %d", len(result.Tests))
	}
	for i, tt := range result.Tests {
		if tt.RepeatIndex != i {
			t.Errorf("test %d: RepeatIndex = %d, want %d", i, tt.RepeatIndex, i)
		}
	}
}
