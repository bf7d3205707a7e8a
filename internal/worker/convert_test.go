package worker

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.starlark.net/starlark"
)

func TestToStarlarkRoundTrip(t *testing.T) {
	in := map[string]any{
		"name":  "widget",
		"count": 3,
		"tags":  []any{"a", "b"},
		"ok":    true,
	}
	sv, err := toStarlark(in)
	if err != nil {
		t.Fatalf("toStarlark: %v", err)
	}
	got := fromStarlark(sv)

	want := map[string]any{
		"name":  "widget",
		"count": int64(3),
		"tags":  []any{"a", "b"},
		"ok":    true,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestToStarlarkUnsupportedType(t *testing.T) {
	if _, err := toStarlark(struct{}{}); err == nil {
		t.Fatal("expected an error converting an unsupported Go type")
	}
}

func TestFromStarlarkList(t *testing.T) {
	list := starlark.NewList([]starlark.Value{starlark.MakeInt(1), starlark.MakeInt(2)})
	got := fromStarlark(list)
	want := []any{int64(1), int64(2)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("list conversion mismatch (-want +got):\n%s", diff)
	}
}
