package star

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/albertocavalcante/sky/internal/model"
)

// SerializeValue converts a Starlark value to a deterministic string
// representation suitable for on-disk snapshot comparison.
func SerializeValue(v starlark.Value) string {
	return serializeValue(v, 0)
}

func serializeValue(v starlark.Value, indent int) string {
	ind := strings.Repeat("  ", indent)

	switch val := v.(type) {
	case starlark.NoneType:
		return "None"
	case starlark.Bool:
		if val {
			return "True"
		}
		return "False"
	case starlark.Int:
		return val.String()
	case starlark.Float:
		return fmt.Sprintf("%v", float64(val))
	case starlark.String:
		return fmt.Sprintf("%q", string(val))
	case starlark.Bytes:
		return fmt.Sprintf("b%q", string(val))
	case *starlark.List:
		if val.Len() == 0 {
			return "[]"
		}
		var sb strings.Builder
		sb.WriteString("[\n")
		for i := 0; i < val.Len(); i++ {
			sb.WriteString(ind + "  ")
			sb.WriteString(serializeValue(val.Index(i), indent+1))
			sb.WriteString(",\n")
		}
		sb.WriteString(ind + "]")
		return sb.String()
	case starlark.Tuple:
		if val.Len() == 0 {
			return "()"
		}
		var sb strings.Builder
		sb.WriteString("(\n")
		for i := 0; i < val.Len(); i++ {
			sb.WriteString(ind + "  ")
			sb.WriteString(serializeValue(val.Index(i), indent+1))
			sb.WriteString(",\n")
		}
		sb.WriteString(ind + ")")
		return sb.String()
	case *starlark.Dict:
		if val.Len() == 0 {
			return "{}"
		}
		var sb strings.Builder
		sb.WriteString("{\n")
		for _, item := range val.Items() {
			sb.WriteString(ind + "  ")
			sb.WriteString(serializeValue(item[0], indent+1))
			sb.WriteString(": ")
			sb.WriteString(serializeValue(item[1], indent+1))
			sb.WriteString(",\n")
		}
		sb.WriteString(ind + "}")
		return sb.String()
	case *starlarkstruct.Struct:
		var sb strings.Builder
		sb.WriteString("struct(\n")
		for _, name := range val.AttrNames() {
			attr, _ := val.Attr(name)
			sb.WriteString(ind + "  " + name + " = ")
			sb.WriteString(serializeValue(attr, indent+1))
			sb.WriteString(",\n")
		}
		sb.WriteString(ind + ")")
		return sb.String()
	default:
		return v.String()
	}
}

// SnapshotMismatch describes a failed comparison, used to populate a
// TestResult's data bag for reporters that want to show a diff.
type SnapshotMismatch struct {
	Name     string
	Expected string
	Actual   string
	Diff     string
}

// CompareSnapshot compares value's serialized form against the snapshot
// at path. With no existing snapshot, or with update true, it writes
// one and reports no mismatch. Otherwise it diffs and returns a
// SnapshotMismatch on difference.
func CompareSnapshot(path string, value starlark.Value, update bool) (*SnapshotMismatch, error) {
	serialized := SerializeValue(value)

	existing, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return nil, writeSnapshot(path, serialized)
	case err != nil:
		return nil, fmt.Errorf("reading snapshot %s: %w", path, err)
	}

	existingStr := string(existing)
	if existingStr == serialized {
		return nil, nil
	}
	if update {
		return nil, writeSnapshot(path, serialized)
	}

	diff, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(existingStr),
		B:        difflib.SplitLines(serialized),
		FromFile: "expected",
		ToFile:   "actual",
		Context:  3,
	})
	return &SnapshotMismatch{
		Name:     filepath.Base(path),
		Expected: existingStr,
		Actual:   serialized,
		Diff:     diff,
	}, nil
}

func writeSnapshot(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

// NewSnapshotModule returns the "snapshot" builtin module bound to one
// attempt's TestInfo and the run's update-snapshots mode. match(value,
// name) raises an error describing the diff on mismatch.
func NewSnapshotModule(ti *model.TestInfo, update bool) *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "snapshot",
		Members: starlark.StringDict{
			"match": starlark.NewBuiltin("snapshot.match", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				var value starlark.Value
				var name starlark.String = "default"
				if err := starlark.UnpackArgs(b.Name(), args, kwargs, "value", &value, "name?", &name); err != nil {
					return nil, err
				}
				mismatch, err := CompareSnapshot(ti.SnapshotPath(string(name)), value, update)
				if err != nil {
					return nil, err
				}
				if mismatch != nil {
					return nil, fmt.Errorf("snapshot %q does not match:\n%s", mismatch.Name, mismatch.Diff)
				}
				return starlark.None, nil
			}),
		},
	}
}
