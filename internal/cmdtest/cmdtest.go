// Package cmdtest provides a testscript-based test harness for
// cmd/partest, exercising the dispatcher's boundary behaviors
// end-to-end through the real CLI rather than through internal unit
// tests, the same harness shape this repository already used for its
// other cmd/X tools.
//
// Scripts run against a real compiled partest binary rather than a
// testscript.RunMain-registered command, because partest re-execs
// itself (via os.Executable) to spawn its worker pool; RunMain's
// command-dispatch trick only intercepts the first exec, not a worker
// subprocess's own re-exec, so it can't stand in for the real binary
// here the way it can for a tool that never forks itself.
//
// Example test file (testdata/retry_to_success/script.txtar):
//
//	exec partest -workers=1 -retries=2 .
//	stdout 'Results: 1 passed, 0 failed, 0 skipped, 1 total \(1 flaky\)'
//
//	-- flaky_test.star --
//	...
package cmdtest

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rogpeppe/go-internal/testscript"
)

var (
	buildOnce sync.Once
	binDir    string
	buildErr  error
)

// buildPartest compiles cmd/partest once per test binary invocation and
// returns the directory containing the resulting executable.
func buildPartest() (string, error) {
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "partest-cmdtest-*")
		if err != nil {
			buildErr = err
			return
		}
		exe := filepath.Join(dir, "partest")
		cmd := exec.Command("go", "build", "-o", exe, "github.com/albertocavalcante/sky/cmd/partest")
		cmd.Dir = repoRoot()
		if out, err := cmd.CombinedOutput(); err != nil {
			buildErr = fmt.Errorf("building partest: %w\n%s", err, out)
			return
		}
		binDir = dir
	})
	return binDir, buildErr
}

// repoRoot walks up from the package's own source directory to the
// module root, so go build runs from a known location regardless of
// the test runner's working directory.
func repoRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return "."
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "."
		}
		dir = parent
	}
}

// Run executes the testscript tests in dir against a real partest
// binary placed at the front of PATH.
func Run(t *testing.T, dir string) {
	bin, err := buildPartest()
	if err != nil {
		t.Fatal(err)
	}
	testscript.Run(t, testscript.Params{
		Dir: dir,
		Setup: func(env *testscript.Env) error {
			env.Vars = append(env.Vars, "PATH="+bin+string(os.PathListSeparator)+os.Getenv("PATH"))
			return nil
		},
	})
}
