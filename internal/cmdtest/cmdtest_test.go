package cmdtest

import "testing"

func TestRetryToSuccess(t *testing.T)      { Run(t, "testdata/retry_to_success") }
func TestTimeoutWithTeardown(t *testing.T) { Run(t, "testdata/timeout_with_teardown") }
func TestBeforeEachFailure(t *testing.T)   { Run(t, "testdata/before_each_failure") }
func TestForbidOnly(t *testing.T)          { Run(t, "testdata/forbid_only") }
func TestShardSelection(t *testing.T)      { Run(t, "testdata/shard_selection") }

// Worker-crash-mid-bucket is covered by internal/runner's
// TestDispatchReschedulesAfterWorkerCrash instead of a script here:
// there is no way to kill a worker process from a Starlark test body
// or a testscript fixture, since Pool.Spawn always re-execs the real
// partest binary with no injection seam for a fake executable.
