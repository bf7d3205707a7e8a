// Command partest runs Starlark-declared tests in parallel across a
// pool of worker processes.
//
// Invoked normally it is the dispatching CLI; re-exec'd with
// PARTEST_WORKER=1 set (which only the dispatcher itself does, when
// spawning its worker pool) it instead speaks the IPC protocol on
// stdin/stdout as a worker, the same fork-by-env-var shape
// internal/plugins/runner_exec.go uses to invoke a Sky plugin.
package main

import (
	"os"

	partest "github.com/albertocavalcante/sky/internal/cmd/partest"
	"github.com/albertocavalcante/sky/internal/ipc"
	"github.com/albertocavalcante/sky/internal/worker"
)

func main() {
	if os.Getenv(ipc.WorkerEnvVar) == "1" {
		os.Exit(worker.Run(os.Stdin, os.Stdout, partest.NewRegistry()))
		return
	}
	os.Exit(partest.Run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
