// Command partest-ci reads a partest -reporter=json document from
// stdin and renders it in the host CI system's native format
// (annotations, job summaries, step outputs), auto-detected from
// environment variables.
package main

import (
	"os"

	"github.com/albertocavalcante/sky/internal/report"
)

func main() {
	os.Exit(report.RunCI(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
