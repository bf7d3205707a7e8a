// Package environment defines the external, user-supplied collaborator
// each worker resolves to provide worker- and test-scoped setup/teardown
// around every attempt (spec.md §6's "Environment contract").
//
// A process-level plugin (spawned via os/exec, the same mechanism
// internal/plugins/runner_exec.go used to invoke Sky plugins) or an
// in-process Go value can both satisfy Environment; the worker runtime
// only depends on this interface.
package environment

import (
	"context"

	"github.com/albertocavalcante/sky/internal/model"
)

// Environment is the lifecycle contract a worker drives around each
// test. BeforeEach's returned map is shallow-merged into the test's
// argument bag; later environments in a composition override earlier
// ones for the same key.
type Environment interface {
	Name() string
	BeforeAll(ctx context.Context, w *model.WorkerInfo) (map[string]any, error)
	BeforeEach(ctx context.Context, t *model.TestInfo) (map[string]any, error)
	AfterEach(ctx context.Context, t *model.TestInfo) error
	AfterAll(ctx context.Context, w *model.WorkerInfo) error
}

// Base provides no-op implementations so environments only need to
// override the hooks they care about.
type Base struct {
	NameValue string
}

func (b Base) Name() string { return b.NameValue }
func (Base) BeforeAll(context.Context, *model.WorkerInfo) (map[string]any, error)  { return nil, nil }
func (Base) BeforeEach(context.Context, *model.TestInfo) (map[string]any, error)   { return nil, nil }
func (Base) AfterEach(context.Context, *model.TestInfo) error                      { return nil }
func (Base) AfterAll(context.Context, *model.WorkerInfo) error                     { return nil }
