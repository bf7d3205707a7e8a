package environment

import (
	"context"
	"fmt"

	"github.com/albertocavalcante/sky/internal/model"
)

// Composite drives a list of Environments in the order spec.md §6
// requires: forward for Before*, reverse for After*, with later
// BeforeEach results shallow-merged over earlier ones.
type Composite struct {
	envs []Environment
}

func NewComposite(envs ...Environment) *Composite {
	return &Composite{envs: envs}
}

// BeforeAll runs each environment's BeforeAll in forward order. The
// first failure stops the chain and is returned.
func (c *Composite) BeforeAll(ctx context.Context, w *model.WorkerInfo) error {
	for _, e := range c.envs {
		if _, err := e.BeforeAll(ctx, w); err != nil {
			return fmt.Errorf("environment %q beforeAll: %w", e.Name(), err)
		}
	}
	return nil
}

// AfterAll runs each environment's AfterAll in reverse order. All
// environments are torn down regardless of earlier failures; the first
// error encountered is returned after every AfterAll has run.
func (c *Composite) AfterAll(ctx context.Context, w *model.WorkerInfo) error {
	var first error
	for i := len(c.envs) - 1; i >= 0; i-- {
		e := c.envs[i]
		if err := e.AfterAll(ctx, w); err != nil && first == nil {
			first = fmt.Errorf("environment %q afterAll: %w", e.Name(), err)
		}
	}
	return first
}

// BeforeEach runs each environment's BeforeEach in forward order,
// merging returned argument bags (later overrides earlier). The first
// failure stops the chain.
func (c *Composite) BeforeEach(ctx context.Context, t *model.TestInfo) (map[string]any, error) {
	args := make(map[string]any)
	for _, e := range c.envs {
		result, err := e.BeforeEach(ctx, t)
		if err != nil {
			return args, fmt.Errorf("environment %q beforeEach: %w", e.Name(), err)
		}
		for k, v := range result {
			args[k] = v
		}
	}
	return args, nil
}

// AfterEach runs each environment's AfterEach in reverse order. Every
// AfterEach runs regardless of prior errors; the first error is
// returned.
func (c *Composite) AfterEach(ctx context.Context, t *model.TestInfo) error {
	var first error
	for i := len(c.envs) - 1; i >= 0; i-- {
		e := c.envs[i]
		if err := e.AfterEach(ctx, t); err != nil && first == nil {
			first = fmt.Errorf("environment %q afterEach: %w", e.Name(), err)
		}
	}
	return first
}
