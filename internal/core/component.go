// Package core provides the minimal component lifecycle framework the rest
// of the balancer is built on: a component declares its dependencies by name,
// the container orders components topologically, and the lifecycle manager
// starts/stops them in that order (and the reverse order on shutdown).
package core

import (
	"context"
	"fmt"
)

// Component is anything with a name, a dependency list, and a start/stop
// lifecycle tied to a context.
type Component interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	HealthCheck() error
	Dependencies() []string
	IsActive() bool
}

// BaseComponent gives concrete components the bookkeeping every one of them
// needs without forcing them to reimplement it.
type BaseComponent struct {
	name   string
	active bool
	deps   []string
}

func NewBaseComponent(name string, deps ...string) *BaseComponent {
	return &BaseComponent{name: name, deps: deps}
}

func (c *BaseComponent) Name() string { return c.name }

func (c *BaseComponent) Dependencies() []string { return c.deps }

func (c *BaseComponent) IsActive() bool { return c.active }

func (c *BaseComponent) SetActive(active bool) { c.active = active }

func (c *BaseComponent) Start(ctx context.Context) error {
	c.active = true
	return nil
}

func (c *BaseComponent) Stop(ctx context.Context) error {
	c.active = false
	return nil
}

func (c *BaseComponent) HealthCheck() error {
	if !c.active {
		return fmt.Errorf("component %s is not active", c.name)
	}
	return nil
}
