// Package resource guards mutations with lock-token checks and bumps version
// counters once they succeed.
package resource

import (
	"context"
	"errors"

	"github.com/cordum/davlock/core/dav"
	"github.com/cordum/davlock/core/infra/logging"
	"github.com/cordum/davlock/core/infra/metrics"
	"github.com/cordum/davlock/core/lockmgr"
	"github.com/cordum/davlock/core/version"
)

// Operation labels used for metrics and logs.
const (
	OpWrite      = "write"
	OpProperties = "properties"
	OpCreate     = "create"
	OpDelete     = "delete"
	OpMove       = "move"
	OpCopy       = "copy"
)

// Mutation names what must be authorized before op runs and what must be
// bumped after it succeeds.
type Mutation struct {
	Op        string
	Authorize []string
	Bump      []string
	Tokens    []string
}

type Option func(*Gateway)

func WithMetrics(m metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// Gateway is the entry point a protocol layer calls for every mutation.
type Gateway struct {
	locks   *lockmgr.Manager
	stamp   *version.Stamp
	metrics metrics.Metrics
}

func New(locks *lockmgr.Manager, stamp *version.Stamp, opts ...Option) *Gateway {
	g := &Gateway{locks: locks, stamp: stamp, metrics: metrics.Noop{}}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) Locks() *lockmgr.Manager { return g.locks }

func (g *Gateway) Stamp() *version.Stamp { return g.stamp }

// Perform authorizes every resource in m, runs op, and bumps the versions in m
// only if op succeeded. When op succeeded but a bump failed, op's result is
// returned together with a committed dav.StorageError.
func Perform[T any](ctx context.Context, g *Gateway, m Mutation, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	authorize, err := normalizeAll(m.Authorize)
	if err != nil {
		return zero, err
	}
	bump, err := normalizeAll(m.Bump)
	if err != nil {
		return zero, err
	}
	for _, resource := range authorize {
		if err := g.locks.Authorize(ctx, resource, m.Tokens); err != nil {
			g.metrics.IncMutation(m.Op, status(err))
			return zero, err
		}
	}
	result, err := op(ctx)
	if err != nil {
		g.metrics.IncMutation(m.Op, "failed")
		return zero, err
	}
	for _, resource := range bump {
		if _, err := g.stamp.Bump(ctx, resource); err != nil {
			g.metrics.IncMutation(m.Op, "stale")
			logging.Error("resource", "mutation committed without version bump", "op", m.Op, "resource", resource, "error", err)
			return result, dav.Committed("bump version", resource, err)
		}
	}
	g.metrics.IncMutation(m.Op, "ok")
	return result, nil
}

// PerformMutation guards a single-resource mutation that yields a result.
func PerformMutation[T any](ctx context.Context, g *Gateway, resource string, tokens []string, op func(ctx context.Context) (T, error)) (T, error) {
	return Perform(ctx, g, Mutation{Op: OpWrite, Authorize: []string{resource}, Bump: []string{resource}, Tokens: tokens}, op)
}

// Write guards a content write on resource.
func (g *Gateway) Write(ctx context.Context, resource string, tokens []string, op func(ctx context.Context) error) error {
	return g.run(ctx, Mutation{Op: OpWrite, Authorize: []string{resource}, Bump: []string{resource}, Tokens: tokens}, op)
}

// UpdateProperties guards a property change on resource.
func (g *Gateway) UpdateProperties(ctx context.Context, resource string, tokens []string, op func(ctx context.Context) error) error {
	return g.run(ctx, Mutation{Op: OpProperties, Authorize: []string{resource}, Bump: []string{resource}, Tokens: tokens}, op)
}

// Create guards adding resource to its parent folder. Both are bumped.
func (g *Gateway) Create(ctx context.Context, resource string, tokens []string, op func(ctx context.Context) error) error {
	parent, err := parentOf(resource)
	if err != nil {
		return err
	}
	return g.run(ctx, Mutation{Op: OpCreate, Authorize: []string{parent}, Bump: []string{resource, parent}, Tokens: tokens}, op)
}

// Delete guards removing resource. Both the item and its parent folder must
// be unlocked or unlocked by tokens, and both are bumped.
func (g *Gateway) Delete(ctx context.Context, resource string, tokens []string, op func(ctx context.Context) error) error {
	parent, err := parentOf(resource)
	if err != nil {
		return err
	}
	return g.run(ctx, Mutation{Op: OpDelete, Authorize: []string{parent, resource}, Bump: []string{resource, parent}, Tokens: tokens}, op)
}

// Move guards moving src to dst, overwriting dst if it exists.
func (g *Gateway) Move(ctx context.Context, src, dst string, tokens []string, op func(ctx context.Context) error) error {
	srcParent, err := parentOf(src)
	if err != nil {
		return err
	}
	dstParent, err := parentOf(dst)
	if err != nil {
		return err
	}
	return g.run(ctx, Mutation{
		Op:        OpMove,
		Authorize: []string{srcParent, src, dstParent, dst},
		Bump:      []string{srcParent, dst, dstParent},
		Tokens:    tokens,
	}, op)
}

// Copy guards copying src over dst. The source is only read.
func (g *Gateway) Copy(ctx context.Context, src, dst string, tokens []string, op func(ctx context.Context) error) error {
	if _, err := dav.Normalize(src); err != nil {
		return err
	}
	dstParent, err := parentOf(dst)
	if err != nil {
		return err
	}
	return g.run(ctx, Mutation{Op: OpCopy, Authorize: []string{dstParent, dst}, Bump: []string{dst, dstParent}, Tokens: tokens}, op)
}

func (g *Gateway) run(ctx context.Context, m Mutation, op func(ctx context.Context) error) error {
	_, err := Perform(ctx, g, m, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

func parentOf(resource string) (string, error) {
	normalized, err := dav.Normalize(resource)
	if err != nil {
		return "", err
	}
	return dav.Parent(normalized), nil
}

// normalizeAll cleans and dedupes resources, keeping first-seen order.
func normalizeAll(resources []string) ([]string, error) {
	out := make([]string, 0, len(resources))
	seen := make(map[string]struct{}, len(resources))
	for _, r := range resources {
		normalized, err := dav.Normalize(r)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	return out, nil
}

func status(err error) string {
	switch {
	case errors.Is(err, dav.ErrLocked):
		return "locked"
	case dav.IsStorage(err):
		return "storage_error"
	default:
		return "error"
	}
}
