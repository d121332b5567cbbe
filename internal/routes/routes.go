// Package routes maintains the router contract: the names/ and ports/
// directories an edge router reads to map a public host to a forwarded port,
// plus an optional Redis mirror of the same bindings and an in-process feed
// of binding events.
package routes

import (
	"context"
	"errors"
	"fmt"

	"github.com/koltyakov/addr/internal/domain"
)

// Binding ties a registered name to the broker-side port that forwards its
// traffic. Domain is the host the router serves for the name.
type Binding struct {
	Name   string `json:"name"`
	Domain string `json:"domain"`
	Port   int    `json:"port"`
}

// NewBinding builds the binding for name under base.
func NewBinding(name, base string, port int) Binding {
	return Binding{Name: name, Domain: domain.RouteHost(name, base), Port: port}
}

// Sink receives bindings before they are committed to the registry.
type Sink interface {
	Publish(ctx context.Context, b Binding) error
}

// Multi publishes to every sink in order and stops at the first failure, so
// a later sink never holds a binding an earlier one rejected.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, b Binding) error {
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

// BindingLister is the registry view Sync needs.
type BindingLister interface {
	ListBindings(ctx context.Context) ([]domain.PortRecord, error)
}

// Sync republishes every binding the registry agrees on. It returns the
// number of bindings written and the joined errors of those that failed.
func Sync(ctx context.Context, lister BindingLister, base string, sink Sink) (int, error) {
	records, err := lister.ListBindings(ctx)
	if err != nil {
		return 0, fmt.Errorf("list bindings: %w", err)
	}
	var (
		written int
		errs    []error
	)
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		b := NewBinding(rec.Owner, base, rec.Port)
		if err := sink.Publish(ctx, b); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.Domain, err))
			continue
		}
		written++
	}
	return written, errors.Join(errs...)
}
