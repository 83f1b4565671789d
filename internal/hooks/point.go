// Package hooks implements cooperative interception of host lifecycle points.
//
// Each lifecycle point (shared memory startup, post-parse analysis, executor
// start) is a Point: a base function supplied by the host plus an ordered
// list of middleware installed by extensions. The most recently installed
// middleware wraps the previous chain, so it decides whether to call the
// older hooks before or after its own logic.
//
// Installation returns a Saved value describing the chain as it was before;
// an extension passes it back to Restore on shutdown.
//
// Invocation is lock-free: the composed function is rebuilt under a mutex on
// every Install/Restore and published through an atomic pointer, so hot
// paths only pay for one atomic load.
package hooks

import (
	"sync"
	"sync/atomic"
)

// Middleware wraps the next function in the chain.
type Middleware[F any] func(next F) F

// Saved is a snapshot of a chain taken by Install.
type Saved[F any] struct {
	layers []Middleware[F]
}

// Len returns the number of middleware layers in the snapshot.
func (s Saved[F]) Len() int { return len(s.layers) }

// Point is one interceptable lifecycle point.
type Point[F any] struct {
	name string
	base F

	mu       sync.Mutex
	layers   []Middleware[F]
	composed atomic.Pointer[F]
}

// NewPoint creates a lifecycle point whose chain ends in base.
func NewPoint[F any](name string, base F) *Point[F] {
	p := &Point[F]{name: name, base: base}
	p.publish()
	return p
}

// Name returns the lifecycle point name.
func (p *Point[F]) Name() string { return p.name }

// Install adds m as the outermost layer and returns the previous chain.
func (p *Point[F]) Install(m Middleware[F]) Saved[F] {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev := Saved[F]{layers: p.snapshot()}
	p.layers = append(p.snapshot(), m)
	p.publish()
	return prev
}

// Restore resets the chain to a snapshot returned by Install.
// Layers installed after the snapshot are dropped.
func (p *Point[F]) Restore(s Saved[F]) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.layers = append([]Middleware[F](nil), s.layers...)
	p.publish()
}

// Len returns the number of installed layers.
func (p *Point[F]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.layers)
}

// Func returns the composed chain.
func (p *Point[F]) Func() F {
	return *p.composed.Load()
}

// snapshot copies the layer slice so saved chains never alias live state.
// Must be called with p.mu held.
func (p *Point[F]) snapshot() []Middleware[F] {
	return append([]Middleware[F](nil), p.layers...)
}

// publish composes base and layers, innermost first.
// Must be called with p.mu held (or before p escapes).
func (p *Point[F]) publish() {
	f := p.base
	for _, m := range p.layers {
		f = m(f)
	}
	p.composed.Store(&f)
}
