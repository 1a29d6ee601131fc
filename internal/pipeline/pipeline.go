// Package pipeline composes middleware around a terminal handler.
// Middleware runs in registration order on the way in and reverse order on
// the way out; a middleware short-circuits downstream processing by not
// calling next.
package pipeline

import (
	"fmt"

	"github.com/trellishq/trellis/internal/exchange"
)

// Handler terminates a pipeline run.
type Handler func(*exchange.Exchange)

// Next resumes the pipeline. Each middleware invocation may call it at most
// once; a second call panics.
type Next func()

// Middleware wraps downstream processing. Implementations may mutate the
// exchange before or after next, or skip next entirely to short-circuit.
type Middleware func(*exchange.Exchange, Next)

// Pipeline is an ordered middleware list. Register everything before
// serving; Execute is safe for concurrent use once registration is done.
type Pipeline struct {
	middlewares []Middleware
}

// New returns a pipeline preloaded with the given middleware.
func New(mw ...Middleware) *Pipeline {
	return &Pipeline{middlewares: mw}
}

// Use appends middleware to the chain.
func (p *Pipeline) Use(mw ...Middleware) {
	p.middlewares = append(p.middlewares, mw...)
}

// Len returns the number of registered middlewares.
func (p *Pipeline) Len() int { return len(p.middlewares) }

// Execute runs the chain against ex, invoking terminal when every
// middleware has called next.
func (p *Pipeline) Execute(ex *exchange.Exchange, terminal Handler) {
	var run func(i int)
	run = func(i int) {
		if i == len(p.middlewares) {
			terminal(ex)
			return
		}
		called := false
		p.middlewares[i](ex, func() {
			if called {
				panic(fmt.Sprintf("pipeline: middleware %d called next twice", i))
			}
			called = true
			run(i + 1)
		})
	}
	run(0)
}
