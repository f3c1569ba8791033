// Package middleware implements the composable pre/post/on_error pipeline
// the specification describes, plus the factory-table registry that builds
// named middleware instances from per-route config, and the built-in
// middleware set: auth, cors, header-rewrite, rate-limit, logging, tracing,
// security-headers.
package middleware

import (
	"context"
	"net/http"
)

// Verdict is what pre_request returns.
type Verdict int

const (
	Continue Verdict = iota
	ShortCircuit
	Fail
)

// PreResult is the outcome of one middleware's pre_request call.
type PreResult struct {
	Verdict  Verdict
	Response *ShortCircuitResponse // set when Verdict == ShortCircuit
	Err      error                 // set when Verdict == Fail
}

// ShortCircuitResponse is a synthetic response a middleware can return
// without calling the upstream.
type ShortCircuitResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Middleware is a composable request/response interceptor.
type Middleware interface {
	Name() string
	PreRequest(ctx context.Context, r *http.Request) (context.Context, PreResult)
	PostResponse(ctx context.Context, r *http.Request, resp *http.Response) *http.Response
	OnError(ctx context.Context, r *http.Request, err error) *ShortCircuitResponse
}

// Base gives middlewares trivial no-op PostResponse/OnError so concrete
// types only implement what they need, the way the teacher's chain-building
// helpers favored small single-purpose handlers over deep hierarchies.
type Base struct{ name string }

func NewBase(name string) Base { return Base{name: name} }
func (b Base) Name() string    { return b.name }
func (b Base) PostResponse(_ context.Context, _ *http.Request, resp *http.Response) *http.Response {
	return resp
}
func (b Base) OnError(_ context.Context, _ *http.Request, _ error) *ShortCircuitResponse { return nil }

// Pipeline is the ordered chain of middleware declared on one route.
type Pipeline struct {
	chain []Middleware
}

// NewPipeline builds a Pipeline in declared order.
func NewPipeline(chain []Middleware) *Pipeline {
	return &Pipeline{chain: chain}
}

// Outcome is the result of running the pipeline's pre-request pass.
type Outcome struct {
	Verdict      Verdict
	Response     *ShortCircuitResponse
	Err          error
	ran          []Middleware // middlewares whose PreRequest returned Continue, plus the short-circuiter, in run order
	shortCircuit Middleware   // the middleware that short-circuited, if any
}

// RunPreRequest runs pre_request in declared order, stopping at the first
// ShortCircuit or Fail.
func (p *Pipeline) RunPreRequest(ctx context.Context, r *http.Request) (context.Context, Outcome) {
	var ran []Middleware
	for _, mw := range p.chain {
		var res PreResult
		ctx, res = mw.PreRequest(ctx, r)
		switch res.Verdict {
		case Continue:
			ran = append(ran, mw)
		case ShortCircuit:
			ran = append(ran, mw)
			return ctx, Outcome{Verdict: ShortCircuit, Response: res.Response, ran: ran, shortCircuit: mw}
		case Fail:
			return ctx, Outcome{Verdict: Fail, Err: res.Err, ran: ran}
		}
	}
	return ctx, Outcome{Verdict: Continue, ran: ran}
}

// RunPostResponse runs post_response in reverse order, but only for
// middlewares whose pre_request returned Continue — including the one that
// short-circuited, per the specification: post_response runs for
// middlewares up to and including the short-circuiter.
func (p *Pipeline) RunPostResponse(ctx context.Context, r *http.Request, resp *http.Response, o Outcome) *http.Response {
	for i := len(o.ran) - 1; i >= 0; i-- {
		resp = o.ran[i].PostResponse(ctx, r, resp)
	}
	return resp
}

// RunOnError runs on_error in reverse declared order over the full chain
// (not just o.ran — a downstream failure should still give every earlier
// middleware a chance to render it), stopping at the first middleware that
// returns a response.
func (p *Pipeline) RunOnError(ctx context.Context, r *http.Request, err error) *ShortCircuitResponse {
	for i := len(p.chain) - 1; i >= 0; i-- {
		if resp := p.chain[i].OnError(ctx, r, err); resp != nil {
			return resp
		}
	}
	return nil
}
