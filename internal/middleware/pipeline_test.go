package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingMiddleware logs every hook it's called on into a shared trace,
// and can be configured to short-circuit, fail, or render an on_error
// response, to exercise the pipeline's branch points precisely.
type recordingMiddleware struct {
	Base
	trace        *[]string
	shortCircuit bool
	fail         bool
	rendersError bool
}

func (m *recordingMiddleware) PreRequest(ctx context.Context, r *http.Request) (context.Context, PreResult) {
	*m.trace = append(*m.trace, "pre:"+m.Name())
	if m.fail {
		return ctx, PreResult{Verdict: Fail, Err: assert.AnError}
	}
	if m.shortCircuit {
		return ctx, PreResult{Verdict: ShortCircuit, Response: &ShortCircuitResponse{StatusCode: 403}}
	}
	return ctx, PreResult{Verdict: Continue}
}

func (m *recordingMiddleware) PostResponse(_ context.Context, _ *http.Request, resp *http.Response) *http.Response {
	*m.trace = append(*m.trace, "post:"+m.Name())
	return resp
}

func (m *recordingMiddleware) OnError(_ context.Context, _ *http.Request, _ error) *ShortCircuitResponse {
	*m.trace = append(*m.trace, "onerror:"+m.Name())
	if m.rendersError {
		return &ShortCircuitResponse{StatusCode: 500}
	}
	return nil
}

func newRecorder(trace *[]string, name string) *recordingMiddleware {
	return &recordingMiddleware{Base: NewBase(name), trace: trace}
}

func TestPipeline_PreRequestRunsInDeclaredOrder(t *testing.T) {
	var trace []string
	a, b, c := newRecorder(&trace, "a"), newRecorder(&trace, "b"), newRecorder(&trace, "c")
	p := NewPipeline([]Middleware{a, b, c})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, outcome := p.RunPreRequest(context.Background(), req)

	require.Equal(t, Continue, outcome.Verdict)
	assert.Equal(t, []string{"pre:a", "pre:b", "pre:c"}, trace)
}

func TestPipeline_ShortCircuitStopsPreRequest(t *testing.T) {
	var trace []string
	a, b, c := newRecorder(&trace, "a"), newRecorder(&trace, "b"), newRecorder(&trace, "c")
	b.shortCircuit = true
	p := NewPipeline([]Middleware{a, b, c})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, outcome := p.RunPreRequest(context.Background(), req)

	require.Equal(t, ShortCircuit, outcome.Verdict)
	assert.Equal(t, []string{"pre:a", "pre:b"}, trace, "c must never run pre_request after b short-circuits")
}

func TestPipeline_PostResponseRunsReverseUpToAndIncludingShortCircuiter(t *testing.T) {
	var trace []string
	a, b, c := newRecorder(&trace, "a"), newRecorder(&trace, "b"), newRecorder(&trace, "c")
	b.shortCircuit = true
	p := NewPipeline([]Middleware{a, b, c})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, outcome := p.RunPreRequest(context.Background(), req)
	trace = nil // isolate the post_response pass

	resp := &http.Response{StatusCode: 403}
	p.RunPostResponse(context.Background(), req, resp, outcome)

	assert.Equal(t, []string{"post:b", "post:a"}, trace, "post_response runs in reverse, including the short-circuiter, excluding c which never ran")
}

func TestPipeline_PostResponseRunsFullReverseChainOnNormalCompletion(t *testing.T) {
	var trace []string
	a, b, c := newRecorder(&trace, "a"), newRecorder(&trace, "b"), newRecorder(&trace, "c")
	p := NewPipeline([]Middleware{a, b, c})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, outcome := p.RunPreRequest(context.Background(), req)
	trace = nil

	resp := &http.Response{StatusCode: 200}
	p.RunPostResponse(context.Background(), req, resp, outcome)

	assert.Equal(t, []string{"post:c", "post:b", "post:a"}, trace)
}

func TestPipeline_OnErrorRunsOverFullChainNotJustRan(t *testing.T) {
	var trace []string
	a, b, c := newRecorder(&trace, "a"), newRecorder(&trace, "b"), newRecorder(&trace, "c")
	b.fail = true // b fails during pre_request, so c never "ran" in the Outcome sense
	p := NewPipeline([]Middleware{a, b, c})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, outcome := p.RunPreRequest(context.Background(), req)
	require.Equal(t, Fail, outcome.Verdict)
	trace = nil

	p.RunOnError(context.Background(), req, outcome.Err)

	assert.Equal(t, []string{"onerror:c", "onerror:b", "onerror:a"}, trace, "on_error considers the full declared chain, including middlewares that never ran pre_request")
}

func TestPipeline_OnErrorStopsAtFirstRenderer(t *testing.T) {
	var trace []string
	a, b, c := newRecorder(&trace, "a"), newRecorder(&trace, "b"), newRecorder(&trace, "c")
	b.rendersError = true
	p := NewPipeline([]Middleware{a, b, c})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	resp := p.RunOnError(context.Background(), req, assert.AnError)

	require.NotNil(t, resp)
	assert.Equal(t, 500, resp.StatusCode)
	assert.Equal(t, []string{"onerror:c", "onerror:b"}, trace, "a must never be asked once b renders a response")
}
