// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to feed controlled responses to the reasoning loop
// and to inspect the CompletionRequests it sent. Responses can be scripted as a
// queue (Script) for multi-round tool conversations, fixed (CompleteResponse),
// or computed (CompleteFunc) when a test needs to block or observe ctx.
//
// Example:
//
//	p := &mock.Provider{
//	    Script: []mock.Reply{
//	        {Response: &llm.CompletionResponse{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "current_time", Arguments: "{}"}}}},
//	        {Response: &llm.CompletionResponse{Content: "It is noon."}},
//	    },
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/waypoint/pkg/provider/llm"
)

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	// Ctx is the context passed to Complete.
	Ctx context.Context
	// Req is the CompletionRequest passed to Complete.
	Req llm.CompletionRequest
}

// Reply is one scripted answer.
type Reply struct {
	Response *llm.CompletionResponse
	Err      error
}

// Provider is a mock implementation of llm.Provider.
//
// Complete resolves its answer in this order: CompleteFunc if set, then the
// next entry of Script, then CompleteResponse/CompleteErr.
type Provider struct {
	mu sync.Mutex

	// CompleteFunc, if non-nil, computes the answer for every call.
	CompleteFunc func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)

	// Script is consumed front to back, one entry per call.
	Script []Reply

	// CompleteResponse is returned once Script is exhausted.
	CompleteResponse *llm.CompletionResponse

	// CompleteErr, if non-nil, is returned once Script is exhausted.
	CompleteErr error

	// ModelCapabilities is returned by Capabilities.
	ModelCapabilities llm.ModelCapabilities

	// CompleteCalls records every invocation of Complete in order.
	CompleteCalls []CompleteCall
}

// Complete records the call and returns the next configured answer.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: cloneRequest(req)})
	fn := p.CompleteFunc
	if fn == nil && len(p.Script) > 0 {
		r := p.Script[0]
		p.Script = p.Script[1:]
		p.mu.Unlock()
		return r.Response, r.Err
	}
	resp, err := p.CompleteResponse, p.CompleteErr
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return resp, err
}

// Capabilities returns ModelCapabilities.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelCapabilities
}

// Calls returns a snapshot of the recorded Complete calls. Thread-safe.
func (p *Provider) Calls() []CompleteCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]CompleteCall, len(p.CompleteCalls))
	copy(out, p.CompleteCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = nil
}

func cloneRequest(req llm.CompletionRequest) llm.CompletionRequest {
	msgs := make([]llm.Message, len(req.Messages))
	copy(msgs, req.Messages)
	req.Messages = msgs
	return req
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
