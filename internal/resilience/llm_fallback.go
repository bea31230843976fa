package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/waypoint/pkg/provider/llm"
)

// errEmptyCompletion is returned for a provider that answered without error
// but with a nil response; it counts as a failure so the next entry is tried.
var errEmptyCompletion = errors.New("provider returned empty completion")

// LLMFallback implements [llm.Provider] with automatic failover across
// several reasoning backends. Each backend has its own circuit breaker; when
// the primary fails, times out or its breaker is open, the next healthy
// fallback is tried within the same call.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

// Compile-time interface assertion.
var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional reasoning provider as a fallback.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// AddFallbackTimeout registers a fallback with its own attempt timeout.
func (f *LLMFallback) AddFallbackTimeout(name string, provider llm.Provider, timeout time.Duration) {
	f.group.AddFallbackTimeout(name, provider, timeout)
}

// Complete sends the request to the first healthy provider and returns its
// response.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, p llm.Provider) (*llm.CompletionResponse, error) {
		resp, err := p.Complete(ctx, req)
		if err == nil && resp == nil {
			err = errEmptyCompletion
		}
		return resp, err
	})
}

// Capabilities returns the capabilities of the primary. Capabilities are
// static metadata and do not participate in failover.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	if len(f.group.entries) > 0 {
		return f.group.entries[0].value.Capabilities()
	}
	return llm.ModelCapabilities{}
}
