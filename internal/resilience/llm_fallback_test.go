package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/waypoint/pkg/provider/llm"
	llmmock "github.com/MrWong99/waypoint/pkg/provider/llm/mock"
)

func TestLLMFallback_Complete_PrimarySuccess(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "hello from primary"}}
	secondary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "hello from secondary"}}

	fb := NewLLMFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	resp, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hello from primary" {
		t.Fatalf("content = %q, want 'hello from primary'", resp.Content)
	}
	if n := len(secondary.Calls()); n != 0 {
		t.Fatalf("secondary called %d times, want 0", n)
	}
}

func TestLLMFallback_Complete_Failover(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{CompleteErr: errors.New("primary down")}
	secondary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "hello from secondary"}}

	fb := NewLLMFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	resp, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hello from secondary" {
		t.Fatalf("content = %q, want 'hello from secondary'", resp.Content)
	}
}

func TestLLMFallback_Complete_PrimaryTimeout(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{
		CompleteFunc: func(ctx context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	secondary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "fallback"}}

	fb := NewLLMFallback(primary, "primary", FallbackConfig{AttemptTimeout: 20 * time.Millisecond})
	fb.AddFallback("secondary", secondary)

	resp, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "fallback" {
		t.Fatalf("content = %q, want fallback", resp.Content)
	}
}

func TestLLMFallback_Complete_NilResponseFailsOver(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{}
	secondary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "ok"}}

	fb := NewLLMFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	resp, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil || resp.Content != "ok" {
		t.Fatalf("Complete = %v, %v; want ok", resp, err)
	}
}

func TestLLMFallback_Complete_AllFail(t *testing.T) {
	t.Parallel()

	fb := NewLLMFallback(&llmmock.Provider{CompleteErr: errTest}, "primary", FallbackConfig{})
	fb.AddFallback("secondary", &llmmock.Provider{CompleteErr: errTest})

	_, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestLLMFallback_Capabilities(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{ModelCapabilities: llm.ModelCapabilities{ContextWindow: 1000}}
	fb := NewLLMFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", &llmmock.Provider{ModelCapabilities: llm.ModelCapabilities{ContextWindow: 2000}})

	if got := fb.Capabilities().ContextWindow; got != 1000 {
		t.Fatalf("ContextWindow = %d, want 1000 (primary)", got)
	}
}
