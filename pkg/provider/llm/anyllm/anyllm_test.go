package anyllm

import (
	"slices"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/waypoint/pkg/provider/llm"
)

func TestConvertMessage(t *testing.T) {
	t.Parallel()

	got := convertMessage(llm.Message{Role: llm.RoleUser, Content: "add a $50 gas expense"})
	if got.Role != llm.RoleUser {
		t.Errorf("Role = %q, want %q", got.Role, llm.RoleUser)
	}
	if got.ContentString() != "add a $50 gas expense" {
		t.Errorf("Content = %q, want %q", got.ContentString(), "add a $50 gas expense")
	}
}

func TestConvertMessage_ToolRoundTrip(t *testing.T) {
	t.Parallel()

	asst := convertMessage(llm.Message{
		Role:      llm.RoleAssistant,
		ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "create_expense", Arguments: `{"amount":50}`}},
	})
	if len(asst.ToolCalls) != 1 {
		t.Fatalf("len(ToolCalls) = %d, want 1", len(asst.ToolCalls))
	}
	tc := asst.ToolCalls[0]
	if tc.ID != "call_1" || tc.Type != "function" || tc.Function.Name != "create_expense" {
		t.Errorf("ToolCall = %+v, want call_1/function/create_expense", tc)
	}

	res := convertMessage(llm.Message{Role: llm.RoleTool, Content: `{"status":"success"}`, ToolCallID: "call_1"})
	if res.ToolCallID != "call_1" {
		t.Errorf("ToolCallID = %q, want call_1", res.ToolCallID)
	}
}

func TestBuildParams(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "claude-sonnet-4-5"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "Today is 2026-01-20.",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
		Tools:        []llm.ToolDefinition{{Name: "current_time", Parameters: map[string]any{"type": "object"}}},
		Temperature:  0.2,
	})
	if params.Model != "claude-sonnet-4-5" {
		t.Errorf("Model = %q, want claude-sonnet-4-5", params.Model)
	}
	if len(params.Messages) != 2 || params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Errorf("Messages = %+v, want system prompt first", params.Messages)
	}
	if len(params.Tools) != 1 || params.Tools[0].Function.Name != "current_time" {
		t.Errorf("Tools = %+v, want current_time", params.Tools)
	}
	if params.Temperature == nil || *params.Temperature != 0.2 {
		t.Errorf("Temperature = %v, want 0.2", params.Temperature)
	}
	if params.MaxTokens != nil {
		t.Errorf("MaxTokens = %v, want nil", *params.MaxTokens)
	}
}

func TestModelCapabilities(t *testing.T) {
	t.Parallel()

	tests := []struct {
		model     string
		window    int
		toolCalls bool
	}{
		{"claude-sonnet-4-5", 200_000, true},
		{"GEMINI-2.5-flash", 1_048_576, true},
		{"o1-mini", 128_000, false},
		{"my-local-model", 128_000, true},
	}
	for _, tc := range tests {
		caps := modelCapabilities(tc.model)
		if caps.ContextWindow != tc.window {
			t.Errorf("%s: ContextWindow = %d, want %d", tc.model, caps.ContextWindow, tc.window)
		}
		if caps.SupportsToolCalling != tc.toolCalls {
			t.Errorf("%s: SupportsToolCalling = %v, want %v", tc.model, caps.SupportsToolCalling, tc.toolCalls)
		}
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for empty provider name")
	}
	if _, err := New("openai", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("fakecloud", "m", anyllmlib.WithAPIKey("dummy")); err == nil {
		t.Error("expected error for unsupported provider")
	}
}

func TestNew_Backends(t *testing.T) {
	p, err := New("Anthropic", "claude-sonnet-4-5", anyllmlib.WithAPIKey("sk-ant-test"))
	if err != nil {
		t.Fatalf("New(anthropic): %v", err)
	}
	if p.model != "claude-sonnet-4-5" {
		t.Errorf("model = %q, want claude-sonnet-4-5", p.model)
	}
	if _, err := New("ollama", "llama3"); err != nil {
		t.Errorf("New(ollama) without key: %v", err)
	}
}

func TestNames(t *testing.T) {
	t.Parallel()

	names := Names()
	if !slices.IsSorted(names) {
		t.Errorf("Names() = %v, want sorted", names)
	}
	for _, want := range []string{"openai", "anthropic", "gemini", "ollama"} {
		if !slices.Contains(names, want) {
			t.Errorf("Names() missing %q", want)
		}
	}
}
