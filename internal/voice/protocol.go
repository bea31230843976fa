package voice

import (
	"errors"
	"time"

	"github.com/MrWong99/waypoint/internal/reasoning"
	"github.com/MrWong99/waypoint/pkg/provider/llm"
	speech "github.com/MrWong99/waypoint/pkg/provider/voice"
)

// Message types of the voice websocket protocol.
const (
	TypeDelegate  = "delegate"
	TypeInterrupt = "interrupt"
	TypeResponse  = "response"
	TypeSession   = "session"
	TypeError     = "error"
)

// ErrUnknownMessage is returned by [Bridge.Handle] for an unrecognised type.
var ErrUnknownMessage = errors.New("voice: unknown message type")

// Inbound is a message from the client's speech layer.
type Inbound struct {
	Type    string                  `json:"type"`
	Text    string                  `json:"text,omitempty"`
	Context reasoning.ClientContext `json:"context,omitzero"`
}

// Outbound is a message to the client's speech layer.
type Outbound struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// Session fields, set only on TypeSession.
	Token     string     `json:"token,omitempty"`
	Endpoint  string     `json:"endpoint,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// DelegateFunction is the name of the function the speech model calls to hand
// an utterance to the reasoning layer.
const DelegateFunction = "delegate_to_assistant"

// DefaultSpeechInstructions is the speech model's system prompt when none is
// configured.
const DefaultSpeechInstructions = "You are the voice of a travel assistant. " +
	"For anything that needs facts, records, dates or actions, call " + DelegateFunction +
	" with the user's request and read the answer back naturally. " +
	"Keep small talk short."

// DelegationTool is the single function offered to the speech model.
func DelegationTool() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        DelegateFunction,
		Description: "Hand the user's request to the assistant that can look things up and take actions.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{
					"type":        "string",
					"description": "The user's request, verbatim or lightly cleaned up.",
				},
			},
			"required": []any{"text"},
		},
	}
}

// SpeechSession returns the speech session configuration for a bridge. An
// empty instructions string uses [DefaultSpeechInstructions].
func SpeechSession(voiceID, instructions string) speech.SessionConfig {
	if instructions == "" {
		instructions = DefaultSpeechInstructions
	}
	return speech.SessionConfig{
		Instructions: instructions,
		Voice:        voiceID,
		Tools:        []llm.ToolDefinition{DelegationTool()},
	}
}
