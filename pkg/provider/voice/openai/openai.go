// Package openai mints ephemeral OpenAI Realtime session credentials.
//
// The server holds the long-lived API key; browsers receive only the
// client_secret returned by POST /v1/realtime/sessions, which expires about a
// minute after issue unless a session is opened with it.
package openai

import (
	"context"
	"fmt"
	"net/url"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/waypoint/pkg/provider/voice"
)

var _ voice.Provider = (*Provider)(nil)

const (
	defaultModel    = "gpt-4o-realtime-preview"
	defaultVoice    = "alloy"
	defaultEndpoint = "wss://api.openai.com/v1/realtime"
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the realtime model sessions are created for.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the REST base URL used to create sessions.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// WithEndpoint overrides the websocket endpoint handed to clients.
func WithEndpoint(u string) Option {
	return func(p *Provider) { p.endpoint = u }
}

// Provider implements voice.Provider for the OpenAI Realtime API.
type Provider struct {
	client   oai.Client
	model    string
	baseURL  string
	endpoint string
}

// New creates a Provider authenticated with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("voice/openai: apiKey must not be empty")
	}
	p := &Provider{
		model:    defaultModel,
		endpoint: defaultEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if p.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(p.baseURL))
	}
	p.client = oai.NewClient(reqOpts...)
	return p, nil
}

type sessionTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type sessionRequest struct {
	Model        string        `json:"model"`
	Voice        string        `json:"voice"`
	Instructions string        `json:"instructions,omitempty"`
	Tools        []sessionTool `json:"tools,omitempty"`
}

type sessionResponse struct {
	ID           string `json:"id"`
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

// CreateSession implements voice.Provider.
func (p *Provider) CreateSession(ctx context.Context, cfg voice.SessionConfig) (*voice.Credential, error) {
	req := sessionRequest{
		Model:        p.model,
		Voice:        cfg.Voice,
		Instructions: cfg.Instructions,
	}
	if req.Voice == "" {
		req.Voice = defaultVoice
	}
	for _, td := range cfg.Tools {
		req.Tools = append(req.Tools, sessionTool{
			Type:        "function",
			Name:        td.Name,
			Description: td.Description,
			Parameters:  td.Parameters,
		})
	}

	var resp sessionResponse
	if err := p.client.Post(ctx, "realtime/sessions", req, &resp); err != nil {
		return nil, fmt.Errorf("voice/openai: create session: %w", err)
	}
	if resp.ClientSecret.Value == "" {
		return nil, fmt.Errorf("voice/openai: create session: empty client secret")
	}

	cred := &voice.Credential{
		Token:    resp.ClientSecret.Value,
		Endpoint: p.endpoint + "?model=" + url.QueryEscape(p.model),
	}
	if resp.ClientSecret.ExpiresAt > 0 {
		cred.ExpiresAt = time.Unix(resp.ClientSecret.ExpiresAt, 0)
	}
	return cred, nil
}
