// Package mcptool imports tools published by Model Context Protocol servers
// into the tool registry.
//
// Each server is connected with the official MCP Go SDK
// (github.com/modelcontextprotocol/go-sdk). Its tool catalogue is listed once
// at startup and every tool whose input schema uses only scalar properties is
// converted into a [tool.Definition] with typed [tool.Field]s, so imported
// tools go through the same validation, authorization and safety pipeline as
// built-in ones.
//
// Usage:
//
//	im := mcptool.New()
//	defer im.Close()
//	defs, err := im.Connect(ctx, mcptool.ServerConfig{
//	    Name:      "weather",
//	    Transport: mcptool.TransportStreamableHTTP,
//	    URL:       "http://localhost:8081/mcp",
//	})
package mcptool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/waypoint/internal/tool"
)

// Transport selects the connection mechanism for an MCP server.
type Transport string

const (
	// TransportStdio spawns a subprocess and communicates over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP uses the MCP Streamable HTTP protocol.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerConfig describes one MCP server.
type ServerConfig struct {
	Name      string
	Transport Transport

	// Command is the executable and arguments for stdio servers.
	Command string

	// URL is the endpoint for streamable-http servers.
	URL string

	// Env is added to the environment of stdio servers.
	Env map[string]string

	// Authorization applies to every imported tool. Default: public-read.
	Authorization tool.Authorization

	// Timeout overrides the dispatcher's handler timeout when > 0.
	Timeout time.Duration
}

// Importer owns the MCP client and every open server session.
type Importer struct {
	client *mcpsdk.Client

	mu       sync.Mutex
	sessions map[string]*mcpsdk.ClientSession
}

// New creates an Importer.
func New() *Importer {
	return &Importer{
		client:   mcpsdk.NewClient(&mcpsdk.Implementation{Name: "waypoint", Version: "1.0.0"}, nil),
		sessions: make(map[string]*mcpsdk.ClientSession),
	}
}

// Connect opens cfg's transport and imports the server's tools.
func (im *Importer) Connect(ctx context.Context, cfg ServerConfig) ([]tool.Definition, error) {
	if cfg.Name == "" {
		return nil, errors.New("mcptool: server config must have a non-empty name")
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return nil, fmt.Errorf("mcptool: stdio server %q requires a non-empty command", cfg.Name)
		}
		cmd := exec.Command(executable, args...)
		if len(cfg.Env) > 0 {
			cmd.Env = os.Environ()
		}
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}
	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("mcptool: streamable-http server %q requires a non-empty url", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	default:
		return nil, fmt.Errorf("mcptool: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}
	return im.Import(ctx, cfg, transport)
}

// Import connects over an already constructed transport and converts the
// server's tools. Tools that cannot be represented are skipped with a
// warning.
func (im *Importer) Import(ctx context.Context, cfg ServerConfig, transport mcpsdk.Transport) ([]tool.Definition, error) {
	session, err := im.client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("mcptool: connect to server %q: %w", cfg.Name, err)
	}

	var listed []*mcpsdk.Tool
	for t, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return nil, fmt.Errorf("mcptool: list tools of server %q: %w", cfg.Name, err)
		}
		listed = append(listed, t)
	}

	im.mu.Lock()
	if old, ok := im.sessions[cfg.Name]; ok {
		_ = old.Close()
	}
	im.sessions[cfg.Name] = session
	im.mu.Unlock()

	auth := cfg.Authorization
	if auth == "" {
		auth = tool.PublicRead
	}

	defs := make([]tool.Definition, 0, len(listed))
	for _, t := range listed {
		fields, err := FieldsFromSchema(schemaToMap(t.InputSchema))
		if err != nil {
			slog.Warn("mcptool: skipping tool", "server", cfg.Name, "tool", t.Name, "error", err)
			continue
		}
		schema, err := tool.NewSchema(fields...)
		if err != nil {
			slog.Warn("mcptool: skipping tool", "server", cfg.Name, "tool", t.Name, "error", err)
			continue
		}
		idempotent := retrySafe(t.Annotations)
		defs = append(defs, tool.Definition{
			Name:          t.Name,
			Description:   t.Description,
			Schema:        schema,
			Authorization: auth,
			Handler:       callHandler(session, cfg.Name, t.Name, idempotent),
			Timeout:       cfg.Timeout,
			Idempotent:    idempotent,
			Source:        "mcp:" + cfg.Name,
		})
	}
	slog.Info("mcptool: imported tools", "server", cfg.Name, "listed", len(listed), "imported", len(defs))
	return defs, nil
}

// ConnectAll connects every server concurrently and returns the imported
// definitions in server order. A server that fails to connect is logged and
// skipped.
func (im *Importer) ConnectAll(ctx context.Context, cfgs []ServerConfig) []tool.Definition {
	results := make([][]tool.Definition, len(cfgs))
	var g errgroup.Group
	for i, cfg := range cfgs {
		g.Go(func() error {
			defs, err := im.Connect(ctx, cfg)
			if err != nil {
				slog.Error("mcptool: server unavailable", "server", cfg.Name, "error", err)
				return nil
			}
			results[i] = defs
			return nil
		})
	}
	_ = g.Wait()

	var out []tool.Definition
	for _, defs := range results {
		out = append(out, defs...)
	}
	return out
}

// RequestIDMeta is the _meta key carrying the dispatch request id, so a
// server can de-duplicate repeated deliveries of one call.
const RequestIDMeta = "waypoint/requestId"

// retrySafe reports whether the server declared the tool read-only or
// idempotent.
func retrySafe(a *mcpsdk.ToolAnnotations) bool {
	return a != nil && (a.ReadOnlyHint || a.IdempotentHint)
}

// callHandler forwards a validated call to the MCP server. Transport failures
// are retryable only for tools the server declared retry-safe.
func callHandler(session *mcpsdk.ClientSession, server, name string, idempotent bool) tool.Handler {
	return func(ctx context.Context, c tool.Call) (any, error) {
		args := make(map[string]any, len(c.Args))
		for k, v := range c.Args {
			args[k] = v
		}
		params := &mcpsdk.CallToolParams{Name: name, Arguments: args}
		if c.RequestID != "" {
			params.Meta = mcpsdk.Meta{RequestIDMeta: c.RequestID}
		}
		res, err := session.CallTool(ctx, params)
		if err != nil {
			err = fmt.Errorf("mcptool: %s/%s: %w", server, name, err)
			if idempotent {
				return nil, tool.Transient(err)
			}
			return nil, tool.Fatal(err)
		}

		var sb strings.Builder
		for _, content := range res.Content {
			if tc, ok := content.(*mcpsdk.TextContent); ok {
				sb.WriteString(tc.Text)
			}
		}
		if res.IsError {
			return nil, tool.Fatal(fmt.Errorf("mcptool: %s/%s: %s", server, name, sb.String()))
		}
		if res.StructuredContent != nil {
			return res.StructuredContent, nil
		}
		return sb.String(), nil
	}
}

// Close closes every server session.
func (im *Importer) Close() error {
	im.mu.Lock()
	defer im.mu.Unlock()
	var errs []error
	for name, s := range im.sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("mcptool: close server %q: %w", name, err))
		}
		delete(im.sessions, name)
	}
	return errors.Join(errs...)
}

// schemaToMap converts any schema value to a map[string]any.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// splitCommand splits a command string into executable and arguments.
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
