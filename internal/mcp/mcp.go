// Package mcp implements the Model Context Protocol server for Setforge.
//
// The MCP server exposes the same capabilities as the HTTP API through
// MCP resources and tools, allowing MCP-compatible AI agents to open
// canvases and apply actions to them.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/setforge-ai/setforge/internal/engine"
	"github.com/setforge-ai/setforge/internal/lifecycle"
	"github.com/setforge-ai/setforge/internal/model"
	"github.com/setforge-ai/setforge/internal/storage"
)

// Server wraps the MCP server with Setforge's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	db        *storage.DB
	engine    *engine.Service
	binder    *lifecycle.Binder
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(db *storage.DB, eng *engine.Service, binder *lifecycle.Binder, logger *slog.Logger) *Server {
	s := &Server{
		db:     db,
		engine: eng,
		binder: binder,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"setforge",
		"0.1.0",
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerResources() {
	// setforge://canvas/{id} — full canvas snapshot with active cards.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"setforge://canvas/{id}",
			"Canvas Snapshot",
			mcplib.WithTemplateDescription("Versioned snapshot of a canvas with its non-terminal cards"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleCanvasSnapshot,
	)

	// setforge://canvas/{id}/events — recent event log entries.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"setforge://canvas/{id}/events",
			"Canvas Events",
			mcplib.WithTemplateDescription("Recent entries from the canvas event log, newest last"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleCanvasEvents,
	)
}

func (s *Server) registerTools() {
	// setforge_open_canvas — resolve a session binding to a canvas.
	s.mcpServer.AddTool(
		mcplib.NewTool("setforge_open_canvas",
			mcplib.WithDescription("Open a canvas session for a user and purpose. Reuses a live session when one exists, otherwise creates a fresh canvas."),
			mcplib.WithString("user_id", mcplib.Description("User identifier"), mcplib.Required()),
			mcplib.WithString("purpose", mcplib.Description("Session purpose, e.g. workout or planning"), mcplib.Required()),
			mcplib.WithString("canvas_id", mcplib.Description("Explicit canvas to rebind to; always mints a fresh session")),
		),
		s.handleOpenCanvas,
	)

	// setforge_get_canvas — read a canvas snapshot.
	s.mcpServer.AddTool(
		mcplib.NewTool("setforge_get_canvas",
			mcplib.WithDescription("Fetch the current state of a canvas: version, phase, cards, and the up-next queue"),
			mcplib.WithString("canvas_id", mcplib.Description("Canvas identifier"), mcplib.Required()),
		),
		s.handleGetCanvas,
	)

	// setforge_apply_action — submit a typed action to the reducer.
	s.mcpServer.AddTool(
		mcplib.NewTool("setforge_apply_action",
			mcplib.WithDescription("Apply a typed action to a canvas under optimistic concurrency. The action JSON must carry type, by, expected_version, idempotency_key, and a payload."),
			mcplib.WithString("canvas_id", mcplib.Description("Canvas identifier"), mcplib.Required()),
			mcplib.WithString("action", mcplib.Description("Action envelope as a JSON object"), mcplib.Required()),
		),
		s.handleApplyAction,
	)
}

func (s *Server) handleCanvasSnapshot(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	canvasID, err := canvasIDFromURI(uri, "")
	if err != nil {
		return nil, err
	}

	canvas, err := s.db.GetCanvas(ctx, canvasID)
	if err != nil {
		return nil, fmt.Errorf("mcp: canvas snapshot: %w", err)
	}
	cards, err := s.db.CardsForCanvas(ctx, canvasID)
	if err != nil {
		return nil, fmt.Errorf("mcp: canvas cards: %w", err)
	}

	data, err := json.MarshalIndent(model.CanvasSnapshot{
		CanvasID: canvas.ID,
		Version:  canvas.Version,
		Phase:    canvas.Phase,
		Cards:    cards,
		UpNext:   canvas.UpNext,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal snapshot: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleCanvasEvents(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	canvasID, err := canvasIDFromURI(uri, "/events")
	if err != nil {
		return nil, err
	}

	events, err := s.db.ListEvents(ctx, canvasID, 0, 50)
	if err != nil {
		return nil, fmt.Errorf("mcp: canvas events: %w", err)
	}

	data, err := json.MarshalIndent(map[string]any{
		"canvas_id": canvasID,
		"events":    events,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal events: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleOpenCanvas(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	userID := request.GetString("user_id", "")
	purpose := request.GetString("purpose", "")
	if userID == "" || purpose == "" {
		return errorResult("user_id and purpose are required"), nil
	}
	if err := model.ValidatePurpose(purpose); err != nil {
		return errorResult(err.Error()), nil
	}

	var explicit *uuid.UUID
	if raw := request.GetString("canvas_id", ""); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return errorResult("canvas_id must be a UUID"), nil
		}
		explicit = &id
	}

	binding, resumed, err := s.binder.Open(ctx, userID, purpose, explicit)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errorResult("canvas not found"), nil
		}
		return errorResult(fmt.Sprintf("open canvas failed: %v", err)), nil
	}

	resultData, _ := json.Marshal(map[string]any{
		"session_id": binding.SessionID,
		"canvas_id":  binding.CanvasID,
		"resumed":    resumed,
	})

	return textResult(string(resultData)), nil
}

func (s *Server) handleGetCanvas(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	canvasID, err := uuid.Parse(request.GetString("canvas_id", ""))
	if err != nil {
		return errorResult("canvas_id must be a UUID"), nil
	}

	canvas, err := s.db.GetCanvas(ctx, canvasID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errorResult("canvas not found"), nil
		}
		return errorResult(fmt.Sprintf("get canvas failed: %v", err)), nil
	}
	cards, err := s.db.CardsForCanvas(ctx, canvasID)
	if err != nil {
		return errorResult(fmt.Sprintf("get cards failed: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(model.CanvasSnapshot{
		CanvasID: canvas.ID,
		Version:  canvas.Version,
		Phase:    canvas.Phase,
		Cards:    cards,
		UpNext:   canvas.UpNext,
	}, "", "  ")

	return textResult(string(resultData)), nil
}

func (s *Server) handleApplyAction(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	canvasID, err := uuid.Parse(request.GetString("canvas_id", ""))
	if err != nil {
		return errorResult("canvas_id must be a UUID"), nil
	}

	var act model.Action
	if err := json.Unmarshal([]byte(request.GetString("action", "")), &act); err != nil {
		return errorResult(fmt.Sprintf("action must be a JSON object: %v", err)), nil
	}

	result, err := s.engine.Apply(ctx, canvasID, act)
	if err != nil {
		var engErr *engine.Error
		if errors.As(err, &engErr) {
			resultData, _ := json.Marshal(map[string]any{
				"code":            engErr.Code,
				"message":         engErr.Message,
				"current_version": engErr.CurrentVersion,
			})
			return errorResult(string(resultData)), nil
		}
		return errorResult(fmt.Sprintf("apply failed: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(result, "", "  ")
	return textResult(string(resultData)), nil
}

/// canvasIDFromURI extracts the canvas UUID from setforge://canvas/{id}<suffix>.
func canvasIDFromURI(uri, suffix string) (uuid.UUID, error) {
	const prefix = "setforge://canvas/"
	if len(uri) <= len(prefix)+len(suffix) || uri[:len(prefix)] != prefix {
		return uuid.Nil, fmt.Errorf("mcp: invalid canvas URI: %s", uri)
	}
	raw := uri[len(prefix) : len(uri)-len(suffix)]
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("mcp: invalid canvas URI: %s", uri)
	}
	return id, nil
}

func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: text},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
