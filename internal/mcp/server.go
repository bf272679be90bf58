package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/mfenderov/campuscal/internal/archive"
	"github.com/mfenderov/campuscal/internal/pipeline"
)

// Runner runs the recommendation pipeline once.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// Archive looks up archived events.
type Archive interface {
	Search(ctx context.Context, query string, limit int, opts archive.SearchOptions) ([]archive.Document, error)
	GetEvent(ctx context.Context, id string) (*archive.Document, error)
}

// Config holds MCP server configuration.
type Config struct {
	Name    string
	Version string
	Runner  Runner
	Archive Archive // nil leaves the search tools out
}

// Server wraps the MCP server with the pipeline and the event archive.
type Server struct {
	mcpServer *server.MCPServer
	runner    Runner
	archive   Archive
}

// NewServer creates a new MCP server with recommendation and search tools.
func NewServer(config Config) (*Server, error) {
	if config.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}

	mcpServer := server.NewMCPServer(
		config.Name,
		config.Version,
		server.WithToolCapabilities(true),
	)

	s := &Server{
		mcpServer: mcpServer,
		runner:    config.Runner,
		archive:   config.Archive,
	}

	recommendTool := mcp.NewTool("recommend_events",
		mcp.WithDescription("Recommend upcoming campus events that match the user's calendar history. "+
			"Nothing is booked; returns the shortlist with the tag and rank of every pick."),
		mcp.WithNumber("year",
			mcp.Description("Calendar year to scan (default: configured or current year)"),
		),
		mcp.WithNumber("month",
			mcp.Description("Calendar month 1-12 to scan (default: configured or current month)"),
		),
	)
	mcpServer.AddTool(recommendTool, s.recommendHandler)

	if s.archive != nil {
		searchTool := mcp.NewTool("search_events",
			mcp.WithDescription("Search previously scraped and tagged campus events."),
			mcp.WithString("query",
				mcp.Description("Full-text query over names, descriptions and locations (empty matches all)"),
			),
			mcp.WithString("tag",
				mcp.Description("Only events with this tag, e.g. music or computerscience"),
			),
			mcp.WithBoolean("selected",
				mcp.Description("Only events that were picked for booking"),
			),
			mcp.WithBoolean("upcoming",
				mcp.Description("Only events that have not started yet"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of results to return (default: 10)"),
			),
		)
		mcpServer.AddTool(searchTool, s.searchHandler)

		getEventTool := mcp.NewTool("get_event",
			mcp.WithDescription("Get an archived campus event by ID"),
			mcp.WithString("id",
				mcp.Required(),
				mcp.Description("Event ID to retrieve"),
			),
		)
		mcpServer.AddTool(getEventTool, s.getEventHandler)
	}

	return s, nil
}

type recommendation struct {
	Name     string    `json:"name"`
	Tag      string    `json:"tag"`
	Rank     int       `json:"rank"`
	Start    time.Time `json:"start,omitzero"`
	Location string    `json:"location,omitempty"`
}

type recommendResult struct {
	TopTags         []string         `json:"top_tags"`
	Candidates      int              `json:"candidates"`
	Scanned         int              `json:"scanned"`
	Recommendations []recommendation `json:"recommendations"`
}

// recommendHandler handles the recommend_events tool call.
func (s *Server) recommendHandler(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result, err := s.runner.Run(ctx, pipeline.Request{
		Year:   req.GetInt("year", 0),
		Month:  req.GetInt("month", 0),
		DryRun: true,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("recommendation failed (%s): %v", pipeline.Kind(err), err)), nil
	}

	out := recommendResult{
		TopTags:         result.TopTags,
		Candidates:      result.Candidates,
		Scanned:         result.Scanned,
		Recommendations: []recommendation{},
	}
	for _, sel := range result.Selected {
		out.Recommendations = append(out.Recommendations, recommendation{
			Name:     sel.Event.Name,
			Tag:      sel.Tag,
			Rank:     sel.Rank,
			Start:    sel.Event.Start,
			Location: sel.Event.Location,
		})
	}

	return jsonResult(out)
}

// searchHandler handles the search_events tool call.
func (s *Server) searchHandler(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := req.GetString("query", "")
	limit := req.GetInt("limit", 10)
	opts := archive.SearchOptions{
		Tag:      req.GetString("tag", ""),
		Selected: req.GetBool("selected", false),
	}
	if req.GetBool("upcoming", false) {
		opts.After = time.Now()
	}

	docs, err := s.archive.Search(ctx, query, limit, opts)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
	}

	return jsonResult(docs)
}

// getEventHandler handles the get_event tool call.
func (s *Server) getEventHandler(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError("id parameter is required"), nil
	}

	doc, err := s.archive.GetEvent(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("get event failed: %v", err)), nil
	}
	if doc == nil {
		return mcp.NewToolResultError(fmt.Sprintf("event not found: %s", id)), nil
	}

	return jsonResult(doc)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// ServeStdio starts the MCP server using stdio transport.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}
