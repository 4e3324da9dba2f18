// Package tools defines the ADK tool declarations for the five memory
// operations. Each handler delegates to the memory service and returns its
// human-readable text verbatim.
package tools

import (
	"fmt"
	"strings"

	"google.golang.org/adk/tool"
	"google.golang.org/adk/tool/functiontool"

	"github.com/JrmHsr/pimemento/internal/memory"
)

// ToolsConfig holds dependencies for creating tools.
type ToolsConfig struct {
	Service *memory.Service
}

// Result is the common output shape of all memory tools. Data carries the
// service's text response; Error is set only for infrastructure failures.
type Result struct {
	Success bool   `json:"success"`
	Data    string `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func textResult(text string) Result {
	return Result{Success: !strings.HasPrefix(text, "Error:"), Data: text}
}

func failure(err error) Result {
	return Result{Success: false, Error: err.Error()}
}

// SaveMemoryArgs is the input for the save_memory tool.
type SaveMemoryArgs struct {
	Category  string `json:"category" jsonschema:"Category of the memory (business_context, project_config, user_preference, domain_context, analysis_context, content_strategy, or x_ prefixed custom)"`
	Type      string `json:"type" jsonschema:"Entry type: exclusion, decision, anomaly, insight or action"`
	Content   string `json:"content" jsonschema:"The fact to remember, ideally as 'key=value | key=value' pairs"`
	Reason    string `json:"reason" jsonschema:"Why this is worth remembering"`
	ClientID  string `json:"client_id,omitempty" jsonschema:"Tenant identifier (defaults to _default)"`
	UserID    string `json:"user_id,omitempty" jsonschema:"User identifier (defaults to _anonymous)"`
	Namespace string `json:"namespace,omitempty" jsonschema:"Logical grouping within the tenant (defaults to general)"`
	SourceMCP string `json:"source_mcp,omitempty" jsonschema:"Name of the MCP server that produced this memory"`
	TTLDays   int    `json:"ttl_days,omitempty" jsonschema:"Days until the entry expires (0 = never)"`
	Metadata  string `json:"metadata,omitempty" jsonschema:"Optional JSON object with extra structured fields"`
}

// GetMemoryArgs is the input for the get_memory tool.
type GetMemoryArgs struct {
	ClientID  string `json:"client_id,omitempty" jsonschema:"Tenant identifier (defaults to _default)"`
	UserID    string `json:"user_id,omitempty" jsonschema:"Filter by user"`
	Namespace string `json:"namespace,omitempty" jsonschema:"Filter by namespace"`
	Category  string `json:"category,omitempty" jsonschema:"Filter by category"`
	Type      string `json:"type,omitempty" jsonschema:"Filter by entry type"`
	Limit     int    `json:"limit,omitempty" jsonschema:"Maximum entries to return (default 20, max 100)"`
}

// DeleteMemoryArgs is the input for the delete_memory tool.
type DeleteMemoryArgs struct {
	ContentMatch string `json:"content_match" jsonschema:"Substring identifying the entry to delete"`
	ClientID     string `json:"client_id,omitempty" jsonschema:"Tenant identifier (defaults to _default)"`
	UserID       string `json:"user_id,omitempty" jsonschema:"Restrict to a user"`
	Namespace    string `json:"namespace,omitempty" jsonschema:"Restrict to a namespace"`
	Category     string `json:"category,omitempty" jsonschema:"Restrict to a category"`
}

// MemoryStatusArgs is the input for the memory_status tool.
type MemoryStatusArgs struct {
	ClientID  string `json:"client_id,omitempty" jsonschema:"Tenant identifier (defaults to _default)"`
	UserID    string `json:"user_id,omitempty" jsonschema:"Restrict to a user"`
	Namespace string `json:"namespace,omitempty" jsonschema:"Restrict to a namespace"`
}

// SearchMemoryArgs is the input for the search_memory tool.
type SearchMemoryArgs struct {
	Query     string `json:"query" jsonschema:"Text to search for"`
	ClientID  string `json:"client_id,omitempty" jsonschema:"Tenant identifier (defaults to _default)"`
	UserID    string `json:"user_id,omitempty" jsonschema:"Restrict to a user"`
	Namespace string `json:"namespace,omitempty" jsonschema:"Restrict to a namespace"`
	Limit     int    `json:"limit,omitempty" jsonschema:"Maximum results to return (default 10, max 50)"`
}

func createSaveMemoryTool(cfg ToolsConfig) (tool.Tool, error) {
	handler := func(ctx tool.Context, args SaveMemoryArgs) (Result, error) {
		meta, errText := memory.ParseMetadataJSON(args.Metadata)
		if errText != "" {
			return textResult(errText), nil
		}
		text, err := cfg.Service.Save(ctx, memory.SaveRequest{
			Category:  args.Category,
			Type:      args.Type,
			Content:   args.Content,
			Reason:    args.Reason,
			ClientID:  args.ClientID,
			UserID:    args.UserID,
			Namespace: args.Namespace,
			SourceMCP: args.SourceMCP,
			TTLDays:   args.TTLDays,
			Metadata:  meta,
		})
		if err != nil {
			return failure(err), nil
		}
		return textResult(text), nil
	}

	return functiontool.New(functiontool.Config{
		Name:        "save_memory",
		Description: "Persist a fact, decision, exclusion, anomaly or insight for later sessions. Content in 'key=value | key=value' form enables automatic deduplication and merging.",
	}, handler)
}

func createGetMemoryTool(cfg ToolsConfig) (tool.Tool, error) {
	handler := func(ctx tool.Context, args GetMemoryArgs) (Result, error) {
		text, err := cfg.Service.Get(ctx, args.ClientID, args.UserID, args.Namespace, args.Category, args.Type, defaultLimit(args.Limit, 20))
		if err != nil {
			return failure(err), nil
		}
		return textResult(text), nil
	}

	return functiontool.New(functiontool.Config{
		Name:        "get_memory",
		Description: "List stored memories for a tenant, newest first, with conflict annotations when stored values contradict each other.",
	}, handler)
}

func createDeleteMemoryTool(cfg ToolsConfig) (tool.Tool, error) {
	handler := func(ctx tool.Context, args DeleteMemoryArgs) (Result, error) {
		text, err := cfg.Service.Delete(ctx, args.ClientID, args.ContentMatch, args.UserID, args.Namespace, args.Category)
		if err != nil {
			return failure(err), nil
		}
		return textResult(text), nil
	}

	return functiontool.New(functiontool.Config{
		Name:        "delete_memory",
		Description: "Delete the most recent memory whose content contains the given text.",
	}, handler)
}

func createMemoryStatusTool(cfg ToolsConfig) (tool.Tool, error) {
	handler := func(ctx tool.Context, args MemoryStatusArgs) (Result, error) {
		text, err := cfg.Service.Status(ctx, args.ClientID, args.UserID, args.Namespace)
		if err != nil {
			return failure(err), nil
		}
		return textResult(text), nil
	}

	return functiontool.New(functiontool.Config{
		Name:        "memory_status",
		Description: "Summarize a tenant's memory in one line: entry count, namespaces, categories and date range.",
	}, handler)
}

func createSearchMemoryTool(cfg ToolsConfig) (tool.Tool, error) {
	handler := func(ctx tool.Context, args SearchMemoryArgs) (Result, error) {
		text, err := cfg.Service.Search(ctx, args.Query, args.ClientID, args.UserID, args.Namespace, defaultLimit(args.Limit, 10))
		if err != nil {
			return failure(err), nil
		}
		return textResult(text), nil
	}

	return functiontool.New(functiontool.Config{
		Name:        "search_memory",
		Description: "Search stored memories. Uses semantic similarity when embeddings are configured, otherwise text matching.",
	}, handler)
}

// BuildTools creates all memory tools with the given configuration.
func BuildTools(cfg ToolsConfig) ([]tool.Tool, error) {
	creators := []struct {
		name string
		fn   func(ToolsConfig) (tool.Tool, error)
	}{
		{"save_memory", createSaveMemoryTool},
		{"get_memory", createGetMemoryTool},
		{"delete_memory", createDeleteMemoryTool},
		{"memory_status", createMemoryStatusTool},
		{"search_memory", createSearchMemoryTool},
	}

	var tools []tool.Tool
	for _, c := range creators {
		t, err := c.fn(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s tool: %w", c.name, err)
		}
		tools = append(tools, t)
	}
	return tools, nil
}

func defaultLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	return limit
}
