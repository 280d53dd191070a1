package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dhcgn/pst-index/search"
)

type handlers struct {
	search  search.Backend
	bodies  BodyLookup
	index   string
	timeout time.Duration
}

func (h *handlers) searchMessages(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()

	text, _ := args["query"].(string)
	hasAttachments, _ := args["has_attachments"].(bool)
	q := search.Query{
		Text:   text,
		Offset: intArg(args, "offset", 0),
		Limit:  min(intArg(args, "limit", search.DefaultLimit), maxLimit),
		Filter: search.Filter{HasAttachments: hasAttachments},
	}

	res, err := h.search.Search(ctx, h.index, q)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
	}
	return jsonResult(res)
}

func (h *handlers) getMessageBody(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, _ := req.GetArguments()["id"].(string)
	if id == "" {
		return mcp.NewToolResultError("id parameter is required"), nil
	}
	body, err := h.bodies.GetBody(ctx, id, h.timeout)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("get body of %s: %v", id, err)), nil
	}
	return jsonResult(body)
}

// intArg reads a non-negative integer argument. JSON numbers arrive as float64.
func intArg(args map[string]any, key string, def int) int {
	v, ok := args[key].(float64)
	if !ok {
		return def
	}
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if math.IsInf(v, 1) || v > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(v)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("marshal error: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
