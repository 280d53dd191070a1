// Package mcp exposes the message index to MCP clients over stdio.
package mcp

import (
	"context"
	"io"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/dhcgn/pst-index/lookup"
	"github.com/dhcgn/pst-index/model"
	"github.com/dhcgn/pst-index/search"
)

const (
	ToolSearchMessages = "search_messages"
	ToolGetMessageBody = "get_message_body"
)

// maxLimit caps the page size a client may request.
const maxLimit = 100

// BodyLookup resolves message bodies with a bounded wait.
type BodyLookup interface {
	GetBody(ctx context.Context, id string, timeout time.Duration) (model.Body, error)
}

type Options struct {
	Name          string
	Version       string
	Index         string
	LookupTimeout time.Duration
}

// NewServer registers the tools on a new MCP server.
func NewServer(opts Options, backend search.Backend, bodies BodyLookup) *server.MCPServer {
	if opts.Name == "" {
		opts.Name = "pst-index"
	}
	if opts.Index == "" {
		opts.Index = search.DefaultIndex
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = lookup.DefaultTimeout
	}
	s := server.NewMCPServer(opts.Name, opts.Version, server.WithToolCapabilities(false))

	h := &handlers{search: backend, bodies: bodies, index: opts.Index, timeout: opts.LookupTimeout}
	s.AddTool(searchMessagesTool(), h.searchMessages)
	s.AddTool(getMessageBodyTool(), h.getMessageBody)
	return s
}

// Serve answers MCP requests on in and out until in is closed or ctx is done.
func Serve(ctx context.Context, s *server.MCPServer, in io.Reader, out io.Writer) error {
	return server.NewStdioServer(s).Listen(ctx, in, out)
}

func searchMessagesTool() mcp.Tool {
	return mcp.NewTool(ToolSearchMessages,
		mcp.WithDescription("Full-text search over the archived messages. Matches subject, sender, recipients, body and attachment names."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithString("query",
			mcp.Description("Words to search for; every word must match. Empty lists all messages."),
		),
		mcp.WithNumber("offset",
			mcp.Description("Number of results to skip for pagination (default 0)"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum results to return (default 20)"),
		),
		mcp.WithBoolean("has_attachments",
			mcp.Description("Only return messages with attachments"),
		),
	)
}

func getMessageBodyTool() mcp.Tool {
	return mcp.NewTool(ToolGetMessageBody,
		mcp.WithDescription("Read the body of one archived message by its id, as returned by search_messages."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithString("id",
			mcp.Required(),
			mcp.Description("Message id, e.g. 8354_8514_7029316"),
		),
	)
}
