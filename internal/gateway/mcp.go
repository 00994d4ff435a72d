// Package gateway implements tools.Gateway against the legal data server and
// decorates it with caching, rate limiting and local content extraction.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mohammad-safakhou/lexresearch/internal/retry"
	"github.com/mohammad-safakhou/lexresearch/internal/tools"
)

// RemoteNames maps each tool to the name the legal data server registers.
var RemoteNames = map[tools.Name]string{
	tools.Search:         "search_documents",
	tools.Citations:      "get_citations",
	tools.Amendments:     "get_amendments",
	tools.Status:         "check_legal_status",
	tools.Relationships:  "get_relationships",
	tools.ExtractContent: "extract_content",
}

// Caller is the part of an MCP client session the gateway needs.
type Caller interface {
	CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error)
}

// MCPConfig configures the connection to the legal data server. Endpoint is
// an HTTP URL for the streamable transport; Command launches a stdio server
// instead.
type MCPConfig struct {
	Endpoint        string
	Command         []string
	Timeout         time.Duration
	Retry           retry.Policy
	MaxExtractBatch int
}

// MCPGateway calls the legal data server over MCP.
type MCPGateway struct {
	caller Caller
	closer func() error
	retry  retry.Policy
	batch  int
	logger *log.Logger
}

// Dial connects to the server described by cfg.
func Dial(ctx context.Context, cfg MCPConfig, logger *log.Logger) (*MCPGateway, error) {
	var transport mcp.Transport
	switch {
	case len(cfg.Command) > 0:
		transport = &mcp.CommandTransport{Command: exec.Command(cfg.Command[0], cfg.Command[1:]...)}
	case cfg.Endpoint != "":
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		transport = &mcp.StreamableClientTransport{Endpoint: cfg.Endpoint, HTTPClient: &http.Client{Timeout: timeout}}
	default:
		return nil, errors.New("gateway: endpoint or command required")
	}
	client := mcp.NewClient(&mcp.Implementation{Name: "lexresearch", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connect legal data server: %w", err)
	}
	g := NewMCPGateway(session, cfg.Retry, cfg.MaxExtractBatch, logger)
	g.closer = session.Close
	return g, nil
}

// NewMCPGateway wraps an established session.
func NewMCPGateway(caller Caller, policy retry.Policy, maxExtractBatch int, logger *log.Logger) *MCPGateway {
	if logger == nil {
		logger = log.New(os.Stdout, "[GATEWAY] ", log.LstdFlags)
	}
	if maxExtractBatch <= 0 {
		maxExtractBatch = tools.DefaultMaxExtractBatch
	}
	return &MCPGateway{caller: caller, retry: policy.Normalize(), batch: maxExtractBatch, logger: logger}
}

// Close ends the session when the gateway owns it.
func (g *MCPGateway) Close() error {
	if g.closer == nil {
		return nil
	}
	return g.closer()
}

// RemoteError is a failure reported by the server itself. It is not retried.
type RemoteError struct {
	Tool    string
	Message string
}

func (e RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Tool, e.Message)
}

// call invokes a remote tool and decodes its JSON text content into out.
func (g *MCPGateway) call(ctx context.Context, name tools.Name, args map[string]any, out interface{ status() envelope }) error {
	remote := RemoteNames[name]
	var text string
	_, err := g.retry.Do(ctx, func(ctx context.Context) error {
		res, err := g.caller.CallTool(ctx, &mcp.CallToolParams{Name: remote, Arguments: args})
		if err != nil {
			return err
		}
		text = joinText(res)
		if res.IsError {
			return retry.Permanent(RemoteError{Tool: remote, Message: text})
		}
		return nil
	}, func(attempt int, err error, wait time.Duration) {
		g.logger.Printf("warn: %s attempt %d failed: %v; retrying in %s", remote, attempt, err, wait)
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return fmt.Errorf("decode %s response: %w", remote, err)
	}
	if st := out.status(); st.QuerySuccessful != nil && !*st.QuerySuccessful {
		msg := st.Error
		if msg == "" {
			msg = "query failed"
		}
		return RemoteError{Tool: remote, Message: msg}
	}
	return nil
}

func (e envelope) status() envelope { return e }

func joinText(res *mcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if t, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, t.Text)
		}
	}
	if len(parts) == 0 && res.StructuredContent != nil {
		if b, err := json.Marshal(res.StructuredContent); err == nil {
			return string(b)
		}
	}
	return strings.Join(parts, "")
}

func (g *MCPGateway) Search(ctx context.Context, args tools.SearchArgs) (tools.SearchResult, error) {
	var w wireSearch
	if err := g.call(ctx, tools.Search, map[string]any{"keyword": args.Keyword, "limit": args.Limit}, &w); err != nil {
		return tools.SearchResult{}, err
	}
	return w.result(args.Keyword), nil
}

func (g *MCPGateway) Citations(ctx context.Context, id string) (tools.CitationsResult, error) {
	var w wireCitations
	if err := g.call(ctx, tools.Citations, map[string]any{"document_uri": id}, &w); err != nil {
		return tools.CitationsResult{}, err
	}
	return w.result(id), nil
}

func (g *MCPGateway) Amendments(ctx context.Context, id string) (tools.AmendmentsResult, error) {
	var w wireAmendments
	if err := g.call(ctx, tools.Amendments, map[string]any{"document_uri": id}, &w); err != nil {
		return tools.AmendmentsResult{}, err
	}
	return w.result(id), nil
}

func (g *MCPGateway) Status(ctx context.Context, id string) (tools.StatusResult, error) {
	var w wireStatus
	if err := g.call(ctx, tools.Status, map[string]any{"document_uri": id}, &w); err != nil {
		return tools.StatusResult{}, err
	}
	return w.result(id), nil
}

func (g *MCPGateway) Relationships(ctx context.Context, id string) (tools.RelationshipsResult, error) {
	var w wireRelationships
	if err := g.call(ctx, tools.Relationships, map[string]any{"document_uri": id}, &w); err != nil {
		return tools.RelationshipsResult{}, err
	}
	return w.result(id), nil
}

func (g *MCPGateway) ExtractContent(ctx context.Context, ids []string) (tools.ExtractResult, error) {
	var w wireExtract
	args := map[string]any{"document_uris": ids, "max_documents": g.batch}
	if err := g.call(ctx, tools.ExtractContent, args, &w); err != nil {
		return tools.ExtractResult{}, err
	}
	return w.result(), nil
}

var _ tools.Gateway = (*MCPGateway)(nil)
