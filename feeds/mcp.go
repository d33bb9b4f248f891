package feeds

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/procura/kit"
)

// RegisterMCP registers all feeds tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "procura_list_opportunities",
		Description: "List procurement opportunities, most recently updated first",
		InputSchema: inputSchema(map[string]any{
			"connector_id":  map[string]any{"type": "string", "description": "Only this connector"},
			"status":        map[string]any{"type": "string", "description": "open, closed, cancelled or expired"},
			"query":         map[string]any{"type": "string", "description": "Substring of title or buyer"},
			"closes_before": map[string]any{"type": "integer", "description": "Closing time upper bound, Unix ms"},
			"limit":         map[string]any{"type": "integer", "description": "Max results (default 50)"},
			"offset":        map[string]any{"type": "integer"},
		}, nil),
	}, s.listEndpoint(), kit.DecodeJSON[listRequest]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "procura_get_opportunity",
		Description: "Get one opportunity by canonical ID",
		InputSchema: inputSchema(map[string]any{
			"id": map[string]any{"type": "string", "description": "Canonical ID"},
		}, []string{"id"}),
	}, s.getEndpoint(), kit.DecodeJSON[opportunityRequest]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "procura_opportunity_history",
		Description: "Audit history of an opportunity: every version change with its field diff",
		InputSchema: inputSchema(map[string]any{
			"id": map[string]any{"type": "string", "description": "Canonical ID"},
		}, []string{"id"}),
	}, s.historyEndpoint(), kit.DecodeJSON[opportunityRequest]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "procura_check_submittable",
		Description: "Check that an opportunity is open and its closing time has not passed",
		InputSchema: inputSchema(map[string]any{
			"id": map[string]any{"type": "string", "description": "Canonical ID"},
		}, []string{"id"}),
	}, s.submittableEndpoint(), kit.DecodeJSON[opportunityRequest]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "procura_list_connectors",
		Description: "List connectors with scheduler state, checkpoint and last run",
		InputSchema: inputSchema(map[string]any{}, nil),
	}, s.connectorsEndpoint(), kit.DecodeJSON[struct{}]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "procura_list_runs",
		Description: "List the latest runs of a connector",
		InputSchema: inputSchema(map[string]any{
			"connector_id": map[string]any{"type": "string"},
			"limit":        map[string]any{"type": "integer", "description": "Max results (default 50)"},
		}, []string{"connector_id"}),
	}, s.runsEndpoint(), kit.DecodeJSON[runsRequest]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "procura_run_connector",
		Description: "Run a connector now. Returns success, partial_skip or failed with a reason",
		InputSchema: inputSchema(map[string]any{
			"connector_id": map[string]any{"type": "string"},
		}, []string{"connector_id"}),
	}, s.runEndpoint(), decodeRun)
}

// decodeRun also scopes the call to its connector for the action log.
func decodeRun(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	res, err := kit.DecodeJSON[runRequest]()(r)
	if err != nil {
		return nil, err
	}
	id := res.Request.(*runRequest).ConnectorID
	res.EnrichCtx = func(ctx context.Context) context.Context {
		return kit.WithConnectorID(ctx, id)
	}
	return res, nil
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}
