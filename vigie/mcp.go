package vigie

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/vigie/kit"
)

// RegisterMCP registers the vigie tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	ep := s.endpoints()
	s.registerListWatches(srv, ep)
	s.registerWatchStatus(srv, ep)
	s.registerListChanges(srv, ep)
	s.registerGetChange(srv, ep)
	s.registerCheckNow(srv, ep)
	s.registerMetrics(srv, ep)
}

func (s *Service) registerListWatches(srv *mcp.Server, ep *endpoints) {
	tool := &mcp.Tool{
		Name:        "vigie_list_watches",
		Description: "List watched URLs with their last check and schedule",
		InputSchema: kit.InputSchema(map[string]any{}),
	}
	kit.RegisterMCPTool(srv, tool, ep.listWatches, kit.DecodeJSON[struct{}]())
}

func (s *Service) registerWatchStatus(srv *mcp.Server, ep *endpoints) {
	tool := &mcp.Tool{
		Name:        "vigie_watch_status",
		Description: "Show the configuration, last check and schedule of one watch",
		InputSchema: kit.InputSchema(map[string]any{
			"id": map[string]any{"type": "string", "description": "Watch ID"},
		}, "id"),
	}
	kit.RegisterMCPTool(srv, tool, ep.watchStatus, kit.DecodeJSON[WatchRequest]())
}

func (s *Service) registerListChanges(srv *mcp.Server, ep *endpoints) {
	tool := &mcp.Tool{
		Name:        "vigie_list_changes",
		Description: "List detected changes, newest first, with their unified diff",
		InputSchema: kit.InputSchema(map[string]any{
			"id":    map[string]any{"type": "string", "description": "Watch ID (all watches when omitted)"},
			"limit": map[string]any{"type": "integer", "description": "Max results (default 50)"},
		}),
	}
	kit.RegisterMCPTool(srv, tool, ep.listChanges, kit.DecodeJSON[ChangesRequest]())
}

func (s *Service) registerCheckNow(srv *mcp.Server, ep *endpoints) {
	tool := &mcp.Tool{
		Name:        "vigie_check_now",
		Description: "Run a check of one watch immediately",
		InputSchema: kit.InputSchema(map[string]any{
			"id": map[string]any{"type": "string", "description": "Watch ID"},
		}, "id"),
	}
	kit.RegisterMCPTool(srv, tool, ep.checkNow, kit.DecodeJSON[WatchRequest]())
}

func (s *Service) registerGetChange(srv *mcp.Server, ep *endpoints) {
	tool := &mcp.Tool{
		Name:        "vigie_get_change",
		Description: "Show one detected change with its unified diff",
		InputSchema: kit.InputSchema(map[string]any{
			"id": map[string]any{"type": "string", "description": "Change ID (chg_...)"},
		}, "id"),
	}
	kit.RegisterMCPTool(srv, tool, ep.getChange, kit.DecodeJSON[ChangeRequest]())
}

func (s *Service) registerMetrics(srv *mcp.Server, ep *endpoints) {
	tool := &mcp.Tool{
		Name:        "vigie_metrics",
		Description: "Query recorded metrics: check_duration_ms, fetch_attempts, change_detected, notify_failed, cycle_skipped, state_write_error",
		InputSchema: kit.InputSchema(map[string]any{
			"name":  map[string]any{"type": "string", "description": "Metric name (all when omitted)"},
			"since": map[string]any{"type": "string", "description": "Look-back window as a Go duration, e.g. 1h"},
			"limit": map[string]any{"type": "integer", "description": "Max datapoints (default 100)"},
		}),
	}
	kit.RegisterMCPTool(srv, tool, ep.metrics, kit.DecodeJSON[MetricsRequest]())
}
