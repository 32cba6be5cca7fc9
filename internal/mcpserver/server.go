package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all escrow tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("escrowd", version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolPlatformInfo, h.HandlePlatformInfo)
	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)
	s.AddTool(ToolGetIdentity, h.HandleGetIdentity)
	s.AddTool(ToolListListings, h.HandleListListings)
	s.AddTool(ToolGetListing, h.HandleGetListing)
	s.AddTool(ToolCreateEscrow, h.HandleCreateEscrow)
	s.AddTool(ToolGetEscrow, h.HandleGetEscrow)
	s.AddTool(ToolListMyEscrows, h.HandleListMyEscrows)
	s.AddTool(ToolActivateEscrow, h.HandleActivateEscrow)
	s.AddTool(ToolConfirmDelivery, h.HandleConfirmDelivery)
	s.AddTool(ToolRequestRefund, h.HandleRequestRefund)
	s.AddTool(ToolApproveRefund, h.HandleApproveRefund)
	s.AddTool(ToolReleaseTimeout, h.HandleReleaseTimeout)

	return s
}
