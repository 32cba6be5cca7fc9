package mcpserver

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandlePlatformInfo reports the fee policy and clock.
func (h *Handlers) HandlePlatformInfo(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p, err := h.client.Platform(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get platform info: %v", err)), nil
	}
	return mcp.NewToolResultText(formatPlatform(p)), nil
}

// HandleCheckBalance returns an account balance.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	b, err := h.client.Balance(ctx, req.GetString("address", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get balance: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Balance for %s\n  Available: %d\n  Total in:  %d\n  Total out: %d",
		b.Address, b.Available, b.TotalIn, b.TotalOut)), nil
}

// HandleGetIdentity returns an identity's reputation.
func (h *Handlers) HandleGetIdentity(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := req.GetString("address", "")
	if address == "" {
		return mcp.NewToolResultError("address is required"), nil
	}
	id, err := h.client.Identity(ctx, address)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get identity: %v", err)), nil
	}
	name := id.Name
	if name == "" {
		name = "(unnamed)"
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Identity %s\n  Name: %s\n  Reputation: %d / 10000 (%s)",
		id.Address, name, id.Score, id.Tier)), nil
}

// HandleListListings lists a seller's offers.
func (h *Handlers) HandleListListings(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner := req.GetString("owner", "")
	if owner == "" {
		return mcp.NewToolResultError("owner is required"), nil
	}
	listings, err := h.client.Listings(ctx, owner, req.GetInt("limit", 20))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list listings: %v", err)), nil
	}
	if len(listings) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("%s has no listings.", owner)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d listing(s):\n\n", len(listings))
	for i, l := range listings {
		sb.WriteString(formatListing(&l))
		if i < len(listings)-1 {
			sb.WriteString("\n\n")
		}
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetListing returns one listing.
func (h *Handlers) HandleGetListing(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireUint(req, "listing_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	l, err := h.client.Listing(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get listing: %v", err)), nil
	}
	return mcp.NewToolResultText(formatListing(l)), nil
}

// HandleCreateEscrow buys from a listing under escrow.
func (h *Handlers) HandleCreateEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	listingID, err := requireUint(req, "listing_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	amount, err := requireUint(req, "amount")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	duration, err := requireUint(req, "duration")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	e, err := h.client.CreateEscrow(ctx, CreateEscrowRequest{
		ListingID:   listingID,
		Amount:      amount,
		Duration:    duration,
		Description: req.GetString("description", ""),
		Terms:       req.GetString("terms", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Escrow creation failed: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Escrow %d created.\n"+
			"Locked: %d (amount %d + fee %d)\n"+
			"Seller: %s\n\n"+
			"The seller must activate it. Confirm delivery once the work is done, "+
			"or use request_refund to propose a refund.",
		e.ID, e.Amount+e.Fee, e.Amount, e.Fee, e.Seller)), nil
}

// HandleGetEscrow returns one escrow.
func (h *Handlers) HandleGetEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireUint(req, "escrow_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	e, err := h.client.GetEscrow(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get escrow: %v", err)), nil
	}
	return mcp.NewToolResultText(formatEscrow(e)), nil
}

// HandleListMyEscrows lists the caller's escrows.
func (h *Handlers) HandleListMyEscrows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrows, err := h.client.MyEscrows(ctx, req.GetInt("limit", 20))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list escrows: %v", err)), nil
	}
	if len(escrows) == 0 {
		return mcp.NewToolResultText("You have no escrows."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d escrow(s):\n\n", len(escrows))
	for i := range escrows {
		sb.WriteString(formatEscrow(&escrows[i]))
		if i < len(escrows)-1 {
			sb.WriteString("\n\n")
		}
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleActivateEscrow acknowledges an escrow as the seller.
func (h *Handlers) HandleActivateEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.escrowAction(ctx, req, "Activation", h.client.Activate,
		"Escrow %d is active. Confirm delivery once the work is done.")
}

// HandleConfirmDelivery records the caller's confirmation.
func (h *Handlers) HandleConfirmDelivery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireUint(req, "escrow_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res, err := h.client.ConfirmDelivery(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Confirmation failed: %v", err)), nil
	}
	if res.Settled {
		return mcp.NewToolResultText(fmt.Sprintf(
			"Escrow %d settled.\nSeller %s received %d; platform fee %d collected.",
			res.Escrow.ID, res.Escrow.Seller, res.Escrow.Amount, res.Escrow.Fee)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Confirmation recorded for escrow %d (%d of 2). Waiting for the other party.",
		res.Escrow.ID, len(res.Escrow.Confirmations))), nil
}

// HandleRequestRefund disputes an escrow with a proposed split.
func (h *Handlers) HandleRequestRefund(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireUint(req, "escrow_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	refund, err := requireUint(req, "refund_amount")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	e, err := h.client.RequestRefund(ctx, id, refund)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Refund request failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Escrow %d disputed. Proposed refund: %d of %d.\n"+
			"Funds stay locked until the seller approves.",
		e.ID, e.RefundAmount, e.Amount)), nil
}

// HandleApproveRefund accepts the buyer's proposal.
func (h *Handlers) HandleApproveRefund(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireUint(req, "escrow_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	e, err := h.client.ApproveRefund(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Refund approval failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Escrow %d refunded.\nBuyer %s received %d; seller %s received %d.",
		e.ID, e.Buyer, e.RefundAmount, e.Seller, e.Amount+e.Fee-e.RefundAmount)), nil
}

// HandleReleaseTimeout releases a timed-out escrow.
func (h *Handlers) HandleReleaseTimeout(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.escrowAction(ctx, req, "Timeout release", h.client.TimeoutRelease,
		"Escrow %d released to the seller after timeout.")
}

func (h *Handlers) escrowAction(ctx context.Context, req mcp.CallToolRequest, what string,
	call func(context.Context, uint64) (*Escrow, error), success string) (*mcp.CallToolResult, error) {
	id, err := requireUint(req, "escrow_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	e, err := call(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", what, err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(success, e.ID)), nil
}

// --- Formatting helpers ---

func formatPlatform(p *Platform) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s\n", p.Name, p.Version)
	fmt.Fprintf(&sb, "  Fee: %d/%d of the amount, rounded down\n", p.Fee.Numerator, p.Fee.Denominator)
	fmt.Fprintf(&sb, "  Max duration: %d ticks\n", p.MaxDuration)
	fmt.Fprintf(&sb, "  Fee recipient: %s\n", p.PlatformAddress)
	if p.Height != nil {
		fmt.Fprintf(&sb, "  Clock: %s at height %d", p.ClockMode, *p.Height)
	} else {
		fmt.Fprintf(&sb, "  Clock: %s (unavailable)", p.ClockMode)
	}
	return sb.String()
}

func formatListing(l *Listing) string {
	status := "active"
	if !l.Active {
		status = "inactive"
	}
	s := fmt.Sprintf("Listing %d: %s [%s]\n   Owner: %s | Price: %d", l.ID, l.Title, status, l.Owner, l.Price)
	if l.Description != "" {
		s += "\n   " + l.Description
	}
	return s
}

func formatEscrow(e *Escrow) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Escrow %d [%s]", e.ID, e.State)
	if e.Resolution != "" {
		fmt.Fprintf(&sb, " (%s)", e.Resolution)
	}
	fmt.Fprintf(&sb, "\n   Buyer: %s | Seller: %s", e.Buyer, e.Seller)
	fmt.Fprintf(&sb, "\n   Amount: %d | Fee: %d | Listing: %d", e.Amount, e.Fee, e.ListingID)
	fmt.Fprintf(&sb, "\n   Started at height %d, timeout after %d ticks", e.StartHeight, e.Duration)
	if len(e.Confirmations) > 0 {
		fmt.Fprintf(&sb, "\n   Confirmed by: %s", strings.Join(e.Confirmations, ", "))
	}
	if e.State == "disputed" || e.State == "refunded" {
		fmt.Fprintf(&sb, "\n   Refund: %d", e.RefundAmount)
	}
	return sb.String()
}

// requireUint reads a decimal string argument. Numbers are accepted too
// for clients that ignore the declared schema.
func requireUint(req mcp.CallToolRequest, key string) (uint64, error) {
	raw, ok := req.GetArguments()[key]
	if !ok || raw == nil {
		return 0, fmt.Errorf("%s is required", key)
	}
	switch v := raw.(type) {
	case string:
		n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a non-negative integer", key)
		}
		return n, nil
	case float64:
		if v < 0 || v != float64(uint64(v)) {
			return 0, fmt.Errorf("%s must be a non-negative integer", key)
		}
		return uint64(v), nil
	default:
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
}
