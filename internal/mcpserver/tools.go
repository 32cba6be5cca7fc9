package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the escrowd MCP server.
// Descriptions are what the LLM reads to decide which tool to use.
// Amounts and IDs are decimal strings so large values survive JSON numbers.

var ToolPlatformInfo = mcp.NewTool("platform_info",
	mcp.WithDescription(
		"Show the escrow platform's fee rate, maximum escrow duration in ticks, "+
			"clock mode and current clock height. Use this before creating an escrow "+
			"to work out the total that will be locked (amount plus fee)."),
)

var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription(
		"Check the available balance of an account. Defaults to your own account. "+
			"Creating an escrow locks amount plus fee from this balance."),
	mcp.WithString("address",
		mcp.Description("Account address (e.g. '0x1234...'). Omit to check your own.")),
)

var ToolGetIdentity = mcp.NewTool("get_identity",
	mcp.WithDescription(
		"Get a registered identity with its reputation score (0 to 10000) and trust tier. "+
			"Use this to judge a counterparty before trading."),
	mcp.WithString("address",
		mcp.Required(),
		mcp.Description("The identity's address (e.g. '0x1234...')")),
)

var ToolListListings = mcp.NewTool("list_listings",
	mcp.WithDescription(
		"List the offers published by a seller. Each listing has an ID you pass to create_escrow."),
	mcp.WithString("owner",
		mcp.Required(),
		mcp.Description("Seller address")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum listings to return (default 20)")),
)

var ToolGetListing = mcp.NewTool("get_listing",
	mcp.WithDescription("Get one listing by ID, including its owner and asking price."),
	mcp.WithString("listing_id",
		mcp.Required(),
		mcp.Description("Listing ID")),
)

var ToolCreateEscrow = mcp.NewTool("create_escrow",
	mcp.WithDescription(
		"Buy from a listing under escrow. Locks amount plus the platform fee from your balance "+
			"until both sides confirm delivery, a refund is agreed, or the escrow times out. "+
			"You cannot buy from your own listing."),
	mcp.WithString("listing_id",
		mcp.Required(),
		mcp.Description("Listing to buy from")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Amount paid to the seller on success, in base units")),
	mcp.WithString("duration",
		mcp.Required(),
		mcp.Description("Ticks after which the seller may claim the funds (at most the platform maximum)")),
	mcp.WithString("description",
		mcp.Description("What is being bought")),
	mcp.WithString("terms",
		mcp.Description("Agreed delivery terms, stored as evidence")),
)

var ToolGetEscrow = mcp.NewTool("get_escrow",
	mcp.WithDescription("Get an escrow's state, parties, amounts and confirmations."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("Escrow ID")),
)

var ToolListMyEscrows = mcp.NewTool("list_my_escrows",
	mcp.WithDescription("List escrows where you are the buyer or the seller, newest first."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum escrows to return (default 20)")),
)

var ToolActivateEscrow = mcp.NewTool("activate_escrow",
	mcp.WithDescription(
		"As the seller, acknowledge a pending escrow and start work. "+
			"Only active escrows can be confirmed or released on timeout."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("Escrow ID")),
)

var ToolConfirmDelivery = mcp.NewTool("confirm_delivery",
	mcp.WithDescription(
		"Confirm that delivery happened. Both buyer and seller must confirm; "+
			"the second confirmation pays the seller and raises both reputations."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("Escrow ID")),
)

var ToolRequestRefund = mcp.NewTool("request_refund",
	mcp.WithDescription(
		"As the buyer, dispute an escrow and propose how much of the amount comes back to you. "+
			"No funds move until the seller approves."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("Escrow ID")),
	mcp.WithString("refund_amount",
		mcp.Required(),
		mcp.Description("Portion of the escrow amount to return to you (0 up to the amount)")),
)

var ToolApproveRefund = mcp.NewTool("approve_refund",
	mcp.WithDescription(
		"As the seller, accept the buyer's refund proposal. The buyer receives the refund, "+
			"you receive the rest including the fee, and your reputation drops."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("Escrow ID")),
)

var ToolReleaseTimeout = mcp.NewTool("release_timeout",
	mcp.WithDescription(
		"Release an active escrow whose duration has elapsed. The seller is paid and the "+
			"platform collects the fee. Anyone may call this."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("Escrow ID")),
)
