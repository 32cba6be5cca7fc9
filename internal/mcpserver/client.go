package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ErrAPI is wrapped by every non-2xx response from escrowd.
var ErrAPI = errors.New("escrowd API error")

// Config holds the configuration for connecting to escrowd.
type Config struct {
	APIURL        string // Base URL, e.g. "http://localhost:8080"
	CallerAddress string // Address the tools act as, e.g. "0x..."
}

// Client is a pure HTTP client for the escrowd API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new client for escrowd.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the platform.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request and decodes a 2xx body into out.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("X-Caller-Address", c.cfg.CallerAddress)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("%w (%d %s): %s", ErrAPI, resp.StatusCode, apiErr.Error, apiErr.Message)
		}
		return fmt.Errorf("%w (%d): %s", ErrAPI, resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Response shapes
// -----------------------------------------------------------------------------

// Escrow mirrors the API's escrow JSON.
type Escrow struct {
	ID            uint64   `json:"id"`
	Seller        string   `json:"seller"`
	Buyer         string   `json:"buyer"`
	Amount        uint64   `json:"amount"`
	Fee           uint64   `json:"fee"`
	StartHeight   uint64   `json:"startHeight"`
	Duration      uint64   `json:"duration"`
	State         string   `json:"state"`
	ListingID     uint64   `json:"listingId"`
	Confirmations []string `json:"confirmations"`
	RefundAmount  uint64   `json:"refundAmount"`
	Resolution    string   `json:"resolution,omitempty"`
}

// Identity mirrors the API's identity JSON plus its tier.
type Identity struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	Score   int64  `json:"score"`
	Tier    string `json:"-"`
}

// Listing mirrors the API's listing JSON.
type Listing struct {
	ID          uint64 `json:"id"`
	Owner       string `json:"owner"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Price       uint64 `json:"price"`
	Active      bool   `json:"active"`
}

// Balance mirrors the API's balance JSON.
type Balance struct {
	Address   string `json:"address"`
	Available uint64 `json:"available"`
	TotalIn   uint64 `json:"totalIn"`
	TotalOut  uint64 `json:"totalOut"`
}

// Platform mirrors GET /v1/platform.
type Platform struct {
	Name            string `json:"name"`
	Version         string `json:"version"`
	PlatformAddress string `json:"platformAddress"`
	Fee             struct {
		Numerator   uint64 `json:"numerator"`
		Denominator uint64 `json:"denominator"`
		Rate        string `json:"rate"`
	} `json:"fee"`
	MaxDuration uint64  `json:"maxDuration"`
	ClockMode   string  `json:"clockMode"`
	Height      *uint64 `json:"height,omitempty"`
}

// ConfirmResult mirrors the confirm endpoint's response.
type ConfirmResult struct {
	Escrow  Escrow `json:"escrow"`
	Settled bool   `json:"settled"`
}

// -----------------------------------------------------------------------------
// Calls
// -----------------------------------------------------------------------------

// Platform returns the fee policy, duration cap and current height.
func (c *Client) Platform(ctx context.Context) (*Platform, error) {
	var resp struct {
		Platform Platform `json:"platform"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/v1/platform", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Platform, nil
}

// Balance returns an account balance; an empty address means the caller.
func (c *Client) Balance(ctx context.Context, address string) (*Balance, error) {
	if address == "" {
		address = c.cfg.CallerAddress
	}
	var resp struct {
		Balance Balance `json:"balance"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/v1/accounts/"+url.PathEscape(address)+"/balance", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Balance, nil
}

// Identity returns a registered identity and its tier.
func (c *Client) Identity(ctx context.Context, address string) (*Identity, error) {
	var resp struct {
		Identity Identity `json:"identity"`
		Tier     string   `json:"tier"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/v1/identities/"+url.PathEscape(address), nil, nil, &resp); err != nil {
		return nil, err
	}
	resp.Identity.Tier = resp.Tier
	return &resp.Identity, nil
}

// Listings returns an owner's listings.
func (c *Client) Listings(ctx context.Context, owner string, limit int) ([]Listing, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Listings []Listing `json:"listings"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/v1/identities/"+url.PathEscape(owner)+"/listings", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Listings, nil
}

// Listing returns one listing by ID.
func (c *Client) Listing(ctx context.Context, id uint64) (*Listing, error) {
	var resp struct {
		Listing Listing `json:"listing"`
	}
	path := "/v1/listings/" + strconv.FormatUint(id, 10)
	if err := c.doRequest(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Listing, nil
}

// CreateEscrowRequest is the body of POST /v1/escrow.
type CreateEscrowRequest struct {
	ListingID   uint64 `json:"listingId"`
	Amount      uint64 `json:"amount"`
	Duration    uint64 `json:"duration"`
	Description string `json:"description,omitempty"`
	Terms       string `json:"terms,omitempty"`
}

// CreateEscrow opens an escrow as the buyer.
func (c *Client) CreateEscrow(ctx context.Context, req CreateEscrowRequest) (*Escrow, error) {
	return c.escrowCall(ctx, http.MethodPost, "/v1/escrow", req)
}

// GetEscrow fetches one escrow.
func (c *Client) GetEscrow(ctx context.Context, id uint64) (*Escrow, error) {
	return c.escrowCall(ctx, http.MethodGet, escrowPath(id, ""), nil)
}

// MyEscrows lists escrows where the caller is buyer or seller.
func (c *Client) MyEscrows(ctx context.Context, limit int) ([]Escrow, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Escrows []Escrow `json:"escrows"`
	}
	path := "/v1/parties/" + url.PathEscape(c.cfg.CallerAddress) + "/escrows"
	if err := c.doRequest(ctx, http.MethodGet, path, q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Escrows, nil
}

// Activate acknowledges an escrow as the seller.
func (c *Client) Activate(ctx context.Context, id uint64) (*Escrow, error) {
	return c.escrowCall(ctx, http.MethodPost, escrowPath(id, "/activate"), nil)
}

// ConfirmDelivery records the caller's delivery confirmation.
func (c *Client) ConfirmDelivery(ctx context.Context, id uint64) (*ConfirmResult, error) {
	var resp ConfirmResult
	if err := c.doRequest(ctx, http.MethodPost, escrowPath(id, "/confirm"), nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RequestRefund proposes a refund split as the buyer.
func (c *Client) RequestRefund(ctx context.Context, id, refundAmount uint64) (*Escrow, error) {
	return c.escrowCall(ctx, http.MethodPost, escrowPath(id, "/refund"), map[string]uint64{"refundAmount": refundAmount})
}

// ApproveRefund accepts the buyer's split as the seller.
func (c *Client) ApproveRefund(ctx context.Context, id uint64) (*Escrow, error) {
	return c.escrowCall(ctx, http.MethodPost, escrowPath(id, "/refund/approve"), nil)
}

// TimeoutRelease releases a timed-out escrow to the seller.
func (c *Client) TimeoutRelease(ctx context.Context, id uint64) (*Escrow, error) {
	return c.escrowCall(ctx, http.MethodPost, escrowPath(id, "/timeout"), nil)
}

func (c *Client) escrowCall(ctx context.Context, method, path string, body any) (*Escrow, error) {
	var resp struct {
		Escrow Escrow `json:"escrow"`
	}
	if err := c.doRequest(ctx, method, path, nil, body, &resp); err != nil {
		return nil, err
	}
	return &resp.Escrow, nil
}

func escrowPath(id uint64, suffix string) string {
	return "/v1/escrow/" + strconv.FormatUint(id, 10) + suffix
}
