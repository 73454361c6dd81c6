package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"arb-trader/internal/venue"

	"go.uber.org/zap"
)

// Client speaks to one venue through its JSON gateway. Signing happens
// gateway-side; the client authenticates with the venue's API key pair.
type Client struct {
	name    string
	baseURL string
	creds   venue.Credentials
	http    *http.Client
	log     *zap.Logger
}

var _ venue.Adapter = (*Client)(nil)

func New(name, baseURL string, creds venue.Credentials, timeout time.Duration, log *zap.Logger) *Client {
	return &Client{
		name:    name,
		baseURL: baseURL,
		creds:   creds,
		http: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

func (c *Client) Name() string { return c.name }

type positionPayload struct {
	Symbol        string  `json:"symbol"`
	SignedSize    float64 `json:"signed_size"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
	UnrealizedPnl float64 `json:"unrealized_pnl"`
	RealizedPnl   float64 `json:"realized_pnl"`
}

func (c *Client) GetBalances(ctx context.Context) (venue.Balances, error) {
	var resp struct {
		Available  float64           `json:"available"`
		Collateral float64           `json:"collateral"`
		Positions  []positionPayload `json:"positions"`
	}
	if err := c.post(ctx, "/balances", map[string]any{}, &resp); err != nil {
		return venue.Balances{}, venue.NewError(c.name, "balances", err)
	}
	out := venue.Balances{Available: resp.Available, Collateral: resp.Collateral}
	for _, p := range resp.Positions {
		out.Positions = append(out.Positions, venue.Position{
			Symbol:        p.Symbol,
			SignedSize:    p.SignedSize,
			AvgEntryPrice: p.AvgEntryPrice,
			UnrealizedPnl: p.UnrealizedPnl,
			RealizedPnl:   p.RealizedPnl,
		})
	}
	return out, nil
}

func (c *Client) GetBestPrices(ctx context.Context, symbol string, depth int) (float64, float64, error) {
	var resp struct {
		Bid float64 `json:"bid"`
		Ask float64 `json:"ask"`
	}
	req := map[string]any{"symbol": symbol, "depth": depth}
	if err := c.post(ctx, "/best_prices", req, &resp); err != nil {
		return 0, 0, venue.NewError(c.name, "best_prices", err)
	}
	return resp.Bid, resp.Ask, nil
}

func (c *Client) PlaceOrder(ctx context.Context, order venue.Order) (venue.OrderAck, error) {
	fingerprint, err := venue.OrderFingerprint(c.name, order)
	if err != nil {
		return venue.OrderAck{}, venue.NewError(c.name, "place_order", err)
	}
	req := map[string]any{
		"symbol":       order.Symbol,
		"side":         string(order.Side),
		"price":        order.Price,
		"size":         order.Size,
		"reduce_only":  order.ReduceOnly,
		"tif":          string(order.Tif),
		"client_index": order.ClientIndex,
		"fingerprint":  fingerprint,
	}
	var resp struct {
		TxID    string          `json:"tx_id"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := c.post(ctx, "/orders", req, &resp); err != nil {
		return venue.OrderAck{}, venue.NewError(c.name, "place_order", err)
	}
	if resp.TxID == "" {
		return venue.OrderAck{}, venue.NewError(c.name, "place_order", fmt.Errorf("missing tx id in response"))
	}
	return venue.OrderAck{TxID: resp.TxID, Payload: string(resp.Payload)}, nil
}

func (c *Client) GetTickers(ctx context.Context) ([]venue.Ticker, error) {
	var resp []struct {
		Symbol         string  `json:"symbol"`
		MarkPrice      float64 `json:"mark_price"`
		FundingRatePct float64 `json:"funding_rate_pct"`
		DayVolume      float64 `json:"day_volume"`
		PriceChangePct float64 `json:"price_change_pct"`
		BestBid        float64 `json:"best_bid"`
		BestAsk        float64 `json:"best_ask"`
		MaxLeverage    float64 `json:"max_leverage"`
	}
	if err := c.post(ctx, "/tickers", map[string]any{}, &resp); err != nil {
		return nil, venue.NewError(c.name, "tickers", err)
	}
	out := make([]venue.Ticker, 0, len(resp))
	for _, t := range resp {
		out = append(out, venue.Ticker{
			Symbol:         t.Symbol,
			MarkPrice:      t.MarkPrice,
			FundingRatePct: t.FundingRatePct,
			DayVolume:      t.DayVolume,
			PriceChangePct: t.PriceChangePct,
			BestBid:        t.BestBid,
			BestAsk:        t.BestAsk,
			MaxLeverage:    t.MaxLeverage,
		})
	}
	return out, nil
}

func (c *Client) GetFundingHistory(ctx context.Context, symbol string, sinceMs int64) ([]venue.FundingPoint, error) {
	var resp []struct {
		TimestampMs   int64   `json:"timestamp_ms"`
		HourlyRatePct float64 `json:"hourly_rate_pct"`
	}
	req := map[string]any{"symbol": symbol, "since_ms": sinceMs}
	if err := c.post(ctx, "/funding_history", req, &resp); err != nil {
		return nil, venue.NewError(c.name, "funding_history", err)
	}
	out := make([]venue.FundingPoint, 0, len(resp))
	for _, p := range resp {
		out = append(out, venue.FundingPoint{TimestampMs: p.TimestampMs, HourlyRatePct: p.HourlyRatePct})
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, req any, out any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.creds.Key != "" {
		httpReq.Header.Set("X-Api-Key", c.creds.Key)
		httpReq.Header.Set("X-Api-Secret", c.creds.Secret)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
