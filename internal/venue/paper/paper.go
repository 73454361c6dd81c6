package paper

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"arb-trader/internal/venue"
)

// Adapter is an in-memory venue used for paper trading and tests. Orders
// fill immediately at their limit price and mutate the simulated
// positions; market data is whatever the caller seeded.
type Adapter struct {
	name string

	mu        sync.Mutex
	available float64
	tickers   map[string]venue.Ticker
	funding   map[string][]venue.FundingPoint
	positions map[string]*venue.Position
	orders    []venue.Order
	seq       int64
	failNext  error
}

func New(name string) *Adapter {
	return &Adapter{
		name:      name,
		tickers:   make(map[string]venue.Ticker),
		funding:   make(map[string][]venue.FundingPoint),
		positions: make(map[string]*venue.Position),
	}
}

func (a *Adapter) Name() string { return a.name }

// SetTicker seeds or replaces one instrument's metrics.
func (a *Adapter) SetTicker(t venue.Ticker) {
	a.mu.Lock()
	a.tickers[t.Symbol] = t
	a.mu.Unlock()
}

// SetFunding seeds one instrument's funding history.
func (a *Adapter) SetFunding(symbol string, points []venue.FundingPoint) {
	a.mu.Lock()
	a.funding[symbol] = append([]venue.FundingPoint(nil), points...)
	a.mu.Unlock()
}

// SetPosition seeds one open position directly, bypassing order flow.
func (a *Adapter) SetPosition(p venue.Position) {
	a.mu.Lock()
	cp := p
	a.positions[p.Symbol] = &cp
	a.mu.Unlock()
}

// SetAvailable seeds the free collateral balance.
func (a *Adapter) SetAvailable(v float64) {
	a.mu.Lock()
	a.available = v
	a.mu.Unlock()
}

// FailNextOrder makes the next PlaceOrder call return err.
func (a *Adapter) FailNextOrder(err error) {
	a.mu.Lock()
	a.failNext = err
	a.mu.Unlock()
}

// Orders returns every order accepted so far, in placement order.
func (a *Adapter) Orders() []venue.Order {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]venue.Order(nil), a.orders...)
}

func (a *Adapter) GetBalances(ctx context.Context) (venue.Balances, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := venue.Balances{Available: a.available, Collateral: a.available}
	for _, p := range a.positions {
		if p.SignedSize != 0 {
			out.Positions = append(out.Positions, *p)
		}
	}
	return out, nil
}

func (a *Adapter) GetBestPrices(ctx context.Context, symbol string, depth int) (float64, float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.tickers[symbol]
	if !ok {
		return 0, 0, venue.NewError(a.name, "best_prices", fmt.Errorf("unknown symbol %s", symbol))
	}
	return t.BestBid, t.BestAsk, nil
}

func (a *Adapter) PlaceOrder(ctx context.Context, order venue.Order) (venue.OrderAck, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failNext != nil {
		err := a.failNext
		a.failNext = nil
		return venue.OrderAck{}, venue.NewError(a.name, "place_order", err)
	}
	if order.Symbol == "" || !order.Side.Valid() || order.Size <= 0 || order.Price <= 0 {
		return venue.OrderAck{}, venue.NewError(a.name, "place_order", fmt.Errorf("invalid order %+v", order))
	}

	delta := order.Size
	if order.Side == venue.SideSell {
		delta = -delta
	}
	pos, ok := a.positions[order.Symbol]
	if !ok {
		pos = &venue.Position{Symbol: order.Symbol}
		a.positions[order.Symbol] = pos
	}
	if order.ReduceOnly {
		// Reduce-only may only shrink, never open or flip.
		if pos.SignedSize == 0 || pos.SignedSize*delta > 0 {
			return venue.OrderAck{}, venue.NewError(a.name, "place_order", fmt.Errorf("reduce-only order would not reduce %s", order.Symbol))
		}
		if next := pos.SignedSize + delta; next*pos.SignedSize < 0 {
			delta = -pos.SignedSize
		}
	}
	if pos.SignedSize == 0 {
		pos.AvgEntryPrice = order.Price
	}
	pos.SignedSize += delta

	a.seq++
	a.orders = append(a.orders, order)
	payload, _ := json.Marshal(map[string]any{
		"venue":  a.name,
		"symbol": order.Symbol,
		"side":   string(order.Side),
		"price":  order.Price,
		"size":   order.Size,
		"seq":    a.seq,
	})
	return venue.OrderAck{TxID: fmt.Sprintf("paper-%s-%d", a.name, a.seq), Payload: string(payload)}, nil
}

func (a *Adapter) GetTickers(ctx context.Context) ([]venue.Ticker, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]venue.Ticker, 0, len(a.tickers))
	for _, t := range a.tickers {
		out = append(out, t)
	}
	return out, nil
}

func (a *Adapter) GetFundingHistory(ctx context.Context, symbol string, sinceMs int64) ([]venue.FundingPoint, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []venue.FundingPoint
	for _, p := range a.funding[symbol] {
		if p.TimestampMs >= sinceMs {
			out = append(out, p)
		}
	}
	return out, nil
}
