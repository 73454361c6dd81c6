package venue

import "context"

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// FundingSign returns the funding-payment sign convention for a leg:
// a long (buy) pays funding when the rate is positive, a short collects.
func (s Side) FundingSign() float64 {
	if s == SideBuy {
		return -1
	}
	return 1
}

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

type TimeInForce string

const (
	TifGTC TimeInForce = "Gtc"
	TifIOC TimeInForce = "Ioc"
	TifALO TimeInForce = "Alo"
)

// Position is one venue-side open position as the venue reports it.
// SignedSize is positive for longs, negative for shorts.
type Position struct {
	Symbol        string
	SignedSize    float64
	AvgEntryPrice float64
	UnrealizedPnl float64
	RealizedPnl   float64
}

type Balances struct {
	Available  float64
	Collateral float64
	Positions  []Position
}

type Order struct {
	Symbol      string
	Side        Side
	Price       float64
	Size        float64
	ReduceOnly  bool
	Tif         TimeInForce
	ClientIndex int64
}

type OrderAck struct {
	TxID    string
	Payload string
}

// Ticker is one instrument's per-venue metric row.
type Ticker struct {
	Symbol         string
	MarkPrice      float64
	FundingRatePct float64
	DayVolume      float64
	PriceChangePct float64
	BestBid        float64
	BestAsk        float64
	MaxLeverage    float64
}

// FundingPoint is one hourly funding observation, rate in percent per hour.
type FundingPoint struct {
	TimestampMs   int64
	HourlyRatePct float64
}

// Adapter is the per-venue capability surface. Signing and wire protocols
// live behind implementations; callers only see these operations.
type Adapter interface {
	Name() string
	GetBalances(ctx context.Context) (Balances, error)
	GetBestPrices(ctx context.Context, symbol string, depth int) (bid, ask float64, err error)
	PlaceOrder(ctx context.Context, order Order) (OrderAck, error)
	GetTickers(ctx context.Context) ([]Ticker, error)
	GetFundingHistory(ctx context.Context, symbol string, sinceMs int64) ([]FundingPoint, error)
}

// PerInstrument marks venues that price one instrument per network call.
// Snapshot building fetches the cheaper venue first and uses its symbol
// set to bound calls against implementations of this interface.
type PerInstrument interface {
	ListSymbols(ctx context.Context) ([]string, error)
	GetTicker(ctx context.Context, symbol string) (Ticker, error)
}
