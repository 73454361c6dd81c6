package predict

import (
	"context"
	"time"

	"arb-trader/internal/market"
)

// spreadSample aggregates live bid/ask polling for one symbol.
type spreadSample struct {
	LeftBps               float64
	RightBps              float64
	CombinedBps           float64
	PriceVolatility24hPct float64
	Count                 int
}

// sampleSpreads polls both venues' best bid/ask for every candidate
// over a few short rounds and averages the observed spreads. Mid
// prices collected along the way feed the 24h price-volatility
// estimate. A failed poll falls back to the snapshot's stale quote.
func (e *Engine) sampleSpreads(ctx context.Context, rows []market.Row) map[string]spreadSample {
	out := make(map[string]spreadSample)
	if len(rows) == 0 {
		return out
	}
	type acc struct {
		left, right float64
		count       int
		mids        []float64
	}
	accs := make(map[string]*acc, len(rows))

	for round := 0; round < e.cfg.SampleCount; round++ {
		if round > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(e.cfg.SampleInterval):
			}
			if ctx.Err() != nil {
				break
			}
		}
		for _, row := range rows {
			leftBid, leftAsk := row.Left.BestBid, row.Left.BestAsk
			if bid, ask, err := e.left.GetBestPrices(ctx, row.Left.Symbol, 1); err == nil {
				leftBid, leftAsk = bid, ask
			}
			rightBid, rightAsk := 0.0, 0.0
			rightMark := 0.0
			if row.Right != nil {
				rightBid, rightAsk = row.Right.BestBid, row.Right.BestAsk
				rightMark = row.Right.MarkPrice
				if bid, ask, err := e.right.GetBestPrices(ctx, row.Right.Symbol, 1); err == nil {
					rightBid, rightAsk = bid, ask
				}
			}
			leftBps := bidAskSpreadBps(leftBid, leftAsk, fallbackBidAskSpreadBps)
			rightBps := bidAskSpreadBps(rightBid, rightAsk, fallbackBidAskSpreadBps)

			a := accs[row.Symbol]
			if a == nil {
				a = &acc{}
				accs[row.Symbol] = a
			}
			a.left += leftBps
			a.right += rightBps
			a.count++
			if mid := combineMids(
				midPrice(leftBid, leftAsk, row.Left.MarkPrice),
				midPrice(rightBid, rightAsk, rightMark),
			); mid > 0 {
				a.mids = append(a.mids, mid)
			}
		}
		if ctx.Err() != nil {
			break
		}
	}

	intervalSeconds := e.cfg.SampleInterval.Seconds()
	for symbol, a := range accs {
		if a.count == 0 {
			continue
		}
		n := float64(a.count)
		out[symbol] = spreadSample{
			LeftBps:               a.left / n,
			RightBps:              a.right / n,
			CombinedBps:           (a.left + a.right) / n,
			PriceVolatility24hPct: priceVolatilityPct(a.mids, intervalSeconds, fallbackPriceVolatilityPct),
			Count:                 a.count,
		}
	}
	return out
}
