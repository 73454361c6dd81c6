package predict

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"arb-trader/internal/config"
	"arb-trader/internal/market"
	"arb-trader/internal/venue"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	aprWeight        = 0.70
	fundingVolWeight = 0.10
	priceVolWeight   = 0.10

	spreadIntolerableBps = 15.0
	spreadSteepnessBps   = 1.5

	fallbackBidAskSpreadBps    = 12.0
	fallbackPriceVolatilityPct = 5.0
	maxPriceVolatilityPct      = 10.0

	maxWorkers = 5
)

// Engine scores arbitrage candidates from EWMA-smoothed funding
// spreads, the cycle-return model, and live bid/ask sampling.
type Engine struct {
	cfg    config.PredictConfig
	left   venue.Adapter
	right  venue.Adapter
	market *market.Service
	log    *zap.Logger

	mu        sync.Mutex
	cached    *Result
	cachedAt  time.Time
	cachedVol float64
}

func NewEngine(cfg config.PredictConfig, left, right venue.Adapter, mkt *market.Service, log *zap.Logger) *Engine {
	return &Engine{cfg: cfg, left: left, right: right, market: mkt, log: log}
}

// Predict ranks all eligible symbols for the venue pair. force
// bypasses both this cache and the market snapshot cache.
func (e *Engine) Predict(ctx context.Context, force bool) (Result, error) {
	e.mu.Lock()
	if !force && e.cached != nil && e.cachedVol == e.cfg.VolumeThreshold && time.Since(e.cachedAt) < e.cfg.CacheTTL {
		res := *e.cached
		e.mu.Unlock()
		return res, nil
	}
	e.mu.Unlock()

	snap, err := e.market.Snapshot(ctx, force)
	if err != nil {
		return Result{}, err
	}

	var eligible []market.Row
	var unpaired []Failure
	for _, row := range snap.Rows {
		if row.Right == nil || row.Right.Symbol == "" {
			unpaired = append(unpaired, Failure{Symbol: row.Symbol, Reason: "missing right market"})
			continue
		}
		if !e.passesVolume(row) {
			continue
		}
		eligible = append(eligible, row)
	}

	samples := e.sampleSpreads(ctx, eligible)

	res := Result{FetchedAt: snap.FetchedAt, Errors: snap.Errors, Failures: unpaired}
	var resMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxWorkers)
	for _, row := range eligible {
		row := row
		g.Go(func() error {
			entry, err := e.computeRow(gctx, row, samples[row.Symbol])
			resMu.Lock()
			defer resMu.Unlock()
			if err != nil {
				res.Failures = append(res.Failures, failureFromError(row.Symbol, err))
				return nil
			}
			res.Entries = append(res.Entries, entry)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	scoreEntries(res.Entries)
	sort.Slice(res.Entries, func(i, j int) bool {
		if res.Entries[i].Score != res.Entries[j].Score {
			return res.Entries[i].Score > res.Entries[j].Score
		}
		return res.Entries[i].AnnualizedDecimal > res.Entries[j].AnnualizedDecimal
	})
	sort.Slice(res.Failures, func(i, j int) bool { return res.Failures[i].Symbol < res.Failures[j].Symbol })

	e.mu.Lock()
	e.cached = &res
	e.cachedAt = time.Now()
	e.cachedVol = e.cfg.VolumeThreshold
	e.mu.Unlock()
	return res, nil
}

// Volume eligibility keys on the primary venue's notional volume; the
// secondary venue's number is often missing or quoted differently.
func (e *Engine) passesVolume(row market.Row) bool {
	if e.cfg.VolumeThreshold <= 0 {
		return true
	}
	return row.Left.DayVolume >= e.cfg.VolumeThreshold
}

// failureFromError strips the symbol prefix a DataInsufficientError
// already carries so reasons stay readable in batch output.
func failureFromError(symbol string, err error) Failure {
	var insufficient *venue.DataInsufficientError
	if errors.As(err, &insufficient) {
		return Failure{Symbol: insufficient.Symbol, Reason: insufficient.Reason}
	}
	return Failure{Symbol: symbol, Reason: err.Error()}
}

func (e *Engine) computeRow(ctx context.Context, row market.Row, sample spreadSample) (Entry, error) {
	symbol := row.Symbol
	sinceMs := time.Now().Add(-time.Duration(e.cfg.LookbackHours)*time.Hour).UnixMilli() - hourMsSlack

	leftHist, err := e.left.GetFundingHistory(ctx, row.Left.Symbol, sinceMs)
	if err != nil {
		return Entry{}, err
	}
	rightHist, err := e.right.GetFundingHistory(ctx, row.Right.Symbol, sinceMs)
	if err != nil {
		return Entry{}, err
	}
	merged := market.MergeFundingSeries(leftHist, rightHist)
	if len(merged) == 0 {
		return Entry{}, &venue.DataInsufficientError{Symbol: symbol, Reason: "no funding history"}
	}

	latest := merged[len(merged)-1].TimestampMs
	lookbackStart := latest - int64(e.cfg.LookbackHours)*msPerHour
	volatilityStart := latest - int64(e.cfg.VolatilityHours)*msPerHour

	var leftEwma, rightEwma, spreadEwma ewmaState
	var spreadWindow []float64
	var lookbackSpreads []float64
	for _, p := range merged {
		if p.TimestampMs < lookbackStart {
			continue
		}
		leftEwma.add(p.TimestampMs, p.LeftRatePct, e.cfg.HalfLifeHours)
		rightEwma.add(p.TimestampMs, p.RightRatePct, e.cfg.HalfLifeHours)
		spreadEwma.add(p.TimestampMs, p.SpreadPct, e.cfg.HalfLifeHours)
		lookbackSpreads = append(lookbackSpreads, p.SpreadPct)
		if p.TimestampMs >= volatilityStart {
			spreadWindow = append(spreadWindow, p.SpreadPct)
		}
	}
	if spreadEwma.count == 0 {
		return Entry{}, &venue.DataInsufficientError{
			Symbol: symbol,
			Reason: fmt.Sprintf("no valid samples in %dh lookback window", e.cfg.LookbackHours),
		}
	}
	if len(spreadWindow) < 2 {
		return Entry{}, &venue.DataInsufficientError{
			Symbol: symbol,
			Reason: fmt.Sprintf("insufficient %dh volatility samples", e.cfg.VolatilityHours),
		}
	}

	avgSpread := spreadEwma.value
	predicted24h, cycleReturn, annualized := cycleMetrics(avgSpread, lookbackSpreads)
	spreadVol := stddev(spreadWindow) * math.Sqrt(float64(e.cfg.VolatilityHours))

	leftBps := sample.LeftBps
	rightBps := sample.RightBps
	combinedBps := sample.CombinedBps
	priceVol := sample.PriceVolatility24hPct
	if sample.Count == 0 {
		leftBps = bidAskSpreadBps(row.Left.BestBid, row.Left.BestAsk, fallbackBidAskSpreadBps)
		rightBps = bidAskSpreadBps(row.Right.BestBid, row.Right.BestAsk, fallbackBidAskSpreadBps)
		combinedBps = leftBps + rightBps
		priceVol = fallbackPriceVolatilityPct
	}
	if priceVol > maxPriceVolatilityPct {
		return Entry{}, &venue.DataInsufficientError{
			Symbol: symbol,
			Reason: fmt.Sprintf("price volatility too high (>%.1f%%)", maxPriceVolatilityPct),
		}
	}

	direction := DirectionUnknown
	if avgSpread > 0 {
		direction = DirectionLeftLong
	} else if avgSpread < 0 {
		direction = DirectionRightLong
	}

	return Entry{
		Symbol:                  symbol,
		LeftSymbol:              row.Left.Symbol,
		RightSymbol:             row.Right.Symbol,
		Direction:               direction,
		LeftVolume24h:           row.Left.DayVolume,
		RightVolume24h:          row.Right.DayVolume,
		AvgLeftHourlyPct:        leftEwma.value,
		AvgRightHourlyPct:       rightEwma.value,
		AvgSpreadHourlyPct:      avgSpread,
		PredictedLeft24hPct:     leftEwma.value * forecastHours,
		PredictedRight24hPct:    rightEwma.value * forecastHours,
		PredictedSpread24hPct:   predicted24h,
		CycleReturnDecimal:      cycleReturn,
		AnnualizedDecimal:       annualized,
		SpreadVolatility24hPct:  spreadVol,
		PriceVolatility24hPct:   priceVol,
		LeftBidAskSpreadBps:     leftBps,
		RightBidAskSpreadBps:    rightBps,
		CombinedBidAskSpreadBps: combinedBps,
		SampleCount:             spreadEwma.count,
	}, nil
}

// hourMsSlack widens the history fetch so the first lookback bucket is
// never missing its predecessor for the carry-forward merge.
const hourMsSlack = msPerHour

func scoreEntries(entries []Entry) {
	if len(entries) == 0 {
		return
	}
	aprs := make([]float64, len(entries))
	fundingVols := make([]float64, len(entries))
	priceVols := make([]float64, len(entries))
	for i, en := range entries {
		aprs[i] = en.AnnualizedDecimal
		fundingVols[i] = en.SpreadVolatility24hPct
		priceVols[i] = en.PriceVolatility24hPct
	}
	for i := range entries {
		aprNorm := minMaxNormalize(entries[i].AnnualizedDecimal, aprs)
		fundingNorm := minMaxNormalize(entries[i].SpreadVolatility24hPct, fundingVols)
		priceNorm := minMaxNormalize(entries[i].PriceVolatility24hPct, priceVols)
		leftAccept := spreadAcceptanceScore(entries[i].LeftBidAskSpreadBps, spreadIntolerableBps, spreadSteepnessBps)
		rightAccept := spreadAcceptanceScore(entries[i].RightBidAskSpreadBps, spreadIntolerableBps, spreadSteepnessBps)
		core := aprWeight*aprNorm + fundingVolWeight*(1-fundingNorm) + priceVolWeight*(1-priceNorm)
		entries[i].Score = math.Round(core*leftAccept*rightAccept*100*1e4) / 1e4
	}
}
