package predict

import (
	"context"
	"errors"
	"testing"
	"time"

	"arb-trader/internal/config"
	"arb-trader/internal/market"
	"arb-trader/internal/venue"

	"go.uber.org/zap"
)

type fakeVenue struct {
	name           string
	tickers        []venue.Ticker
	funding        map[string][]venue.FundingPoint
	fundingErr     map[string]error
	bestPriceCalls int
	onBestPrices   func()
}

func (f *fakeVenue) Name() string { return f.name }

func (f *fakeVenue) GetTickers(ctx context.Context) ([]venue.Ticker, error) {
	return f.tickers, nil
}

func (f *fakeVenue) GetBalances(ctx context.Context) (venue.Balances, error) {
	return venue.Balances{}, nil
}

func (f *fakeVenue) GetBestPrices(ctx context.Context, symbol string, depth int) (float64, float64, error) {
	f.bestPriceCalls++
	if f.onBestPrices != nil {
		f.onBestPrices()
	}
	return 99.99, 100.01, nil
}

func (f *fakeVenue) PlaceOrder(ctx context.Context, order venue.Order) (venue.OrderAck, error) {
	return venue.OrderAck{}, errors.New("not tradeable")
}

func (f *fakeVenue) GetFundingHistory(ctx context.Context, symbol string, sinceMs int64) ([]venue.FundingPoint, error) {
	if err := f.fundingErr[symbol]; err != nil {
		return nil, err
	}
	return f.funding[symbol], nil
}

func hourlySeries(hours int, ratePct float64) []venue.FundingPoint {
	end := time.Now().UnixMilli() / msPerHour * msPerHour
	points := make([]venue.FundingPoint, 0, hours)
	for i := hours - 1; i >= 0; i-- {
		points = append(points, venue.FundingPoint{
			TimestampMs:   end - int64(i)*msPerHour,
			HourlyRatePct: ratePct,
		})
	}
	return points
}

func testConfig(volumeThreshold float64) config.PredictConfig {
	return config.PredictConfig{
		LookbackHours:   72,
		HalfLifeHours:   16,
		VolatilityHours: 24,
		SampleCount:     1,
		SampleInterval:  time.Millisecond,
		VolumeThreshold: volumeThreshold,
		CacheTTL:        time.Minute,
	}
}

func newTestEngine(t *testing.T, volumeThreshold float64, left, right *fakeVenue) *Engine {
	t.Helper()
	mkt := market.NewService(left, right, 1000, 100, time.Minute, zap.NewNop())
	return NewEngine(testConfig(volumeThreshold), left, right, mkt, zap.NewNop())
}

func pairedVenues(leftVol, rightVol float64) (*fakeVenue, *fakeVenue) {
	left := &fakeVenue{
		name:    "lighter",
		tickers: []venue.Ticker{{Symbol: "ETH", DayVolume: leftVol, BestBid: 99.99, BestAsk: 100.01, MarkPrice: 100}},
		funding: map[string][]venue.FundingPoint{"ETH": hourlySeries(72, 0.01)},
	}
	right := &fakeVenue{
		name:    "grvt",
		tickers: []venue.Ticker{{Symbol: "ETH-PERP", DayVolume: rightVol, BestBid: 99.98, BestAsk: 100.02, MarkPrice: 100}},
		funding: map[string][]venue.FundingPoint{"ETH-PERP": hourlySeries(72, 0.03)},
	}
	return left, right
}

func TestPredictRanksPositiveSpread(t *testing.T) {
	left, right := pairedVenues(1_000_000, 500_000)
	engine := newTestEngine(t, 0, left, right)

	res, err := engine.Predict(context.Background(), false)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if len(res.Failures) != 0 {
		t.Fatalf("unexpected failures: %+v", res.Failures)
	}
	if len(res.Entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(res.Entries))
	}
	entry := res.Entries[0]
	if entry.Direction != DirectionLeftLong {
		t.Fatalf("positive spread (right > left) should recommend leftLong, got %s", entry.Direction)
	}
	if entry.AvgSpreadHourlyPct <= 0 {
		t.Fatalf("expected positive EWMA spread, got %v", entry.AvgSpreadHourlyPct)
	}
	if entry.AnnualizedDecimal <= 0 {
		t.Fatalf("expected positive annualized return, got %v", entry.AnnualizedDecimal)
	}
	if entry.Score <= 0 {
		t.Fatalf("expected positive score, got %v", entry.Score)
	}
}

func TestPredictVolumeThreshold(t *testing.T) {
	left, right := pairedVenues(1_000_000, 500_000)
	engine := newTestEngine(t, 1_200_000, left, right)
	res, err := engine.Predict(context.Background(), false)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if len(res.Entries) != 0 {
		t.Fatalf("symbol below the volume threshold must be excluded: %+v", res.Entries)
	}

	left, right = pairedVenues(1_000_000, 500_000)
	engine = newTestEngine(t, 1_000_000, left, right)
	res, err = engine.Predict(context.Background(), false)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if len(res.Entries) != 1 {
		t.Fatalf("symbol at the volume threshold must be included: %+v", res.Entries)
	}
}

func TestPredictCollectsPerSymbolFailures(t *testing.T) {
	left, right := pairedVenues(1_000_000, 500_000)
	left.tickers = append(left.tickers, venue.Ticker{Symbol: "SOL", DayVolume: 2_000_000, BestBid: 49.99, BestAsk: 50.01})
	right.tickers = append(right.tickers, venue.Ticker{Symbol: "SOL-PERP", DayVolume: 100, BestBid: 49.98, BestAsk: 50.02})
	right.fundingErr = map[string]error{"SOL-PERP": errors.New("history endpoint down")}

	engine := newTestEngine(t, 0, left, right)
	res, err := engine.Predict(context.Background(), false)
	if err != nil {
		t.Fatalf("batch must continue past per-symbol failures: %v", err)
	}
	if len(res.Entries) != 1 || res.Entries[0].Symbol != "ETH" {
		t.Fatalf("surviving symbol should still be scored: %+v", res.Entries)
	}
	if len(res.Failures) != 1 || res.Failures[0].Symbol != "SOL" {
		t.Fatalf("expected one SOL failure, got %+v", res.Failures)
	}
}

func TestPredictReportsMissingRightMarket(t *testing.T) {
	left, right := pairedVenues(1_000_000, 500_000)
	left.tickers = append(left.tickers, venue.Ticker{Symbol: "DOGE", DayVolume: 3_000_000, BestBid: 0.09, BestAsk: 0.11})

	engine := newTestEngine(t, 0, left, right)
	res, err := engine.Predict(context.Background(), false)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if len(res.Entries) != 1 || res.Entries[0].Symbol != "ETH" {
		t.Fatalf("paired symbol should still be scored: %+v", res.Entries)
	}
	var found bool
	for _, f := range res.Failures {
		if f.Symbol == "DOGE" && f.Reason == "missing right market" {
			found = true
		}
	}
	if !found {
		t.Fatalf("left-only symbol must surface as a failure, got %+v", res.Failures)
	}
}

func TestPredictInsufficientHistory(t *testing.T) {
	left, right := pairedVenues(1_000_000, 500_000)
	left.funding["ETH"] = hourlySeries(1, 0.01)
	right.funding["ETH-PERP"] = hourlySeries(1, 0.03)

	engine := newTestEngine(t, 0, left, right)
	res, err := engine.Predict(context.Background(), false)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if len(res.Entries) != 0 {
		t.Fatalf("one-sample history cannot produce an entry: %+v", res.Entries)
	}
	if len(res.Failures) != 1 {
		t.Fatalf("expected a structured failure, got %+v", res.Failures)
	}
}

func TestSampleSpreadsStopsOnCancel(t *testing.T) {
	left, right := pairedVenues(1_000_000, 500_000)
	cfg := testConfig(0)
	cfg.SampleCount = 3
	cfg.SampleInterval = time.Hour
	mkt := market.NewService(left, right, 1000, 100, time.Minute, zap.NewNop())
	engine := NewEngine(cfg, left, right, mkt, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	firstPoll := make(chan struct{}, 1)
	left.onBestPrices = func() {
		select {
		case firstPoll <- struct{}{}:
		default:
		}
	}

	rows := []market.Row{{Symbol: "ETH", Left: left.tickers[0], Right: &right.tickers[0]}}
	done := make(chan map[string]spreadSample, 1)
	go func() { done <- engine.sampleSpreads(ctx, rows) }()
	<-firstPoll
	cancel()

	select {
	case samples := <-done:
		if left.bestPriceCalls != 1 {
			t.Fatalf("cancellation during the inter-round wait must end sampling, got %d polls", left.bestPriceCalls)
		}
		if samples["ETH"].Count != 1 {
			t.Fatalf("expected one completed round, got %+v", samples["ETH"])
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("sampler did not stop on cancel")
	}
}

func TestPredictCachesResult(t *testing.T) {
	left, right := pairedVenues(1_000_000, 500_000)
	engine := newTestEngine(t, 0, left, right)

	if _, err := engine.Predict(context.Background(), false); err != nil {
		t.Fatalf("predict: %v", err)
	}
	left.funding["ETH"] = nil
	res, err := engine.Predict(context.Background(), false)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if len(res.Entries) != 1 {
		t.Fatalf("second call should serve the cached result, got %+v", res.Entries)
	}
}
