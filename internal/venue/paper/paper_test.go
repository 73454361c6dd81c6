package paper

import (
	"context"
	"testing"

	"arb-trader/internal/venue"
)

func TestPlaceOrderOpensAndReduces(t *testing.T) {
	a := New("paper")
	ctx := context.Background()

	ack, err := a.PlaceOrder(ctx, venue.Order{Symbol: "BTC", Side: venue.SideBuy, Price: 100, Size: 2})
	if err != nil {
		t.Fatalf("open order failed: %v", err)
	}
	if ack.TxID == "" || ack.Payload == "" {
		t.Fatalf("ack missing tx id or payload: %+v", ack)
	}

	bal, err := a.GetBalances(ctx)
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	if len(bal.Positions) != 1 || bal.Positions[0].SignedSize != 2 {
		t.Fatalf("expected long 2, got %+v", bal.Positions)
	}

	if _, err := a.PlaceOrder(ctx, venue.Order{Symbol: "BTC", Side: venue.SideSell, Price: 101, Size: 5, ReduceOnly: true}); err != nil {
		t.Fatalf("reduce order failed: %v", err)
	}
	bal, _ = a.GetBalances(ctx)
	if len(bal.Positions) != 0 {
		t.Fatalf("reduce-only must clamp at flat, got %+v", bal.Positions)
	}
}

func TestReduceOnlyRejectsSameDirection(t *testing.T) {
	a := New("paper")
	a.SetPosition(venue.Position{Symbol: "ETH", SignedSize: 1, AvgEntryPrice: 2000})
	_, err := a.PlaceOrder(context.Background(), venue.Order{Symbol: "ETH", Side: venue.SideBuy, Price: 2000, Size: 1, ReduceOnly: true})
	if err == nil {
		t.Fatalf("expected reduce-only rejection for same-direction order")
	}
}

func TestFailNextOrder(t *testing.T) {
	a := New("paper")
	a.FailNextOrder(context.DeadlineExceeded)
	if _, err := a.PlaceOrder(context.Background(), venue.Order{Symbol: "BTC", Side: venue.SideBuy, Price: 1, Size: 1}); err == nil {
		t.Fatalf("expected injected failure")
	}
	if _, err := a.PlaceOrder(context.Background(), venue.Order{Symbol: "BTC", Side: venue.SideBuy, Price: 1, Size: 1}); err != nil {
		t.Fatalf("failure must apply to one order only: %v", err)
	}
}

func TestFundingHistorySince(t *testing.T) {
	a := New("paper")
	a.SetFunding("BTC", []venue.FundingPoint{
		{TimestampMs: 1_000, HourlyRatePct: 0.01},
		{TimestampMs: 2_000, HourlyRatePct: 0.02},
	})
	points, err := a.GetFundingHistory(context.Background(), "BTC", 1_500)
	if err != nil {
		t.Fatalf("funding history: %v", err)
	}
	if len(points) != 1 || points[0].HourlyRatePct != 0.02 {
		t.Fatalf("expected the newer point only, got %+v", points)
	}
}
