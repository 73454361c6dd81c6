package arb

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"arb-trader/internal/metrics"
	"arb-trader/internal/store"
	"arb-trader/internal/store/sqlite"
	"arb-trader/internal/venue"
	"arb-trader/internal/venue/paper"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) (*Service, store.Store, *paper.Adapter, *paper.Adapter) {
	t.Helper()
	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	left := paper.New("lighter")
	right := paper.New("grvt")
	for _, a := range []*paper.Adapter{left, right} {
		a.SetTicker(venue.Ticker{Symbol: "BTC", MarkPrice: 100, BestBid: 99.9, BestAsk: 100.1, FundingRatePct: 0.01, DayVolume: 2_000_000})
	}
	svc := NewService(st, left, right, zap.NewNop(), metrics.NewNoop(), nil, nil)
	return svc, st, left, right
}

func TestOpenBothLegsAccepted(t *testing.T) {
	svc, st, left, right := newTestService(t)
	ctx := context.Background()

	res, err := svc.Open(ctx, OpenRequest{
		Owner:    "ops",
		Symbol:   "BTC",
		LeftSide: venue.SideBuy,
		Notional: 10_000,
		Options:  store.PositionOptions{LiquidationGuardEnabled: true},
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if res.Status != store.PositionPending {
		t.Fatalf("expected pending, got %s", res.Status)
	}
	if len(res.RiskTaskIDs) != 1 {
		t.Fatalf("expected one risk task, got %d", len(res.RiskTaskIDs))
	}

	task, err := st.GetTask(ctx, res.RiskTaskIDs[0])
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Type != store.TaskLiquidationGuard || task.ThresholdPct != 50 {
		t.Fatalf("expected liquidation guard at default 50, got %+v", task)
	}

	logs, err := st.OrderLogsByPosition(ctx, res.PositionID)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected 2 order logs, got %d", len(logs))
	}
	for _, log := range logs {
		if log.Status != store.OrderAccepted {
			t.Fatalf("expected accepted log, got %+v", log)
		}
		if !strings.Contains(log.RequestPayload, "fingerprint") {
			t.Fatalf("request payload missing fingerprint: %s", log.RequestPayload)
		}
	}

	// Legs crossed the book: the buy at the ask, the sell at the bid.
	if got := left.Orders()[0]; got.Side != venue.SideBuy || got.Price != 100.1 {
		t.Fatalf("left leg: %+v", got)
	}
	if got := right.Orders()[0]; got.Side != venue.SideSell || got.Price != 99.9 {
		t.Fatalf("right leg: %+v", got)
	}
	if left.Orders()[0].ClientIndex+1 != right.Orders()[0].ClientIndex {
		t.Fatalf("client indices must be adjacent: %d %d",
			left.Orders()[0].ClientIndex, right.Orders()[0].ClientIndex)
	}
}

func TestOpenPartialFillKeepsBothLogs(t *testing.T) {
	svc, st, _, right := newTestService(t)
	ctx := context.Background()
	right.FailNextOrder(errors.New("insufficient margin"))

	res, err := svc.Open(ctx, OpenRequest{Owner: "ops", Symbol: "BTC", LeftSide: venue.SideBuy, Notional: 10_000})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if res.Status != store.PositionPartiallyFilled {
		t.Fatalf("expected partially_filled, got %s", res.Status)
	}

	logs, err := st.OrderLogsByPosition(ctx, res.PositionID)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected exactly 2 order logs, got %d", len(logs))
	}
	var accepted, failed int
	for _, log := range logs {
		switch log.Status {
		case store.OrderAccepted:
			accepted++
		case store.OrderFailed:
			failed++
			if !strings.Contains(log.ResponsePayload, "insufficient margin") {
				t.Fatalf("failure must capture the error, got %s", log.ResponsePayload)
			}
		}
	}
	if accepted != 1 || failed != 1 {
		t.Fatalf("expected one accepted and one failed log, got %d/%d", accepted, failed)
	}
}

func TestOpenBothLegsFail(t *testing.T) {
	svc, st, left, right := newTestService(t)
	left.FailNextOrder(errors.New("down"))
	right.FailNextOrder(errors.New("down"))

	res, err := svc.Open(context.Background(), OpenRequest{Owner: "ops", Symbol: "BTC", LeftSide: venue.SideSell, Notional: 5_000})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if res.Status != store.PositionFailed {
		t.Fatalf("expected failed, got %s", res.Status)
	}
	pos, err := st.GetPosition(context.Background(), res.PositionID)
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if !pos.Status.Terminal() {
		t.Fatalf("failed must be terminal")
	}
}

func TestOpenValidation(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	cases := []OpenRequest{
		{Symbol: "", LeftSide: venue.SideBuy, Notional: 1},
		{Symbol: "BTC", LeftSide: "hold", Notional: 1},
		{Symbol: "BTC", LeftSide: venue.SideBuy, Notional: 0},
	}
	for _, req := range cases {
		_, err := svc.Open(context.Background(), req)
		var vErr *venue.ValidationError
		if !errors.As(err, &vErr) {
			t.Fatalf("expected validation error for %+v, got %v", req, err)
		}
	}
}

func TestCloseReducesBothLegs(t *testing.T) {
	svc, st, left, right := newTestService(t)
	ctx := context.Background()

	res, err := svc.Open(ctx, OpenRequest{Owner: "ops", Symbol: "BTC", LeftSide: venue.SideBuy, Notional: 10_000})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	closed, err := svc.Close(ctx, res.PositionID)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.Status != store.PositionExiting {
		t.Fatalf("expected exiting, got %s", closed.Status)
	}

	// Unwind legs are reduce-only at the defensive price: bid for the
	// sell, ask for the buy.
	leftClose := left.Orders()[1]
	if leftClose.Side != venue.SideSell || !leftClose.ReduceOnly || leftClose.Price != 99.9 {
		t.Fatalf("left unwind leg: %+v", leftClose)
	}
	rightClose := right.Orders()[1]
	if rightClose.Side != venue.SideBuy || !rightClose.ReduceOnly || rightClose.Price != 100.1 {
		t.Fatalf("right unwind leg: %+v", rightClose)
	}

	logs, _ := st.OrderLogsByPosition(ctx, res.PositionID)
	if len(logs) != 4 {
		t.Fatalf("expected 4 order logs after open+close, got %d", len(logs))
	}
}

func TestCloseIdempotentOnTerminalPosition(t *testing.T) {
	svc, st, _, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.Open(ctx, OpenRequest{Owner: "ops", Symbol: "BTC", LeftSide: venue.SideBuy, Notional: 10_000})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := st.UpdatePositionStatus(ctx, res.PositionID, store.PositionClosed, nil); err != nil {
		t.Fatalf("mark closed: %v", err)
	}
	before, _ := st.OrderLogsByPosition(ctx, res.PositionID)

	if _, err := svc.Close(ctx, res.PositionID); !errors.Is(err, ErrPositionInactive) {
		t.Fatalf("expected position inactive, got %v", err)
	}
	after, _ := st.OrderLogsByPosition(ctx, res.PositionID)
	if len(after) != len(before) {
		t.Fatalf("second close must not append order logs: %d -> %d", len(before), len(after))
	}
}

func TestCloseWithoutOpenSize(t *testing.T) {
	svc, st, _, _ := newTestService(t)
	ctx := context.Background()

	pos := seedPosition(t, st, "BTC", store.PositionHedged)
	if _, err := svc.Close(ctx, pos.ID); !errors.Is(err, ErrNoPositionsOrPrice) {
		t.Fatalf("expected no positions or price, got %v", err)
	}
	logs, _ := st.OrderLogsByPosition(ctx, pos.ID)
	if len(logs) != 0 {
		t.Fatalf("no legs submitted means no logs, got %d", len(logs))
	}
}

func seedPosition(t *testing.T, st store.Store, symbol string, status store.PositionStatus) *store.ArbPosition {
	t.Helper()
	now := time.Now().UTC()
	pos := &store.ArbPosition{
		ID:         uuid.New(),
		Owner:      "ops",
		Symbol:     symbol,
		LeftVenue:  "lighter",
		RightVenue: "grvt",
		LeftSide:   venue.SideBuy,
		RightSide:  venue.SideSell,
		Notional:   10_000,
		Status:     status,
		OpenedAt:   &now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := st.CreatePositionWithTasks(context.Background(), pos, nil); err != nil {
		t.Fatalf("seed position: %v", err)
	}
	return pos
}

func TestClosePartialFailureLeavesStatus(t *testing.T) {
	svc, st, _, right := newTestService(t)
	ctx := context.Background()

	res, err := svc.Open(ctx, OpenRequest{Owner: "ops", Symbol: "BTC", LeftSide: venue.SideBuy, Notional: 10_000})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	right.FailNextOrder(errors.New("rate limited"))

	_, err = svc.Close(ctx, res.PositionID)
	var unwindErr *UnwindError
	if !errors.As(err, &unwindErr) {
		t.Fatalf("expected unwind error, got %v", err)
	}
	if len(unwindErr.Failures) != 1 || !strings.Contains(unwindErr.Failures[0], "grvt: ") {
		t.Fatalf("failures must list venue:error pairs, got %+v", unwindErr.Failures)
	}

	pos, err := st.GetPosition(ctx, res.PositionID)
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if pos.Status != store.PositionPending {
		t.Fatalf("failed unwind must leave status unchanged, got %s", pos.Status)
	}
	logs, _ := st.OrderLogsByPosition(ctx, res.PositionID)
	if len(logs) != 4 {
		t.Fatalf("close attempt logs must still be recorded, got %d", len(logs))
	}
}

func TestStatusReturnsTasksAndLogs(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.Open(ctx, OpenRequest{
		Owner:    "ops",
		Symbol:   "BTC",
		LeftSide: venue.SideSell,
		Notional: 10_000,
		Options:  store.PositionOptions{LiquidationGuardEnabled: true, AutoCloseAfterMs: int64(time.Hour / time.Millisecond)},
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	status, err := svc.Status(ctx, res.PositionID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Position.ID != res.PositionID {
		t.Fatalf("wrong position returned")
	}
	if len(status.RiskTasks) != 2 {
		t.Fatalf("expected liquidation and auto close tasks, got %d", len(status.RiskTasks))
	}
	if len(status.OrderLogs) != 2 {
		t.Fatalf("expected 2 order logs, got %d", len(status.OrderLogs))
	}
}
