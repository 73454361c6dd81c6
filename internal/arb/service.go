package arb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"arb-trader/internal/alerts"
	"arb-trader/internal/events"
	"arb-trader/internal/metrics"
	"arb-trader/internal/store"
	"arb-trader/internal/venue"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// defaultLiquidationThresholdPct applies when a liquidation guard is
	// requested without an explicit threshold.
	defaultLiquidationThresholdPct = 50

	// adverseSpreadBps is the widest per-venue bid/ask spread an
	// avoid_adverse_spread open will cross.
	adverseSpreadBps = 15

	// clientIndexModulus keeps millisecond-derived client order indices
	// inside a signed 32-bit range.
	clientIndexModulus = 2_147_483_647
)

var (
	// ErrPositionInactive reports a close against a position that is
	// already terminal; the second close is a no-op.
	ErrPositionInactive = errors.New("position inactive")

	// ErrNoPositionsOrPrice reports a close that could not submit a
	// single leg: no open size anywhere, or no usable price.
	ErrNoPositionsOrPrice = errors.New("no positions or price")
)

// UnwindError lists every submitted close leg that failed, as
// "venue: error" pairs. The position status is unchanged when this is
// returned.
type UnwindError struct {
	Failures []string
}

func (e *UnwindError) Error() string {
	return strings.Join(e.Failures, " | ")
}

// Service is the position orchestrator: it owns the open and close
// flows and the order-log ledger around them.
type Service struct {
	store store.Store
	left  venue.Adapter
	right venue.Adapter

	log     *zap.Logger
	metrics *metrics.Metrics
	alerts  *alerts.Telegram
	events  *events.Broadcaster

	now func() time.Time
}

func NewService(st store.Store, left, right venue.Adapter, log *zap.Logger, m *metrics.Metrics, tg *alerts.Telegram, bus *events.Broadcaster) *Service {
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Service{
		store:   st,
		left:    left,
		right:   right,
		log:     log,
		metrics: m,
		alerts:  tg,
		events:  bus,
		now:     time.Now,
	}
}

type OpenRequest struct {
	Owner         string
	Symbol        string
	LeftSide      venue.Side
	Notional      float64
	LeverageLeft  float64
	LeverageRight float64
	Options       store.PositionOptions
}

type OpenResult struct {
	PositionID  uuid.UUID
	Status      store.PositionStatus
	RiskTaskIDs []uuid.UUID
}

// Open persists the position and its risk tasks in one unit of work,
// then places both legs concurrently. Exactly one order log is written
// per leg regardless of outcome; the final status is committed in the
// same transaction as the logs.
func (s *Service) Open(ctx context.Context, req OpenRequest) (*OpenResult, error) {
	if req.Symbol == "" {
		return nil, venue.Validationf("symbol is required")
	}
	if !req.LeftSide.Valid() {
		return nil, venue.Validationf("left side must be buy or sell")
	}
	if req.Notional <= 0 {
		return nil, venue.Validationf("notional must be positive, got %v", req.Notional)
	}

	leftBid, leftAsk, leftErr := s.left.GetBestPrices(ctx, req.Symbol, 1)
	if leftErr != nil || leftBid <= 0 || leftAsk <= 0 {
		return nil, venue.Validationf("no price for %s on %s", req.Symbol, s.left.Name())
	}
	rightBid, rightAsk, rightErr := s.right.GetBestPrices(ctx, req.Symbol, 1)

	if req.Options.AvoidAdverseSpread {
		if bps := spreadBps(leftBid, leftAsk); bps > adverseSpreadBps {
			return nil, venue.Validationf("%s spread %.1f bps exceeds %d bps", s.left.Name(), bps, adverseSpreadBps)
		}
		if rightErr == nil {
			if bps := spreadBps(rightBid, rightAsk); bps > adverseSpreadBps {
				return nil, venue.Validationf("%s spread %.1f bps exceeds %d bps", s.right.Name(), bps, adverseSpreadBps)
			}
		}
	}

	now := s.now().UTC()
	size := req.Notional / ((leftBid + leftAsk) / 2)

	pos := &store.ArbPosition{
		ID:            uuid.New(),
		Owner:         req.Owner,
		Symbol:        req.Symbol,
		LeftVenue:     s.left.Name(),
		RightVenue:    s.right.Name(),
		LeftSide:      req.LeftSide,
		RightSide:     req.LeftSide.Opposite(),
		Notional:      req.Notional,
		LeverageLeft:  req.LeverageLeft,
		LeverageRight: req.LeverageRight,
		Status:        store.PositionPending,
		OpenedAt:      &now,
		Options:       req.Options,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	tasks := buildRiskTasks(pos, now)
	if err := s.store.CreatePositionWithTasks(ctx, pos, tasks); err != nil {
		return nil, err
	}

	baseIndex := now.UnixMilli() % clientIndexModulus
	legs := []legPlan{
		{adapter: s.left, side: pos.LeftSide, price: entryPrice(pos.LeftSide, leftBid, leftAsk), index: baseIndex},
		{adapter: s.right, side: pos.RightSide, price: entryPrice(pos.RightSide, rightBid, rightAsk), index: baseIndex + 1},
	}
	if rightErr != nil {
		legs[1].err = rightErr
	}

	logs, accepted := s.placeLegs(ctx, pos.ID, pos.Symbol, size, false, legs)

	status := store.PositionPending
	switch accepted {
	case len(legs):
	case 0:
		status = store.PositionFailed
		s.metrics.OpensFailed.Inc()
	default:
		status = store.PositionPartiallyFilled
		s.metrics.OpensPartial.Inc()
	}
	if err := s.store.CommitLegResults(ctx, pos.ID, status, nil, logs); err != nil {
		return nil, err
	}
	if status != store.PositionPending {
		s.notify(ctx, "open %s %s: %s", pos.Symbol, pos.ID, status)
	}

	result := &OpenResult{PositionID: pos.ID, Status: status}
	for _, task := range tasks {
		result.RiskTaskIDs = append(result.RiskTaskIDs, task.ID)
	}
	return result, nil
}

type CloseResult struct {
	PositionID uuid.UUID
	Status     store.PositionStatus
}

// Close runs the reduce-only unwind shared by the manual endpoint and
// every guard. It re-fetches live positions and prices, submits one
// reduce-only leg per venue with open size, and moves the position to
// exiting only when every submitted leg succeeds.
func (s *Service) Close(ctx context.Context, id uuid.UUID) (*CloseResult, error) {
	pos, err := s.store.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	if pos.Status.Terminal() {
		return nil, ErrPositionInactive
	}

	baseIndex := s.now().UnixMilli() % clientIndexModulus
	var legs []legPlan
	for i, adapter := range []venue.Adapter{s.left, s.right} {
		plan, ok := s.unwindLeg(ctx, adapter, pos.Symbol)
		if !ok {
			continue
		}
		plan.index = baseIndex + int64(i)
		legs = append(legs, plan)
	}
	if len(legs) == 0 {
		return nil, ErrNoPositionsOrPrice
	}

	logs, accepted := s.placeLegs(ctx, pos.ID, pos.Symbol, 0, true, legs)
	if accepted < len(legs) {
		if err := s.store.AppendOrderLogs(ctx, logs); err != nil {
			return nil, err
		}
		s.metrics.UnwindsFailed.Inc()
		unwindErr := &UnwindError{}
		for _, log := range logs {
			if log.Status != store.OrderAccepted {
				unwindErr.Failures = append(unwindErr.Failures, fmt.Sprintf("%s: %s", log.Venue, errorFromPayload(log.ResponsePayload)))
			}
		}
		return nil, unwindErr
	}

	if err := s.store.CommitLegResults(ctx, pos.ID, store.PositionExiting, nil, logs); err != nil {
		return nil, err
	}
	s.metrics.UnwindsTriggered.Inc()
	s.publish(events.Event{Kind: events.KindUnwind, PositionID: pos.ID.String(), Detail: pos.Symbol})
	return &CloseResult{PositionID: pos.ID, Status: store.PositionExiting}, nil
}

type StatusResult struct {
	Position  *store.ArbPosition
	RiskTasks []*store.RiskTask
	OrderLogs []*store.OrderLog
}

func (s *Service) Status(ctx context.Context, id uuid.UUID) (*StatusResult, error) {
	pos, err := s.store.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	tasks, err := s.store.TasksByPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	logs, err := s.store.OrderLogsByPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	return &StatusResult{Position: pos, RiskTasks: tasks, OrderLogs: logs}, nil
}

type legPlan struct {
	adapter venue.Adapter
	side    venue.Side
	price   float64
	size    float64
	index   int64
	err     error
}

// placeLegs submits every leg concurrently and returns one order log
// per leg. A leg failure never aborts its sibling.
func (s *Service) placeLegs(ctx context.Context, positionID uuid.UUID, symbol string, size float64, reduceOnly bool, legs []legPlan) ([]*store.OrderLog, int) {
	logs := make([]*store.OrderLog, len(legs))
	var g errgroup.Group
	for i := range legs {
		i := i
		g.Go(func() error {
			leg := legs[i]
			legSize := leg.size
			if legSize == 0 {
				legSize = size
			}
			order := venue.Order{
				Symbol:      symbol,
				Side:        leg.side,
				Price:       leg.price,
				Size:        legSize,
				ReduceOnly:  reduceOnly,
				Tif:         venue.TifIOC,
				ClientIndex: leg.index,
			}
			logs[i] = s.placeLeg(ctx, positionID, leg, order)
			return nil
		})
	}
	_ = g.Wait()

	accepted := 0
	for _, log := range logs {
		if log.Status == store.OrderAccepted {
			accepted++
		}
	}
	return logs, accepted
}

func (s *Service) placeLeg(ctx context.Context, positionID uuid.UUID, leg legPlan, order venue.Order) *store.OrderLog {
	now := s.now().UTC()
	log := &store.OrderLog{
		ID:             uuid.New(),
		ArbPositionID:  positionID,
		Venue:          leg.adapter.Name(),
		Side:           order.Side,
		Price:          order.Price,
		Size:           order.Size,
		ReduceOnly:     order.ReduceOnly,
		RequestPayload: orderRequestPayload(leg.adapter.Name(), order),
		Status:         store.OrderSent,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err := leg.err
	var ack venue.OrderAck
	if err == nil {
		ack, err = leg.adapter.PlaceOrder(ctx, order)
	}
	if err != nil {
		log.Status = store.OrderFailed
		log.ResponsePayload = errorPayload(err)
		s.metrics.OrdersFailed.Inc()
		if s.log != nil {
			s.log.Warn("leg placement failed",
				zap.String("venue", leg.adapter.Name()),
				zap.String("symbol", order.Symbol),
				zap.Error(err))
		}
	} else {
		log.Status = store.OrderAccepted
		log.ResponsePayload = ack.Payload
		s.metrics.OrdersPlaced.Inc()
	}
	s.publish(events.Event{
		Kind:       events.KindOrder,
		PositionID: positionID.String(),
		Venue:      leg.adapter.Name(),
		Detail:     string(log.Status),
	})
	return log
}

// unwindLeg resolves one venue's reduce-only order: skip when the venue
// has no open size or no usable price. Close legs price defensively:
// the bid for a sell, the ask for a buy.
func (s *Service) unwindLeg(ctx context.Context, adapter venue.Adapter, symbol string) (legPlan, bool) {
	bal, err := adapter.GetBalances(ctx)
	if err != nil {
		if s.log != nil {
			s.log.Warn("balance fetch failed during unwind", zap.String("venue", adapter.Name()), zap.Error(err))
		}
		return legPlan{}, false
	}
	var open *venue.Position
	for i := range bal.Positions {
		if bal.Positions[i].Symbol == symbol && bal.Positions[i].SignedSize != 0 {
			open = &bal.Positions[i]
			break
		}
	}
	if open == nil {
		return legPlan{}, false
	}

	bid, ask, err := adapter.GetBestPrices(ctx, symbol, 1)
	if err != nil || bid <= 0 || ask <= 0 {
		return legPlan{}, false
	}

	side := venue.SideSell
	price := bid
	sz := open.SignedSize
	if sz < 0 {
		side = venue.SideBuy
		price = ask
		sz = -sz
	}
	return legPlan{adapter: adapter, side: side, price: price, size: sz}, true
}

func buildRiskTasks(pos *store.ArbPosition, now time.Time) []*store.RiskTask {
	var tasks []*store.RiskTask
	if pos.Options.LiquidationGuardEnabled {
		threshold := pos.Options.LiquidationGuardThresholdPct
		if threshold <= 0 {
			threshold = defaultLiquidationThresholdPct
		}
		tasks = append(tasks, &store.RiskTask{
			ID:            uuid.New(),
			ArbPositionID: pos.ID,
			Type:          store.TaskLiquidationGuard,
			Enabled:       true,
			ThresholdPct:  threshold,
			Status:        store.TaskPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}
	if pos.Options.AutoCloseAfterMs > 0 {
		executeAt := now.Add(time.Duration(pos.Options.AutoCloseAfterMs) * time.Millisecond)
		tasks = append(tasks, &store.RiskTask{
			ID:            uuid.New(),
			ArbPositionID: pos.ID,
			Type:          store.TaskAutoClose,
			Enabled:       true,
			ExecuteAt:     &executeAt,
			Status:        store.TaskPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}
	return tasks
}

func entryPrice(side venue.Side, bid, ask float64) float64 {
	if side == venue.SideBuy {
		return ask
	}
	return bid
}

func spreadBps(bid, ask float64) float64 {
	mid := (bid + ask) / 2
	if mid <= 0 {
		return 0
	}
	return (ask - bid) / mid * 10_000
}

func orderRequestPayload(venueName string, order venue.Order) string {
	fingerprint, _ := venue.OrderFingerprint(venueName, order)
	data, _ := json.Marshal(map[string]any{
		"venue":        venueName,
		"symbol":       order.Symbol,
		"side":         string(order.Side),
		"price":        order.Price,
		"size":         order.Size,
		"reduce_only":  order.ReduceOnly,
		"tif":          string(order.Tif),
		"client_index": order.ClientIndex,
		"fingerprint":  fingerprint,
	})
	return string(data)
}

func errorPayload(err error) string {
	data, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(data)
}

func errorFromPayload(payload string) string {
	var decoded struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal([]byte(payload), &decoded); err == nil && decoded.Error != "" {
		return decoded.Error
	}
	return payload
}

func (s *Service) notify(ctx context.Context, format string, args ...any) {
	if s.alerts != nil {
		s.alerts.Notify(ctx, format, args...)
	}
}

func (s *Service) adapters() []venue.Adapter {
	return []venue.Adapter{s.left, s.right}
}

func (s *Service) publish(ev events.Event) {
	if s.events != nil {
		s.events.Publish(ev)
	}
}
