package arb

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"arb-trader/internal/alerts"
	"arb-trader/internal/config"
	"arb-trader/internal/events"
	"arb-trader/internal/market"
	"arb-trader/internal/metrics"
	"arb-trader/internal/store"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// activeStatuses are the positions guards may still act on. Exiting and
// terminal positions are left alone.
var activeStatuses = []store.PositionStatus{
	store.PositionPending,
	store.PositionPartiallyFilled,
	store.PositionHedged,
}

// Guards runs the three background risk loops. Each loop polls on its
// own interval, re-checks position status before acting, and isolates
// one position's failure from the rest of the sweep.
type Guards struct {
	svc    *Service
	store  store.Store
	market *market.Service
	cfg    config.GuardsConfig

	log     *zap.Logger
	metrics *metrics.Metrics
	alerts  *alerts.Telegram

	now func() time.Time
}

func NewGuards(svc *Service, st store.Store, mkt *market.Service, cfg config.GuardsConfig, log *zap.Logger, m *metrics.Metrics, tg *alerts.Telegram) *Guards {
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Guards{
		svc:     svc,
		store:   st,
		market:  mkt,
		cfg:     cfg,
		log:     log,
		metrics: m,
		alerts:  tg,
		now:     time.Now,
	}
}

// Run blocks until ctx is cancelled. Cancellation is checked between
// iterations; a sweep in flight finishes its unit of work.
func (g *Guards) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return g.loop(ctx, g.cfg.AutoCloseInterval, g.sweepAutoClose) })
	eg.Go(func() error { return g.loop(ctx, g.cfg.FundingInterval, g.sweepFunding) })
	eg.Go(func() error { return g.loop(ctx, g.cfg.LiquidationInterval, g.sweepLiquidation) })
	return eg.Wait()
}

func (g *Guards) loop(ctx context.Context, interval time.Duration, sweep func(ctx context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sweep(ctx)
		}
	}
}

// sweepAutoClose fires every auto_close task whose execute_at has
// passed. Task resolution leaves pending exactly once, so a concurrent
// sweep observing the same task loses the race harmlessly.
func (g *Guards) sweepAutoClose(ctx context.Context) {
	tasks, err := g.store.DueTasks(ctx, store.TaskAutoClose, g.now())
	if err != nil {
		g.warn("auto close scan failed", zap.Error(err))
		return
	}
	for _, task := range tasks {
		if err := g.executeAutoClose(ctx, task); err != nil {
			g.warn("auto close task failed",
				zap.String("task_id", task.ID.String()),
				zap.String("position_id", task.ArbPositionID.String()),
				zap.Error(err))
		}
	}
}

func (g *Guards) executeAutoClose(ctx context.Context, task *store.RiskTask) error {
	now := g.now().UTC()
	_, err := g.svc.Close(ctx, task.ArbPositionID)
	switch {
	case err == nil:
		g.metrics.AutoCloseFired.Inc()
		g.svc.publish(events.Event{Kind: events.KindGuardTrigger, PositionID: task.ArbPositionID.String(), Detail: string(store.TaskAutoClose)})
		g.notify(ctx, "auto close triggered for position %s", task.ArbPositionID)
		return g.resolve(ctx, task, store.TaskTriggered, "auto close executed", now)
	case errors.Is(err, ErrPositionInactive), errors.Is(err, store.ErrNotFound):
		return g.resolve(ctx, task, store.TaskCanceled, "position inactive", now)
	case errors.Is(err, ErrNoPositionsOrPrice):
		return g.resolve(ctx, task, store.TaskFailed, "no positions or price", now)
	default:
		var unwindErr *UnwindError
		if errors.As(err, &unwindErr) {
			return g.resolve(ctx, task, store.TaskFailed, unwindErr.Error(), now)
		}
		return err
	}
}

// sweepFunding only acts in the last minutes before the hourly funding
// settlement; outside that window the sweep is a no-op.
func (g *Guards) sweepFunding(ctx context.Context) {
	now := g.now().UTC()
	endOfHour := now.Truncate(time.Hour).Add(time.Hour)
	if endOfHour.Sub(now) > g.cfg.FundingWindow {
		return
	}

	positions, err := g.store.PositionsByStatus(ctx, activeStatuses...)
	if err != nil {
		g.warn("funding guard scan failed", zap.Error(err))
		return
	}
	if len(positions) == 0 {
		return
	}

	// One snapshot per venue pair amortizes the fetch across every
	// position in the group.
	type pairKey struct{ left, right string }
	groups := make(map[pairKey][]*store.ArbPosition)
	for _, pos := range positions {
		key := pairKey{left: pos.LeftVenue, right: pos.RightVenue}
		groups[key] = append(groups[key], pos)
	}
	for _, group := range groups {
		snap, err := g.market.Snapshot(ctx, false)
		if err != nil {
			g.warn("funding guard snapshot failed", zap.Error(err))
			continue
		}
		rows := make(map[string]market.Row, len(snap.Rows))
		for _, row := range snap.Rows {
			rows[row.Symbol] = row
		}
		for _, pos := range group {
			g.evaluateFunding(ctx, pos, rows)
		}
	}
}

func (g *Guards) evaluateFunding(ctx context.Context, pos *store.ArbPosition, rows map[string]market.Row) {
	row, ok := rows[market.NormalizeSymbol(pos.Symbol)]
	if !ok || row.Right == nil {
		return
	}
	expected := pos.Notional * (pos.LeftSide.FundingSign()*row.Left.FundingRatePct +
		pos.RightSide.FundingSign()*row.Right.FundingRatePct) / 100
	if expected > 0 {
		return
	}

	if _, err := g.svc.Close(ctx, pos.ID); err != nil {
		if errors.Is(err, ErrPositionInactive) {
			return
		}
		g.warn("funding guard close failed",
			zap.String("position_id", pos.ID.String()),
			zap.Float64("expected_pnl", expected),
			zap.Error(err))
		return
	}
	g.metrics.FundingGuardFired.Inc()
	g.svc.publish(events.Event{Kind: events.KindGuardTrigger, PositionID: pos.ID.String(), Detail: "funding_settlement"})
	g.notify(ctx, "funding guard closed %s %s: expected hourly pnl %.4f", pos.Symbol, pos.ID, expected)
}

func (g *Guards) sweepLiquidation(ctx context.Context) {
	tasks, err := g.store.PendingTasks(ctx, store.TaskLiquidationGuard)
	if err != nil {
		g.warn("liquidation guard scan failed", zap.Error(err))
		return
	}
	for _, task := range tasks {
		if err := g.evaluateLiquidation(ctx, task); err != nil {
			g.warn("liquidation guard task failed",
				zap.String("task_id", task.ID.String()),
				zap.String("position_id", task.ArbPositionID.String()),
				zap.Error(err))
		}
	}
}

func (g *Guards) evaluateLiquidation(ctx context.Context, task *store.RiskTask) error {
	now := g.now().UTC()
	pos, err := g.store.GetPosition(ctx, task.ArbPositionID)
	if errors.Is(err, store.ErrNotFound) {
		return g.resolve(ctx, task, store.TaskCanceled, "position inactive", now)
	}
	if err != nil {
		return err
	}
	if pos.Status.Terminal() {
		return g.resolve(ctx, task, store.TaskCanceled, "position inactive", now)
	}
	if pos.Notional <= 0 {
		return nil
	}

	pnl, err := g.sumUnrealizedPnl(ctx, pos.Symbol)
	if err != nil {
		return err
	}
	pnlRatio := math.Abs(pnl) / pos.Notional * 100
	if pnlRatio < task.ThresholdPct {
		return nil
	}

	if _, err := g.svc.Close(ctx, pos.ID); err != nil {
		if errors.Is(err, ErrPositionInactive) {
			return g.resolve(ctx, task, store.TaskCanceled, "position inactive", now)
		}
		// Leave the task pending; the next sweep retries the unwind.
		return err
	}
	g.metrics.LiquidationFired.Inc()
	g.svc.publish(events.Event{Kind: events.KindGuardTrigger, PositionID: pos.ID.String(), Detail: string(store.TaskLiquidationGuard)})
	reason := fmt.Sprintf("pnl %.2f%% >= threshold %.2f%%", pnlRatio, task.ThresholdPct)
	g.notify(ctx, "liquidation guard closed %s %s: %s", pos.Symbol, pos.ID, reason)
	return g.resolve(ctx, task, store.TaskTriggered, reason, now)
}

func (g *Guards) sumUnrealizedPnl(ctx context.Context, symbol string) (float64, error) {
	var total float64
	for _, adapter := range g.svc.adapters() {
		bal, err := adapter.GetBalances(ctx)
		if err != nil {
			return 0, err
		}
		for _, p := range bal.Positions {
			if p.Symbol == symbol {
				total += p.UnrealizedPnl
			}
		}
	}
	return total, nil
}

// resolve moves a task out of pending; a lost race with another sweep
// is not an error.
func (g *Guards) resolve(ctx context.Context, task *store.RiskTask, status store.TaskStatus, reason string, at time.Time) error {
	err := g.store.ResolveTask(ctx, task.ID, status, reason, at)
	if errors.Is(err, store.ErrTaskNotPending) {
		return nil
	}
	return err
}

func (g *Guards) warn(msg string, fields ...zap.Field) {
	if g.log != nil {
		g.log.Warn(msg, fields...)
	}
}

func (g *Guards) notify(ctx context.Context, format string, args ...any) {
	if g.alerts != nil {
		g.alerts.Notify(ctx, format, args...)
	}
}
