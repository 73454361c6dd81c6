package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"arb-trader/internal/alerts"
	"arb-trader/internal/arb"
	"arb-trader/internal/config"
	"arb-trader/internal/events"
	"arb-trader/internal/market"
	"arb-trader/internal/metrics"
	"arb-trader/internal/predict"
	"arb-trader/internal/store/sqlite"
	"arb-trader/internal/timescale"
	"arb-trader/internal/venue"
	"arb-trader/internal/venue/live"
	"arb-trader/internal/venue/paper"
	"arb-trader/internal/venue/rest"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// App owns every long-lived service and wires them together once at
// startup. No ambient globals: everything flows through here.
type App struct {
	cfg     *config.Config
	log     *zap.Logger
	store   *sqlite.Store
	left    venue.Adapter
	right   venue.Adapter
	market  *market.Service
	predict *predict.Engine
	service *arb.Service
	guards  *arb.Guards
	prom    *metrics.Prometheus
	alerts  *alerts.Telegram
	events  *events.Broadcaster
	writer  *timescale.Writer
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Store.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	st, err := sqlite.New(cfg.Store.SQLitePath)
	if err != nil {
		return nil, err
	}

	left, err := buildAdapter(cfg.Venues.Left, cfg.Venues.Timeout, cfg.Venues.WSPingEvery, log)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	right, err := buildAdapter(cfg.Venues.Right, cfg.Venues.Timeout, cfg.Venues.WSPingEvery, log)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	mkt := market.NewService(left, right, cfg.Market.TickerFetchRate, cfg.Market.TickerFetchBurst, cfg.Market.CacheTTL, log)
	engine := predict.NewEngine(cfg.Predict, left, right, mkt, log)

	var m *metrics.Metrics
	var prom *metrics.Prometheus
	if cfg.Metrics.Enabled {
		prom = metrics.NewPrometheus()
		m = prom.Metrics
	} else {
		m = metrics.NewNoop()
	}

	tg := alerts.NewTelegram(cfg.Telegram, log)
	bus := events.NewBroadcaster()

	writer, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	svc := arb.NewService(st, left, right, log, m, tg, bus)
	guards := arb.NewGuards(svc, st, mkt, cfg.Guards, log, m, tg)

	return &App{
		cfg:     cfg,
		log:     log,
		store:   st,
		left:    left,
		right:   right,
		market:  mkt,
		predict: engine,
		service: svc,
		guards:  guards,
		prom:    prom,
		alerts:  tg,
		events:  bus,
		writer:  writer,
	}, nil
}

// Service exposes the orchestrator for the API layer.
func (a *App) Service() *arb.Service { return a.service }

// Predictor exposes the funding prediction engine.
func (a *App) Predictor() *predict.Engine { return a.predict }

// Run blocks until ctx is cancelled; all loops shut down cooperatively.
func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	defer func() { _ = a.writer.Close() }()

	a.writer.Start(ctx)
	for _, adapter := range []venue.Adapter{a.left, a.right} {
		if lp, ok := adapter.(*live.Prices); ok {
			lp.Start(ctx)
		}
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return a.guards.Run(ctx) })
	eg.Go(func() error { return a.serveMetrics(ctx) })
	eg.Go(func() error { return a.predictionLoop(ctx) })
	eg.Go(func() error { a.consumeEvents(ctx); return nil })

	err := eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func buildAdapter(vc config.VenueConfig, timeout, pingEvery time.Duration, log *zap.Logger) (venue.Adapter, error) {
	if vc.BaseURL == "" {
		log.Warn("venue has no base url, running in paper mode", zap.String("venue", vc.Name))
		return paper.New(vc.Name), nil
	}
	creds, err := venue.LoadCredentials(vc.Name)
	if err != nil {
		return nil, err
	}
	var adapter venue.Adapter = rest.New(vc.Name, vc.BaseURL, creds, timeout, log)
	if vc.WSURL != "" {
		adapter = live.Wrap(adapter, vc.WSURL, pingEvery, log)
	}
	return adapter, nil
}

func (a *App) serveMetrics(ctx context.Context) error {
	if a.prom == nil {
		<-ctx.Done()
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.prom.Handler())
	server := &http.Server{Addr: a.cfg.Metrics.Listen, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	a.log.Info("metrics server listening", zap.String("addr", a.cfg.Metrics.Listen))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// predictionLoop refreshes the ranked recommendations on the cache
// interval and records each cycle to timescale.
func (a *App) predictionLoop(ctx context.Context) error {
	interval := a.cfg.Predict.CacheTTL
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.refreshPredictions(ctx)
		}
	}
}

func (a *App) refreshPredictions(ctx context.Context) {
	res, err := a.predict.Predict(ctx, true)
	if err != nil {
		a.log.Warn("prediction cycle failed", zap.Error(err))
		return
	}
	a.log.Info("prediction cycle complete",
		zap.Int("entries", len(res.Entries)),
		zap.Int("failures", len(res.Failures)))
	if len(res.Entries) > 0 {
		top := res.Entries[0]
		a.log.Info("top recommendation",
			zap.String("symbol", top.Symbol),
			zap.String("direction", string(top.Direction)),
			zap.Float64("score", top.Score),
			zap.Float64("annualized", top.AnnualizedDecimal))
	}
	for _, entry := range res.Entries {
		a.writer.EnqueuePrediction(timescale.PredictionEntry{
			Time:                   res.FetchedAt,
			Symbol:                 entry.Symbol,
			Direction:              string(entry.Direction),
			AvgSpreadHourlyPct:     entry.AvgSpreadHourlyPct,
			PredictedSpread24hPct:  entry.PredictedSpread24hPct,
			AnnualizedDecimal:      entry.AnnualizedDecimal,
			SpreadVolatility24hPct: entry.SpreadVolatility24hPct,
			PriceVolatility24hPct:  entry.PriceVolatility24hPct,
			CombinedSpreadBps:      entry.CombinedBidAskSpreadBps,
			Score:                  entry.Score,
		})
	}

	snap, err := a.market.Snapshot(ctx, false)
	if err != nil {
		return
	}
	for _, row := range snap.Rows {
		if row.Right == nil {
			continue
		}
		a.writer.EnqueueFunding(timescale.FundingPoint{
			Time:         snap.FetchedAt,
			Symbol:       row.Symbol,
			LeftVenue:    a.left.Name(),
			RightVenue:   a.right.Name(),
			LeftRatePct:  row.Left.FundingRatePct,
			RightRatePct: row.Right.FundingRatePct,
			SpreadPct:    row.Right.FundingRatePct - row.Left.FundingRatePct,
		})
	}
}

func (a *App) consumeEvents(ctx context.Context) {
	ch := a.events.Register()
	defer a.events.Unregister(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			a.log.Info("event",
				zap.String("kind", string(ev.Kind)),
				zap.String("position_id", ev.PositionID),
				zap.String("venue", ev.Venue),
				zap.String("detail", ev.Detail))
		}
	}
}
