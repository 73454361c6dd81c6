package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"arb-trader/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// FundingPoint is one merged funding observation for offline analysis.
type FundingPoint struct {
	Time         time.Time
	Symbol       string
	LeftVenue    string
	RightVenue   string
	LeftRatePct  float64
	RightRatePct float64
	SpreadPct    float64
}

// PredictionEntry is one scored recommendation row per cycle.
type PredictionEntry struct {
	Time                   time.Time
	Symbol                 string
	Direction              string
	AvgSpreadHourlyPct     float64
	PredictedSpread24hPct  float64
	AnnualizedDecimal      float64
	SpreadVolatility24hPct float64
	PriceVolatility24hPct  float64
	CombinedSpreadBps      float64
	Score                  float64
}

// Writer persists funding points and prediction entries off the hot
// path through bounded queues. New returns nil when disabled; all
// methods are nil-safe.
type Writer struct {
	db          *sql.DB
	log         *zap.Logger
	schema      string
	funding     chan FundingPoint
	predictions chan PredictionEntry
	started     atomic.Bool
	dropFunding atomic.Uint64
	dropPredict atomic.Uint64
}

func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	writer := &Writer{
		db:          db,
		log:         log,
		schema:      schema,
		funding:     make(chan FundingPoint, queueSize),
		predictions: make(chan PredictionEntry, queueSize),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueFunding(point FundingPoint) {
	if w == nil {
		return
	}
	select {
	case w.funding <- point:
		return
	default:
		if w.dropFunding.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale funding queue full")
		}
	}
}

func (w *Writer) EnqueuePrediction(entry PredictionEntry) {
	if w == nil {
		return
	}
	select {
	case w.predictions <- entry:
		return
	default:
		if w.dropPredict.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale prediction queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case point := <-w.funding:
			w.writeFunding(ctx, point)
		case entry := <-w.predictions:
			w.writePrediction(ctx, entry)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		symbol TEXT NOT NULL,
		left_venue TEXT NOT NULL,
		right_venue TEXT NOT NULL,
		left_rate_pct DOUBLE PRECISION NOT NULL,
		right_rate_pct DOUBLE PRECISION NOT NULL,
		spread_pct DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (ts, symbol, left_venue, right_venue)
	)`, w.table("funding_spreads"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		symbol TEXT NOT NULL,
		direction TEXT NOT NULL,
		avg_spread_hourly_pct DOUBLE PRECISION NOT NULL,
		predicted_spread_24h_pct DOUBLE PRECISION NOT NULL,
		annualized_decimal DOUBLE PRECISION NOT NULL,
		spread_volatility_24h_pct DOUBLE PRECISION NOT NULL,
		price_volatility_24h_pct DOUBLE PRECISION NOT NULL,
		combined_spread_bps DOUBLE PRECISION NOT NULL,
		score DOUBLE PRECISION NOT NULL
	)`, w.table("prediction_entries"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("funding_spreads"))); err != nil && w.log != nil {
		w.log.Warn("timescale funding_spreads hypertable create failed", zap.Error(err))
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("prediction_entries"))); err != nil && w.log != nil {
		w.log.Warn("timescale prediction_entries hypertable create failed", zap.Error(err))
	}
	return nil
}

func (w *Writer) writeFunding(ctx context.Context, point FundingPoint) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, symbol, left_venue, right_venue, left_rate_pct, right_rate_pct, spread_pct
	) VALUES ($1,$2,$3,$4,$5,$6,$7)
	ON CONFLICT (ts, symbol, left_venue, right_venue) DO UPDATE SET
		left_rate_pct = EXCLUDED.left_rate_pct,
		right_rate_pct = EXCLUDED.right_rate_pct,
		spread_pct = EXCLUDED.spread_pct`, w.table("funding_spreads"))
	if _, err := w.db.ExecContext(ctx, query,
		point.Time,
		point.Symbol,
		point.LeftVenue,
		point.RightVenue,
		point.LeftRatePct,
		point.RightRatePct,
		point.SpreadPct,
	); err != nil && w.log != nil {
		w.log.Warn("timescale funding upsert failed", zap.Error(err))
	}
}

func (w *Writer) writePrediction(ctx context.Context, entry PredictionEntry) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, symbol, direction, avg_spread_hourly_pct, predicted_spread_24h_pct,
		annualized_decimal, spread_volatility_24h_pct, price_volatility_24h_pct,
		combined_spread_bps, score
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`, w.table("prediction_entries"))
	if _, err := w.db.ExecContext(ctx, query,
		entry.Time,
		entry.Symbol,
		entry.Direction,
		entry.AvgSpreadHourlyPct,
		entry.PredictedSpread24hPct,
		entry.AnnualizedDecimal,
		entry.SpreadVolatility24hPct,
		entry.PriceVolatility24hPct,
		entry.CombinedSpreadBps,
		entry.Score,
	); err != nil && w.log != nil {
		w.log.Warn("timescale prediction insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
