package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"arb-trader/internal/config"
	"arb-trader/internal/logging"
	"arb-trader/internal/market"
	"arb-trader/internal/predict"
	"arb-trader/internal/venue"
	"arb-trader/internal/venue/paper"
	"arb-trader/internal/venue/rest"

	"go.uber.org/zap"
)

// scan runs one prediction cycle against the configured venue pair and
// prints the ranked recommendations.
func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	asJSON := flag.Bool("json", false, "print the full result as JSON")
	top := flag.Int("top", 10, "number of entries to print")
	flag.Parse()

	if err := config.LoadEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	left, err := buildAdapter(cfg.Venues.Left, cfg.Venues.Timeout, log)
	if err != nil {
		fatal(err)
	}
	right, err := buildAdapter(cfg.Venues.Right, cfg.Venues.Timeout, log)
	if err != nil {
		fatal(err)
	}

	mkt := market.NewService(left, right, cfg.Market.TickerFetchRate, cfg.Market.TickerFetchBurst, cfg.Market.CacheTTL, log)
	engine := predict.NewEngine(cfg.Predict, left, right, mkt, log)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	res, err := engine.Predict(ctx, true)
	if err != nil {
		fatal(err)
	}

	if *asJSON {
		pretty, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			fatal(err)
		}
		fmt.Println(string(pretty))
		return
	}

	fmt.Printf("%-12s %-10s %10s %12s %10s %10s\n", "SYMBOL", "DIRECTION", "SCORE", "ANNUALIZED", "SPREAD/H", "PVOL24H")
	for i, entry := range res.Entries {
		if i >= *top {
			break
		}
		fmt.Printf("%-12s %-10s %10.4f %11.2f%% %9.4f%% %9.2f%%\n",
			entry.Symbol, entry.Direction, entry.Score,
			entry.AnnualizedDecimal*100, entry.AvgSpreadHourlyPct, entry.PriceVolatility24hPct)
	}
	if len(res.Failures) > 0 {
		fmt.Printf("\nskipped %d symbols:\n", len(res.Failures))
		for _, f := range res.Failures {
			fmt.Printf("  %-12s %s\n", f.Symbol, f.Reason)
		}
	}
	for _, srcErr := range res.Errors {
		fmt.Fprintf(os.Stderr, "source error: %s: %s\n", srcErr.Source, srcErr.Message)
	}
}

func buildAdapter(vc config.VenueConfig, timeout time.Duration, log *zap.Logger) (venue.Adapter, error) {
	if vc.BaseURL == "" {
		log.Warn("venue has no base url, running in paper mode", zap.String("venue", vc.Name))
		return paper.New(vc.Name), nil
	}
	creds, err := venue.LoadCredentials(vc.Name)
	if err != nil {
		return nil, err
	}
	return rest.New(vc.Name, vc.BaseURL, creds, timeout, log), nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
