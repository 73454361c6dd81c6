package predict

import "math"

func stddev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	variance := 0.0
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))
	return math.Sqrt(math.Max(variance, 0))
}

func minMaxNormalize(value float64, population []float64) float64 {
	if len(population) == 0 {
		return 0
	}
	minV, maxV := population[0], population[0]
	for _, v := range population[1:] {
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	span := maxV - minV
	if span <= 1e-12 {
		return 0.5
	}
	return math.Min(math.Max((value-minV)/span, 0), 1)
}

// bidAskSpreadBps maps a quote to basis points of mid; unusable quotes
// fall back to the default so a symbol is penalized, not dropped.
func bidAskSpreadBps(bestBid, bestAsk, defaultBps float64) float64 {
	if bestBid <= 0 || bestAsk <= 0 || bestAsk < bestBid {
		return defaultBps
	}
	mid := (bestBid + bestAsk) / 2
	if mid <= 0 {
		return defaultBps
	}
	return (bestAsk - bestBid) / mid * 10_000
}

// spreadAcceptanceScore maps a bid/ask spread to [0,1] with a steep
// sigmoid drop at the intolerable threshold: at the threshold the
// score is exactly 0.5, tighter spreads approach 1, wider approach 0.
func spreadAcceptanceScore(spreadBps, intolerableBps, steepnessBps float64) float64 {
	if math.IsNaN(spreadBps) || math.IsInf(spreadBps, 0) {
		return 0
	}
	if steepnessBps <= 0 {
		steepnessBps = 1
	}
	x := (spreadBps - intolerableBps) / steepnessBps
	score := 1 / (1 + math.Exp(x))
	return math.Min(math.Max(score, 0), 1)
}

func midPrice(bestBid, bestAsk, fallback float64) float64 {
	if bestBid > 0 && bestAsk > 0 && bestAsk >= bestBid {
		return (bestBid + bestAsk) / 2
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func combineMids(leftMid, rightMid float64) float64 {
	switch {
	case leftMid > 0 && rightMid > 0:
		return (leftMid + rightMid) / 2
	case leftMid > 0:
		return leftMid
	case rightMid > 0:
		return rightMid
	default:
		return 0
	}
}

// priceVolatilityPct annualizes per-step log-return volatility of mid
// samples to a 24h horizon, in percent.
func priceVolatilityPct(midSamples []float64, intervalSeconds float64, defaultPct float64) float64 {
	if len(midSamples) < 2 {
		return defaultPct
	}
	var returns []float64
	for i := 1; i < len(midSamples); i++ {
		prev, curr := midSamples[i-1], midSamples[i]
		if prev <= 0 || curr <= 0 {
			continue
		}
		returns = append(returns, math.Log(curr/prev))
	}
	if len(returns) < 2 {
		return defaultPct
	}
	if intervalSeconds < 1 {
		intervalSeconds = 1
	}
	stepsPer24h := 24 * 60 * 60 / intervalSeconds
	return stddev(returns) * math.Sqrt(stepsPer24h) * 100
}
