package predict

import (
	"math"
	"time"

	"arb-trader/internal/market"
)

const (
	msPerHour     = 3_600_000
	hoursPerYear  = 24 * 365
	forecastHours = 24
)

type Direction string

const (
	DirectionLeftLong  Direction = "leftLong"
	DirectionRightLong Direction = "rightLong"
	DirectionUnknown   Direction = "unknown"
)

// Entry is one scored arbitrage candidate; recomputed per cycle, never
// persisted.
type Entry struct {
	Symbol      string
	LeftSymbol  string
	RightSymbol string
	Direction   Direction

	LeftVolume24h  float64
	RightVolume24h float64

	AvgLeftHourlyPct   float64
	AvgRightHourlyPct  float64
	AvgSpreadHourlyPct float64

	PredictedLeft24hPct   float64
	PredictedRight24hPct  float64
	PredictedSpread24hPct float64

	CycleReturnDecimal float64
	AnnualizedDecimal  float64

	SpreadVolatility24hPct float64
	PriceVolatility24hPct  float64

	LeftBidAskSpreadBps     float64
	RightBidAskSpreadBps    float64
	CombinedBidAskSpreadBps float64

	SampleCount int
	Score       float64
}

// Failure is a per-symbol structured rejection; the batch continues.
type Failure struct {
	Symbol string
	Reason string
}

type Result struct {
	Entries   []Entry
	Failures  []Failure
	Errors    []market.SourceError
	FetchedAt time.Time
}

// ewmaState folds irregularly spaced samples with a half-life decay:
// decay = 0.5^(Δh/halfLife) over the actual elapsed hours.
type ewmaState struct {
	value  float64
	lastMs int64
	count  int
}

func (s *ewmaState) add(tsMs int64, v, halfLifeHours float64) {
	if s.count == 0 {
		s.value = v
	} else {
		dh := float64(tsMs-s.lastMs) / msPerHour
		if dh < 0 {
			dh = 0
		}
		decay := math.Pow(0.5, dh/halfLifeHours)
		s.value = v*(1-decay) + s.value*decay
	}
	s.lastMs = tsMs
	s.count++
}

// cycleMetrics estimates the profile of entering on the current
// favorable direction and holding until the spread loses its sign. The
// lookback series is cut into maximal runs matching the current EWMA
// spread's sign; the expected cycle is the mean run. With no sign flip
// observed the fallback is a single one-hour run of the average spread.
// Returns predicted 24h spread (%), cycle return and annualized return
// as decimals.
func cycleMetrics(avgSpreadHourlyPct float64, spreadSamplesPct []float64) (predicted24hPct, cycleReturnDecimal, annualizedDecimal float64) {
	if len(spreadSamplesPct) == 0 || avgSpreadHourlyPct == 0 || math.IsNaN(avgSpreadHourlyPct) || math.IsInf(avgSpreadHourlyPct, 0) {
		return 0, 0, 0
	}
	currentSign := 1.0
	if avgSpreadHourlyPct < 0 {
		currentSign = -1
	}

	type run struct {
		hours  int
		absSum float64
	}
	var runs []run
	hours := 0
	absSum := 0.0
	for _, spread := range spreadSamplesPct {
		if spread == 0 || math.IsNaN(spread) || math.IsInf(spread, 0) {
			continue
		}
		sign := 1.0
		if spread < 0 {
			sign = -1
		}
		if sign == currentSign {
			hours++
			absSum += math.Abs(spread)
			continue
		}
		if hours > 0 {
			runs = append(runs, run{hours: hours, absSum: absSum})
			hours = 0
			absSum = 0
		}
	}
	if hours > 0 {
		runs = append(runs, run{hours: hours, absSum: absSum})
	}

	cycleHours := 1
	cycleAbsSumPct := math.Abs(avgSpreadHourlyPct)
	if len(runs) > 0 {
		totalHours, totalAbs := 0, 0.0
		for _, r := range runs {
			totalHours += r.hours
			totalAbs += r.absSum
		}
		cycleHours = int(math.Round(float64(totalHours) / float64(len(runs))))
		if cycleHours < 1 {
			cycleHours = 1
		}
		cycleAbsSumPct = math.Max(totalAbs/float64(len(runs)), 0)
	}

	cycleReturnDecimal = cycleAbsSumPct / 100
	avgHourlyDecimal := cycleReturnDecimal / float64(cycleHours)
	annualizedDecimal = avgHourlyDecimal * hoursPerYear
	predicted24hPct = avgHourlyDecimal * 100 * forecastHours
	return predicted24hPct, cycleReturnDecimal, annualizedDecimal
}
