package market

import (
	"sort"

	"arb-trader/internal/venue"
)

const hourMs = 3_600_000

// DedupHourly buckets funding points by clock hour, keeping the latest
// observation per bucket, and returns them in ascending time order with
// timestamps snapped to the bucket start.
func DedupHourly(points []venue.FundingPoint) []venue.FundingPoint {
	if len(points) == 0 {
		return nil
	}
	byHour := make(map[int64]venue.FundingPoint, len(points))
	for _, p := range points {
		bucket := p.TimestampMs / hourMs * hourMs
		prev, ok := byHour[bucket]
		if !ok || p.TimestampMs >= prev.TimestampMs {
			byHour[bucket] = p
		}
	}
	out := make([]venue.FundingPoint, 0, len(byHour))
	for bucket, p := range byHour {
		out = append(out, venue.FundingPoint{TimestampMs: bucket, HourlyRatePct: p.HourlyRatePct})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TimestampMs < out[j].TimestampMs })
	return out
}

// SpreadPoint is one merged hourly observation of both venues' funding
// rates; Spread = right − left, percentage points per hour.
type SpreadPoint struct {
	TimestampMs  int64
	LeftRatePct  float64
	RightRatePct float64
	SpreadPct    float64
}

// MergeFundingSeries joins two hourly series left-driven: each left
// point pairs with the most recent right rate at or before it. Left
// points with no known right rate yet are skipped.
func MergeFundingSeries(left, right []venue.FundingPoint) []SpreadPoint {
	left = DedupHourly(left)
	right = DedupHourly(right)
	if len(left) == 0 || len(right) == 0 {
		return nil
	}
	out := make([]SpreadPoint, 0, len(left))
	ri := 0
	haveRight := false
	var rightRate float64
	for _, lp := range left {
		for ri < len(right) && right[ri].TimestampMs <= lp.TimestampMs {
			rightRate = right[ri].HourlyRatePct
			haveRight = true
			ri++
		}
		if !haveRight {
			continue
		}
		out = append(out, SpreadPoint{
			TimestampMs:  lp.TimestampMs,
			LeftRatePct:  lp.HourlyRatePct,
			RightRatePct: rightRate,
			SpreadPct:    rightRate - lp.HourlyRatePct,
		})
	}
	return out
}
