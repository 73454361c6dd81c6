package book

import (
	"sort"
	"time"
)

// Book state is truncated to maxDepthMultiple times the requested depth
// so long-lived streams cannot grow without bound.
const maxDepthMultiple = 4

type PriceLevel struct {
	Price float64
	Size  float64
}

// Level is one emitted depth level with the running cumulative size.
type Level struct {
	Price float64
	Size  float64
	Total float64
}

type Snapshot struct {
	Venue     string
	Symbol    string
	Bids      []Level
	Asks      []Level
	Timestamp time.Time
}

func (s Snapshot) BestBid() (float64, bool) {
	if len(s.Bids) == 0 {
		return 0, false
	}
	return s.Bids[0].Price, true
}

func (s Snapshot) BestAsk() (float64, bool) {
	if len(s.Asks) == 0 {
		return 0, false
	}
	return s.Asks[0].Price, true
}

type UpdateType int

const (
	UpdateSnapshot UpdateType = iota
	UpdateDelta
	UpdatePing
)

// Update is a normalized inbound book message; venue decoders produce
// these from raw stream payloads.
type Update struct {
	Type        UpdateType
	Bids        []PriceLevel
	Asks        []PriceLevel
	TimestampMs int64
}

// Aggregator turns a venue's snapshot/delta stream into depth-limited
// snapshots with cumulative sizes. Not safe for concurrent use; each
// stream owns its own aggregator.
type Aggregator struct {
	venue  string
	symbol string
	depth  int

	bids []PriceLevel
	asks []PriceLevel
}

func NewAggregator(venue, symbol string, depth int) *Aggregator {
	if depth <= 0 {
		depth = 10
	}
	return &Aggregator{venue: venue, symbol: symbol, depth: depth}
}

// Apply folds one update into the book and returns the resulting
// snapshot. Ping updates change nothing and emit nothing.
func (a *Aggregator) Apply(u Update) (Snapshot, bool) {
	switch u.Type {
	case UpdatePing:
		return Snapshot{}, false
	case UpdateSnapshot:
		a.bids = append(a.bids[:0], u.Bids...)
		a.asks = append(a.asks[:0], u.Asks...)
	case UpdateDelta:
		a.bids = upsertLevels(a.bids, u.Bids)
		a.asks = upsertLevels(a.asks, u.Asks)
	default:
		return Snapshot{}, false
	}
	a.normalize()
	return a.snapshot(u.TimestampMs), true
}

func upsertLevels(levels []PriceLevel, changes []PriceLevel) []PriceLevel {
	for _, ch := range changes {
		found := false
		for i := range levels {
			if levels[i].Price == ch.Price {
				levels[i].Size = ch.Size
				found = true
				break
			}
		}
		if !found && ch.Size > 0 {
			levels = append(levels, ch)
		}
	}
	kept := levels[:0]
	for _, lv := range levels {
		if lv.Size > 0 {
			kept = append(kept, lv)
		}
	}
	return kept
}

func (a *Aggregator) normalize() {
	sort.Slice(a.bids, func(i, j int) bool { return a.bids[i].Price > a.bids[j].Price })
	sort.Slice(a.asks, func(i, j int) bool { return a.asks[i].Price < a.asks[j].Price })
	maxLevels := a.depth * maxDepthMultiple
	if len(a.bids) > maxLevels {
		a.bids = a.bids[:maxLevels]
	}
	if len(a.asks) > maxLevels {
		a.asks = a.asks[:maxLevels]
	}
}

func (a *Aggregator) snapshot(tsMs int64) Snapshot {
	ts := time.Now().UTC()
	if tsMs > 0 {
		ts = time.UnixMilli(tsMs).UTC()
	}
	return Snapshot{
		Venue:     a.venue,
		Symbol:    a.symbol,
		Bids:      cumulative(a.bids, a.depth),
		Asks:      cumulative(a.asks, a.depth),
		Timestamp: ts,
	}
}

func cumulative(levels []PriceLevel, depth int) []Level {
	n := len(levels)
	if n > depth {
		n = depth
	}
	out := make([]Level, 0, n)
	total := 0.0
	for _, lv := range levels[:n] {
		total += lv.Size
		out = append(out, Level{Price: lv.Price, Size: lv.Size, Total: total})
	}
	return out
}
