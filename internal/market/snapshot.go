package market

import (
	"context"
	"sort"
	"sync"
	"time"

	"arb-trader/internal/venue"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Row pairs one base symbol's metrics across both venues. Right is nil
// when the secondary venue does not list the market.
type Row struct {
	Symbol string
	Left   venue.Ticker
	Right  *venue.Ticker
}

// CombinedVolume treats a missing side as zero volume.
func (r Row) CombinedVolume() float64 {
	v := r.Left.DayVolume
	if r.Right != nil {
		v += r.Right.DayVolume
	}
	return v
}

// SourceError records one venue's fetch failure without failing the
// whole snapshot.
type SourceError struct {
	Source  string
	Message string
}

type Snapshot struct {
	Rows      []Row
	Errors    []SourceError
	FetchedAt time.Time
}

type cacheKey struct {
	primary   string
	secondary string
}

type cacheEntry struct {
	snap      Snapshot
	expiresAt time.Time
}

// Service joins two venues' instrument universes into combined metric
// rows, cached per venue pair with a TTL.
type Service struct {
	left    venue.Adapter
	right   venue.Adapter
	limiter *rate.Limiter
	ttl     time.Duration
	log     *zap.Logger

	mu    sync.Mutex
	cache map[cacheKey]cacheEntry
}

func NewService(left, right venue.Adapter, fetchRate float64, fetchBurst int, ttl time.Duration, log *zap.Logger) *Service {
	if fetchRate <= 0 {
		fetchRate = 8
	}
	if fetchBurst <= 0 {
		fetchBurst = 1
	}
	return &Service{
		left:    left,
		right:   right,
		limiter: rate.NewLimiter(rate.Limit(fetchRate), fetchBurst),
		ttl:     ttl,
		log:     log,
		cache:   make(map[cacheKey]cacheEntry),
	}
}

// Snapshot returns the combined rows for the venue pair. force bypasses
// the cache but still refreshes it.
func (s *Service) Snapshot(ctx context.Context, force bool) (Snapshot, error) {
	key := cacheKey{primary: s.left.Name(), secondary: s.right.Name()}
	if !force {
		s.mu.Lock()
		entry, ok := s.cache[key]
		s.mu.Unlock()
		if ok && time.Now().Before(entry.expiresAt) {
			return entry.snap, nil
		}
	}
	snap := s.build(ctx)
	s.mu.Lock()
	s.cache[key] = cacheEntry{snap: snap, expiresAt: time.Now().Add(s.ttl)}
	s.mu.Unlock()
	return snap, nil
}

func (s *Service) build(ctx context.Context) Snapshot {
	snap := Snapshot{FetchedAt: time.Now().UTC()}

	leftTickers, err := s.left.GetTickers(ctx)
	if err != nil {
		snap.Errors = append(snap.Errors, SourceError{Source: s.left.Name(), Message: err.Error()})
	}

	rightBySymbol, rightErrs := s.fetchRight(ctx, leftTickers)
	snap.Errors = append(snap.Errors, rightErrs...)

	for _, lt := range leftTickers {
		base := NormalizeSymbol(lt.Symbol)
		row := Row{Symbol: base, Left: lt}
		if rt, ok := rightBySymbol[base]; ok {
			t := rt
			row.Right = &t
		}
		snap.Rows = append(snap.Rows, row)
	}

	sort.Slice(snap.Rows, func(i, j int) bool {
		vi, vj := snap.Rows[i].CombinedVolume(), snap.Rows[j].CombinedVolume()
		if vi != vj {
			return vi > vj
		}
		return snap.Rows[i].Symbol < snap.Rows[j].Symbol
	})
	return snap
}

// fetchRight prefers the per-instrument path when the secondary venue
// prices one symbol per call: the primary's symbol set bounds the
// candidate list so the full remote universe is never enumerated.
func (s *Service) fetchRight(ctx context.Context, leftTickers []venue.Ticker) (map[string]venue.Ticker, []SourceError) {
	out := make(map[string]venue.Ticker)
	var errs []SourceError

	pi, perInstrument := s.right.(venue.PerInstrument)
	if !perInstrument {
		tickers, err := s.right.GetTickers(ctx)
		if err != nil {
			return out, append(errs, SourceError{Source: s.right.Name(), Message: err.Error()})
		}
		for _, t := range tickers {
			out[NormalizeSymbol(t.Symbol)] = t
		}
		return out, nil
	}

	candidates := make(map[string]struct{}, len(leftTickers))
	for _, t := range leftTickers {
		candidates[NormalizeSymbol(t.Symbol)] = struct{}{}
	}
	symbols, err := pi.ListSymbols(ctx)
	if err != nil {
		return out, append(errs, SourceError{Source: s.right.Name(), Message: err.Error()})
	}
	for _, sym := range symbols {
		base := NormalizeSymbol(sym)
		if len(candidates) > 0 {
			if _, ok := candidates[base]; !ok {
				continue
			}
		}
		if err := s.limiter.Wait(ctx); err != nil {
			errs = append(errs, SourceError{Source: s.right.Name(), Message: err.Error()})
			break
		}
		t, err := pi.GetTicker(ctx, sym)
		if err != nil {
			errs = append(errs, SourceError{Source: s.right.Name(), Message: err.Error()})
			if s.log != nil {
				s.log.Warn("ticker fetch failed", zap.String("venue", s.right.Name()), zap.String("symbol", sym), zap.Error(err))
			}
			continue
		}
		out[base] = t
	}
	return out, errs
}
