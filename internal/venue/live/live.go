package live

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"arb-trader/internal/book"
	"arb-trader/internal/venue"
	"arb-trader/internal/ws"

	"go.uber.org/zap"
)

// staleAfter bounds how old a streamed snapshot may be before the
// request path falls back to the wrapped adapter.
const staleAfter = 10 * time.Second

// Prices wraps a venue adapter with streamed order books: best bid/ask
// are answered from the freshest websocket snapshot, with the wrapped
// adapter as fallback while a stream warms up or goes stale. Streams
// start lazily, one per requested symbol.
type Prices struct {
	venue.Adapter

	wsURL     string
	pingEvery time.Duration
	log       *zap.Logger

	mu      sync.Mutex
	runCtx  context.Context
	latest  map[string]timedSnapshot
	started map[string]struct{}
}

type timedSnapshot struct {
	snap book.Snapshot
	at   time.Time
}

func Wrap(inner venue.Adapter, wsURL string, pingEvery time.Duration, log *zap.Logger) *Prices {
	return &Prices{
		Adapter:   inner,
		wsURL:     wsURL,
		pingEvery: pingEvery,
		log:       log,
		latest:    make(map[string]timedSnapshot),
		started:   make(map[string]struct{}),
	}
}

// Start arms the lazy stream launcher. Streams spawned afterwards live
// until ctx is cancelled.
func (p *Prices) Start(ctx context.Context) {
	p.mu.Lock()
	p.runCtx = ctx
	p.mu.Unlock()
}

func (p *Prices) GetBestPrices(ctx context.Context, symbol string, depth int) (float64, float64, error) {
	p.ensureStream(symbol, depth)

	p.mu.Lock()
	entry, ok := p.latest[symbol]
	p.mu.Unlock()
	if ok && time.Since(entry.at) < staleAfter {
		bid, bidOK := entry.snap.BestBid()
		ask, askOK := entry.snap.BestAsk()
		if bidOK && askOK {
			return bid, ask, nil
		}
	}
	return p.Adapter.GetBestPrices(ctx, symbol, depth)
}

func (p *Prices) ensureStream(symbol string, depth int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.runCtx == nil {
		return
	}
	if _, ok := p.started[symbol]; ok {
		return
	}
	p.started[symbol] = struct{}{}

	ctx := p.runCtx
	client := ws.New(p.wsURL, p.pingEvery, p.log)
	agg := book.NewAggregator(p.Name(), symbol, depth)
	stream := book.NewStream(client, agg, decodeBookMessage, p.log)
	if err := client.Subscribe(ctx, map[string]any{
		"method":  "subscribe",
		"channel": "book",
		"symbol":  symbol,
		"depth":   depth,
	}); err != nil && p.log != nil {
		p.log.Warn("book subscribe failed", zap.String("symbol", symbol), zap.Error(err))
	}

	go func() {
		if err := stream.Run(ctx); err != nil && ctx.Err() == nil && p.log != nil {
			p.log.Warn("book stream ended", zap.String("symbol", symbol), zap.Error(err))
		}
	}()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case snap := <-stream.Out():
				p.mu.Lock()
				p.latest[symbol] = timedSnapshot{snap: snap, at: time.Now()}
				p.mu.Unlock()
			}
		}
	}()
}

type bookMessage struct {
	Channel string       `json:"channel"`
	Type    string       `json:"type"`
	Bids    [][2]float64 `json:"bids"`
	Asks    [][2]float64 `json:"asks"`
	Ts      int64        `json:"ts"`
}

// decodeBookMessage maps the gateway's book channel onto normalized
// updates. Unknown channels and subscription acks are dropped.
func decodeBookMessage(raw json.RawMessage) (book.Update, bool) {
	var msg bookMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return book.Update{}, false
	}
	switch msg.Channel {
	case "ping":
		return book.Update{Type: book.UpdatePing}, true
	case "book":
		u := book.Update{Type: book.UpdateDelta, TimestampMs: msg.Ts}
		if msg.Type == "snapshot" {
			u.Type = book.UpdateSnapshot
		}
		for _, lv := range msg.Bids {
			u.Bids = append(u.Bids, book.PriceLevel{Price: lv[0], Size: lv[1]})
		}
		for _, lv := range msg.Asks {
			u.Asks = append(u.Asks, book.PriceLevel{Price: lv[0], Size: lv[1]})
		}
		return u, true
	}
	return book.Update{}, false
}
