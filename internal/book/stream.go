package book

import (
	"context"
	"encoding/json"

	"arb-trader/internal/ws"

	"go.uber.org/zap"
)

// Decoder maps a venue's raw stream payload onto a normalized Update.
// Returning false drops the message (unrelated channels, acks).
type Decoder func(json.RawMessage) (Update, bool)

// Stream runs one venue book subscription: the transport reconnects,
// the aggregator folds updates, snapshots fan out on Out. Slow
// consumers see the freshest snapshot; intermediate ones are dropped.
type Stream struct {
	client *ws.Client
	agg    *Aggregator
	decode Decoder
	out    chan Snapshot
	log    *zap.Logger
}

func NewStream(client *ws.Client, agg *Aggregator, decode Decoder, log *zap.Logger) *Stream {
	return &Stream{
		client: client,
		agg:    agg,
		decode: decode,
		out:    make(chan Snapshot, 1),
		log:    log,
	}
}

func (s *Stream) Out() <-chan Snapshot { return s.out }

func (s *Stream) Run(ctx context.Context) error {
	return s.client.Run(ctx, func(raw json.RawMessage) {
		u, ok := s.decode(raw)
		if !ok {
			return
		}
		if u.Type == UpdatePing {
			if err := s.client.Send(ctx, pongMessage); err != nil && s.log != nil {
				s.log.Warn("pong send failed", zap.Error(err))
			}
			return
		}
		snap, emit := s.agg.Apply(u)
		if !emit {
			return
		}
		for {
			select {
			case s.out <- snap:
				return
			default:
			}
			select {
			case <-s.out:
			default:
			}
		}
	})
}

var pongMessage = map[string]any{"method": "pong"}
