package dispatch

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"qms/branch-queue/internal/models"
)

type Handler func(ctx context.Context, event models.Event) error

// Follow feeds room events to handler until ctx ends. A closed subscription is
// resumed from the last handled sequence; a resync continues from live.
func Follow(ctx context.Context, bus *Bus, room string, handler Handler, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var last *int64
	for ctx.Err() == nil {
		sub, err := bus.Subscribe(room, last)
		if errors.Is(err, ErrResync) {
			logger.Warn("follower missed events, continuing from live", zap.String("room", room), zap.Int64("last_seen", *last))
			last = nil
			continue
		}
		if errors.Is(err, ErrBusClosed) {
			return
		}
		if err != nil {
			logger.Error("follower subscribe failed", zap.String("room", room), zap.Error(err))
			return
		}
		seq, err := drain(ctx, sub, handler, logger)
		sub.Close()
		if seq > 0 {
			last = &seq
		}
		if errors.Is(err, ErrClosed) && sub.Reason() == ReasonShutdown {
			return
		}
	}
}

func drain(ctx context.Context, sub *Subscription, handler Handler, logger *zap.Logger) (int64, error) {
	for {
		event, err := sub.Next(ctx)
		if err != nil {
			return sub.LastSequence(), err
		}
		if err := handler(ctx, event); err != nil {
			logger.Warn("follower handler failed",
				zap.String("room", sub.Room),
				zap.String("type", event.Type),
				zap.Int64("sequence", event.Sequence),
				zap.Error(err))
		}
	}
}
