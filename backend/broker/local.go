package broker

import (
	"context"

	"github.com/adwski/duelnet/backend/model"
)

// Deliverer hands a frame to local subscribers of its topic.
type Deliverer interface {
	Publish(ctx context.Context, frame model.Frame, topic string) bool
}

// Local delivers published frames straight to the in-process switch.
// It is used when the relay runs as a single instance.
type Local struct {
	dst Deliverer
}

func NewLocal(dst Deliverer) *Local {
	return &Local{dst: dst}
}

func (l *Local) Subscribe(context.Context, string) error { return nil }

func (l *Local) Unsubscribe(context.Context, string) error { return nil }

func (l *Local) Publish(ctx context.Context, frame model.Frame) error {
	l.dst.Publish(ctx, frame, frame.Topic)
	return nil
}

func (l *Local) Close() error { return nil }
