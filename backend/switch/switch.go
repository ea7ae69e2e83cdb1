package _switch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/adwski/duelnet/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultFwdTimout = time.Second
)

var (
	ErrAlreadyConnected = errors.New("endpoint is already connected")
	ErrNotConnected     = errors.New("endpoint is not connected")
)

// Switch fans frames out to connected endpoints by topic.
type Switch struct {
	logger    zerolog.Logger
	mx        *sync.RWMutex
	endpoints map[string]model.Wire
	topics    map[string]map[string]struct{}
}

func NewSwitch(logger *zerolog.Logger) *Switch {
	return &Switch{
		logger:    logger.With().Str("component", "switch").Logger(),
		mx:        &sync.RWMutex{},
		endpoints: make(map[string]model.Wire),
		topics:    make(map[string]map[string]struct{}),
	}
}

func (sw *Switch) Connect(endpoint string, wire model.Wire) error {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	if _, ok := sw.endpoints[endpoint]; ok {
		return ErrAlreadyConnected
	}
	sw.endpoints[endpoint] = wire
	sw.logger.Debug().Str("endpoint", endpoint).Msg("endpoint connected")
	return nil
}

// Disconnect removes endpoint and all of its subscriptions. It returns the
// topics that no longer have any local subscriber.
func (sw *Switch) Disconnect(endpoint string) []string {
	sw.mx.Lock()
	defer func() {
		sw.mx.Unlock()
		sw.logger.Debug().Str("endpoint", endpoint).Msg("endpoint disconnected")
	}()

	delete(sw.endpoints, endpoint)

	var emptied []string
	for topic, subs := range sw.topics {
		if _, ok := subs[endpoint]; !ok {
			continue
		}
		delete(subs, endpoint)
		if len(subs) == 0 {
			delete(sw.topics, topic)
			emptied = append(emptied, topic)
		}
	}
	return emptied
}

// Subscribe adds endpoint to topic. first reports whether the topic had no
// local subscribers before this call.
func (sw *Switch) Subscribe(topic, endpoint string) (first bool, err error) {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	if _, ok := sw.endpoints[endpoint]; !ok {
		return false, ErrNotConnected
	}
	subs, ok := sw.topics[topic]
	if !ok {
		subs = make(map[string]struct{})
		sw.topics[topic] = subs
		first = true
	}
	subs[endpoint] = struct{}{}
	return first, nil
}

// Unsubscribe removes endpoint from topic. last reports whether the topic
// has no local subscribers left.
func (sw *Switch) Unsubscribe(topic, endpoint string) (last bool) {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	subs, ok := sw.topics[topic]
	if !ok {
		return false
	}
	if _, ok = subs[endpoint]; !ok {
		return false
	}
	delete(subs, endpoint)
	if len(subs) == 0 {
		delete(sw.topics, topic)
		return true
	}
	return false
}

func (sw *Switch) Subscribers(topic string) int {
	sw.mx.RLock()
	defer sw.mx.RUnlock()
	return len(sw.topics[topic])
}

// Publish forwards frame to every subscriber of topic except its source.
// It reports whether at least one endpoint received the frame.
func (sw *Switch) Publish(ctx context.Context, frame model.Frame, topic string) bool {
	logger := sw.logger.With().
		Str("topic", topic).
		Str("type", frame.Type).
		Str("src", frame.SRC).Logger()

	sw.mx.RLock()
	wires := make(map[string]model.Wire, len(sw.topics[topic]))
	for endpoint := range sw.topics[topic] {
		if endpoint == frame.SRC {
			continue
		}
		if wire, ok := sw.endpoints[endpoint]; ok {
			wires[endpoint] = wire
		}
	}
	sw.mx.RUnlock()

	var sent bool
	for dst, wire := range wires {
		annSent, canceled := send(ctx, frame, wire.TX, dst, &logger)
		if canceled {
			break
		}
		if annSent {
			sent = true
		}
	}
	if !sent {
		logger.Debug().Msg("publish did not reach anyone")
	}
	return sent
}

// Send delivers frame to a single endpoint.
func (sw *Switch) Send(ctx context.Context, frame model.Frame, endpoint string) bool {
	sw.mx.RLock()
	wire, ok := sw.endpoints[endpoint]
	sw.mx.RUnlock()

	if !ok {
		sw.logger.Debug().Str("dst", endpoint).Msg("cannot forward, dst not found")
		return false
	}
	sent, _ := send(ctx, frame, wire.TX, endpoint, &sw.logger)
	return sent
}

// Broadcast delivers frame to every connected endpoint except its source.
func (sw *Switch) Broadcast(ctx context.Context, frame model.Frame) {
	sw.mx.RLock()
	wires := make(map[string]model.Wire, len(sw.endpoints))
	for endpoint, wire := range sw.endpoints {
		if endpoint != frame.SRC {
			wires[endpoint] = wire
		}
	}
	sw.mx.RUnlock()

	for dst, wire := range wires {
		if _, canceled := send(ctx, frame, wire.TX, dst, &sw.logger); canceled {
			return
		}
	}
}

func send(ctx context.Context, frame model.Frame, tx chan<- model.Frame, dst string, logger *zerolog.Logger) (bool, bool) {
	var sent, canceled bool
	tCh := time.NewTimer(defaultFwdTimout)
	select {
	case <-ctx.Done():
		canceled = true
	case <-tCh.C:
		logger.Error().Str("dst", dst).Msg("dead endpoint")
	case tx <- frame:
		logger.Trace().Str("dst", dst).Msg("frame is forwarded")
		sent = true
	}
	tCh.Stop()
	return sent, canceled
}
