package redis

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/adwski/duelnet/backend/broker"
	"github.com/adwski/duelnet/backend/model"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	defaultChannelPrefix = "duelnet:topic:"
)

var (
	ErrPing = errors.New("redis is not reachable")
)

// Broker fans published frames out across relay instances through Redis
// pub/sub. Every instance subscribes to the channels of topics that have at
// least one local subscriber and delivers incoming frames to its switch.
type Broker struct {
	rdb    *redis.Client
	ps     *redis.PubSub
	dst    broker.Deliverer
	prefix string
	logger zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Config struct {
	Logger        *zerolog.Logger
	Addr          string
	ChannelPrefix string
	Deliverer     broker.Deliverer
}

func New(ctx context.Context, cfg Config) (*Broker, error) {
	prefix := cfg.ChannelPrefix
	if prefix == "" {
		prefix = defaultChannelPrefix
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Join(ErrPing, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		rdb:    rdb,
		ps:     rdb.Subscribe(ctx),
		dst:    cfg.Deliverer,
		prefix: prefix,
		logger: cfg.Logger.With().Str("component", "redis-broker").Logger(),
		cancel: cancel,
	}
	b.wg.Add(1)
	go b.receive(loopCtx)
	b.logger.Info().Str("addr", cfg.Addr).Msg("connected to redis")
	return b, nil
}

func (b *Broker) Subscribe(ctx context.Context, topic string) error {
	return b.ps.Subscribe(ctx, b.prefix+topic)
}

func (b *Broker) Unsubscribe(ctx context.Context, topic string) error {
	return b.ps.Unsubscribe(ctx, b.prefix+topic)
}

func (b *Broker) Publish(ctx context.Context, frame model.Frame) error {
	data, err := json.Marshal(&frame)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.prefix+frame.Topic, data).Err()
}

func (b *Broker) Close() error {
	b.cancel()
	err := b.ps.Close()
	b.wg.Wait()
	return errors.Join(err, b.rdb.Close())
}

func (b *Broker) receive(ctx context.Context) {
	defer b.wg.Done()

	ch := b.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var frame model.Frame
			if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
				b.logger.Error().Err(err).Str("channel", msg.Channel).Msg("failed to unmarshall frame")
				continue
			}
			topic := strings.TrimPrefix(msg.Channel, b.prefix)
			b.dst.Publish(ctx, frame, topic)
		}
	}
}
