package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/adwski/duelnet/backend/broker"
	redisBroker "github.com/adwski/duelnet/backend/broker/redis"
	httpServer "github.com/adwski/duelnet/backend/server/http"
	websocketServer "github.com/adwski/duelnet/backend/server/websocket"
	"github.com/adwski/duelnet/backend/service"
	store "github.com/adwski/duelnet/backend/storage/memory"
	redisStore "github.com/adwski/duelnet/backend/storage/redis"
	sw "github.com/adwski/duelnet/backend/switch"
	"github.com/adwski/duelnet/transport/relay"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		apiListenAddr   = fs.StringP("api-listen-addr", "a", ":8080", "api listen address")
		wsListenAddr    = fs.StringP("ws-listen-addr", "w", ":8888", "websocket relay listen address")
		redisAddr       = fs.String("redis-addr", "", "redis address shared by relay instances, in-memory rooms and local broker when empty")
		maxParticipants = fs.IntP("max-participants", "m", store.DefaultMaxParticipants, "room capacity")
		advertise       = fs.Bool("advertise", true, "advertise the relay on the local network")
		instance        = fs.String("instance", "duelnet-relay", "dns-sd instance name")
		logLevel        = fs.StringP("log-level", "l", "debug", "log level")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	swtch := sw.NewSwitch(&logger)
	var (
		brk   service.Broker    = broker.NewLocal(swtch)
		rooms service.RoomStore = store.NewMemStore(*maxParticipants)
	)
	if *redisAddr != "" {
		rs, errS := redisStore.New(ctx, redisStore.Config{
			Logger:          &logger,
			Addr:            *redisAddr,
			MaxParticipants: *maxParticipants,
		})
		if errS != nil {
			logger.Fatal().Err(errS).Msg("failed to connect to redis room store")
		}
		defer func() {
			if errC := rs.Close(); errC != nil {
				logger.Error().Err(errC).Msg("failed to close redis room store")
			}
		}()
		rooms = rs

		rb, errR := redisBroker.New(ctx, redisBroker.Config{
			Logger:    &logger,
			Addr:      *redisAddr,
			Deliverer: swtch,
		})
		if errR != nil {
			logger.Fatal().Err(errR).Msg("failed to connect to redis")
		}
		defer func() {
			if errC := rb.Close(); errC != nil {
				logger.Error().Err(errC).Msg("failed to close redis broker")
			}
		}()
		brk = rb
	}

	svc := service.NewService(service.Config{
		RoomStore: rooms,
		Switch:    swtch,
		Broker:    brk,
		Logger:    &logger,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:       &logger,
		RelayService: svc,
		ListenAddr:   *wsListenAddr,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:      &logger,
		RoomService: svc,
		Sessions:    wsSrv.Sessions,
		ListenAddr:  *apiListenAddr,
	})

	if *advertise {
		port, errP := listenPort(*wsListenAddr)
		if errP != nil {
			logger.Fatal().Err(errP).Msg("failed to parse websocket listen address")
		}
		zc, errA := relay.Advertise(*instance, relay.DefaultServiceName, relay.DefaultDomain, port)
		if errA != nil {
			logger.Error().Err(errA).Msg("failed to advertise relay, continuing without it")
		} else {
			defer zc.Shutdown()
			logger.Info().Int("port", port).Msg("relay advertised on local network")
		}
	}

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}

func listenPort(addr string) (int, error) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(port)
}
