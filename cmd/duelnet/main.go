package main

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/adwski/duelnet/config"
	"github.com/adwski/duelnet/coordinator"
	"github.com/adwski/duelnet/envelope"
	"github.com/adwski/duelnet/transport"
	"github.com/adwski/duelnet/transport/factory"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("duelnet", pflag.ContinueOnError)

	var (
		create  = fs.Bool("create", false, "create a room on start")
		join    = fs.StringP("join", "j", "", "room id to join on start")
		voiceOn = fs.Bool("voice", false, "start voice chat once in a room")
		tone    = fs.Bool("tone", false, "use a generated test tone as microphone input")
	)
	cfg, err := config.Load(fs, os.Args[1:])
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	lvl, _ := cfg.Level()
	logger = logger.Level(lvl)

	opts := transport.Options{
		Logger:    &logger,
		Voice:     cfg.Voice,
		AudioSink: newLogPlayer(&logger),
	}
	if *tone {
		opts.AudioSource = toneSource(cfg.Voice)
	}
	adapter, err := factory.New(cfg.Transport, opts)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create transport")
	}
	coord, err := coordinator.New(coordinator.Config{
		Logger:  &logger,
		Adapter: adapter,
		Retry:   cfg.Join,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create coordinator")
	}
	defer coord.Close()
	logEvents(coord, &logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err = coord.Initialize(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to initialize transport")
		return
	}
	logger.Info().
		Str("kind", cfg.Transport.Kind).
		Str("peerID", coord.PeerID()).
		Msg("peer started")

	switch {
	case *create:
		if _, err = coord.CreateRoom(ctx); err != nil {
			logger.Error().Err(err).Msg("failed to create room")
		}
	case *join != "":
		if err = coord.JoinRoom(ctx, *join); err != nil {
			logger.Error().Err(err).Msg("failed to join room")
		}
	}
	if *voiceOn && coord.RoomID() != "" {
		coord.StartVoiceChat(ctx)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			logger.Warn().Msg("interrupted")
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			handleLine(ctx, coord, strings.TrimSpace(line), &logger)
		}
	}
}

// handleLine runs one console command. Lines without a leading slash are
// sent as chat.
func handleLine(ctx context.Context, coord *coordinator.Coordinator, line string, logger *zerolog.Logger) {
	if line == "" {
		return
	}
	if !strings.HasPrefix(line, "/") {
		if err := coord.SendChat(ctx, line); err != nil {
			logger.Error().Err(err).Msg("chat failed")
		}
		return
	}
	cmd, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)

	var err error
	switch cmd {
	case "create":
		_, err = coord.CreateRoom(ctx)
	case "join":
		err = coord.JoinRoom(ctx, arg)
	case "leave":
		coord.LeaveRoom(ctx)
	case "cmd":
		err = coord.SendCommand(ctx, parseCommand(arg))
	case "state":
		err = coord.SendState(ctx, json.RawMessage(arg))
	case "raw":
		err = coord.MessageTopic(ctx, transport.RoomTopic(coord.RoomID()), arg)
	case "voice":
		if arg == "off" {
			coord.StopVoiceChat()
		} else {
			coord.StartVoiceChat(ctx)
		}
	case "mute":
		coord.SetMicMuted(arg != "off")
	case "deafen":
		coord.SetPlaybackMuted(arg != "off")
	case "rooms":
		logger.Info().Interface("rooms", coord.Rooms()).Msg("known rooms")
	case "players":
		logger.Info().Interface("players", coord.Players()).Msg("known players")
	default:
		logger.Warn().Str("cmd", cmd).Msg("unknown command")
	}
	if err != nil {
		logger.Error().Err(err).Str("cmd", cmd).Msg("command failed")
	}
}

// parseCommand reads "<type> key=value ...".
func parseCommand(arg string) envelope.Command {
	fields := strings.Fields(arg)
	cmd := envelope.Command{CommandID: uuid.NewString()}
	if len(fields) == 0 {
		return cmd
	}
	cmd.Type = fields[0]
	for _, f := range fields[1:] {
		if k, v, ok := strings.Cut(f, "="); ok {
			if cmd.Data == nil {
				cmd.Data = make(map[string]string)
			}
			cmd.Data[k] = v
		}
	}
	return cmd
}

func logEvents(coord *coordinator.Coordinator, logger *zerolog.Logger) {
	ev := coord.Events()
	ev.PlayersUpdated.Subscribe(func(p []coordinator.PeerRecord) {
		logger.Info().Int("players", len(p)).Msg("players updated")
	})
	ev.RoomsUpdated.Subscribe(func(r []coordinator.RoomRecord) {
		logger.Info().Interface("rooms", r).Msg("rooms updated")
	})
	ev.PlayerJoin.Subscribe(func(j coordinator.PlayerJoined) {
		logger.Info().Str("roomID", j.RoomID).Str("peerID", j.PeerID).Msg("player joined")
	})
	ev.ChatMessage.Subscribe(func(m coordinator.ChatReceived) {
		logger.Info().Str("from", m.From).Str("text", m.Text).Msg("chat")
	})
	ev.StateRefresh.Subscribe(func(s coordinator.StateReceived) {
		logger.Info().Str("from", s.From).RawJSON("state", s.State).Msg("state refresh")
	})
	ev.CommandExec.Subscribe(func(c coordinator.CommandReceived) {
		logger.Info().
			Str("from", c.From).
			Str("commandID", c.Command.CommandID).
			Str("type", c.Command.Type).
			Interface("data", c.Command.Data).
			Msg("command")
	})
	ev.AllPlayersReady.Subscribe(func(roomID string) {
		logger.Info().Str("roomID", roomID).Msg("all players ready")
	})
	ev.AudioError.Subscribe(func(err error) {
		logger.Error().Err(err).Msg("audio error")
	})
	ev.AudioStateChange.Subscribe(func(s transport.AudioState) {
		logger.Info().
			Str("roomID", s.RoomID).
			Bool("active", s.Active).
			Bool("micMuted", s.MicMuted).
			Bool("playbackMuted", s.PlaybackMuted).
			Msg("audio state")
	})
}
