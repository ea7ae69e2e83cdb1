package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/adwski/duelnet/backend/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultSessionCloseTimeout = 2 * time.Second

	defaultReadBufferSize   = 16384
	defaultWriteBufferSize  = 16384
	defaultMaxMessageSize   = 1 << 20
	defaultHandshakeTimeout = 3 * time.Second
	defaultWriteDeadline    = 5 * time.Second

	// defaultPongWait - defaultPingInterval is how long a peer has to answer
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	RelayService interface {
		CreateSession(context.Context, string, model.Wire) error
		DeleteSession(context.Context, string) error
	}

	Config struct {
		Logger       *zerolog.Logger
		RelayService RelayService
		ListenAddr   string
	}

	Server struct {
		svc RelayService
		ws  *websocket.Upgrader
		*http.Server

		active *atomic.Int64
		logger zerolog.Logger
	}

	// session pumps frames between one peer's websocket and its wire.
	session struct {
		conn   *websocket.Conn
		wire   model.Wire
		peerID string
		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:    cfg.RelayService,
		active: atomic.NewInt64(0),
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultHandshakeTimeout,
			ReadBufferSize:   defaultReadBufferSize,
			WriteBufferSize:  defaultWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}
	return srv
}

// Handler returns the relay endpoint mux.
func (srv *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/relay/peer/{peerID}", srv.relay)
	return mux
}

// Sessions returns the number of live peer sessions.
func (srv *Server) Sessions() int64 {
	return srv.active.Load()
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

func (srv *Server) relay(w http.ResponseWriter, r *http.Request) {
	peerID := r.PathValue("peerID")
	if peerID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	s := &session{
		conn:   conn,
		wire:   model.NewWire(),
		peerID: peerID,
		logger: srv.logger.With().Str("peerID", peerID).Logger(),
	}

	// the session outlives the request
	ctx, cancel := context.WithCancel(context.Background())
	if err = srv.svc.CreateSession(ctx, peerID, s.wire); err != nil {
		s.logger.Error().Err(err).Msg("failed to create relay session")
		cancel()
		s.close(websocket.ClosePolicyViolation, err.Error())
		return
	}
	s.logger.Debug().Msg("relay session created")

	srv.active.Inc()
	go func() {
		defer srv.active.Dec()
		s.serve(ctx, cancel)
		srv.destroySession(s)
	}()
}

func (srv *Server) destroySession(s *session) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultSessionCloseTimeout)
	defer cancel()
	if err := srv.svc.DeleteSession(ctx, s.peerID); err != nil {
		s.logger.Error().Err(err).Msg("failed to delete relay session")
		return
	}
	s.logger.Debug().Msg("relay session ended")
}

// serve runs both pumps until either one stops, then closes the socket.
func (s *session) serve(ctx context.Context, cancel context.CancelFunc) {
	wg := &sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		s.receive(ctx)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		s.send(ctx)
	}()
	wg.Wait()
	s.close(websocket.CloseNormalClosure, "")
}

func (s *session) send(ctx context.Context) {
	ping := time.NewTicker(defaultPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			deadline := time.Now().Add(defaultWriteDeadline)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.logger.Error().Err(err).Msg("failed to send ping")
				return
			}
			s.logger.Trace().Msg("ping sent")
		case frame, ok := <-s.wire.TX:
			if !ok {
				return
			}
			if err := s.write(&frame); err != nil {
				s.logger.Error().Err(err).Str("type", frame.Type).Msg("failed to write outgoing frame")
				return
			}
		}
	}
}

func (s *session) write(frame *model.Frame) error {
	b, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if err = s.conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

func (s *session) receive(ctx context.Context) {
	s.conn.SetReadLimit(defaultMaxMessageSize)
	extend := func() error {
		return s.conn.SetReadDeadline(time.Now().Add(defaultPongWait))
	}
	s.conn.SetPongHandler(func(string) error {
		s.logger.Trace().Msg("got pong")
		return extend()
	})
	if err := extend(); err != nil {
		s.logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

	for ctx.Err() == nil {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Msg("connection closed by peer")
			} else {
				s.logger.Error().Err(err).Msg("unexpected error during receive")
			}
			return
		}

		var frame model.Frame
		if err = json.Unmarshal(msg, &frame); err != nil {
			s.logger.Error().Err(err).Msg("failed to unmarshall incoming frame")
			continue
		}
		frame.SRC = s.peerID
		select {
		case s.wire.RX <- frame:
		case <-ctx.Done():
			return
		}
	}
}

// close sends a close frame carrying code and reason, then drops the
// connection.
func (s *session) close(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(defaultWriteDeadline))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		s.logger.Debug().Err(err).Msg("failed to send close frame")
	}
	if err = s.conn.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("failed to close websocket connection")
	}
}
