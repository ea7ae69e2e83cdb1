package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/adwski/duelnet/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type RoomService interface {
	ListRooms() []model.RoomInfo
	GetRoom(roomID string) (*model.Room, error)
}

type GenericResponse struct {
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type Health struct {
	Rooms    int   `json:"rooms"`
	Sessions int64 `json:"sessions"`
}

type Server struct {
	logger   zerolog.Logger
	svc      RoomService
	sessions func() int64
	*http.Server
}

type Config struct {
	Logger      *zerolog.Logger
	RoomService RoomService
	// Sessions reports live relay sessions for the health endpoint.
	Sessions   func() int64
	ListenAddr string
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:   cfg.Logger.With().Str("component", "api-server").Logger(),
		svc:      cfg.RoomService,
		sessions: cfg.Sessions,
	}
	if srv.sessions == nil {
		srv.sessions = func() int64 { return 0 }
	}

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}
	return srv
}

func (srv *Server) Handler() http.Handler {
	r := http.NewServeMux()
	r.HandleFunc("GET /api/rooms", srv.listRooms)
	r.HandleFunc("GET /api/rooms/{roomID}", srv.getRoom)
	r.HandleFunc("GET /api/health", srv.health)
	r.HandleFunc("OPTIONS /", corsHandler)
	return r
}

func corsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) listRooms(w http.ResponseWriter, _ *http.Request) {
	rooms := srv.svc.ListRooms()
	srv.logger.Trace().Int("rooms", len(rooms)).Msg("got rooms request")
	srv.reply(w, http.StatusOK, &GenericResponse{Message: "OK", Data: rooms})
}

func (srv *Server) getRoom(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomID")
	room, err := srv.svc.GetRoom(roomID)
	if err != nil {
		srv.logger.Debug().Err(err).Str("roomID", roomID).Msg("room lookup failed")
		srv.reply(w, http.StatusNotFound, &GenericResponse{Error: err.Error()})
		return
	}
	srv.reply(w, http.StatusOK, &GenericResponse{Message: "OK", Data: room})
}

func (srv *Server) health(w http.ResponseWriter, _ *http.Request) {
	srv.reply(w, http.StatusOK, &GenericResponse{
		Message: "OK",
		Data: Health{
			Rooms:    len(srv.svc.ListRooms()),
			Sessions: srv.sessions(),
		},
	})
}

func (srv *Server) reply(w http.ResponseWriter, code int, resp *GenericResponse) {
	b, err := json.Marshal(resp)
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to marshall response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err = w.Write(b); err != nil {
		srv.logger.Error().Err(err).Msg("failed to write response")
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
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
