package wsbridge

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/guildworks/guildrelay/internal/domain"
	"github.com/guildworks/guildrelay/internal/transport"
)

// Server is the bot-process half of the bridge. It accepts upgrade
// requests from coordinator processes, dispatches each envelope into the
// handler registry, and writes the correlated reply.
type Server struct {
	registry *transport.Registry
	token    string
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewServer creates a bridge server over the given registry. An empty
// token disables authentication (single-host deployments).
func NewServer(registry *transport.Registry, token string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		registry: registry,
		token:    token,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.token != "" && r.Header.Get(AuthHeader) != s.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("bridge upgrade failed", slog.String("error", err.Error()))
		return
	}

	s.logger.Info("bridge peer connected", slog.String("remote", conn.RemoteAddr().String()))
	s.serveConn(r.Context(), conn)
}

func (s *Server) serveConn(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	var writeMu sync.Mutex
	write := func(reply Reply) {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(reply); err != nil {
			s.logger.Warn("bridge reply write failed",
				slog.String("request_id", reply.RequestID),
				slog.String("error", err.Error()))
		}
	}

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("bridge peer dropped", slog.String("error", err.Error()))
			}
			return
		}

		// Each envelope is handled on its own goroutine so one slow
		// operation cannot head-of-line block the connection.
		go func(env Envelope) {
			req := &domain.NormalizedRequest{
				ID:        env.RequestID,
				Type:      env.Type,
				Data:      env.Data,
				GuildID:   env.GuildID,
				UserID:    env.UserID,
				Source:    domain.SourceWebSocket,
				Timestamp: time.Now().UTC(),
			}

			data, err := s.registry.Dispatch(ctx, req)
			if err != nil {
				write(Reply{RequestID: env.RequestID, Success: false, Error: err.Error()})
				return
			}
			write(Reply{RequestID: env.RequestID, Success: true, Data: data})
		}(env)
	}
}
