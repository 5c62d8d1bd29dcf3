package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	socketio "github.com/googollee/go-socket.io"
	"github.com/rs/zerolog/log"

	"github.com/kiliankoe/promptchain/internal/game"
	"github.com/kiliankoe/promptchain/internal/orchestrator"
)

// turnTimeout bounds a turn started from a socket event. It covers every
// retry of the image service.
const turnTimeout = 5 * time.Minute

type ConnCtx struct {
	GameID string
}

// Service is the orchestrator surface used by socket events.
type Service interface {
	Status(id string) (game.Snapshot, error)
	SubmitTurn(ctx context.Context, id, prompt string) (game.RoundResult, error)
	ResetSession(id string) (game.Snapshot, error)
	ScoreSession(ctx context.Context, id string) (game.ScoreResult, error)
}

type Server struct {
	svc Service

	mu      sync.RWMutex
	members map[string]map[string]emitter // gameID -> socketID -> Conn
}

func New(svc Service) *Server {
	return &Server{svc: svc, members: make(map[string]map[string]emitter)}
}

// OnEvent forwards orchestrator changes to the watchers of the session.
func (srv *Server) OnEvent(ev orchestrator.Event) {
	switch ev.Kind {
	case orchestrator.EventScore:
		srv.broadcast(ev.Snapshot.ID, "game:score", ev.Snapshot.Score)
		srv.broadcast(ev.Snapshot.ID, "game:state", ev.Snapshot)
	default:
		srv.broadcast(ev.Snapshot.ID, "game:state", ev.Snapshot)
	}
}

// Mount attaches the Socket.IO server with handlers to the given Gin engine.
func (srv *Server) Mount(r *gin.Engine) *socketio.Server {
	io := socketio.NewServer(nil)

	io.OnConnect("/", func(s socketio.Conn) error {
		s.SetContext(&ConnCtx{})
		log.Info().Str("sid", s.ID()).Msg("socket connected")
		return nil
	})

	// game:watch subscribes the connection to a session's updates
	io.OnEvent("/", "game:watch", func(s socketio.Conn, payload struct {
		GameID string `json:"gameId"`
	}) map[string]any {
		snap, err := srv.svc.Status(payload.GameID)
		if err != nil {
			return srv.err(s, err)
		}
		if prev := connCtx(s); prev.GameID != "" && prev.GameID != payload.GameID {
			srv.removeMember(prev.GameID, s)
		}
		s.SetContext(&ConnCtx{GameID: payload.GameID})
		srv.addMember(payload.GameID, s)
		log.Info().Str("sid", s.ID()).Str("session", payload.GameID).Msg("game:watch")
		s.Emit("game:state", snap)
		return map[string]any{"ok": true}
	})

	io.OnEvent("/", "game:submit", func(s socketio.Conn, payload struct {
		Prompt string `json:"prompt"`
	}) map[string]any {
		id := connCtx(s).GameID
		if id == "" {
			return srv.err(s, game.ErrSessionNotFound)
		}
		ctx, cancel := context.WithTimeout(context.Background(), turnTimeout)
		defer cancel()
		res, err := srv.svc.SubmitTurn(ctx, id, payload.Prompt)
		if err != nil {
			return srv.err(s, err)
		}
		log.Info().Str("session", id).Int("turn", res.Turn).Msg("game:submit")
		return map[string]any{"ok": true, "round": res}
	})

	io.OnEvent("/", "game:reset", func(s socketio.Conn) map[string]any {
		id := connCtx(s).GameID
		if _, err := srv.svc.ResetSession(id); err != nil {
			return srv.err(s, err)
		}
		log.Info().Str("session", id).Msg("game:reset")
		return map[string]any{"ok": true}
	})

	io.OnEvent("/", "game:score", func(s socketio.Conn) map[string]any {
		id := connCtx(s).GameID
		res, err := srv.svc.ScoreSession(context.Background(), id)
		if err != nil {
			return srv.err(s, err)
		}
		log.Info().Str("session", id).Int("score", res.FinalScore).Msg("game:score")
		return map[string]any{"ok": true, "score": res}
	})

	io.OnError("/", func(s socketio.Conn, e error) {
		if s == nil {
			log.Error().Err(e).Msg("socket error")
			return
		}
		log.Error().Str("sid", s.ID()).Err(e).Msg("socket error")
	})
	io.OnDisconnect("/", func(s socketio.Conn, reason string) {
		if id := connCtx(s).GameID; id != "" {
			srv.removeMember(id, s)
		}
		log.Info().Str("sid", s.ID()).Str("reason", reason).Msg("socket disconnected")
	})

	go func() {
		if err := io.Serve(); err != nil {
			log.Error().Err(err).Msg("socket.io server stopped")
		}
	}()

	r.GET("/socket.io/*any", gin.WrapH(io))
	r.POST("/socket.io/*any", gin.WrapH(io))

	// Basic CORS preflight for Socket.IO POST
	r.OPTIONS("/socket.io/*any", func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		c.Status(http.StatusNoContent)
	})

	return io
}

// emitter is the part of socketio.Conn used for broadcasts.
type emitter interface {
	ID() string
	Emit(event string, v ...interface{})
}

func (srv *Server) addMember(id string, c emitter) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.members[id] == nil {
		srv.members[id] = make(map[string]emitter)
	}
	srv.members[id][c.ID()] = c
}

func (srv *Server) removeMember(id string, c emitter) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if m := srv.members[id]; m != nil {
		delete(m, c.ID())
		if len(m) == 0 {
			delete(srv.members, id)
		}
	}
}

func (srv *Server) watchers(id string) []emitter {
	srv.mu.RLock()
	defer srv.mu.RUnlock()
	out := make([]emitter, 0, len(srv.members[id]))
	for _, c := range srv.members[id] {
		out = append(out, c)
	}
	return out
}

func (srv *Server) broadcast(id, event string, payload any) {
	for _, c := range srv.watchers(id) {
		c.Emit(event, payload)
	}
}

func (srv *Server) err(s emitter, err error) map[string]any {
	code := game.Code(err)
	s.Emit("error", map[string]any{"code": code, "message": err.Error()})
	return map[string]any{"error": code, "message": err.Error()}
}

func connCtx(s socketio.Conn) *ConnCtx {
	if ctx, ok := s.Context().(*ConnCtx); ok && ctx != nil {
		return ctx
	}
	return &ConnCtx{}
}
