// Package server exposes the conversation engine over a WebSocket.
package server

import (
	"context"
	"log/slog"
	"math/rand"
	"net/http"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"friendgpt/internal/chat"
	"friendgpt/internal/vocab"
)

type Options struct {
	MyName      string
	FriendName  string
	Temperature float64
	Logger      *slog.Logger

	// Seed makes replies reproducible; connection n uses Seed+n. Zero
	// picks random seeds.
	Seed int64

	// Sessions, when set, opens a turn log for each new connection.
	Sessions func() chat.TurnLogger
}

// Server serves one independent conversation per WebSocket connection.
// The model is only read while serving.
type Server struct {
	model chat.Stepper
	vocab *vocab.Vocabulary
	opts  Options
	conns atomic.Int64
	log   *slog.Logger
}

func New(m chat.Stepper, v *vocab.Vocabulary, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{model: m, vocab: v, opts: opts, log: logger}
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))

	r.Get("/ws/chat", s.serveChat)
	return r
}

func (s *Server) serveChat(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "chat ended"); closeErr != nil {
			s.log.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	n := s.conns.Add(1)
	seed := s.opts.Seed + n
	if s.opts.Seed == 0 {
		seed = rand.Int63()
	}
	var turns chat.TurnLogger
	if s.opts.Sessions != nil {
		turns = s.opts.Sessions()
	}
	engine := chat.NewEngine(s.model, s.vocab, chat.Options{
		MyName:      s.opts.MyName,
		FriendName:  s.opts.FriendName,
		Temperature: s.opts.Temperature,
		Rand:        rand.New(rand.NewSource(seed)),
		Turns:       turns,
		Logger:      s.log,
	})

	ctx := r.Context()
	log := s.log.With("conn", n, "request_id", chiMiddleware.GetReqID(ctx))
	log.Info("Chat session started")

	if err := s.converse(ctx, ws, engine, turns); err != nil {
		log.Warn("Chat session failed", "error", err)
		return
	}
	log.Info("Chat session ended")
}

// converse owns the recurrent state of one connection for its lifetime.
func (s *Server) converse(ctx context.Context, ws *websocket.Conn, engine *chat.Engine, turns chat.TurnLogger) error {
	st := s.model.ZeroState()
	for {
		typ, msg, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				return nil
			}
			return err
		}
		if typ != websocket.MessageText {
			continue
		}

		mine := string(msg)
		reply, next, err := engine.Turn(st, mine)
		if err != nil {
			return err
		}
		st = next

		if turns != nil {
			if err := turns.LogTurn(ctx, s.opts.MyName, mine); err != nil {
				s.log.Warn("Failed to record chat turn", "error", err)
			}
			if err := turns.LogTurn(ctx, s.opts.FriendName, reply); err != nil {
				s.log.Warn("Failed to record chat turn", "error", err)
			}
		}
		if err := ws.Write(ctx, websocket.MessageText, []byte(reply)); err != nil {
			return err
		}
	}
}
