package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/oszuidwest/zwfm-tabboost/internal/protocol"
)

// Session pumps one WebSocket connection: a writer goroutine is the sole
// writer to ws, and the reader dispatches each message in arrival order.
type Session struct {
	ws       WebSocketConn
	conn     *Conn
	hub      *Hub
	commands *CommandHandler
}

// NewSession returns a Session for ws.
func NewSession(ws WebSocketConn, c *Conn, hub *Hub, commands *CommandHandler) *Session {
	return &Session{ws: ws, conn: c, hub: hub, commands: commands}
}

// Run registers the connection and serves it until the peer disconnects or
// ctx is done.
func (s *Session) Run(ctx context.Context) {
	s.hub.Register(s.conn)
	defer s.hub.Unregister(s.conn)

	var wg sync.WaitGroup
	wg.Go(s.runWriter)
	defer wg.Wait()

	stop := context.AfterFunc(ctx, func() {
		if err := s.ws.Close(); err != nil {
			slog.Debug("websocket close error", "error", err)
		}
	})
	defer stop()

	s.runReader(ctx)
}

// runWriter writes queued responses and the newest settings push.
func (s *Session) runWriter() {
	defer func() {
		if err := s.ws.Close(); err != nil {
			slog.Debug("websocket close error", "error", err)
		}
	}()
	for {
		select {
		case <-s.conn.wake:
		case msg := <-s.conn.send:
			if !s.write(msg) {
				return
			}
		case <-s.conn.done:
			return
		}
		for msg, ok := s.conn.next(); ok; msg, ok = s.conn.next() {
			if !s.write(msg) {
				return
			}
		}
	}
}

func (s *Session) write(msg any) bool {
	if err := s.ws.WriteJSON(msg); err != nil {
		slog.Debug("websocket write failed", "conn", s.conn.ID, "error", err)
		s.conn.close()
		return false
	}
	return true
}

// runReader reads messages and dispatches them. Malformed JSON is skipped.
func (s *Session) runReader(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in websocket reader", "panic", r)
		}
		s.conn.close()
	}()

	for {
		var env protocol.Envelope
		if err := s.ws.ReadJSON(&env); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				slog.Debug("ignoring malformed message", "conn", s.conn.ID, "error", err)
				continue
			}
			return
		}
		if env.Type == "" {
			slog.Debug("ignoring message without type", "conn", s.conn.ID)
			continue
		}
		s.commands.Handle(ctx, s.conn, env)
	}
}
