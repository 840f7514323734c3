package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/phonerelay/internal/relay"
	"github.com/MrWong99/phonerelay/pkg/telephony"
)

// wsChannel writes telephony messages to the media-stream WebSocket.
type wsChannel struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

var _ relay.Channel = (*wsChannel)(nil)

// Send encodes msg as a JSON text frame.
func (c *wsChannel) Send(ctx context.Context, msg telephony.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("server: encode %s message: %w", msg.Event, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("server: write %s message: %w", msg.Event, err)
	}
	return nil
}

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("media stream upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	conn.SetReadLimit(s.readLimit)

	s.calls.Add(1)
	defer s.calls.Done()

	status := websocket.StatusNormalClosure
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("media stream handler panicked", "panic", p, "stack", string(debug.Stack()))
			status = websocket.StatusInternalError
		}
		_ = conn.Close(status, "")
	}()

	s.serveCall(r.Context(), conn)
}

// serveCall runs one call: it opens a relay session and feeds it every text
// frame until the telephony side hangs up. When the session cannot be opened
// the stream is still drained, so the caller hears silence instead of a
// dropped call.
func (s *Server) serveCall(ctx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.metrics.ActiveCalls.Add(ctx, 1)
	defer s.metrics.ActiveCalls.Add(context.WithoutCancel(ctx), -1)

	deps := *s.deps.Load()
	sess, err := relay.NewSession(ctx, deps, &wsChannel{conn: conn})
	if err != nil {
		s.log.Error("call setup failed, continuing without relay", "err", err)
	} else {
		log := s.log.With("call_id", sess.CallID())
		runDone := make(chan struct{})
		go func() {
			defer close(runDone)
			if err := sess.Run(ctx); err != nil {
				log.Error("call session stopped", "err", err)
			}
		}()
		defer func() {
			if err := sess.Close(); err != nil {
				log.Warn("closing call session", "err", err)
			}
			cancel()
			<-runDone
		}()
	}

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			s.logReadEnd(err)
			return
		}
		if typ != websocket.MessageText {
			s.log.Warn("ignoring binary telephony frame", "bytes", len(data))
			s.metrics.RecordMalformedFrame(ctx, "binary")
			continue
		}
		msg, err := telephony.Parse(data)
		if err != nil {
			s.log.Warn("ignoring unparsable telephony frame", "err", err)
			s.metrics.RecordMalformedFrame(ctx, "json")
			continue
		}
		if sess != nil {
			sess.HandleMessage(ctx, msg)
		}
	}
}

func (s *Server) logReadEnd(err error) {
	switch {
	case websocket.CloseStatus(err) == websocket.StatusNormalClosure,
		websocket.CloseStatus(err) == websocket.StatusGoingAway,
		errors.Is(err, context.Canceled):
		s.log.Info("media stream closed")
	default:
		s.log.Warn("media stream read failed", "err", err)
	}
}
