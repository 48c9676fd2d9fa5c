package solver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dgnsrekt/captcha_relay/internal/wire"
)

const (
	readLimit       = 1 << 20
	writeTimeout    = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server speaks the relay protocol over WebSocket. Frames on one connection
// are handled one at a time, in arrival order.
type Server struct {
	solver Solver
	jitter float64

	rngMu sync.Mutex
	rng   *rand.Rand

	connsMu sync.Mutex
	conns   map[*wsConn]struct{}
	wg      sync.WaitGroup
}

// NewServer builds a server. A nil solver selects Unavailable.
func NewServer(s Solver, seed uint64, jitter float64) *Server {
	if s == nil {
		s = Unavailable{}
	}
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &Server{
		solver: s,
		jitter: jitter,
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		conns:  make(map[*wsConn]struct{}),
	}
}

// Serve accepts connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	slog.Info("solver listening", "addr", "ws://"+ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutCtx)
	s.closeAll()
	s.wg.Wait()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("solver shutdown: %w", err)
	}
	slog.Info("solver stopped")
	return nil
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("solver upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn := newWSConn(c)
	s.track(conn, true)
	s.wg.Add(1)
	defer func() {
		s.track(conn, false)
		conn.Close()
		s.wg.Done()
	}()

	slog.Info("relay connected", "remote", r.RemoteAddr)
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("solver read ended", "remote", r.RemoteAddr, "error", err)
			}
			slog.Info("relay disconnected", "remote", r.RemoteAddr)
			return
		}
		reply := s.Process(r.Context(), data)
		if err := conn.Send(reply); err != nil {
			slog.Warn("solver write failed", "remote", r.RemoteAddr, "error", err)
			return
		}
	}
}

// Process turns one inbound frame into its reply.
func (s *Server) Process(ctx context.Context, data []byte) wire.Envelope {
	env, err := wire.Decode(data)
	if err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			slog.Error("solver received invalid JSON")
			return wire.Envelope{Action: wire.ActionError, Error: "invalid JSON message"}
		}
		slog.Warn("solver received malformed frame", "error", err)
		return wire.Envelope{Action: wire.ActionError, Error: err.Error()}
	}
	slog.Info("solver message received", "action", env.Action, "request_id", env.RequestID)

	switch env.Action {
	case wire.ActionSolveHCaptcha, wire.ActionSolveReCaptcha:
		kind, _ := wire.KindForAction(env.Action)
		task := Task{Kind: kind, Sitekey: env.Sitekey, URL: env.URL}
		if kind == wire.KindHCaptcha {
			task.Proxy = env.Proxy
		}
		out := s.solver.Solve(ctx, task)
		slog.Info("solver outcome", "kind", kind, "success", out.Success, "solver", out.Solver, "error", out.Error)
		return wire.Envelope{
			Action:    wire.ActionCaptchaResult,
			RequestID: env.RequestID,
			Type:      string(kind),
			Success:   wire.Bool(out.Success),
			Token:     out.Token,
			Error:     out.Error,
			Solver:    out.Solver,
		}

	case wire.ActionGetMousePath:
		start := wire.Point{0, 0}
		end := wire.Point{100, 100}
		if env.Start != nil {
			start = *env.Start
		}
		if env.End != nil {
			end = *env.End
		}
		s.rngMu.Lock()
		path := MousePath(s.rng, start, end, env.Steps, s.jitter)
		s.rngMu.Unlock()
		return wire.Envelope{Action: wire.ActionMousePath, RequestID: env.RequestID, Path: path}

	case wire.ActionPing:
		return wire.Envelope{Action: wire.ActionPong}
	}

	slog.Warn("solver unknown action", "action", env.Action)
	return wire.Envelope{Action: wire.ActionError, RequestID: env.RequestID, Error: "unknown action: " + env.Action}
}

func (s *Server) track(c *wsConn, add bool) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

func (s *Server) closeAll() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

// wsConn wraps a *websocket.Conn with mutex-guarded writes.
type wsConn struct {
	c      *websocket.Conn
	mu     sync.Mutex
	closed bool
}

func newWSConn(c *websocket.Conn) *wsConn {
	c.SetReadLimit(readLimit)
	return &wsConn{c: c}
}

func (wc *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := wc.c.ReadMessage()
	return data, err
}

// Send writes env as one text frame.
func (wc *wsConn) Send(env wire.Envelope) error {
	data, err := wire.Encode(env)
	if err != nil {
		return err
	}
	wc.mu.Lock()
	defer wc.mu.Unlock()
	if wc.closed {
		return errors.New("ws connection closed")
	}
	_ = wc.c.SetWriteDeadline(time.Now().Add(writeTimeout))
	return wc.c.WriteMessage(websocket.TextMessage, data)
}

func (wc *wsConn) Close() {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	if !wc.closed {
		wc.closed = true
		_ = wc.c.Close()
	}
}
