// ============================================================================
// AUTOMIC Web Panel Gateway
// ============================================================================
//
// Package: internal/web
// File: gateway.go
// Purpose: HTTP + WebSocket bridge between the browser control panel and an
//          operator session
//
// HTTP:
//   GET /api/state          session state
//   GET /api/logs?limit=n   operator log, newest first
//   GET /api/presets        preset catalog
//   GET /ws                 WebSocket stream
//
// WebSocket, server -> client:
//   {"type":"state","state":{...}}                 on connect and after edits
//   {"type":"log","entry":{...},"state":{...}}     on every operator log entry
//   {"type":"error","action":"...","message":"..."} to the sender only
//
// WebSocket, client -> server:
//   {"action":"connect"|"disconnect"|"toggle"|"apply"|"estop"|"reset"}
//   {"action":"edit","axis":"x","input":"4.5"}
//   {"action":"calibrate","position":{"x":1,"y":2,"z":null}}
//   {"action":"preset","name":"Big Band"}
//
// Commands that reach the controller run on their own goroutine so an
// emergency stop is never queued behind an outstanding move.
//
// ============================================================================

package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ChuLiYu/automic/internal/position"
	"github.com/ChuLiYu/automic/internal/session"
	"github.com/ChuLiYu/automic/pkg/types"
)

// Message types pushed to panel clients.
const (
	TypeState = "state"
	TypeLog   = "log"
	TypeError = "error"
)

// Message is one server -> client frame.
type Message struct {
	Type    string              `json:"type"`
	State   *types.SessionState `json:"state,omitempty"`
	Entry   *types.LogEntry     `json:"entry,omitempty"`
	Action  string              `json:"action,omitempty"`
	Message string              `json:"message,omitempty"`
}

// Command is one client -> server frame.
type Command struct {
	Action   string          `json:"action"`
	Axis     string          `json:"axis,omitempty"`
	Input    string          `json:"input,omitempty"`
	Position *types.Position `json:"position,omitempty"`
	Name     string          `json:"name,omitempty"`
}

// Gateway serves the panel API for one session.
type Gateway struct {
	session  *session.Session
	logger   *slog.Logger
	mux      *http.ServeMux
	upgrader websocket.Upgrader

	// ctx outlives individual sockets so a closing tab does not cancel a
	// move it started.
	ctx    context.Context
	cancel context.CancelFunc

	clientsMu sync.RWMutex
	clients   map[int64]*wsClient
	nextID    atomic.Int64

	unsubscribe func()
}

// NewGateway wires the routes and starts forwarding log entries.
func NewGateway(sess *session.Session, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		session: sess,
		logger:  logger,
		mux:     http.NewServeMux(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // panel is served from a different origin in development
			},
		},
		ctx:     ctx,
		cancel:  cancel,
		clients: make(map[int64]*wsClient),
	}

	g.mux.HandleFunc("GET /api/state", g.handleState)
	g.mux.HandleFunc("GET /api/logs", g.handleLogs)
	g.mux.HandleFunc("GET /api/presets", g.handlePresets)
	g.mux.HandleFunc("GET /ws", g.handleWebSocket)

	g.unsubscribe = sess.Subscribe(func(e types.LogEntry) {
		state := sess.State()
		g.broadcast(Message{Type: TypeLog, Entry: &e, State: &state})
	})
	return g
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mux.ServeHTTP(w, r)
}

// Close stops forwarding and disconnects every client.
func (g *Gateway) Close() {
	g.unsubscribe()
	g.cancel()

	g.clientsMu.Lock()
	clients := make([]*wsClient, 0, len(g.clients))
	for _, c := range g.clients {
		clients = append(clients, c)
	}
	g.clientsMu.Unlock()

	for _, c := range clients {
		c.Close()
	}
}

// Serve listens on port until ctx is cancelled.
func (g *Gateway) Serve(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           g,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	g.logger.Info("Web panel listening", "port", port)

	select {
	case <-ctx.Done():
		g.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// ============================================================================
// REST handlers
// ============================================================================

func (g *Gateway) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.session.State())
}

func (g *Gateway) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, g.session.Logs(limit))
}

func (g *Gateway) handlePresets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.session.Presets())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ============================================================================
// WebSocket
// ============================================================================

func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	client := newWSClient(g.nextID.Add(1), conn, g)

	g.clientsMu.Lock()
	g.clients[client.id] = client
	g.clientsMu.Unlock()

	g.logger.Info("Panel client connected", "client", client.id, "remote", r.RemoteAddr)

	go client.writePump()

	state := g.session.State()
	client.Send(Message{Type: TypeState, State: &state})

	client.readPump() // blocks until the connection closes
}

func (g *Gateway) removeClient(c *wsClient) {
	g.clientsMu.Lock()
	delete(g.clients, c.id)
	g.clientsMu.Unlock()

	g.logger.Info("Panel client disconnected", "client", c.id)
}

func (g *Gateway) broadcast(msg Message) {
	g.clientsMu.RLock()
	defer g.clientsMu.RUnlock()
	for _, c := range g.clients {
		c.Send(msg)
	}
}

func (g *Gateway) broadcastState() {
	state := g.session.State()
	g.broadcast(Message{Type: TypeState, State: &state})
}

// handleCommand runs one panel command. Device-bound actions are
// dispatched asynchronously.
func (g *Gateway) handleCommand(c *wsClient, cmd Command) {
	switch cmd.Action {
	case "connect", "toggle", "apply", "calibrate", "estop":
		go g.run(c, cmd)
	default:
		g.run(c, cmd)
	}
}

func (g *Gateway) run(c *wsClient, cmd Command) {
	err := g.execute(cmd)
	if err == nil {
		return
	}
	msg := err.Error()
	if cmd.Action == "calibrate" && errors.Is(err, position.ErrInvalidPosition) {
		msg = position.MsgCalibrationInput
	}
	c.Send(Message{Type: TypeError, Action: cmd.Action, Message: msg})
}

func (g *Gateway) execute(cmd Command) error {
	ctx := g.ctx
	var err error
	switch cmd.Action {
	case "connect":
		_, err = g.session.Connect(ctx)
	case "disconnect":
		err = g.session.Disconnect()
	case "toggle":
		_, err = g.session.ToggleConnection(ctx)
	case "edit":
		var axis types.Axis
		if axis, err = types.ParseAxis(cmd.Axis); err != nil {
			return err
		}
		if _, err = g.session.EditAxis(axis, cmd.Input); err == nil {
			g.broadcastState()
		}
	case "apply":
		_, err = g.session.ApplyPosition(ctx)
	case "calibrate":
		actual := types.Position{X: math.NaN(), Y: math.NaN(), Z: math.NaN()}
		if cmd.Position != nil {
			actual = *cmd.Position
		}
		_, err = g.session.Calibrate(ctx, actual)
	case "estop":
		err = g.session.EmergencyStop(ctx)
	case "reset":
		if _, err = g.session.ResetInputs(); err == nil {
			g.broadcastState()
		}
	case "preset":
		_, err = g.session.LoadPreset(cmd.Name)
	default:
		err = fmt.Errorf("unknown action %q", cmd.Action)
	}
	return err
}
