// Package monitor serves the pedal's status over HTTP and a websocket.
//
// It stands in for the pedal's display and front panel: connected clients
// receive a status snapshot every 50 ms and may send parameter changes.
//
// Client messages are JSON objects of the form
//
//	{"type": "set_param", "payload": {"param": "dryWet", "value": 0.3}}
//	{"type": "set_mode", "payload": {"mode": "long"}}
//	{"type": "cycle_mode"}
//	{"type": "reset"}
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"echobridge/dsp"
	"echobridge/pkg/irbank"
)

// ErrUnknownParam is returned for a parameter name the pedal does not have.
var ErrUnknownParam = errors.New("monitor: unknown parameter")

// StatusInterval is the period of the status broadcast.
const StatusInterval = 50 * time.Millisecond

// Meters holds linear peak levels since the last read. Reading them
// restarts the peak hold, so only the broadcast loop does.
type Meters struct {
	InL, InR, OutL, OutR float32
}

// Controller is the pedal as seen from the monitor. Setters clamp their
// arguments, as dsp.Engine does.
type Controller interface {
	Snapshot() dsp.Status
	Mode() irbank.Mode
	Meters() Meters

	SetDryWet(mix float64)
	SetPredelay(ms float64)
	SetIRLengthFactor(factor float64)
	SetLowCut(hz float64)
	SetHighCut(hz float64)
	SetStereoWidth(width float64)
	SetFreeze(on bool)
	SetBypass(on bool)
	ResetParameters()

	SelectMode(mode irbank.Mode) error
	CycleMode() (irbank.Mode, error)
}

// Message is the envelope for every websocket message.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// LevelsPayload holds meter values in dB.
type LevelsPayload struct {
	InL  float64 `json:"inL"`
	InR  float64 `json:"inR"`
	OutL float64 `json:"outL"`
	OutR float64 `json:"outR"`
}

// StatePayload is the periodic status message.
type StatePayload struct {
	dsp.Status

	Mode   string        `json:"mode"`
	Levels LevelsPayload `json:"levels"`
}

type paramPayload struct {
	Param string  `json:"param"`
	Value float64 `json:"value"`
}

type modePayload struct {
	Mode string `json:"mode"`
}

// Server publishes the controller's state and applies client changes.
type Server struct {
	ctrl     Controller
	hub      *Hub
	logger   *slog.Logger
	interval time.Duration
	upgrader websocket.Upgrader

	mu     sync.Mutex
	levels LevelsPayload // last sampled meters
}

// NewServer returns a server for ctrl. A nil logger uses slog.Default().
func NewServer(ctrl Controller, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		ctrl:     ctrl,
		hub:      NewHub(),
		logger:   logger,
		interval: StatusInterval,
		levels:   levelsOf(Meters{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Local bench tool; any origin may connect.
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes: /ws and /api/status.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("GET /api/status", s.handleStatus)

	return mux
}

// Run drives the hub and the status broadcast until ctx is done.
func (s *Server) Run(ctx context.Context) {
	go s.hub.Run(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.sampleLevels()

		if s.hub.ClientCount() == 0 {
			continue
		}

		if data, err := s.encode("state", s.state()); err == nil {
			s.hub.Broadcast(data)
		}
	}
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.Run(ctx)

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("monitor listening", "addr", addr)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("monitor: %w", err)
	}

	return nil
}

// sampleLevels takes the controller's peaks for the current period.
func (s *Server) sampleLevels() {
	levels := levelsOf(s.ctrl.Meters())

	s.mu.Lock()
	s.levels = levels
	s.mu.Unlock()
}

// state reports the controller with the levels of the last period. It does
// not touch the meters.
func (s *Server) state() StatePayload {
	s.mu.Lock()
	levels := s.levels
	s.mu.Unlock()

	return StatePayload{
		Status: s.ctrl.Snapshot(),
		Mode:   s.ctrl.Mode().String(),
		Levels: levels,
	}
}

func levelsOf(m Meters) LevelsPayload {
	return LevelsPayload{
		InL:  linToDB(m.InL),
		InR:  linToDB(m.InR),
		OutL: linToDB(m.OutL),
		OutR: linToDB(m.OutR),
	}
}

func (s *Server) encode(kind string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("marshal payload", "type", kind, "error", err)

		return nil, err
	}

	return json.Marshal(Message{Type: kind, Payload: raw})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	//nolint:errchkjson // StatePayload is a plain struct
	_ = json.NewEncoder(w).Encode(s.state())
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)

		return
	}

	// The first state goes out before the client joins the hub, so nothing
	// else writes to the connection yet.
	if data, err := s.encode("state", s.state()); err == nil {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			conn.Close()

			return
		}
	}

	c := &client{hub: s.hub, conn: conn, send: make(chan []byte, sendBuffer)}
	if !s.hub.join(c) {
		conn.Close()

		return
	}

	go c.writePump()
	c.readPump(s.handleClientMessage)
}

// handleClientMessage applies one client message. Malformed messages are
// logged and ignored.
func (s *Server) handleClientMessage(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("malformed message", "error", err)

		return
	}

	var err error

	switch msg.Type {
	case "set_param":
		var p paramPayload
		if err = json.Unmarshal(msg.Payload, &p); err == nil {
			if err = s.applyParam(p.Param, p.Value); err == nil {
				s.broadcast("param_changed", p)
			}
		}

	case "set_mode":
		var p modePayload
		if err = json.Unmarshal(msg.Payload, &p); err == nil {
			var mode irbank.Mode
			if mode, err = irbank.ParseMode(p.Mode); err == nil {
				if err = s.ctrl.SelectMode(mode); err == nil {
					s.broadcast("mode_changed", modePayload{Mode: mode.String()})
				}
			}
		}

	case "cycle_mode":
		var mode irbank.Mode
		if mode, err = s.ctrl.CycleMode(); err == nil {
			s.broadcast("mode_changed", modePayload{Mode: mode.String()})
		}

	case "reset":
		s.ctrl.ResetParameters()
		s.broadcast("state", s.state())

	default:
		err = fmt.Errorf("unknown message type %q", msg.Type)
	}

	if err != nil {
		s.logger.Warn("message rejected", "type", msg.Type, "error", err)
	}
}

// applyParam routes a named parameter to its setter. Boolean parameters
// treat any non-zero value as on.
func (s *Server) applyParam(name string, v float64) error {
	switch name {
	case "dryWet":
		s.ctrl.SetDryWet(v)
	case "predelayMs":
		s.ctrl.SetPredelay(v)
	case "irLengthFactor":
		s.ctrl.SetIRLengthFactor(v)
	case "lowCutHz":
		s.ctrl.SetLowCut(v)
	case "highCutHz":
		s.ctrl.SetHighCut(v)
	case "stereoWidth":
		s.ctrl.SetStereoWidth(v)
	case "freeze":
		s.ctrl.SetFreeze(v != 0)
	case "bypass":
		s.ctrl.SetBypass(v != 0)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownParam, name)
	}

	return nil
}

func (s *Server) broadcast(kind string, payload any) {
	if data, err := s.encode(kind, payload); err == nil {
		s.hub.Broadcast(data)
	}
}

// linToDB converts a linear peak to dB, clamped to [-96, 6].
func linToDB(l float32) float64 {
	if l <= 1e-9 {
		return -96
	}

	return max(-96, min(6, 20*math.Log10(float64(l))))
}
