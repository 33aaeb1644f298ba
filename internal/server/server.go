// Package server exposes the engine's command surface over JSON HTTP and
// streams snapshots to WebSocket clients.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/signalsfoundry/herd-immunity/internal/logging"
	"github.com/signalsfoundry/herd-immunity/internal/sim"
	"github.com/signalsfoundry/herd-immunity/model"
)

// maxBodyBytes bounds every request body.
const maxBodyBytes = 1 << 16

// Engine is the subset of *sim.Engine the adapter drives.
type Engine interface {
	Start(ctx context.Context, area model.Area) error
	Pause(ctx context.Context)
	Resume(ctx context.Context)
	Stop(ctx context.Context)
	SetSpeed(ctx context.Context, ratio float64) error
	UpdateParameters(ctx context.Context, patch model.ParameterPatch) (model.Parameters, error)
	Parameters() model.Parameters
	ForceInfectRandom(ctx context.Context)
	Status() sim.Status
	Snapshot() *sim.Snapshot
	OnSnapshot(fn sim.SnapshotListener)
}

// Option customises a Server.
type Option func(*Server)

// WithLogger attaches a structured logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithArena sets the arena used when a start request carries no size.
func WithArena(a model.Area) Option {
	return func(s *Server) {
		s.arena = a
	}
}

// WithSpeedupRatio sets the speed applied when the speed-up toggle is on.
func WithSpeedupRatio(r float64) Option {
	return func(s *Server) {
		if r > 0 {
			s.speedup = r
		}
	}
}

// WithFrameMetrics reports WebSocket delivery metrics to m.
func WithFrameMetrics(m FrameRecorder) Option {
	return func(s *Server) {
		s.frames = m
	}
}

// Server is the HTTP adapter in front of an Engine.
type Server struct {
	engine  Engine
	log     logging.Logger
	arena   model.Area
	speedup float64
	frames  FrameRecorder
	hub     *Hub
	mux     *http.ServeMux
}

// New builds a Server and subscribes its WebSocket hub to engine snapshots.
func New(engine Engine, opts ...Option) *Server {
	s := &Server{
		engine:  engine,
		log:     logging.Noop(),
		arena:   model.Area{Width: 760, Height: 360},
		speedup: 2,
		mux:     http.NewServeMux(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.hub = NewHub(engine.Snapshot(), s.log, s.frames)
	engine.OnSnapshot(s.hub.Broadcast)

	s.mux.HandleFunc("POST /api/start", s.handleStart)
	s.mux.HandleFunc("POST /api/pause", s.handlePause)
	s.mux.HandleFunc("POST /api/resume", s.handleResume)
	s.mux.HandleFunc("POST /api/stop", s.handleStop)
	s.mux.HandleFunc("PUT /api/speed", s.handleSpeed)
	s.mux.HandleFunc("POST /api/speedup", s.handleSpeedup)
	s.mux.HandleFunc("GET /api/parameters", s.handleGetParameters)
	s.mux.HandleFunc("PATCH /api/parameters", s.handlePatchParameters)
	s.mux.HandleFunc("POST /api/force-infect", s.handleForceInfect)
	s.mux.HandleFunc("GET /api/snapshot", s.handleSnapshot)
	s.mux.HandleFunc("GET /ws", s.hub.ServeWS)
	return s
}

// Handler returns the root handler with request logging applied.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.mux)
}

// Hub returns the snapshot fan-out.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Close disconnects every WebSocket client. http.Server.Shutdown does not
// track hijacked connections, so callers close the hub alongside it.
func (s *Server) Close() {
	s.hub.Close()
}

type statusResponse struct {
	Status sim.Status `json:"status"`
}

type speedResponse struct {
	SpeedRatio float64 `json:"speed_ratio"`
}

type startRequest struct {
	Width  *float64 `json:"width"`
	Height *float64 `json:"height"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeBody(r, &req, true); err != nil {
		writeError(w, err)
		return
	}
	area := s.arena
	if req.Width != nil {
		area.Width = *req.Width
	}
	if req.Height != nil {
		area.Height = *req.Height
	}
	if err := s.engine.Start(r.Context(), area); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: s.engine.Status()})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.engine.Pause(r.Context())
	writeJSON(w, http.StatusOK, statusResponse{Status: s.engine.Status()})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.engine.Resume(r.Context())
	writeJSON(w, http.StatusOK, statusResponse{Status: s.engine.Status()})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.engine.Stop(r.Context())
	writeJSON(w, http.StatusOK, statusResponse{Status: s.engine.Status()})
}

func (s *Server) handleSpeed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Ratio *float64 `json:"ratio"`
	}
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, err)
		return
	}
	if req.Ratio == nil {
		writeError(w, badRequest("ratio is required"))
		return
	}
	s.setSpeed(w, r, *req.Ratio)
}

func (s *Server) handleSpeedup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, err)
		return
	}
	ratio := 1.0
	if req.Enabled {
		ratio = s.speedup
	}
	s.setSpeed(w, r, ratio)
}

func (s *Server) setSpeed(w http.ResponseWriter, r *http.Request, ratio float64) {
	if err := s.engine.SetSpeed(r.Context(), ratio); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, speedResponse{SpeedRatio: ratio})
}

func (s *Server) handleGetParameters(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Parameters())
}

func (s *Server) handlePatchParameters(w http.ResponseWriter, r *http.Request) {
	var patch model.ParameterPatch
	if err := decodeBody(r, &patch, false); err != nil {
		writeError(w, err)
		return
	}
	if patch.Empty() {
		writeError(w, badRequest("patch changes no parameters"))
		return
	}
	params, err := s.engine.UpdateParameters(r.Context(), patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, params)
}

func (s *Server) handleForceInfect(w http.ResponseWriter, r *http.Request) {
	s.engine.ForceInfectRandom(r.Context())
	writeJSON(w, http.StatusAccepted, statusResponse{Status: s.engine.Status()})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

// decodeBody decodes a JSON body into dst, rejecting unknown fields. An empty
// body is accepted only when optional is set.
func decodeBody(r *http.Request, dst any, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			if optional {
				return nil
			}
			return badRequest("request body is required")
		}
		return badRequest(fmt.Sprintf("invalid request body: %v", err))
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack passes through to the underlying writer for the WebSocket upgrade.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("server: response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug(r.Context(), "http request",
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
			logging.Int("status", rec.status),
			logging.Duration("duration", time.Since(start)),
		)
	})
}
