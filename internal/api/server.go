// Package api serves the autofocus control surface as JSON over HTTP, plus a
// server-sent event stream of sampling snapshots.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/autofocus/internal/autofocus"
	"github.com/banshee-data/autofocus/internal/httputil"
	"github.com/banshee-data/autofocus/internal/jog"
	"github.com/banshee-data/autofocus/internal/monitoring"
	"github.com/banshee-data/autofocus/internal/profile"
	"github.com/banshee-data/autofocus/internal/publish"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Loop is the control surface of autofocus.Loop.
type Loop interface {
	StartSampling()
	StopSampling()
	StartFeedback()
	StopFeedback()
	SetSetpoint(float64)
	CaptureSetpoint() (float64, error)
	Setpoint() *float64
	AcquireBackground(ctx context.Context) error
	ClearBackground()
	SetSmoothing(sigma float64) error
	CurrentProfile() []float64
	PeakHistory() []int
	Status() autofocus.Status
}

// Jog is the part of jog.Controller exposed over HTTP.
type Jog interface {
	State() jog.DeviceState
	Speed() float64
	HandleButton(ctx context.Context, code int) error
}

type Server struct {
	loop Loop
	jog  Jog
	hub  *publish.Hub
	// deviceTimeout bounds stage and camera work done on behalf of a request.
	deviceTimeout time.Duration
}

// NewServer binds the surface. jog and hub may be nil, in which case their
// routes answer 503.
func NewServer(loop Loop, j Jog, hub *publish.Hub) *Server {
	return &Server{
		loop:          loop,
		jog:           j,
		hub:           hub,
		deviceTimeout: 5 * time.Second,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/sampling/start", s.action(s.loop.StartSampling))
	mux.HandleFunc("/api/sampling/stop", s.action(s.loop.StopSampling))
	mux.HandleFunc("/api/feedback/start", s.action(s.loop.StartFeedback))
	mux.HandleFunc("/api/feedback/stop", s.action(s.loop.StopFeedback))
	mux.HandleFunc("/api/setpoint", s.handleSetpoint)
	mux.HandleFunc("/api/background", s.handleBackground)
	mux.HandleFunc("/api/smoothing", s.handleSmoothing)
	mux.HandleFunc("/api/profile", s.showProfile)
	mux.HandleFunc("/api/peaks", s.showPeaks)
	mux.HandleFunc("/api/jog", s.showJog)
	mux.HandleFunc("/api/jog/button", s.pressButton)
	mux.HandleFunc("/api/stream", s.stream)
	return mux
}

// action wraps a no-argument control call as a POST route answering with the
// resulting status.
func (s *Server) action(f func()) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if httputil.MethodNotAllowed(w, r, http.MethodPost) {
			return
		}
		f()
		httputil.WriteJSON(w, http.StatusOK, s.loop.Status())
	}
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if httputil.MethodNotAllowed(w, r, http.MethodGet) {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, s.loop.Status())
}

type setpointRequest struct {
	Value   *float64 `json:"value,omitempty"`
	Capture bool     `json:"capture,omitempty"`
}

type setpointResponse struct {
	Setpoint *float64 `json:"setpoint"`
}

// handleSetpoint reads the setpoint (GET) or sets it (POST), either to an
// explicit value or, with capture, to the latest peak.
func (s *Server) handleSetpoint(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSON(w, http.StatusOK, setpointResponse{Setpoint: s.loop.Setpoint()})
	case http.MethodPost:
		var req setpointRequest
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
		switch {
		case req.Capture && req.Value != nil:
			httputil.WriteJSONError(w, http.StatusBadRequest, "Give either 'value' or 'capture', not both")
			return
		case req.Capture:
			v, err := s.loop.CaptureSetpoint()
			if errors.Is(err, autofocus.ErrNoPeak) {
				httputil.WriteJSONError(w, http.StatusConflict, err.Error())
				return
			}
			if err != nil {
				httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
				return
			}
			httputil.WriteJSON(w, http.StatusOK, setpointResponse{Setpoint: &v})
		case req.Value != nil:
			s.loop.SetSetpoint(*req.Value)
			httputil.WriteJSON(w, http.StatusOK, setpointResponse{Setpoint: req.Value})
		default:
			httputil.WriteJSONError(w, http.StatusBadRequest, "Missing 'value' or 'capture'")
		}
	default:
		httputil.WriteJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleBackground acquires a background reference (POST) or drops it
// (DELETE).
func (s *Server) handleBackground(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		ctx, cancel := context.WithTimeout(r.Context(), s.deviceTimeout)
		defer cancel()
		if err := s.loop.AcquireBackground(ctx); err != nil {
			httputil.WriteJSONError(w, http.StatusBadGateway, fmt.Sprintf("Failed to acquire background: %v", err))
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]bool{"background": true})
	case http.MethodDelete:
		s.loop.ClearBackground()
		httputil.WriteJSON(w, http.StatusOK, map[string]bool{"background": false})
	default:
		httputil.WriteJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

type smoothingRequest struct {
	Sigma *float64 `json:"sigma"`
}

func (s *Server) handleSmoothing(w http.ResponseWriter, r *http.Request) {
	if httputil.MethodNotAllowed(w, r, http.MethodPost, http.MethodPut) {
		return
	}
	var req smoothingRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if req.Sigma == nil {
		httputil.WriteJSONError(w, http.StatusBadRequest, "Missing 'sigma'")
		return
	}
	if err := s.loop.SetSmoothing(*req.Sigma); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, profile.ErrInvalidSigma) {
			status = http.StatusBadRequest
		}
		httputil.WriteJSONError(w, status, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]float64{"sigma": *req.Sigma})
}

func (s *Server) showProfile(w http.ResponseWriter, r *http.Request) {
	if httputil.MethodNotAllowed(w, r, http.MethodGet) {
		return
	}
	p := s.loop.CurrentProfile()
	if p == nil {
		p = []float64{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string][]float64{"profile": p})
}

func (s *Server) showPeaks(w http.ResponseWriter, r *http.Request) {
	if httputil.MethodNotAllowed(w, r, http.MethodGet) {
		return
	}
	peaks := s.loop.PeakHistory()
	if peaks == nil {
		peaks = []int{}
	}
	// ?last=n trims to the newest n entries
	if v := r.URL.Query().Get("last"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httputil.WriteJSONError(w, http.StatusBadRequest, "Invalid 'last' parameter")
			return
		}
		if n < len(peaks) {
			peaks = peaks[len(peaks)-n:]
		}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string][]int{"peaks": peaks})
}

type jogResponse struct {
	State jog.DeviceState `json:"state"`
	Speed float64         `json:"speed"`
}

func (s *Server) showJog(w http.ResponseWriter, r *http.Request) {
	if httputil.MethodNotAllowed(w, r, http.MethodGet) {
		return
	}
	if s.jog == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "Jog control not available")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, jogResponse{State: s.jog.State(), Speed: s.jog.Speed()})
}

type buttonRequest struct {
	Code int `json:"code"`
}

// pressButton injects a button code as if it came from the stage keypad.
func (s *Server) pressButton(w http.ResponseWriter, r *http.Request) {
	if httputil.MethodNotAllowed(w, r, http.MethodPost) {
		return
	}
	if s.jog == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "Jog control not available")
		return
	}
	var req buttonRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.deviceTimeout)
	defer cancel()
	if err := s.jog.HandleButton(ctx, req.Code); err != nil {
		httputil.WriteJSONError(w, http.StatusBadGateway, fmt.Sprintf("Button %d failed: %v", req.Code, err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, jogResponse{State: s.jog.State(), Speed: s.jog.Speed()})
}

// stream sends every published snapshot as a server-sent event.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	if httputil.MethodNotAllowed(w, r, http.MethodGet) {
		return
	}
	if s.hub == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "Stream not available")
		return
	}

	id, c := s.hub.Subscribe(publish.DefaultBuffer)
	defer s.hub.Unsubscribe(id)

	es := httputil.StartEventStream(w)
	for {
		select {
		case snap, ok := <-c:
			if !ok {
				return
			}
			payload, err := json.Marshal(snap)
			if err != nil {
				monitoring.Logf("[api] failed to marshal snapshot: %v", err)
				continue
			}
			if err := es.Send(strconv.FormatUint(snap.Seq, 10), payload); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}
