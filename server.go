package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
	Zones     int       `json:"zones"`
}

// Server exposes the ingestion and status API for all zones. Samples, cycle
// events and condition updates arrive here from the scheduling collaborator;
// status and recommendations are read back the same way.
type Server struct {
	zones     map[string]*ZoneRuntime
	debug     bool
	startTime time.Time
}

// NewServer builds the API server over the given zone runtimes. debug is the
// configured diagnostic flag threaded into status reporting.
func NewServer(zones map[string]*ZoneRuntime, debug bool) *Server {
	return &Server{zones: zones, debug: debug, startTime: time.Now()}
}

// Handler returns the HTTP handler with all routes bound.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /zones", s.handleListZones)
	mux.HandleFunc("GET /zones/{zone}/status", s.handleStatus)
	mux.HandleFunc("POST /zones/{zone}/sample", s.handleSample)
	mux.HandleFunc("POST /zones/{zone}/event", s.handleEvent)
	mux.HandleFunc("POST /zones/{zone}/setpoint", s.handleSetpoint)
	mux.HandleFunc("POST /zones/{zone}/pause", s.handlePause)
	mux.HandleFunc("POST /outdoor", s.handleOutdoor)
	return mux
}

// Start serves the API in a background goroutine.
func (s *Server) Start(port int) {
	addr := fmt.Sprintf(":%d", port)
	go func() {
		log.Printf("Starting API server on %s", addr)
		if err := http.ListenAndServe(addr, s.Handler()); err != nil {
			log.Printf("API server error: %v", err)
		}
	}()
}

// zoneFor resolves the {zone} path value, writing a 404 when unknown.
func (s *Server) zoneFor(w http.ResponseWriter, r *http.Request) *ZoneRuntime {
	name := r.PathValue("zone")
	zone, ok := s.zones[name]
	if !ok {
		http.Error(w, fmt.Sprintf("unknown zone %q", name), http.StatusNotFound)
		return nil
	}
	return zone
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Uptime:    time.Since(s.startTime).String(),
		Zones:     len(s.zones),
	})
}

func (s *Server) handleListZones(w http.ResponseWriter, r *http.Request) {
	statuses := make([]ZoneStatus, 0, len(s.zones))
	for _, zone := range s.zones {
		statuses = append(statuses, zone.Status(s.debug))
	}
	writeJSON(w, statuses)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	zone := s.zoneFor(w, r)
	if zone == nil {
		return
	}
	writeJSON(w, zone.Status(s.debug))
}

// sampleRequest is one pushed temperature reading. Time defaults to now.
type sampleRequest struct {
	Temp float64    `json:"temp"`
	Time *time.Time `json:"time,omitempty"`
}

func (s *Server) handleSample(w http.ResponseWriter, r *http.Request) {
	zone := s.zoneFor(w, r)
	if zone == nil {
		return
	}
	var req sampleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid sample: %v", err), http.StatusBadRequest)
		return
	}
	at := time.Now()
	if req.Time != nil {
		at = *req.Time
	}
	zone.AddSample(Sample{Time: at, Temp: req.Temp})
	w.WriteHeader(http.StatusNoContent)
}

// eventRequest is one cycle-lifecycle event. Time defaults to now.
type eventRequest struct {
	Event string     `json:"event"`
	Time  *time.Time `json:"time,omitempty"`
	Mode  string     `json:"mode,omitempty"`
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	zone := s.zoneFor(w, r)
	if zone == nil {
		return
	}
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid event: %v", err), http.StatusBadRequest)
		return
	}
	if req.Mode != "" {
		mode, err := ParseMode(req.Mode)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		zone.SetMode(mode)
	}
	at := time.Now()
	if req.Time != nil {
		at = *req.Time
	}
	if err := zone.HandleEvent(CycleEvent(req.Event), at); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type setpointRequest struct {
	Setpoint float64 `json:"setpoint"`
}

func (s *Server) handleSetpoint(w http.ResponseWriter, r *http.Request) {
	zone := s.zoneFor(w, r)
	if zone == nil {
		return
	}
	var req setpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid setpoint: %v", err), http.StatusBadRequest)
		return
	}
	if req.Setpoint < 5 || req.Setpoint > 35 {
		http.Error(w, fmt.Sprintf("setpoint %.1f out of range 5-35", req.Setpoint), http.StatusBadRequest)
		return
	}
	zone.SetSetpoint(req.Setpoint)
	w.WriteHeader(http.StatusNoContent)
}

// pauseRequest sets or clears one external pause reason for a zone.
type pauseRequest struct {
	Reason string `json:"reason"`
	Active bool   `json:"active"`
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	zone := s.zoneFor(w, r)
	if zone == nil {
		return
	}
	var req pauseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid pause: %v", err), http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		http.Error(w, "pause reason must not be empty", http.StatusBadRequest)
		return
	}
	zone.SetPause(req.Reason, req.Active)
	w.WriteHeader(http.StatusNoContent)
}

type outdoorRequest struct {
	Temp float64 `json:"temp"`
}

// handleOutdoor broadcasts the current outdoor temperature to every zone.
func (s *Server) handleOutdoor(w http.ResponseWriter, r *http.Request) {
	var req outdoorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid outdoor update: %v", err), http.StatusBadRequest)
		return
	}
	for _, zone := range s.zones {
		zone.SetOutdoor(req.Temp)
	}
	w.WriteHeader(http.StatusNoContent)
}
