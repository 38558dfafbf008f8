// Package server exposes the rolling-horizon controller's live progress
// over HTTP health endpoints and a WebSocket feed, for a dashboard to
// watch a simulation or a live deployment step by step.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voltgrid/dispatch/rolling"
	"github.com/voltgrid/dispatch/trajectory"
)

// Server serves health/readiness endpoints and streams trajectory.Step
// updates over WebSocket as a rolling.Controller's Run loop applies them.
type Server struct {
	controller *rolling.Controller
	httpServer *http.Server
	port       int
	startTime  time.Time
	upgrader   websocket.Upgrader
	clients    sync.Map
	broadcast  chan []byte
	done       chan struct{}

	mu           sync.Mutex
	lastStep     *trajectory.Step
	cumulative   trajectory.Trajectory
}

// New wires a Server to the given controller's OnStep hook so every
// applied step is captured for the health endpoint and broadcast to
// WebSocket clients. port <= 0 disables the server.
func New(controller *rolling.Controller, port int) *Server {
	if port <= 0 {
		return nil
	}

	mux := http.NewServeMux()
	s := &Server{
		controller: controller,
		port:       port,
		startTime:  time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		broadcast: make(chan []byte, 256),
		done:      make(chan struct{}),
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}

	mux.HandleFunc("/api/health", s.healthHandler)
	mux.HandleFunc("/api/ready", s.readinessHandler)
	mux.HandleFunc("/api/ws", s.wsHandler)

	if controller != nil {
		controller.OnStep = s.Publish
	}

	return s
}

// Handler returns the server's HTTP handler, useful for tests that want to
// drive it through httptest.NewServer without binding a real port.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start launches the broadcast loop and the HTTP listener in the
// background.
func (s *Server) Start() error {
	if s == nil {
		return nil
	}
	go s.handleBroadcasts()
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("dispatch server error: %v\n", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the server down, closing all WebSocket clients.
func (s *Server) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	close(s.done)
	s.clients.Range(func(key, value any) bool {
		if conn, ok := key.(*websocket.Conn); ok {
			conn.Close()
		}
		return true
	})
	return s.httpServer.Shutdown(ctx)
}

// Publish records the step and broadcasts it to all connected WebSocket
// clients. It is safe to call from the rolling.Controller's Run loop
// directly, since it never blocks on a slow or absent client.
func (s *Server) Publish(step trajectory.Step) {
	s.mu.Lock()
	stepCopy := step
	s.lastStep = &stepCopy
	s.cumulative.Append(step)
	s.mu.Unlock()

	message, err := json.Marshal(map[string]any{
		"type": "step",
		"step": step,
	})
	if err != nil {
		return
	}
	select {
	case s.broadcast <- message:
	default:
		// Drop the update rather than block the controller's Run loop.
	}
}

// HealthResponse is the /api/health payload.
type HealthResponse struct {
	Status         string  `json:"status"`
	Timestamp      string  `json:"timestamp"`
	Uptime         string  `json:"uptime"`
	Phase          string  `json:"phase"`
	FaultCount     int     `json:"fault_count"`
	CumulativeCost float64 `json:"cumulative_cost"`
	StepsApplied   int     `json:"steps_applied"`
}

func (s *Server) buildHealth() HealthResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := "healthy"
	phase := ""
	faultCount := 0
	if s.controller != nil {
		phase = s.controller.Phase().String()
		faultCount = s.controller.FaultCount()
	}

	return HealthResponse{
		Status:         status,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		Uptime:         formatUptime(time.Since(s.startTime)),
		Phase:          phase,
		FaultCount:     faultCount,
		CumulativeCost: s.cumulative.CumulativeCost,
		StepsApplied:   len(s.cumulative.Steps),
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.buildHealth())
}

func (s *Server) readinessHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.mu.Lock()
	ready := s.controller != nil
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]any{
		"ready":     ready,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		fmt.Printf("websocket upgrade error: %v\n", err)
		return
	}
	s.clients.Store(conn, true)

	s.mu.Lock()
	last := s.lastStep
	s.mu.Unlock()
	if last != nil {
		conn.WriteJSON(map[string]any{"type": "step", "step": *last})
	}

	defer func() {
		s.clients.Delete(conn)
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (s *Server) handleBroadcasts() {
	for {
		select {
		case message := <-s.broadcast:
			s.clients.Range(func(key, value any) bool {
				conn, ok := key.(*websocket.Conn)
				if !ok {
					return true
				}
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					conn.Close()
					s.clients.Delete(conn)
				}
				return true
			})
		case <-s.done:
			return
		}
	}
}

func formatUptime(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	sec := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, sec)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, sec)
	}
	return fmt.Sprintf("%ds", sec)
}
