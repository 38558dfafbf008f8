package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voltgrid/dispatch/battery"
	"github.com/voltgrid/dispatch/lp"
	"github.com/voltgrid/dispatch/rolling"
	"github.com/voltgrid/dispatch/tariff"
	"github.com/voltgrid/dispatch/trajectory"
)

func testController() *rolling.Controller {
	bs := battery.Spec{ChargeEfficiency: 1, DischargeEff: 1, InverterEff: 1, EndOfLifeFraction: 1}
	ts := tariff.Spec{Energy: tariff.EnergyRates{PeakImport: 1, OffPeakImport: 1}, Brackets: []tariff.Bracket{{WidthKW: 100}}}
	return rolling.NewController(bs, ts, lp.GridLimits{ImportKW: 100, ExportKW: 100}, 6)
}

func TestNewDisabledWhenPortNonPositive(t *testing.T) {
	s := New(testController(), 0)
	if s != nil {
		t.Error("New() with port<=0 should return nil")
	}
	if err := s.Start(); err != nil {
		t.Errorf("Start() on nil server should be a no-op, got %v", err)
	}
}

func TestHealthEndpointReportsPhase(t *testing.T) {
	controller := testController()
	s := New(controller, 8090)
	httpSrv := httptest.NewServer(s.Handler())
	defer httpSrv.Close()

	resp, err := http.Get(httpSrv.URL + "/api/health")
	if err != nil {
		t.Fatalf("GET /api/health error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if health.Status != "healthy" {
		t.Errorf("Status = %q, want healthy", health.Status)
	}
	if health.Phase != "Idle" {
		t.Errorf("Phase = %q, want Idle", health.Phase)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := New(testController(), 8091)
	httpSrv := httptest.NewServer(s.Handler())
	defer httpSrv.Close()

	resp, err := http.Get(httpSrv.URL + "/api/ready")
	if err != nil {
		t.Fatalf("GET /api/ready error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestWebSocketReceivesPublishedStep(t *testing.T) {
	s := New(testController(), 8092)
	go s.handleBroadcasts()
	defer close(s.done)

	httpSrv := httptest.NewServer(s.Handler())
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()

	s.Publish(trajectory.Step{Time: time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC), ChargeKW: 3.5})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(msg, &payload); err != nil {
		t.Fatalf("unmarshal error = %v", err)
	}
	if payload["type"] != "step" {
		t.Errorf("type = %v, want step", payload["type"])
	}
}
