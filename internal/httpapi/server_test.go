package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

type fakeConsumer struct{ joined bool }

func (f fakeConsumer) IsJoined() bool { return f.joined }

type fakePipeline struct {
	state  string
	reason string
}

func (f fakePipeline) Status() (string, string) { return f.state, f.reason }

func TestHandleHealthz(t *testing.T) {
	s := NewServer(":0", nil, fakeConsumer{joined: true}, nil, zap.NewNop())
	rr := httptest.NewRecorder()
	s.handleHealthz(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestHandleReadyz_NotReadyWithoutDB(t *testing.T) {
	s := NewServer(":0", nil, fakeConsumer{joined: true}, nil, zap.NewNop())
	rr := httptest.NewRecorder()
	s.handleReadyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a DB checker, got %d", rr.Code)
	}
}

func TestHandleReadyz_PipelineNotRunning(t *testing.T) {
	s := NewServer(":0", nil, fakeConsumer{joined: true}, map[string]PipelineStatus{
		"ipv4": fakePipeline{state: "FAILED", reason: "nexthop resolver unreachable"},
	}, zap.NewNop())
	rr := httptest.NewRecorder()
	s.handleReadyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	checks := body["checks"].(map[string]any)
	if checks["pipeline_ipv4"] != "FAILED: nexthop resolver unreachable" {
		t.Errorf("unexpected pipeline check: %v", checks["pipeline_ipv4"])
	}
}

func TestHandleReadyz_IngressNotJoined(t *testing.T) {
	s := NewServer(":0", nil, fakeConsumer{joined: false}, nil, zap.NewNop())
	rr := httptest.NewRecorder()
	s.handleReadyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	var body map[string]any
	json.NewDecoder(rr.Body).Decode(&body)
	checks := body["checks"].(map[string]any)
	if checks["kafka_ingress"] != "not_joined" {
		t.Errorf("expected not_joined, got %v", checks["kafka_ingress"])
	}
}
