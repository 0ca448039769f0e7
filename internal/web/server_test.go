package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/example/appt-watcher/internal/history"
	"github.com/example/appt-watcher/internal/scheduler"
	"go.uber.org/zap/zaptest"
)

type fixedStatus scheduler.Status

func (f fixedStatus) Status() scheduler.Status { return scheduler.Status(f) }

type runs struct {
	got  int
	list []history.Run
	err  error
}

func (r *runs) ListRuns(ctx context.Context, limit int) ([]history.Run, error) {
	r.got = limit
	return r.list, r.err
}

func newServer(t *testing.T, rl RunLister) *httptest.Server {
	t.Helper()
	s := &Server{
		Status: fixedStatus{Phase: scheduler.PhasePolling, Sweeps: 2, Backoff: 6 * time.Second, Candidates: 1},
		Runs:   rl,
		Log:    zaptest.NewLogger(t),
	}
	srv := httptest.NewServer(s.Routes())
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthz(t *testing.T) {
	srv := newServer(t, nil)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestStatus(t *testing.T) {
	srv := newServer(t, nil)
	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["phase"] != "polling" || body["sweeps"] != float64(2) || body["backoff"] != "6s" {
		t.Fatalf("unexpected status %v", body)
	}
	if resp.Header.Get("Content-Type") != "application/json" {
		t.Fatalf("unexpected content type %q", resp.Header.Get("Content-Type"))
	}
}

func TestRuns(t *testing.T) {
	outcome := "booked"
	rl := &runs{list: []history.Run{{ID: "run-1", Origin: "ZIP 78701", Outcome: &outcome}}}
	srv := newServer(t, rl)

	resp, err := http.Get(srv.URL + "/runs?limit=5")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || rl.got != 5 {
		t.Fatalf("expected 200 with limit 5, got %d/%d", resp.StatusCode, rl.got)
	}

	tests := []struct {
		name  string
		rl    RunLister
		query string
		want  int
	}{
		{"no database", nil, "", http.StatusNotFound},
		{"bad limit", rl, "?limit=zero", http.StatusBadRequest},
		{"store error", &runs{err: errors.New("conn refused")}, "", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServer(t, tt.rl)
			resp, err := http.Get(srv.URL + "/runs" + tt.query)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, resp.StatusCode)
			}
		})
	}
}

func TestRoutesRejectWrongMethod(t *testing.T) {
	srv := newServer(t, nil)
	resp, err := http.Post(srv.URL+"/status", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}
