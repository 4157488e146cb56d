package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/grasplab/reach.report/internal/natnet"
	"github.com/grasplab/reach.report/internal/trial"
	"github.com/grasplab/reach.report/internal/triallog"
)

func testServer(t *testing.T) (*Server, *triallog.DB) {
	t.Helper()
	db, err := triallog.Open(filepath.Join(t.TempDir(), "trials.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	status := func() Status {
		return Status{State: "active", TrialsRun: 1, TrialsTotal: 4, FramesIngested: 120, LastSpeed: 0.25}
	}
	return NewServer(db, status), db
}

func seedTrial(t *testing.T, db *triallog.DB) string {
	t.Helper()
	w := triallog.NewWriter(db, 0)
	defer w.Close()

	tr := &trial.Trial{ID: "t-1", Phase: trial.PreReveal}
	if err := w.BeginTrial(tr); err != nil {
		t.Fatal(err)
	}
	if err := w.AppendFrame("t-1", natnet.Frame{
		FrameNum:  1,
		Timestamp: 8 * time.Millisecond,
		Markers:   []natnet.Marker{{ID: 1, X: 0.1, Valid: true}},
	}); err != nil {
		t.Fatal(err)
	}
	if err := w.AppendEvent("t-1", trial.TriggerEvent{
		Kind: trial.EventReveal, FrameNum: 1, Timestamp: 8 * time.Millisecond,
	}); err != nil {
		t.Fatal(err)
	}
	if err := w.Finalize("t-1", trial.Completed, trial.ReasonNone); err != nil {
		t.Fatal(err)
	}
	return tr.ID
}

func get(t *testing.T, mux *http.ServeMux, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestStatusEndpoint(t *testing.T) {
	s, _ := testServer(t)
	w := get(t, s.ServeMux(), "/api/status")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var st Status
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.State != "active" || st.FramesIngested != 120 {
		t.Errorf("status body = %+v", st)
	}
	if st.LastSpeed != 0.25 || st.SpeedUnits != "mps" {
		t.Errorf("speed = %v %s, want 0.25 mps", st.LastSpeed, st.SpeedUnits)
	}
}

func TestStatusUnitsConversion(t *testing.T) {
	s, _ := testServer(t)
	w := get(t, s.ServeMux(), "/api/status?units=cmps")
	var st Status
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.LastSpeed != 25 || st.SpeedUnits != "cmps" {
		t.Errorf("speed = %v %s, want 25 cmps", st.LastSpeed, st.SpeedUnits)
	}

	if w := get(t, s.ServeMux(), "/api/status?units=furlongs"); w.Code != http.StatusBadRequest {
		t.Errorf("invalid units status = %d, want 400", w.Code)
	}
}

func TestTrialEndpoints(t *testing.T) {
	s, db := testServer(t)
	id := seedTrial(t, db)
	mux := s.ServeMux()

	w := get(t, mux, "/api/trials")
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var trials []triallog.TrialRow
	if err := json.Unmarshal(w.Body.Bytes(), &trials); err != nil {
		t.Fatal(err)
	}
	if len(trials) != 1 || trials[0].ID != id {
		t.Fatalf("trials = %+v", trials)
	}

	w = get(t, mux, "/api/trials/"+id)
	if w.Code != http.StatusOK {
		t.Fatalf("record status = %d", w.Code)
	}
	var rec triallog.Record
	if err := json.Unmarshal(w.Body.Bytes(), &rec); err != nil {
		t.Fatal(err)
	}
	if rec.Trial.Outcome != "completed" || len(rec.Frames) != 1 || len(rec.Events) != 1 {
		t.Errorf("record = %+v", rec)
	}

	if w := get(t, mux, "/api/trials/nope"); w.Code != http.StatusNotFound {
		t.Errorf("unknown trial status = %d, want 404", w.Code)
	}
}

func TestEndpointsAreReadOnly(t *testing.T) {
	s, _ := testServer(t)
	mux := s.ServeMux()
	for _, path := range []string{"/api/status", "/api/trials", "/api/trials/t-1"} {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, path, nil))
		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("POST %s = %d, want 405", path, w.Code)
		}
	}
}
