// Package api exposes the read-only status surface of a running session:
// live session state and the recorded trial outcomes. It never mutates
// trial data; control stays with the experimenter-facing process.
package api

import (
	"net/http"
	"strings"

	"github.com/grasplab/reach.report/internal/httputil"
	"github.com/grasplab/reach.report/internal/triallog"
	"github.com/grasplab/reach.report/internal/units"
	"github.com/grasplab/reach.report/internal/version"
)

// Status is a snapshot of the running session.
type Status struct {
	Version        string  `json:"version"`
	State          string  `json:"state"`
	CurrentTrialID string  `json:"current_trial_id,omitempty"`
	TrialsRun      int     `json:"trials_run"`
	TrialsTotal    int     `json:"trials_total"`
	FramesIngested int     `json:"frames_ingested"`
	LastSpeed      float64 `json:"last_speed"`
	SpeedUnits     string  `json:"speed_units"`
}

// StatusFunc supplies the current session snapshot with speeds in m/s.
type StatusFunc func() Status

// Server serves the status API over an open trial database.
type Server struct {
	db     *triallog.DB
	status StatusFunc
}

func NewServer(db *triallog.DB, status StatusFunc) *Server {
	return &Server{db: db, status: status}
}

// ServeMux returns the API routing table.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.statusHandler)
	mux.HandleFunc("/api/trials", s.listTrials)
	mux.HandleFunc("/api/trials/", s.trialRecord)
	return mux
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	u := r.URL.Query().Get("units")
	if u == "" {
		u = units.MPS
	}
	if !units.IsValid(u) {
		httputil.BadRequest(w, "invalid units, expected one of: "+units.GetValidUnitsString())
		return
	}
	st := s.status()
	st.Version = version.Version
	st.LastSpeed = units.ConvertSpeed(st.LastSpeed, u)
	st.SpeedUnits = u
	httputil.WriteJSONOK(w, st)
}

func (s *Server) listTrials(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	trials, err := s.db.Trials()
	if err != nil {
		httputil.InternalServerError(w, "failed to list trials")
		return
	}
	if trials == nil {
		trials = []triallog.TrialRow{}
	}
	httputil.WriteJSONOK(w, trials)
}

func (s *Server) trialRecord(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/trials/")
	if id == "" || strings.Contains(id, "/") {
		httputil.BadRequest(w, "trial id required")
		return
	}
	rec, err := s.db.TrialRecord(id)
	if err != nil {
		httputil.NotFound(w, "unknown trial "+id)
		return
	}
	httputil.WriteJSONOK(w, rec)
}
