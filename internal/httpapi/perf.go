package httpapi

import "net/http"

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.Metrics.TurnStageSnapshot())
}

func (s *Server) handlePerfReset(w http.ResponseWriter, _ *http.Request) {
	s.deps.Metrics.ResetTurnStages()
	respondJSON(w, http.StatusOK, s.deps.Metrics.TurnStageSnapshot())
}
