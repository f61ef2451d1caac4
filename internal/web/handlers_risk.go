package web

import "net/http"

func (s *Server) handleSourceAnomalies(w http.ResponseWriter, r *http.Request) {
	hours := queryInt(r, "hours", 24)
	minEvents := queryInt(r, "min_events", 10)
	minUniqueActors := queryInt(r, "min_unique_actors", 3)
	limit := queryInt(r, "limit", 50)

	anomalies, err := s.store.SourceAnomalies(hours, minEvents, minUniqueActors, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"anomalies": anomalies})
}
