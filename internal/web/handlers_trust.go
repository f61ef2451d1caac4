package web

import (
	"net/http"

	"github.com/kredo-project/kredo/internal/store"
)

func (s *Server) handleWhoAttested(w http.ResponseWriter, r *http.Request) {
	pubkey := r.PathValue("pubkey")
	atts, err := s.store.ListAttestationsFor(store.AttestationFilter{Subject: &pubkey, Limit: 200})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, atts)
}

func (s *Server) handleAttestedBy(w http.ResponseWriter, r *http.Request) {
	pubkey := r.PathValue("pubkey")
	atts, err := s.store.ListAttestationsFor(store.AttestationFilter{Attestor: &pubkey, Limit: 200})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, atts)
}

func (s *Server) handleTrustAnalysis(w http.ResponseWriter, r *http.Request) {
	pubkey := r.PathValue("pubkey")
	analysis, err := s.engine.Analyze(pubkey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

func (s *Server) handleTrustRings(w http.ResponseWriter, r *http.Request) {
	flags, err := s.engine.Rings()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rings": flags})
}

func (s *Server) handleNetworkHealth(w http.ResponseWriter, r *http.Request) {
	health, err := s.engine.NetworkHealth(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, health)
}
