package web

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/kredo-project/kredo/internal/kerrors"
	"github.com/kredo-project/kredo/internal/model"
	"github.com/kredo-project/kredo/internal/ratelimit"
	"github.com/kredo-project/kredo/internal/store"
)

type integrityBaselineRequest struct {
	BaselineID  string            `json:"baseline_id"`
	AgentPubkey string            `json:"agent_pubkey" validate:"required"`
	OwnerPubkey string            `json:"owner_pubkey" validate:"required"`
	FileHashes  []model.FileHash  `json:"file_hashes" validate:"required,min=1,dive"`
	Signature   string            `json:"signature" validate:"required"`
}

func (s *Server) handleIntegrityBaselineSet(w http.ResponseWriter, r *http.Request) {
	var req integrityBaselineRequest
	if !s.decodeWriteBody(w, r, "integrity.set_baseline", &req) {
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.failWrite(w, r, "integrity.set_baseline", req.OwnerPubkey, kerrors.ValidationError("%v", err))
		return
	}
	if req.BaselineID == "" {
		req.BaselineID = uuid.NewString()
	}
	if !s.checkRateLimit(w, r, "integrity.set_baseline", ratelimit.ClassIntegrity, req.OwnerPubkey, req.OwnerPubkey) {
		return
	}

	payload := map[string]interface{}{
		"action": "integrity_set_baseline", "baseline_id": req.BaselineID,
		"agent_pubkey": req.AgentPubkey, "owner_pubkey": req.OwnerPubkey, "file_hashes": req.FileHashes,
	}
	if err := s.verifyActionPayload(payload, req.Signature, req.OwnerPubkey); err != nil {
		s.failWrite(w, r, "integrity.set_baseline", req.OwnerPubkey, err)
		return
	}

	baseline, err := s.store.SetIntegrityBaseline(req.BaselineID, req.AgentPubkey, req.OwnerPubkey, req.FileHashes, req.Signature, s.auditContext(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, baseline)
}

type integrityCheckRequest struct {
	CheckID     string           `json:"check_id"`
	AgentPubkey string           `json:"agent_pubkey" validate:"required"`
	FileHashes  []model.FileHash `json:"file_hashes" validate:"required,dive"`
	Signature   string           `json:"signature" validate:"required"`
}

func (s *Server) handleIntegrityCheck(w http.ResponseWriter, r *http.Request) {
	var req integrityCheckRequest
	if !s.decodeWriteBody(w, r, "integrity.check", &req) {
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.failWrite(w, r, "integrity.check", req.AgentPubkey, kerrors.ValidationError("%v", err))
		return
	}
	if req.CheckID == "" {
		req.CheckID = uuid.NewString()
	}
	if !s.checkRateLimit(w, r, "integrity.check", ratelimit.ClassIntegrity, req.AgentPubkey, req.AgentPubkey) {
		return
	}

	payload := map[string]interface{}{
		"action": "integrity_check", "agent_pubkey": req.AgentPubkey, "file_hashes": req.FileHashes,
	}
	if err := s.verifyActionPayload(payload, req.Signature, req.AgentPubkey); err != nil {
		s.failWrite(w, r, "integrity.check", req.AgentPubkey, err)
		return
	}

	check, err := s.store.RecordIntegrityCheck(req.CheckID, req.AgentPubkey, req.FileHashes, req.Signature, s.auditContext(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, integrityCheckResponse{
		IntegrityCheck:          check,
		RecommendedAction:       store.RecommendedAction(check.Result.Status),
		RequiresOwnerReapproval: store.RequiresOwnerReapproval(check.Result.Status),
	})
}

// integrityCheckResponse decorates a stored check with the run-gate
// guidance fields.
type integrityCheckResponse struct {
	model.IntegrityCheck
	RecommendedAction       string `json:"recommended_action"`
	RequiresOwnerReapproval bool   `json:"requires_owner_reapproval"`
}

func (s *Server) handleIntegrityStatus(w http.ResponseWriter, r *http.Request) {
	pubkey := r.PathValue("pubkey")
	check, err := s.store.LatestIntegrityCheck(pubkey)
	if err != nil {
		writeError(w, err)
		return
	}
	if check == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status": "no_check_recorded", "recommended_action": "safe_to_run", "requires_owner_reapproval": false,
		})
		return
	}
	writeJSON(w, http.StatusOK, integrityCheckResponse{
		IntegrityCheck:          *check,
		RecommendedAction:       store.RecommendedAction(check.Result.Status),
		RequiresOwnerReapproval: store.RequiresOwnerReapproval(check.Result.Status),
	})
}
