package web

import (
	"net/http"

	"github.com/kredo-project/kredo/internal/codec"
	"github.com/kredo-project/kredo/internal/kerrors"
	"github.com/kredo-project/kredo/internal/ratelimit"
	"github.com/kredo-project/kredo/internal/sigverify"
)

type ownershipClaimRequest struct {
	ClaimID     string `json:"claim_id"`
	AgentPubkey string `json:"agent_pubkey" validate:"required"`
	HumanPubkey string `json:"human_pubkey" validate:"required"`
	Signature   string `json:"signature" validate:"required"`
}

func (s *Server) handleOwnershipClaim(w http.ResponseWriter, r *http.Request) {
	var req ownershipClaimRequest
	if !s.decodeWriteBody(w, r, "ownership.claim", &req) {
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.failWrite(w, r, "ownership.claim", req.AgentPubkey, kerrors.ValidationError("%v", err))
		return
	}
	if !s.checkRateLimit(w, r, "ownership.claim", ratelimit.ClassOwnership, req.AgentPubkey, req.AgentPubkey) {
		return
	}

	payload := map[string]interface{}{
		"action": "ownership_claim", "claim_id": req.ClaimID,
		"agent_pubkey": req.AgentPubkey, "human_pubkey": req.HumanPubkey,
	}
	if err := s.verifyActionPayload(payload, req.Signature, req.AgentPubkey); err != nil {
		s.failWrite(w, r, "ownership.claim", req.AgentPubkey, err)
		return
	}

	claim, err := s.store.CreateOwnershipClaim(req.ClaimID, req.AgentPubkey, req.HumanPubkey, req.Signature, s.auditContext(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, claim)
}

type ownershipConfirmRequest struct {
	ClaimID   string `json:"claim_id" validate:"required"`
	Signature string `json:"signature" validate:"required"`
}

func (s *Server) handleOwnershipConfirm(w http.ResponseWriter, r *http.Request) {
	var req ownershipConfirmRequest
	if !s.decodeWriteBody(w, r, "ownership.confirm", &req) {
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.failWrite(w, r, "ownership.confirm", "", kerrors.ValidationError("%v", err))
		return
	}

	claim, err := s.store.GetOwnershipClaim(req.ClaimID)
	if err != nil {
		s.failWrite(w, r, "ownership.confirm", "", err)
		return
	}
	if !s.checkRateLimit(w, r, "ownership.confirm", ratelimit.ClassOwnership, claim.HumanPubkey, claim.HumanPubkey) {
		return
	}

	payload := map[string]interface{}{
		"action": "ownership_confirm", "claim_id": claim.ClaimID,
		"agent_pubkey": claim.AgentPubkey, "human_pubkey": claim.HumanPubkey,
	}
	if err := s.verifyActionPayload(payload, req.Signature, claim.HumanPubkey); err != nil {
		s.failWrite(w, r, "ownership.confirm", claim.HumanPubkey, err)
		return
	}

	confirmed, err := s.store.ConfirmOwnershipClaim(req.ClaimID, req.Signature, s.auditContext(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, confirmed)
}

type ownershipRevokeRequest struct {
	ClaimID       string `json:"claim_id" validate:"required"`
	RevokerPubkey string `json:"revoker_pubkey" validate:"required"`
	Reason        string `json:"reason"`
	Signature     string `json:"signature" validate:"required"`
}

func (s *Server) handleOwnershipRevoke(w http.ResponseWriter, r *http.Request) {
	var req ownershipRevokeRequest
	if !s.decodeWriteBody(w, r, "ownership.revoke", &req) {
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.failWrite(w, r, "ownership.revoke", req.RevokerPubkey, kerrors.ValidationError("%v", err))
		return
	}

	claim, err := s.store.GetOwnershipClaim(req.ClaimID)
	if err != nil {
		s.failWrite(w, r, "ownership.revoke", req.RevokerPubkey, err)
		return
	}
	if !s.checkRateLimit(w, r, "ownership.revoke", ratelimit.ClassOwnership, req.RevokerPubkey, req.RevokerPubkey) {
		return
	}

	payload := map[string]interface{}{
		"action": "ownership_revoke", "claim_id": claim.ClaimID,
		"agent_pubkey": claim.AgentPubkey, "human_pubkey": claim.HumanPubkey,
		"revoker_pubkey": req.RevokerPubkey, "reason": req.Reason,
	}
	if err := s.verifyActionPayload(payload, req.Signature, req.RevokerPubkey); err != nil {
		s.failWrite(w, r, "ownership.revoke", req.RevokerPubkey, err)
		return
	}

	revoked, err := s.store.RevokeOwnershipClaim(req.ClaimID, req.RevokerPubkey, req.Reason, s.auditContext(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, revoked)
}

func (s *Server) handleOwnershipForAgent(w http.ResponseWriter, r *http.Request) {
	pubkey := r.PathValue("pubkey")
	claim, err := s.store.GetActiveOwnership(pubkey)
	if err != nil {
		writeError(w, err)
		return
	}
	if claim == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"active": false})
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

// verifyActionPayload canonicalizes an explicit action-field map (the
// signing-contract shape for non-document actions) and checks signature
// against signer.
func (s *Server) verifyActionPayload(payload map[string]interface{}, signature, signer string) error {
	canon, err := codec.Canonical(payload)
	if err != nil {
		return kerrors.ServerErrorError("canonicalize: %v", err)
	}
	result := sigverify.Verify(canon, signature, signer)
	if !result.OK {
		return kerrors.SignatureInvalidError("signature verification failed: %s", result.Reason)
	}
	return nil
}
