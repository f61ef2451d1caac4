package web

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/kredo-project/kredo/internal/kerrors"
	"github.com/kredo-project/kredo/internal/model"
	"github.com/kredo-project/kredo/internal/ratelimit"
)

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var rev model.Revocation
	if !s.decodeWriteBody(w, r, "revoke", &rev) {
		return
	}
	if rev.AttestationID == "" || rev.Revoker.Pubkey == "" {
		s.failWrite(w, r, "revoke", "", kerrors.ValidationError("attestation_id and revoker.pubkey are required"))
		return
	}
	if rev.ID == "" {
		rev.ID = uuid.NewString()
	}
	if !s.checkRateLimit(w, r, "revoke", ratelimit.ClassAttestationWrite, rev.Revoker.Pubkey, rev.Revoker.Pubkey) {
		return
	}
	if err := s.verifySignedDocument(rev, model.RevocationSignableExclude, rev.Signature, rev.Revoker.Pubkey); err != nil {
		s.failWrite(w, r, "revoke", rev.Revoker.Pubkey, err)
		return
	}

	att, err := s.store.RevokeAttestation(rev, s.auditContext(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, att)
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	var d model.Dispute
	if !s.decodeWriteBody(w, r, "dispute", &d) {
		return
	}
	if d.WarningID == "" || d.Disputor.Pubkey == "" {
		s.failWrite(w, r, "dispute", "", kerrors.ValidationError("warning_id and disputor.pubkey are required"))
		return
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if !s.checkRateLimit(w, r, "dispute", ratelimit.ClassAttestationWrite, d.Disputor.Pubkey, d.Disputor.Pubkey) {
		return
	}
	if err := s.verifySignedDocument(d, model.DisputeSignableExclude, d.Signature, d.Disputor.Pubkey); err != nil {
		s.failWrite(w, r, "dispute", d.Disputor.Pubkey, err)
		return
	}

	stored, err := s.store.InsertDispute(d, s.auditContext(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}
