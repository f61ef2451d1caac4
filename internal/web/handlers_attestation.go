package web

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/kredo-project/kredo/internal/codec"
	"github.com/kredo-project/kredo/internal/kerrors"
	"github.com/kredo-project/kredo/internal/model"
	"github.com/kredo-project/kredo/internal/ratelimit"
	"github.com/kredo-project/kredo/internal/scoring"
	"github.com/kredo-project/kredo/internal/sigverify"
	"github.com/kredo-project/kredo/internal/store"
)

func (s *Server) handleCreateAttestation(w http.ResponseWriter, r *http.Request) {
	var att model.Attestation
	if !s.decodeWriteBody(w, r, "attestations.create", &att) {
		return
	}
	if att.ID == "" {
		att.ID = uuid.NewString()
	}
	if err := s.validateAttestationShape(att); err != nil {
		s.failWrite(w, r, "attestations.create", att.Attestor.Pubkey, err)
		return
	}
	if !s.checkRateLimit(w, r, "attestations.create", ratelimit.ClassAttestationWrite, att.Attestor.Pubkey, att.Attestor.Pubkey) {
		return
	}

	if err := s.verifySignedDocument(att, model.AttestationSignableExclude, att.Signature, att.Attestor.Pubkey); err != nil {
		s.failWrite(w, r, "attestations.create", att.Attestor.Pubkey, err)
		return
	}

	score := scoring.Score(s.clk, att.Evidence, att.Skill, att.Issued)
	if att.Type == model.BehavioralWarning && score.Composite < scoring.BehavioralWarningMinComposite {
		s.failWrite(w, r, "attestations.create", att.Attestor.Pubkey, kerrors.EvidenceInsufficientError(
			"behavioral_warning composite %.2f below minimum %.2f", score.Composite, scoring.BehavioralWarningMinComposite))
		return
	}

	stored, err := s.store.InsertAttestation(att, score, s.auditContext(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) validateAttestationShape(att model.Attestation) error {
	if att.Subject.Pubkey == "" || att.Attestor.Pubkey == "" {
		return kerrors.ValidationError("subject and attestor pubkeys are required")
	}
	if att.Skill.Domain == "" || att.Skill.Specific == "" {
		return kerrors.ValidationError("skill domain and specific are required")
	}
	if att.Skill.Proficiency < 1 || att.Skill.Proficiency > 5 {
		return kerrors.ValidationError("proficiency must be between 1 and 5")
	}
	if domainOK, err := s.taxo.DomainExists(att.Skill.Domain); err != nil {
		return err
	} else if !domainOK {
		return kerrors.ValidationError("unknown skill domain %q", att.Skill.Domain)
	}
	if skillOK, err := s.taxo.SkillExists(att.Skill.Domain, att.Skill.Specific); err != nil {
		return err
	} else if !skillOK {
		return kerrors.ValidationError("unknown skill %q under domain %q", att.Skill.Specific, att.Skill.Domain)
	}
	if !att.Expires.After(att.Issued) {
		return kerrors.ValidationError("expires must be after issued")
	}
	if att.Type == model.BehavioralWarning {
		if len(att.Evidence.Context) < 100 {
			return kerrors.ValidationError("behavioral_warning requires at least 100 characters of context")
		}
		if !hasForensicArtifact(att.Evidence.Artifacts) {
			return kerrors.ValidationError("behavioral_warning requires at least one log, hash, or payload artifact")
		}
	}
	return nil
}

// hasForensicArtifact reports whether at least one artifact carries a
// log:, hash:, or payload: category prefix.
func hasForensicArtifact(artifacts []string) bool {
	for _, a := range artifacts {
		if strings.HasPrefix(a, "log:") || strings.HasPrefix(a, "hash:") || strings.HasPrefix(a, "payload:") {
			return true
		}
	}
	return false
}

// verifySignedDocument canonicalizes doc with exclude removed and
// checks signature against signer, the common shape every signed
// write endpoint shares.
func (s *Server) verifySignedDocument(doc interface{}, exclude []string, signature, signer string) error {
	view, err := codec.SignableView(doc, exclude...)
	if err != nil {
		return kerrors.ServerErrorError("signable view: %v", err)
	}
	canon, err := codec.Canonical(view)
	if err != nil {
		return kerrors.ServerErrorError("canonicalize: %v", err)
	}
	result := sigverify.Verify(canon, signature, signer)
	if !result.OK {
		return kerrors.SignatureInvalidError("signature verification failed: %s", result.Reason)
	}
	return nil
}

func (s *Server) handleGetAttestation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	att, err := s.store.GetAttestation(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, att)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.AttestationFilter{
		Limit:          queryInt(r, "limit", 50),
		Offset:         queryInt(r, "offset", 0),
		IncludeRevoked: queryBool(r, "include_revoked", false),
	}
	if v := q.Get("subject"); v != "" {
		filter.Subject = &v
	}
	if v := q.Get("attestor"); v != "" {
		filter.Attestor = &v
	}
	if v := q.Get("domain"); v != "" {
		filter.Domain = &v
	}
	if v := q.Get("skill"); v != "" {
		filter.Skill = &v
	}
	if v := q.Get("type"); v != "" {
		filter.Type = &v
	}
	if v := queryInt(r, "min_proficiency", 0); v > 0 {
		filter.MinProficiency = &v
	}

	atts, err := s.store.ListAttestationsFor(filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, atts)
}
