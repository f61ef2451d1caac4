package web

import (
	"net/http"

	"github.com/kredo-project/kredo/internal/kerrors"
	"github.com/kredo-project/kredo/internal/ratelimit"
)

func (s *Server) handleTaxonomyDomains(w http.ResponseWriter, r *http.Request) {
	domains, err := s.taxo.Domains()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"domains": domains})
}

func (s *Server) handleTaxonomySkills(w http.ResponseWriter, r *http.Request) {
	domain := r.PathValue("domain")
	skills, err := s.taxo.Skills(domain)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"domain": domain, "skills": skills})
}

type createTaxonomyDomainRequest struct {
	DomainID  string `json:"domain_id" validate:"required"`
	Pubkey    string `json:"pubkey" validate:"required"`
	Signature string `json:"signature" validate:"required"`
}

func (s *Server) handleCreateTaxonomyDomain(w http.ResponseWriter, r *http.Request) {
	var req createTaxonomyDomainRequest
	if !s.decodeWriteBody(w, r, "taxonomy.create_domain", &req) {
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.failWrite(w, r, "taxonomy.create_domain", req.Pubkey, kerrors.ValidationError("%v", err))
		return
	}
	if !s.checkRateLimit(w, r, "taxonomy.create_domain", ratelimit.ClassTaxonomyMutation, req.Pubkey, req.Pubkey) {
		return
	}

	payload := map[string]interface{}{"action": "create_domain", "domain_id": req.DomainID, "pubkey": req.Pubkey}
	if err := s.verifyActionPayload(payload, req.Signature, req.Pubkey); err != nil {
		s.failWrite(w, r, "taxonomy.create_domain", req.Pubkey, err)
		return
	}
	if err := s.taxo.CreateDomain(req.DomainID, s.auditContext(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"domain_id": req.DomainID})
}

type createTaxonomySkillRequest struct {
	DomainID  string `json:"domain_id" validate:"required"`
	SkillID   string `json:"skill_id" validate:"required"`
	Pubkey    string `json:"pubkey" validate:"required"`
	Signature string `json:"signature" validate:"required"`
}

func (s *Server) handleCreateTaxonomySkill(w http.ResponseWriter, r *http.Request) {
	var req createTaxonomySkillRequest
	if !s.decodeWriteBody(w, r, "taxonomy.create_skill", &req) {
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.failWrite(w, r, "taxonomy.create_skill", req.Pubkey, kerrors.ValidationError("%v", err))
		return
	}
	if !s.checkRateLimit(w, r, "taxonomy.create_skill", ratelimit.ClassTaxonomyMutation, req.Pubkey, req.Pubkey) {
		return
	}

	payload := map[string]interface{}{
		"action": "create_skill", "domain_id": req.DomainID, "skill_id": req.SkillID, "pubkey": req.Pubkey,
	}
	if err := s.verifyActionPayload(payload, req.Signature, req.Pubkey); err != nil {
		s.failWrite(w, r, "taxonomy.create_skill", req.Pubkey, err)
		return
	}
	if err := s.taxo.CreateSkill(req.DomainID, req.SkillID, s.auditContext(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"domain_id": req.DomainID, "skill_id": req.SkillID})
}

type deleteTaxonomyDomainRequest struct {
	Pubkey    string `json:"pubkey" validate:"required"`
	Signature string `json:"signature" validate:"required"`
}

func (s *Server) handleDeleteTaxonomyDomain(w http.ResponseWriter, r *http.Request) {
	domain := r.PathValue("domain")
	var req deleteTaxonomyDomainRequest
	if !s.decodeWriteBody(w, r, "taxonomy.delete_domain", &req) {
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.failWrite(w, r, "taxonomy.delete_domain", req.Pubkey, kerrors.ValidationError("%v", err))
		return
	}
	if !s.checkRateLimit(w, r, "taxonomy.delete_domain", ratelimit.ClassTaxonomyMutation, req.Pubkey, req.Pubkey) {
		return
	}

	payload := map[string]interface{}{"action": "delete_domain", "domain_id": domain, "pubkey": req.Pubkey}
	if err := s.verifyActionPayload(payload, req.Signature, req.Pubkey); err != nil {
		s.failWrite(w, r, "taxonomy.delete_domain", req.Pubkey, err)
		return
	}
	if err := s.taxo.DeleteDomain(domain, s.auditContext(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"domain_id": domain, "deleted": "true"})
}
