package web

import (
	"net/http"

	"github.com/kredo-project/kredo/internal/codec"
	"github.com/kredo-project/kredo/internal/kerrors"
	"github.com/kredo-project/kredo/internal/model"
	"github.com/kredo-project/kredo/internal/profile"
	"github.com/kredo-project/kredo/internal/ratelimit"
	"github.com/kredo-project/kredo/internal/sigverify"
)

type registerUnsignedRequest struct {
	Pubkey string            `json:"pubkey" validate:"required"`
	Name   string            `json:"name" validate:"required"`
	Type   model.IdentityType `json:"type" validate:"required,oneof=agent human"`
}

func (s *Server) handleRegisterUnsigned(w http.ResponseWriter, r *http.Request) {
	var req registerUnsignedRequest
	if !s.decodeWriteBody(w, r, "register", &req) {
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.failWrite(w, r, "register", "", kerrors.ValidationError("%v", err))
		return
	}
	if !s.checkRateLimit(w, r, "register", ratelimit.ClassRegisterUnsigned, clientIP(r), "") {
		return
	}

	identity, created, err := s.store.RegisterUnsigned(req.Pubkey, req.Name, req.Type, s.auditContext(r))
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusConflict
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, identity)
}

type registerUpdateRequest struct {
	Pubkey    string              `json:"pubkey" validate:"required"`
	Name      string              `json:"name" validate:"required"`
	Type      model.IdentityType `json:"type" validate:"required,oneof=agent human"`
	Signature string              `json:"signature" validate:"required"`
}

func (s *Server) handleRegisterUpdate(w http.ResponseWriter, r *http.Request) {
	var req registerUpdateRequest
	if !s.decodeWriteBody(w, r, "register_update", &req) {
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.failWrite(w, r, "register_update", req.Pubkey, kerrors.ValidationError("%v", err))
		return
	}
	if !s.checkRateLimit(w, r, "register_update", ratelimit.ClassAttestationWrite, req.Pubkey, req.Pubkey) {
		return
	}

	payload := map[string]interface{}{
		"action": "register_update", "pubkey": req.Pubkey, "name": req.Name, "type": string(req.Type),
	}
	canon, err := codec.Canonical(payload)
	if err != nil {
		s.failWrite(w, r, "register_update", req.Pubkey, kerrors.ServerErrorError("canonicalize: %v", err))
		return
	}
	result := sigverify.Verify(canon, req.Signature, req.Pubkey)
	if !result.OK {
		s.failWrite(w, r, "register_update", req.Pubkey,
			kerrors.SignatureInvalidError("signature verification failed: %s", result.Reason))
		return
	}

	identity, err := s.store.RegisterUpdate(req.Pubkey, req.Name, req.Type, s.auditContext(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, identity)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	agents, err := s.store.ListAgents(limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	pubkey := r.PathValue("pubkey")
	identity, err := s.store.GetIdentity(pubkey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, identity)
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	pubkey := r.PathValue("pubkey")
	bundle, err := s.store.StoreProfileBundle(pubkey)
	if err != nil {
		writeError(w, err)
		return
	}
	analysis, err := s.engine.Analyze(pubkey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile.Assemble(bundle, analysis))
}

func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return ip
	}
	return r.RemoteAddr
}
