package web

import (
	"encoding/json"
	"net/http"

	"github.com/kredo-project/kredo/internal/kerrors"
	"github.com/kredo-project/kredo/internal/model"
)

type verifyResponse struct {
	Valid  bool   `json:"valid"`
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// handleVerify auto-detects whether the posted document is an
// attestation, revocation, or dispute by shape, then checks its
// signature without writing anything.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	body, err := readLimitedBody(w, r, s.maxBodyBytes)
	if err != nil {
		writeError(w, kerrors.ValidationError("malformed request body: %v", err))
		return
	}

	var shape map[string]interface{}
	if err := json.Unmarshal(body, &shape); err != nil {
		writeError(w, kerrors.ValidationError("malformed request body: %v", err))
		return
	}

	switch {
	case shape["warning_id"] != nil:
		var d model.Dispute
		if err := json.Unmarshal(body, &d); err != nil {
			writeError(w, kerrors.ValidationError("malformed dispute: %v", err))
			return
		}
		s.respondVerify(w, d, model.DisputeSignableExclude, d.Signature, d.Disputor.Pubkey, "dispute")
	case shape["attestation_id"] != nil:
		var rev model.Revocation
		if err := json.Unmarshal(body, &rev); err != nil {
			writeError(w, kerrors.ValidationError("malformed revocation: %v", err))
			return
		}
		s.respondVerify(w, rev, model.RevocationSignableExclude, rev.Signature, rev.Revoker.Pubkey, "revocation")
	case shape["skill"] != nil && shape["evidence"] != nil:
		var att model.Attestation
		if err := json.Unmarshal(body, &att); err != nil {
			writeError(w, kerrors.ValidationError("malformed attestation: %v", err))
			return
		}
		s.respondVerify(w, att, model.AttestationSignableExclude, att.Signature, att.Attestor.Pubkey, "attestation")
	default:
		writeError(w, kerrors.ValidationError("document shape not recognized as attestation, revocation, or dispute"))
	}
}

func (s *Server) respondVerify(w http.ResponseWriter, doc interface{}, exclude []string, signature, signer, docType string) {
	if err := s.verifySignedDocument(doc, exclude, signature, signer); err != nil {
		writeJSON(w, http.StatusOK, verifyResponse{Valid: false, Type: docType, Reason: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{Valid: true, Type: docType})
}

func readLimitedBody(w http.ResponseWriter, r *http.Request, maxBytes int64) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(r.Body)
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}
