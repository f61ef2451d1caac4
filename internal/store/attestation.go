package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/letsencrypt/borp"

	"github.com/kredo-project/kredo/internal/kerrors"
	"github.com/kredo-project/kredo/internal/model"
)

// InsertAttestation applies an already signature-verified attestation.
// The caller (router) has already validated shape, domain/skill
// existence, and — for behavioral_warning — the evidence_insufficient
// gate; Store only enforces duplicate-id rejection.
func (s *Store) InsertAttestation(doc model.Attestation, score model.EvidenceScore, actx AuditContext) (model.Attestation, error) {
	doc.EvidenceScore = &score

	err := s.withTransaction(func(tx *borp.Transaction) ([]string, error) {
		var existingID string
		err := tx.SelectOne(context.Background(), &existingID, `SELECT id FROM attestations WHERE id = ?`, doc.ID)
		if err == nil {
			if auditErr := insertAudit(tx, s.now(), auditRow(actx, "attestations.create", "conflict", &doc.Attestor.Pubkey, doc.ID)); auditErr != nil {
				return nil, auditErr
			}
			return nil, kerrors.ConflictError("duplicate_id")
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		now := s.now()
		if err := ensureKnownKey(tx, now, doc.Subject.Pubkey, doc.Subject.Name, model.IdentityAgent); err != nil {
			return nil, err
		}
		if err := ensureKnownKey(tx, now, doc.Attestor.Pubkey, doc.Attestor.Name, doc.Attestor.Type); err != nil {
			return nil, err
		}

		subjectJSON, _ := json.Marshal(doc.Subject)
		attestorJSON, _ := json.Marshal(doc.Attestor)
		skillJSON, _ := json.Marshal(doc.Skill)
		evidenceJSON, _ := json.Marshal(doc.Evidence)
		scoreJSON, _ := json.Marshal(score)

		if _, err := tx.ExecContext(context.Background(),
			`INSERT INTO attestations
				(id, kredo, type, subject_pubkey, subject_json, attestor_pubkey, attestor_json,
				 skill_domain, skill_specific, skill_json, evidence_json, evidence_score_json,
				 issued, expires, signature)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			doc.ID, doc.Kredo, string(doc.Type),
			doc.Subject.Pubkey, string(subjectJSON),
			doc.Attestor.Pubkey, string(attestorJSON),
			doc.Skill.Domain, doc.Skill.Specific, string(skillJSON),
			string(evidenceJSON), string(scoreJSON),
			doc.Issued.UTC().Format("2006-01-02T15:04:05Z"),
			doc.Expires.UTC().Format("2006-01-02T15:04:05Z"),
			doc.Signature,
		); err != nil {
			return nil, err
		}

		if err := insertAudit(tx, now, auditRow(actx, "attestations.create", "accepted", &doc.Attestor.Pubkey, doc.ID)); err != nil {
			return nil, err
		}
		return []string{doc.Subject.Pubkey, doc.Attestor.Pubkey}, nil
	})
	if err != nil {
		return model.Attestation{}, err
	}
	return doc, nil
}

// GetAttestation fetches a single attestation by id.
func (s *Store) GetAttestation(id string) (model.Attestation, error) {
	row, err := selectAttestationRow(s.dbmap, `id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Attestation{}, kerrors.NotFoundError("unknown attestation %s", id)
	}
	if err != nil {
		return model.Attestation{}, err
	}
	return row, nil
}

// RevokeAttestation applies a signature-verified revocation. Fails
// with permission_error if the revoker isn't the original attestor,
// not_found if the attestation doesn't exist, and conflict if already
// revoked.
func (s *Store) RevokeAttestation(rev model.Revocation, actx AuditContext) (model.Attestation, error) {
	var updated model.Attestation
	err := s.withTransaction(func(tx *borp.Transaction) ([]string, error) {
		att, err := selectAttestationRow(tx, `id = ?`, rev.AttestationID)
		if errors.Is(err, sql.ErrNoRows) {
			if auditErr := insertAudit(tx, s.now(), auditRow(actx, "revoke", "not_found", &rev.Revoker.Pubkey, rev.AttestationID)); auditErr != nil {
				return nil, auditErr
			}
			return nil, kerrors.NotFoundError("unknown attestation %s", rev.AttestationID)
		}
		if err != nil {
			return nil, err
		}
		if att.RevokedAt != nil {
			if auditErr := insertAudit(tx, s.now(), auditRow(actx, "revoke", "conflict", &rev.Revoker.Pubkey, rev.AttestationID)); auditErr != nil {
				return nil, auditErr
			}
			return nil, kerrors.ConflictError("attestation already revoked")
		}
		if att.Attestor.Pubkey != rev.Revoker.Pubkey {
			if auditErr := insertAudit(tx, s.now(), auditRow(actx, "revoke", "permission_error", &rev.Revoker.Pubkey, rev.AttestationID)); auditErr != nil {
				return nil, auditErr
			}
			return nil, kerrors.PermissionError("revoker is not the original attestor")
		}

		now := s.now()
		if _, err := tx.ExecContext(context.Background(), `UPDATE attestations SET revoked_at = ?, revoker_pubkey = ? WHERE id = ?`,
			now, rev.Revoker.Pubkey, rev.AttestationID); err != nil {
			return nil, err
		}
		revokerJSON, _ := json.Marshal(rev.Revoker)
		if _, err := tx.ExecContext(context.Background(),
			`INSERT INTO revocations (id, attestation_id, revoker_pubkey, revoker_json, reason, issued, signature)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rev.ID, rev.AttestationID, rev.Revoker.Pubkey, string(revokerJSON), rev.Reason,
			rev.Issued.UTC().Format("2006-01-02T15:04:05Z"), rev.Signature,
		); err != nil {
			return nil, err
		}
		if err := insertAudit(tx, now, auditRow(actx, "revoke", "accepted", &rev.Revoker.Pubkey, rev.AttestationID)); err != nil {
			return nil, err
		}

		revokedAt, err := parseTimestamp(now)
		if err != nil {
			return nil, err
		}
		updated = att
		updated.RevokedAt = &revokedAt
		updated.RevokerPubkey = &rev.Revoker.Pubkey
		return []string{att.Subject.Pubkey, att.Attestor.Pubkey}, nil
	})
	return updated, err
}

// AttestationFilter narrows ListAttestationsFor.
type AttestationFilter struct {
	Subject        *string
	Attestor       *string
	Domain         *string
	Skill          *string
	Type           *string
	MinProficiency *int
	IncludeRevoked bool
	Limit          int
	Offset         int
}

// ListAttestationsFor returns attestations matching filter, sorted
// issued DESC, id ASC, with filters and pagination executed at the
// store layer.
func (s *Store) ListAttestationsFor(filter AttestationFilter) ([]model.Attestation, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 200
	}

	query := `SELECT id, kredo, type, subject_json, attestor_json, skill_json, evidence_json,
	                 evidence_score_json, issued, expires, signature, revoked_at, revoker_pubkey
	          FROM attestations WHERE 1=1`
	var args []interface{}

	if filter.Subject != nil {
		query += ` AND subject_pubkey = ?`
		args = append(args, *filter.Subject)
	}
	if filter.Attestor != nil {
		query += ` AND attestor_pubkey = ?`
		args = append(args, *filter.Attestor)
	}
	if filter.Domain != nil {
		query += ` AND skill_domain = ?`
		args = append(args, *filter.Domain)
	}
	if filter.Skill != nil {
		query += ` AND skill_specific = ?`
		args = append(args, *filter.Skill)
	}
	if filter.Type != nil {
		query += ` AND type = ?`
		args = append(args, *filter.Type)
	}
	if !filter.IncludeRevoked {
		query += ` AND revoked_at IS NULL`
	}
	query += ` ORDER BY issued DESC, id ASC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Attestation
	for rows.Next() {
		att, err := scanAttestationRow(rows)
		if err != nil {
			return nil, err
		}
		if filter.MinProficiency != nil && att.Skill.Proficiency < *filter.MinProficiency {
			continue
		}
		out = append(out, att)
	}
	return out, rows.Err()
}

// RingEdge is one (attestor -> subject) edge used by ring detection.
type RingEdge struct {
	Attestor string
	Subject  string
}

// ListAttestationsForRing returns the minimal attestor->subject edge
// set over non-revoked attestations.
func (s *Store) ListAttestationsForRing() ([]RingEdge, error) {
	rows, err := s.db.Query(`SELECT attestor_pubkey, subject_pubkey FROM attestations WHERE revoked_at IS NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []RingEdge
	for rows.Next() {
		var e RingEdge
		if err := rows.Scan(&e.Attestor, &e.Subject); err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// ListAttestationsWithWeight returns every non-revoked, non-expired
// attestation as of asOf, for the Trust Engine's weight computation.
func (s *Store) ListAttestationsWithWeight(asOf string) ([]model.Attestation, error) {
	rows, err := s.db.Query(`
		SELECT id, kredo, type, subject_json, attestor_json, skill_json, evidence_json,
		       evidence_score_json, issued, expires, signature, revoked_at, revoker_pubkey
		FROM attestations
		WHERE revoked_at IS NULL AND expires > ?`, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Attestation
	for rows.Next() {
		att, err := scanAttestationRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, att)
	}
	return out, rows.Err()
}

func selectAttestationRow(sel interface {
	SelectOne(context.Context, interface{}, string, ...interface{}) error
}, where string, args ...interface{}) (model.Attestation, error) {
	var row struct {
		ID                string
		Kredo             string
		Type              string
		SubjectJSON       string `db:"subject_json"`
		AttestorJSON      string `db:"attestor_json"`
		SkillJSON         string `db:"skill_json"`
		EvidenceJSON      string `db:"evidence_json"`
		EvidenceScoreJSON string `db:"evidence_score_json"`
		Issued            string
		Expires           string
		Signature         string
		RevokedAt         sql.NullString `db:"revoked_at"`
		RevokerPubkey     sql.NullString `db:"revoker_pubkey"`
	}
	query := fmt.Sprintf(`SELECT id, kredo, type, subject_json, attestor_json, skill_json, evidence_json,
	       evidence_score_json, issued, expires, signature, revoked_at, revoker_pubkey
	FROM attestations WHERE %s`, where)
	if err := sel.SelectOne(context.Background(), &row, query, args...); err != nil {
		return model.Attestation{}, err
	}
	return decodeAttestationRow(row.ID, row.Kredo, row.Type, row.SubjectJSON, row.AttestorJSON, row.SkillJSON,
		row.EvidenceJSON, row.EvidenceScoreJSON, row.Issued, row.Expires, row.Signature, row.RevokedAt, row.RevokerPubkey)
}

func scanAttestationRow(rows *sql.Rows) (model.Attestation, error) {
	var id, kredo, typ, subjectJSON, attestorJSON, skillJSON, evidenceJSON, scoreJSON, issued, expires, signature string
	var revokedAt, revokerPubkey sql.NullString
	if err := rows.Scan(&id, &kredo, &typ, &subjectJSON, &attestorJSON, &skillJSON, &evidenceJSON,
		&scoreJSON, &issued, &expires, &signature, &revokedAt, &revokerPubkey); err != nil {
		return model.Attestation{}, err
	}
	return decodeAttestationRow(id, kredo, typ, subjectJSON, attestorJSON, skillJSON, evidenceJSON, scoreJSON,
		issued, expires, signature, revokedAt, revokerPubkey)
}

func decodeAttestationRow(id, kredo, typ, subjectJSON, attestorJSON, skillJSON, evidenceJSON, scoreJSON,
	issued, expires, signature string, revokedAt, revokerPubkey sql.NullString) (model.Attestation, error) {
	var att model.Attestation
	att.ID = id
	att.Kredo = kredo
	att.Type = model.AttestationType(typ)
	att.Signature = signature

	if err := json.Unmarshal([]byte(subjectJSON), &att.Subject); err != nil {
		return model.Attestation{}, err
	}
	if err := json.Unmarshal([]byte(attestorJSON), &att.Attestor); err != nil {
		return model.Attestation{}, err
	}
	if err := json.Unmarshal([]byte(skillJSON), &att.Skill); err != nil {
		return model.Attestation{}, err
	}
	if err := json.Unmarshal([]byte(evidenceJSON), &att.Evidence); err != nil {
		return model.Attestation{}, err
	}
	var score model.EvidenceScore
	if err := json.Unmarshal([]byte(scoreJSON), &score); err != nil {
		return model.Attestation{}, err
	}
	att.EvidenceScore = &score

	issuedAt, err := parseTimestamp(issued)
	if err != nil {
		return model.Attestation{}, err
	}
	att.Issued = issuedAt
	expiresAt, err := parseTimestamp(expires)
	if err != nil {
		return model.Attestation{}, err
	}
	att.Expires = expiresAt

	if revokedAt.Valid {
		t, err := parseTimestamp(revokedAt.String)
		if err != nil {
			return model.Attestation{}, err
		}
		att.RevokedAt = &t
	}
	if revokerPubkey.Valid {
		p := revokerPubkey.String
		att.RevokerPubkey = &p
	}
	return att, nil
}
