package store

import (
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/letsencrypt/borp"

	"github.com/kredo-project/kredo/internal/kerrors"
	"github.com/kredo-project/kredo/internal/model"
)

// InsertDispute applies a signature-verified dispute. Fails if the
// target attestation isn't a behavioral_warning, or the disputor
// isn't the warning's subject.
func (s *Store) InsertDispute(dispute model.Dispute, actx AuditContext) (model.Dispute, error) {
	err := s.withTransaction(func(tx *borp.Transaction) ([]string, error) {
		warning, err := selectAttestationRow(tx, `id = ?`, dispute.WarningID)
		if errors.Is(err, sql.ErrNoRows) {
			if auditErr := insertAudit(tx, s.now(), auditRow(actx, "dispute", "not_found", &dispute.Disputor.Pubkey, dispute.WarningID)); auditErr != nil {
				return nil, auditErr
			}
			return nil, kerrors.NotFoundError("unknown warning %s", dispute.WarningID)
		}
		if err != nil {
			return nil, err
		}
		if warning.Type != model.BehavioralWarning {
			if auditErr := insertAudit(tx, s.now(), auditRow(actx, "dispute", "validation_error", &dispute.Disputor.Pubkey, dispute.WarningID)); auditErr != nil {
				return nil, auditErr
			}
			return nil, kerrors.ValidationError("target is not a behavioral_warning")
		}
		if warning.Subject.Pubkey != dispute.Disputor.Pubkey {
			if auditErr := insertAudit(tx, s.now(), auditRow(actx, "dispute", "permission_error", &dispute.Disputor.Pubkey, dispute.WarningID)); auditErr != nil {
				return nil, auditErr
			}
			return nil, kerrors.PermissionError("disputor is not the warning's subject")
		}

		now := s.now()
		disputorJSON, _ := json.Marshal(dispute.Disputor)
		if _, err := tx.Exec(
			`INSERT INTO disputes (id, warning_id, disputor_pubkey, disputor_json, response, issued, signature)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			dispute.ID, dispute.WarningID, dispute.Disputor.Pubkey, string(disputorJSON),
			dispute.Response, dispute.Issued.UTC().Format("2006-01-02T15:04:05Z"), dispute.Signature,
		); err != nil {
			return nil, err
		}
		if err := insertAudit(tx, now, auditRow(actx, "dispute", "accepted", &dispute.Disputor.Pubkey, dispute.WarningID)); err != nil {
			return nil, err
		}
		return []string{warning.Subject.Pubkey}, nil
	})
	return dispute, err
}

// CountDisputes returns the number of disputes filed against
// warningID, used by the profile assembler.
func (s *Store) CountDisputes(warningID string) (int, error) {
	var count int
	err := s.dbmap.SelectOne(&count, `SELECT COUNT(*) FROM disputes WHERE warning_id = ?`, warningID)
	return count, err
}
