package store

import (
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/letsencrypt/borp"

	"github.com/kredo-project/kredo/internal/kerrors"
	"github.com/kredo-project/kredo/internal/model"
)

// CreateOwnershipClaim opens a new pending claim linking agentPubkey
// to humanPubkey. Fails with ownership_conflict (modeled as
// kerrors.Conflict) if an active claim already exists for the agent.
// claimID is used verbatim if non-empty, otherwise server-generated.
func (s *Store) CreateOwnershipClaim(claimID, agentPubkey, humanPubkey, claimSignature string, actx AuditContext) (model.OwnershipClaim, error) {
	if claimID == "" {
		claimID = uuid.NewString()
	}
	var claim model.OwnershipClaim

	err := s.withTransaction(func(tx *borp.Transaction) ([]string, error) {
		active, err := activeClaimForAgent(tx, agentPubkey)
		if err != nil {
			return nil, err
		}
		if active != nil {
			if auditErr := insertAudit(tx, s.now(), auditRow(actx, "ownership.claim", "conflict", &agentPubkey, claimID)); auditErr != nil {
				return nil, auditErr
			}
			return nil, kerrors.ConflictError("ownership_conflict: agent already has an active claim")
		}

		now := s.now()
		if _, err := tx.Exec(
			`INSERT INTO ownership_claims (claim_id, agent_pubkey, human_pubkey, claim_signature, claimed_at, state)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			claimID, agentPubkey, humanPubkey, claimSignature, now, string(model.OwnershipPending),
		); err != nil {
			return nil, err
		}
		if err := insertAudit(tx, now, auditRow(actx, "ownership.claim", "accepted", &agentPubkey, claimID)); err != nil {
			return nil, err
		}

		claimedAt, err := parseTimestamp(now)
		if err != nil {
			return nil, err
		}
		claim = model.OwnershipClaim{
			ClaimID: claimID, AgentPubkey: agentPubkey, HumanPubkey: humanPubkey,
			ClaimSignature: claimSignature, ClaimedAt: claimedAt, State: model.OwnershipPending,
		}
		return []string{agentPubkey, humanPubkey}, nil
	})
	return claim, err
}

// ConfirmOwnershipClaim transitions claimID from pending to active.
// The caller has already verified the confirm_signature came from the
// claim's human_pubkey.
func (s *Store) ConfirmOwnershipClaim(claimID, confirmSignature string, actx AuditContext) (model.OwnershipClaim, error) {
	var claim model.OwnershipClaim
	err := s.withTransaction(func(tx *borp.Transaction) ([]string, error) {
		c, err := getClaim(tx, claimID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, kerrors.NotFoundError("unknown claim %s", claimID)
		}
		if err != nil {
			return nil, err
		}
		if c.State != model.OwnershipPending {
			if auditErr := insertAudit(tx, s.now(), auditRow(actx, "ownership.confirm", "validation_error", &c.HumanPubkey, claimID)); auditErr != nil {
				return nil, auditErr
			}
			return nil, kerrors.ValidationError("claim is not pending")
		}

		now := s.now()
		if _, err := tx.Exec(
			`UPDATE ownership_claims SET state = ?, confirm_signature = ?, confirmed_at = ? WHERE claim_id = ?`,
			string(model.OwnershipActive), confirmSignature, now, claimID,
		); err != nil {
			return nil, err
		}
		if err := insertAudit(tx, now, auditRow(actx, "ownership.confirm", "accepted", &c.HumanPubkey, claimID)); err != nil {
			return nil, err
		}

		confirmedAt, err := parseTimestamp(now)
		if err != nil {
			return nil, err
		}
		c.State = model.OwnershipActive
		c.ConfirmSignature = &confirmSignature
		c.ConfirmedAt = &confirmedAt
		claim = *c
		return []string{c.AgentPubkey, c.HumanPubkey}, nil
	})
	return claim, err
}

// RevokeOwnershipClaim transitions claimID from active to revoked.
// revokerPubkey must be verified by the caller to be either the
// agent_pubkey or human_pubkey on the claim.
func (s *Store) RevokeOwnershipClaim(claimID, revokerPubkey, reason string, actx AuditContext) (model.OwnershipClaim, error) {
	var claim model.OwnershipClaim
	err := s.withTransaction(func(tx *borp.Transaction) ([]string, error) {
		c, err := getClaim(tx, claimID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, kerrors.NotFoundError("unknown claim %s", claimID)
		}
		if err != nil {
			return nil, err
		}
		if c.State != model.OwnershipActive {
			return nil, kerrors.ValidationError("claim is not active")
		}
		if revokerPubkey != c.AgentPubkey && revokerPubkey != c.HumanPubkey {
			if auditErr := insertAudit(tx, s.now(), auditRow(actx, "ownership.revoke", "permission_error", &revokerPubkey, claimID)); auditErr != nil {
				return nil, auditErr
			}
			return nil, kerrors.PermissionError("revoker is neither party to the claim")
		}

		now := s.now()
		if _, err := tx.Exec(
			`UPDATE ownership_claims SET state = ?, revoked_at = ?, revoker = ?, revoke_reason = ? WHERE claim_id = ?`,
			string(model.OwnershipRevoked), now, revokerPubkey, reason, claimID,
		); err != nil {
			return nil, err
		}
		if err := insertAudit(tx, now, auditRow(actx, "ownership.revoke", "accepted", &revokerPubkey, claimID)); err != nil {
			return nil, err
		}

		revokedAt, err := parseTimestamp(now)
		if err != nil {
			return nil, err
		}
		c.State = model.OwnershipRevoked
		c.RevokedAt = &revokedAt
		c.Revoker = &revokerPubkey
		c.RevokeReason = &reason
		claim = *c
		return []string{c.AgentPubkey, c.HumanPubkey}, nil
	})
	return claim, err
}

// GetActiveOwnership returns the currently active claim for
// agentPubkey, if any.
func (s *Store) GetActiveOwnership(agentPubkey string) (*model.OwnershipClaim, error) {
	return activeClaimForAgent(s.dbmap, agentPubkey)
}

// GetOwnershipClaim looks up a claim by id regardless of state, so
// the router can build the ownership_confirm/ownership_revoke
// signable payload before verifying the caller's signature.
func (s *Store) GetOwnershipClaim(claimID string) (*model.OwnershipClaim, error) {
	c, err := getClaim(s.dbmap, claimID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kerrors.NotFoundError("unknown claim %s", claimID)
	}
	return c, err
}

func activeClaimForAgent(sel OneSelector, agentPubkey string) (*model.OwnershipClaim, error) {
	c, err := getClaimWhere(sel, `agent_pubkey = ? AND state = ?`, agentPubkey, string(model.OwnershipActive))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

func getClaim(sel OneSelector, claimID string) (*model.OwnershipClaim, error) {
	return getClaimWhere(sel, `claim_id = ?`, claimID)
}

func getClaimWhere(sel OneSelector, where string, args ...interface{}) (*model.OwnershipClaim, error) {
	var row struct {
		ClaimID          string
		AgentPubkey      string         `db:"agent_pubkey"`
		HumanPubkey      string         `db:"human_pubkey"`
		ClaimSignature   string         `db:"claim_signature"`
		ConfirmSignature sql.NullString `db:"confirm_signature"`
		ClaimedAt        string         `db:"claimed_at"`
		ConfirmedAt      sql.NullString `db:"confirmed_at"`
		RevokedAt        sql.NullString `db:"revoked_at"`
		Revoker          sql.NullString `db:"revoker"`
		RevokeReason     sql.NullString `db:"revoke_reason"`
		State            string
	}
	query := `SELECT claim_id, agent_pubkey, human_pubkey, claim_signature, confirm_signature,
	                 claimed_at, confirmed_at, revoked_at, revoker, revoke_reason, state
	          FROM ownership_claims WHERE ` + where
	if err := sel.SelectOne(&row, query, args...); err != nil {
		return nil, err
	}

	claimedAt, err := parseTimestamp(row.ClaimedAt)
	if err != nil {
		return nil, err
	}
	claim := &model.OwnershipClaim{
		ClaimID: row.ClaimID, AgentPubkey: row.AgentPubkey, HumanPubkey: row.HumanPubkey,
		ClaimSignature: row.ClaimSignature, ClaimedAt: claimedAt, State: model.OwnershipState(row.State),
	}
	if row.ConfirmSignature.Valid {
		claim.ConfirmSignature = &row.ConfirmSignature.String
	}
	if row.ConfirmedAt.Valid {
		t, err := parseTimestamp(row.ConfirmedAt.String)
		if err != nil {
			return nil, err
		}
		claim.ConfirmedAt = &t
	}
	if row.RevokedAt.Valid {
		t, err := parseTimestamp(row.RevokedAt.String)
		if err != nil {
			return nil, err
		}
		claim.RevokedAt = &t
	}
	if row.Revoker.Valid {
		claim.Revoker = &row.Revoker.String
	}
	if row.RevokeReason.Valid {
		claim.RevokeReason = &row.RevokeReason.String
	}
	return claim, nil
}
