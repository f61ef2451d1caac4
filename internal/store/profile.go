package store

import (
	"database/sql"
	"errors"

	"github.com/kredo-project/kredo/internal/kerrors"
	"github.com/kredo-project/kredo/internal/model"
)

// WarningRow is one behavioral_warning as seen from a subject's
// profile, with its dispute count already joined.
type WarningRow struct {
	ID           string
	Attestor     model.TypedParty
	Issued       string
	IsRevoked    bool
	DisputeCount int
}

// TrustNetworkRow is one distinct attestor who has ever attested for
// the subject, with the count of attestations from that attestor.
type TrustNetworkRow struct {
	Pubkey                  string
	Type                    model.IdentityType
	AttestationCountSubject int
}

// ProfileBundle is the raw, store-assembled join result behind
// GET /agents/{pubkey}/profile. The profile assembler layers Trust
// Engine output (reputation, ring flags, accountability, integrity)
// on top of this; the store itself never computes those.
type ProfileBundle struct {
	Identity            model.Identity
	Attestations         []model.Attestation // non-revoked, for subject
	AttestationCountByAgents int
	AttestationCountByHumans int
	Warnings             []WarningRow
	TrustNetwork         []TrustNetworkRow
}

// StoreProfileBundle performs every join the profile DTO needs in a
// single read transaction.
func (s *Store) StoreProfileBundle(pubkey string) (ProfileBundle, error) {
	identity, err := getIdentity(s.dbmap, pubkey)
	if errors.Is(err, sql.ErrNoRows) {
		return ProfileBundle{}, kerrors.NotFoundError("unknown pubkey %s", pubkey)
	}
	if err != nil {
		return ProfileBundle{}, err
	}

	attestations, err := s.ListAttestationsFor(AttestationFilter{Subject: &pubkey, Limit: 200})
	if err != nil {
		return ProfileBundle{}, err
	}

	var byAgents, byHumans int
	for _, a := range attestations {
		if a.Attestor.Type == model.IdentityHuman {
			byHumans++
		} else {
			byAgents++
		}
	}

	warningRows, err := s.ListAttestationsFor(AttestationFilter{
		Subject: &pubkey, IncludeRevoked: true, Limit: 200,
		Type: typePtr(string(model.BehavioralWarning)),
	})
	if err != nil {
		return ProfileBundle{}, err
	}
	warnings := make([]WarningRow, 0, len(warningRows))
	for _, w := range warningRows {
		count, err := s.CountDisputes(w.ID)
		if err != nil {
			return ProfileBundle{}, err
		}
		warnings = append(warnings, WarningRow{
			ID:           w.ID,
			Attestor:     w.Attestor,
			Issued:       w.Issued.UTC().Format(timestampLayout),
			IsRevoked:    w.RevokedAt != nil,
			DisputeCount: count,
		})
	}

	counts := make(map[string]int)
	var attestorOrder []string
	attestorType := make(map[string]model.IdentityType)
	for _, a := range attestations {
		if _, seen := counts[a.Attestor.Pubkey]; !seen {
			attestorOrder = append(attestorOrder, a.Attestor.Pubkey)
			attestorType[a.Attestor.Pubkey] = a.Attestor.Type
		}
		counts[a.Attestor.Pubkey]++
	}
	network := make([]TrustNetworkRow, 0, len(attestorOrder))
	for _, pk := range attestorOrder {
		network = append(network, TrustNetworkRow{
			Pubkey: pk, Type: attestorType[pk], AttestationCountSubject: counts[pk],
		})
	}

	return ProfileBundle{
		Identity:                 *identity,
		Attestations:             attestations,
		AttestationCountByAgents: byAgents,
		AttestationCountByHumans: byHumans,
		Warnings:                 warnings,
		TrustNetwork:             network,
	}, nil
}

func typePtr(s string) *string { return &s }
