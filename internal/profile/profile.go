// Package profile assembles the GET /agents/{pubkey}/profile DTO from
// a store-joined bundle and a trust analysis. It never touches raw
// SQL; all joins happen in store.StoreProfileBundle.
package profile

import (
	"time"

	"github.com/kredo-project/kredo/internal/model"
	"github.com/kredo-project/kredo/internal/store"
	"github.com/kredo-project/kredo/internal/trust"
)

// AttestationCount is the total/by-agents/by-humans breakdown.
type AttestationCount struct {
	Total    int `json:"total"`
	ByAgents int `json:"by_agents"`
	ByHumans int `json:"by_humans"`
}

// Warning is one behavioral_warning entry in a profile.
type Warning struct {
	ID           string    `json:"id"`
	Category     string    `json:"category"`
	Attestor     string    `json:"attestor"`
	Issued       time.Time `json:"issued"`
	IsRevoked    bool      `json:"is_revoked"`
	DisputeCount int       `json:"dispute_count"`
}

// TrustNetworkEntry is one distinct attestor entry in trust_network.
type TrustNetworkEntry struct {
	Pubkey                    string             `json:"pubkey"`
	Type                      model.IdentityType `json:"type"`
	AttestationCountForSubject int               `json:"attestation_count_for_subject"`
}

// Profile is the full GET /agents/{pubkey}/profile response body.
type Profile struct {
	Pubkey              string                  `json:"pubkey"`
	Name                string                  `json:"name"`
	Type                model.IdentityType      `json:"type"`
	Registered          time.Time               `json:"registered"`
	LastSeen            time.Time               `json:"last_seen"`
	AttestationCount    AttestationCount        `json:"attestation_count"`
	EvidenceQualityAvg  float64                 `json:"evidence_quality_avg"`
	Skills              []trust.SkillCluster    `json:"skills"`
	Warnings            []Warning               `json:"warnings"`
	TrustNetwork        []TrustNetworkEntry     `json:"trust_network"`
	TrustAnalysis       trustAnalysisView       `json:"trust_analysis"`
	Accountability      trust.Accountability    `json:"accountability"`
	Integrity           trust.Integrity         `json:"integrity"`
	DeployabilityMultiplier float64             `json:"deployability_multiplier"`
	DeployabilityScore      float64             `json:"deployability_score"`
}

// trustAnalysisView is the trust_analysis sub-object; kept distinct
// from trust.Analysis because the profile DTO nests only three of
// its fields under this key (accountability/integrity/deployability
// sit at the top level of Profile instead).
type trustAnalysisView struct {
	ReputationScore float64                        `json:"reputation_score"`
	RingFlags       []model.RingFlag                `json:"ring_flags"`
	PerAttestation  []trust.PerAttestationWeight     `json:"per_attestation"`
}

// Assemble joins a store bundle with a trust analysis into the wire
// DTO. Both are read snapshots; Assemble performs no I/O itself.
func Assemble(bundle store.ProfileBundle, analysis trust.Analysis) Profile {
	var evidenceSum float64
	var evidenceCount int
	for _, a := range bundle.Attestations {
		if a.EvidenceScore != nil {
			evidenceSum += a.EvidenceScore.Composite
			evidenceCount++
		}
	}
	evidenceAvg := 0.0
	if evidenceCount > 0 {
		evidenceAvg = evidenceSum / float64(evidenceCount)
	}

	warnings := make([]Warning, 0, len(bundle.Warnings))
	for _, w := range bundle.Warnings {
		issued, _ := time.Parse("2006-01-02T15:04:05Z", w.Issued)
		warnings = append(warnings, Warning{
			ID:           w.ID,
			Category:     "behavioral_warning",
			Attestor:     w.Attestor.Pubkey,
			Issued:       issued,
			IsRevoked:    w.IsRevoked,
			DisputeCount: w.DisputeCount,
		})
	}

	network := make([]TrustNetworkEntry, 0, len(bundle.TrustNetwork))
	for _, n := range bundle.TrustNetwork {
		network = append(network, TrustNetworkEntry{
			Pubkey: n.Pubkey, Type: n.Type, AttestationCountForSubject: n.AttestationCountSubject,
		})
	}

	return Profile{
		Pubkey:     bundle.Identity.Pubkey,
		Name:       bundle.Identity.Name,
		Type:       bundle.Identity.Type,
		Registered: bundle.Identity.FirstSeen,
		LastSeen:   bundle.Identity.LastSeen,
		AttestationCount: AttestationCount{
			Total:    bundle.AttestationCountByAgents + bundle.AttestationCountByHumans,
			ByAgents: bundle.AttestationCountByAgents,
			ByHumans: bundle.AttestationCountByHumans,
		},
		EvidenceQualityAvg: evidenceAvg,
		Skills:             analysis.SkillClusters,
		Warnings:           warnings,
		TrustNetwork:       network,
		TrustAnalysis: trustAnalysisView{
			ReputationScore: analysis.ReputationScore,
			RingFlags:       analysis.RingFlags,
			PerAttestation:  analysis.PerAttestation,
		},
		Accountability:          analysis.Accountability,
		Integrity:               analysis.Integrity,
		DeployabilityMultiplier: analysis.DeployabilityMultiplier,
		DeployabilityScore:      analysis.DeployabilityScore,
	}
}
