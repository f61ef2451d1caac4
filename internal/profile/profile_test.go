package profile

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/kredo-project/kredo/internal/model"
	"github.com/kredo-project/kredo/internal/store"
	"github.com/kredo-project/kredo/internal/trust"
)

func score(composite float64) *model.EvidenceScore {
	return &model.EvidenceScore{Composite: composite}
}

func TestAssemble(t *testing.T) {
	registered := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	owner := "ed25519:owner"

	bundle := store.ProfileBundle{
		Identity: model.Identity{
			Pubkey: "ed25519:subject", Name: "Bob", Type: model.IdentityAgent,
			FirstSeen: registered, LastSeen: registered.Add(time.Hour),
		},
		Attestations: []model.Attestation{
			{ID: "att-1", EvidenceScore: score(0.8)},
			{ID: "att-2", EvidenceScore: score(0.6)},
		},
		AttestationCountByAgents: 1,
		AttestationCountByHumans: 1,
		Warnings: []store.WarningRow{
			{ID: "warn-1", Attestor: model.TypedParty{Pubkey: "ed25519:carol"}, Issued: "2026-01-15T12:00:00Z", DisputeCount: 2},
		},
		TrustNetwork: []store.TrustNetworkRow{
			{Pubkey: "ed25519:alice", Type: model.IdentityHuman, AttestationCountSubject: 2},
		},
	}
	analysis := trust.Analysis{
		ReputationScore: 0.42,
		RingFlags:       []model.RingFlag{{RingType: model.RingMutualPair, Members: []string{"a", "b"}}},
		SkillClusters: []trust.SkillCluster{
			{Domain: "code-generation", Specific: "code-review", AvgProficiency: 4, WeightedAvgProficiency: 4, AttestationCount: 2},
		},
		Accountability:          trust.Accountability{Tier: "human-linked", Multiplier: 1.0, Owner: &owner},
		Integrity:               trust.Integrity{TrafficLight: model.LightGreen, RecommendedAction: "safe_to_run", Multiplier: 1.0},
		DeployabilityMultiplier: 1.0,
		DeployabilityScore:      0.42,
	}

	p := Assemble(bundle, analysis)

	require.Equal(t, "Bob", p.Name)
	require.Equal(t, registered, p.Registered)
	require.Equal(t, AttestationCount{Total: 2, ByAgents: 1, ByHumans: 1}, p.AttestationCount)
	require.InDelta(t, 0.7, p.EvidenceQualityAvg, 1e-9)

	wantWarning := Warning{
		ID: "warn-1", Category: "behavioral_warning", Attestor: "ed25519:carol",
		Issued: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC), DisputeCount: 2,
	}
	require.Empty(t, cmp.Diff(wantWarning, p.Warnings[0]))

	require.Len(t, p.TrustNetwork, 1)
	require.Equal(t, 2, p.TrustNetwork[0].AttestationCountForSubject)

	require.Equal(t, 0.42, p.TrustAnalysis.ReputationScore)
	require.Len(t, p.TrustAnalysis.RingFlags, 1)
	require.Equal(t, "human-linked", p.Accountability.Tier)
	require.Equal(t, 1.0, p.DeployabilityMultiplier)
	require.Equal(t, 0.42, p.DeployabilityScore)
}

func TestAssembleEmptyBundle(t *testing.T) {
	p := Assemble(store.ProfileBundle{
		Identity: model.Identity{Pubkey: "ed25519:subject", Name: "Fresh", Type: model.IdentityAgent},
	}, trust.Analysis{
		Accountability:          trust.Accountability{Tier: "unlinked", Multiplier: 0.6},
		Integrity:               trust.Integrity{TrafficLight: model.LightGreen, Multiplier: 1.0},
		DeployabilityMultiplier: 0.6,
	})

	require.Zero(t, p.AttestationCount.Total)
	require.Zero(t, p.EvidenceQualityAvg)
	require.Empty(t, p.Warnings)
	require.Empty(t, p.TrustNetwork)
	require.Equal(t, "unlinked", p.Accountability.Tier)
}
