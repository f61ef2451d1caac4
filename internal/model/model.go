// Package model defines the wire and storage shapes of every document
// Kredo accepts. Field tags
// follow the exact JSON keys the signing contract and HTTP surface
// use; struct field order is cosmetic, canonical encoding re-sorts.
package model

import "time"

// IdentityType distinguishes an autonomous agent pubkey from a human
// owner pubkey.
type IdentityType string

const (
	IdentityAgent IdentityType = "agent"
	IdentityHuman IdentityType = "human"
)

// AttestationType enumerates the four document kinds an attestation
// can carry.
type AttestationType string

const (
	SkillAttestation          AttestationType = "skill_attestation"
	IntellectualContribution  AttestationType = "intellectual_contribution"
	CommunityContribution     AttestationType = "community_contribution"
	BehavioralWarning         AttestationType = "behavioral_warning"
)

// Identity is the registration row for a pubkey.
type Identity struct {
	Pubkey    string       `json:"pubkey" db:"pubkey"`
	Name      string       `json:"name" db:"name"`
	Type      IdentityType `json:"type" db:"type"`
	FirstSeen time.Time    `json:"first_seen" db:"first_seen"`
	LastSeen  time.Time    `json:"last_seen" db:"last_seen"`
}

// Party names a pubkey/name pair as embedded in documents that
// reference a subject or attestor without duplicating the full
// Identity row.
type Party struct {
	Pubkey string `json:"pubkey"`
	Name   string `json:"name"`
}

// TypedParty additionally carries the identity type, used for
// attestor references.
type TypedParty struct {
	Pubkey string       `json:"pubkey"`
	Name   string       `json:"name"`
	Type   IdentityType `json:"type"`
}

// Skill is the domain/specific/proficiency triple an attestation
// asserts.
type Skill struct {
	Domain      string `json:"domain"`
	Specific    string `json:"specific"`
	Proficiency int    `json:"proficiency"`
}

// Evidence is the supporting material behind an attestation.
type Evidence struct {
	Context         string   `json:"context"`
	Artifacts       []string `json:"artifacts"`
	Outcome         string   `json:"outcome,omitempty"`
	InteractionDate *string  `json:"interaction_date,omitempty"`
}

// EvidenceScore is the four-axis score plus composite computed at
// accept time and stored alongside the attestation.
type EvidenceScore struct {
	Specificity   float64 `json:"specificity"`
	Verifiability float64 `json:"verifiability"`
	Relevance     float64 `json:"relevance"`
	Recency       float64 `json:"recency"`
	Composite     float64 `json:"composite"`
}

// Attestation is the central signed document: a claim by Attestor
// that Subject demonstrated Skill, backed by Evidence.
type Attestation struct {
	ID       string          `json:"id"`
	Kredo    string          `json:"kredo"`
	Type     AttestationType `json:"type"`
	Subject  Party           `json:"subject"`
	Attestor TypedParty      `json:"attestor"`
	Skill    Skill           `json:"skill"`
	Evidence Evidence        `json:"evidence"`
	Issued   time.Time       `json:"issued"`
	Expires  time.Time       `json:"expires"`
	Signature string         `json:"signature"`

	// Server-derived, excluded from the signable view.
	EvidenceScore *EvidenceScore `json:"evidence_score,omitempty"`
	RevokedAt     *time.Time     `json:"revoked_at,omitempty"`
	RevokerPubkey *string        `json:"revoker_pubkey,omitempty"`
}

// AttestationSignableExclude lists the Attestation fields the signing
// contract removes before canonicalizing.
var AttestationSignableExclude = []string{"signature", "evidence_score", "revoked_at", "revoker_pubkey"}

// Revocation retracts a previously accepted Attestation.
type Revocation struct {
	ID            string    `json:"id"`
	AttestationID string    `json:"attestation_id"`
	Revoker       Party     `json:"revoker"`
	Reason        string    `json:"reason"`
	Issued        time.Time `json:"issued"`
	Signature     string    `json:"signature"`
}

var RevocationSignableExclude = []string{"signature"}

// Dispute is the subject's signed response to a behavioral_warning.
type Dispute struct {
	ID        string    `json:"id"`
	WarningID string    `json:"warning_id"`
	Disputor  Party     `json:"disputor"`
	Response  string    `json:"response"`
	Issued    time.Time `json:"issued"`
	Signature string    `json:"signature"`
}

var DisputeSignableExclude = []string{"signature"}

// OwnershipState is a position in the claim/confirm/revoke state
// machine.
type OwnershipState string

const (
	OwnershipPending        OwnershipState = "pending"
	OwnershipActive         OwnershipState = "active"
	OwnershipRevoked        OwnershipState = "revoked"
	OwnershipPendingExpired OwnershipState = "pending-expired"
)

// OwnershipClaim links an agent pubkey to a human owner pubkey.
type OwnershipClaim struct {
	ClaimID          string         `json:"claim_id"`
	AgentPubkey      string         `json:"agent_pubkey"`
	HumanPubkey      string         `json:"human_pubkey"`
	ClaimSignature   string         `json:"claim_signature"`
	ConfirmSignature *string        `json:"confirm_signature,omitempty"`
	ClaimedAt        time.Time      `json:"claimed_at"`
	ConfirmedAt      *time.Time     `json:"confirmed_at,omitempty"`
	RevokedAt        *time.Time     `json:"revoked_at,omitempty"`
	Revoker          *string        `json:"revoker,omitempty"`
	RevokeReason     *string        `json:"revoke_reason,omitempty"`
	State            OwnershipState `json:"state"`
}

// FileHash is one entry of a file_hashes sequence.
type FileHash struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

// BaselineStatus is the lifecycle state of an IntegrityBaseline.
type BaselineStatus string

const (
	BaselineActive     BaselineStatus = "active"
	BaselineSuperseded BaselineStatus = "superseded"
)

// IntegrityBaseline is the owner-signed reference file-hash set an
// agent's integrity checks are diffed against.
type IntegrityBaseline struct {
	BaselineID     string         `json:"baseline_id"`
	AgentPubkey    string         `json:"agent_pubkey"`
	OwnerPubkey    string         `json:"owner_pubkey"`
	FileHashes     []FileHash     `json:"file_hashes"`
	OwnerSignature string         `json:"owner_signature"`
	SetAt          time.Time      `json:"set_at"`
	Status         BaselineStatus `json:"status"`
	SoftPaths      []string       `json:"soft_paths,omitempty"`
}

// TrafficLight is the integrity run-gate summary.
type TrafficLight string

const (
	LightGreen  TrafficLight = "green"
	LightYellow TrafficLight = "yellow"
	LightRed    TrafficLight = "red"
)

// IntegrityDiff lists the paths that changed between a check and the
// active baseline.
type IntegrityDiff struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
	Changed []string `json:"changed"`
}

// IntegrityResult bundles the traffic light with its diff.
type IntegrityResult struct {
	Status TrafficLight  `json:"status"`
	Diff   IntegrityDiff `json:"diff"`
}

// IntegrityCheck is an agent-signed snapshot of its current file
// hashes, evaluated against the active baseline at accept time.
type IntegrityCheck struct {
	CheckID        string          `json:"check_id"`
	AgentPubkey    string          `json:"agent_pubkey"`
	FileHashes     []FileHash      `json:"file_hashes"`
	AgentSignature string          `json:"agent_signature"`
	CheckedAt      time.Time       `json:"checked_at"`
	Result         IntegrityResult `json:"result"`
}

// AuditEvent is one append-only row recording a request's outcome.
type AuditEvent struct {
	Timestamp     time.Time `json:"timestamp"`
	Action        string    `json:"action"`
	Outcome       string    `json:"outcome"`
	ActorPubkey   *string   `json:"actor_pubkey,omitempty"`
	SourceIP      string    `json:"source_ip"`
	SourceIPHash  string    `json:"source_ip_hash"`
	UserAgent     string    `json:"user_agent"`
	DetailsJSON   string    `json:"details_json"`
}

// RingType distinguishes the two ring-detection shapes.
type RingType string

const (
	RingMutualPair RingType = "mutual_pair"
	RingClique     RingType = "clique"
)

// RingFlag reports a detected mutual-pair or clique.
type RingFlag struct {
	RingType RingType `json:"ring_type"`
	Members  []string `json:"members"`
}
