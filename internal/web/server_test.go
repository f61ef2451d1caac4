package web

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmhodges/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kredo-project/kredo/internal/codec"
	"github.com/kredo-project/kredo/internal/model"
	"github.com/kredo-project/kredo/internal/profile"
	"github.com/kredo-project/kredo/internal/ratelimit"
	"github.com/kredo-project/kredo/internal/store"
	"github.com/kredo-project/kredo/internal/taxonomy"
	"github.com/kredo-project/kredo/internal/trust"
	"github.com/kredo-project/kredo/metrics"
)

type testEnv struct {
	handler http.Handler
	clk     clock.FakeClock
	st      *store.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clk := clock.NewFake()
	clk.Set(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))

	st, err := store.Open("file::memory:?cache=shared", clk, zap.NewNop(), metrics.NewNoopScope())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	taxo := taxonomy.New(st)
	require.NoError(t, taxo.SeedIfEmpty())
	engine := trust.New(st, clk, time.Minute)
	limiter := ratelimit.New(ratelimit.NewInProcessBackend(clk), nil)

	srv := New(st, engine, taxo, limiter, clk, zap.NewNop(), metrics.NewNoopScope(), Config{})
	return &testEnv{handler: srv.Handler(), clk: clk, st: st}
}

// do posts body (marshaled to JSON when non-nil) and returns the
// recorded response. ip sets X-Forwarded-For so tests can control the
// unsigned-register rate-limit key.
func (env *testEnv) do(t *testing.T, method, path string, body interface{}, ip string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rdr)
	if ip != "" {
		req.Header.Set("X-Forwarded-For", ip)
	}
	req.Header.Set("User-Agent", "kredo-test/1.0")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), dst))
}

type keypair struct {
	id   string
	priv ed25519.PrivateKey
}

func genKey(t *testing.T) keypair {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return keypair{id: "ed25519:" + hex.EncodeToString(pub), priv: priv}
}

// signDoc signs the canonical encoding of doc's signable view, the
// same bytes the server will verify.
func (k keypair) signDoc(t *testing.T, doc interface{}, exclude ...string) string {
	t.Helper()
	view, err := codec.SignableView(doc, exclude...)
	require.NoError(t, err)
	canon, err := codec.Canonical(view)
	require.NoError(t, err)
	return hex.EncodeToString(ed25519.Sign(k.priv, canon))
}

// signPayload signs the canonical encoding of an explicit action map.
func (k keypair) signPayload(t *testing.T, payload map[string]interface{}) string {
	t.Helper()
	canon, err := codec.Canonical(payload)
	require.NoError(t, err)
	return hex.EncodeToString(ed25519.Sign(k.priv, canon))
}

func (env *testEnv) register(t *testing.T, k keypair, name string, typ model.IdentityType, ip string) {
	t.Helper()
	w := env.do(t, http.MethodPost, "/register", map[string]string{
		"pubkey": k.id, "name": name, "type": string(typ),
	}, ip)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

const reviewContext = "Alice reviewed pull request pr:auth-47 covering code-generation and code-review work, " +
	"confirming careful analysis and thorough test coverage across the authentication service. " +
	"The change hardened session handling and removed a race in token refresh that had caused intermittent failures."

func (env *testEnv) makeAttestation(t *testing.T, attestor keypair, attestorName string, subject keypair, subjectName string) model.Attestation {
	t.Helper()
	att := model.Attestation{
		ID:       uuid.NewString(),
		Kredo:    "1.0",
		Type:     model.SkillAttestation,
		Subject:  model.Party{Pubkey: subject.id, Name: subjectName},
		Attestor: model.TypedParty{Pubkey: attestor.id, Name: attestorName, Type: model.IdentityHuman},
		Skill:    model.Skill{Domain: "code-generation", Specific: "code-review", Proficiency: 4},
		Evidence: model.Evidence{
			Context:   reviewContext,
			Artifacts: []string{"pr:auth-47"},
			Outcome:   "merged after review",
		},
		Issued:  env.clk.Now(),
		Expires: env.clk.Now().AddDate(1, 0, 0),
	}
	att.Signature = attestor.signDoc(t, att, model.AttestationSignableExclude...)
	return att
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	decode(t, w, &body)
	require.Equal(t, "ok", body["status"])
	require.NotEmpty(t, body["version"])
}

func TestRegisterLifecycle(t *testing.T) {
	env := newTestEnv(t)
	alice := genKey(t)
	mallory := genKey(t)

	env.register(t, alice, "Alice", model.IdentityHuman, "10.0.0.1")

	// Unsigned re-registration returns the existing row unchanged.
	w := env.do(t, http.MethodPost, "/register", map[string]string{
		"pubkey": alice.id, "name": "Mallory", "type": "agent",
	}, "10.0.0.2")
	require.Equal(t, http.StatusConflict, w.Code)
	var existing model.Identity
	decode(t, w, &existing)
	require.Equal(t, "Alice", existing.Name)
	require.Equal(t, model.IdentityHuman, existing.Type)

	// A signed update from a different key is rejected and mutates
	// nothing.
	payload := map[string]interface{}{
		"action": "register_update", "pubkey": alice.id, "name": "Mallory", "type": "human",
	}
	w = env.do(t, http.MethodPost, "/register/update", map[string]string{
		"pubkey": alice.id, "name": "Mallory", "type": "human",
		"signature": mallory.signPayload(t, payload),
	}, "10.0.0.1")
	require.Equal(t, http.StatusBadRequest, w.Code)
	var env1 errorEnvelope
	decode(t, w, &env1)
	require.Equal(t, "signature_invalid", env1.Error)

	w = env.do(t, http.MethodGet, "/agents/"+alice.id, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &existing)
	require.Equal(t, "Alice", existing.Name)

	// A correctly signed update goes through.
	env.clk.Add(61 * time.Second)
	payload["name"] = "Alice Cooper"
	w = env.do(t, http.MethodPost, "/register/update", map[string]string{
		"pubkey": alice.id, "name": "Alice Cooper", "type": "human",
		"signature": alice.signPayload(t, payload),
	}, "10.0.0.1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &existing)
	require.Equal(t, "Alice Cooper", existing.Name)
}

func TestRegisterRateLimited(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/register", map[string]string{
		"pubkey": genKey(t).id, "name": "One", "type": "human",
	}, "10.9.9.9")
	require.Equal(t, http.StatusCreated, w.Code)

	w = env.do(t, http.MethodPost, "/register", map[string]string{
		"pubkey": genKey(t).id, "name": "Two", "type": "human",
	}, "10.9.9.9")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	var envlp errorEnvelope
	decode(t, w, &envlp)
	require.Equal(t, "rate_limited", envlp.Error)
	require.GreaterOrEqual(t, envlp.RetryAfterSeconds, 1)

	// A different source IP is unaffected.
	w = env.do(t, http.MethodPost, "/register", map[string]string{
		"pubkey": genKey(t).id, "name": "Three", "type": "human",
	}, "10.9.9.10")
	require.Equal(t, http.StatusCreated, w.Code)
}

func TestAttestationHappyPath(t *testing.T) {
	env := newTestEnv(t)
	alice, bob := genKey(t), genKey(t)
	env.register(t, alice, "Alice", model.IdentityHuman, "10.0.0.1")
	env.register(t, bob, "Bob", model.IdentityHuman, "10.0.0.2")

	att := env.makeAttestation(t, alice, "Alice", bob, "Bob")
	w := env.do(t, http.MethodPost, "/attestations", att, "10.0.0.1")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var stored model.Attestation
	decode(t, w, &stored)
	require.NotNil(t, stored.EvidenceScore)
	require.GreaterOrEqual(t, stored.EvidenceScore.Composite, 0.6)

	w = env.do(t, http.MethodGet, "/attestations/"+att.ID, nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/agents/"+bob.id+"/profile", nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var p profile.Profile
	decode(t, w, &p)
	require.Equal(t, 1, p.AttestationCount.Total)
	require.Len(t, p.Skills, 1)
	require.InDelta(t, 4.0, p.Skills[0].WeightedAvgProficiency, 1e-6)
	require.Greater(t, p.TrustAnalysis.ReputationScore, 0.0)
}

func TestDuplicateAttestationConflict(t *testing.T) {
	env := newTestEnv(t)
	alice, bob := genKey(t), genKey(t)
	env.register(t, alice, "Alice", model.IdentityHuman, "10.0.0.1")
	env.register(t, bob, "Bob", model.IdentityHuman, "10.0.0.2")

	att := env.makeAttestation(t, alice, "Alice", bob, "Bob")
	w := env.do(t, http.MethodPost, "/attestations", att, "10.0.0.1")
	require.Equal(t, http.StatusCreated, w.Code)

	env.clk.Add(61 * time.Second)
	w = env.do(t, http.MethodPost, "/attestations", att, "10.0.0.1")
	require.Equal(t, http.StatusConflict, w.Code)
	var envlp errorEnvelope
	decode(t, w, &envlp)
	require.Equal(t, "conflict", envlp.Error)
}

func TestRevocationClearsProfile(t *testing.T) {
	env := newTestEnv(t)
	alice, bob := genKey(t), genKey(t)
	env.register(t, alice, "Alice", model.IdentityHuman, "10.0.0.1")
	env.register(t, bob, "Bob", model.IdentityHuman, "10.0.0.2")

	att := env.makeAttestation(t, alice, "Alice", bob, "Bob")
	w := env.do(t, http.MethodPost, "/attestations", att, "10.0.0.1")
	require.Equal(t, http.StatusCreated, w.Code)

	env.clk.Add(61 * time.Second)
	rev := model.Revocation{
		ID:            uuid.NewString(),
		AttestationID: att.ID,
		Revoker:       model.Party{Pubkey: alice.id, Name: "Alice"},
		Reason:        "attested in error",
		Issued:        env.clk.Now(),
	}
	rev.Signature = alice.signDoc(t, rev, model.RevocationSignableExclude...)
	w = env.do(t, http.MethodPost, "/revoke", rev, "10.0.0.1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, http.MethodGet, "/agents/"+bob.id+"/profile", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var p profile.Profile
	decode(t, w, &p)
	require.Zero(t, p.AttestationCount.Total)
	require.Zero(t, p.TrustAnalysis.ReputationScore)
}

func TestRevocationByNonAttestor(t *testing.T) {
	env := newTestEnv(t)
	alice, bob, eve := genKey(t), genKey(t), genKey(t)
	env.register(t, alice, "Alice", model.IdentityHuman, "10.0.0.1")
	env.register(t, bob, "Bob", model.IdentityHuman, "10.0.0.2")

	att := env.makeAttestation(t, alice, "Alice", bob, "Bob")
	w := env.do(t, http.MethodPost, "/attestations", att, "10.0.0.1")
	require.Equal(t, http.StatusCreated, w.Code)

	rev := model.Revocation{
		ID:            uuid.NewString(),
		AttestationID: att.ID,
		Revoker:       model.Party{Pubkey: eve.id, Name: "Eve"},
		Reason:        "hostile takedown",
		Issued:        env.clk.Now(),
	}
	rev.Signature = eve.signDoc(t, rev, model.RevocationSignableExclude...)
	w = env.do(t, http.MethodPost, "/revoke", rev, "10.0.0.3")
	require.Equal(t, http.StatusForbidden, w.Code)
	var envlp errorEnvelope
	decode(t, w, &envlp)
	require.Equal(t, "permission_error", envlp.Error)

	// The target attestation is unchanged.
	w = env.do(t, http.MethodGet, "/attestations/"+att.ID, nil, "")
	var stored model.Attestation
	decode(t, w, &stored)
	require.Nil(t, stored.RevokedAt)
}

const warningContext = "During a code-review session the agent repeatedly attempted to exfiltrate repository " +
	"secrets by embedding credentials into generated test fixtures. Session logs were captured in full, the " +
	"offending payloads were hashed for the record, and the behavior reproduced on 3 separate runs across two days. " +
	"The operator terminated the session after the third attempt and preserved the complete transcript, " +
	"including the injected fixture files and the outbound request bodies the agent constructed."

func (env *testEnv) makeWarning(t *testing.T, attestor keypair, attestorName string, subject keypair, subjectName string) model.Attestation {
	t.Helper()
	att := model.Attestation{
		ID:       uuid.NewString(),
		Kredo:    "1.0",
		Type:     model.BehavioralWarning,
		Subject:  model.Party{Pubkey: subject.id, Name: subjectName},
		Attestor: model.TypedParty{Pubkey: attestor.id, Name: attestorName, Type: model.IdentityHuman},
		Skill:    model.Skill{Domain: "code-generation", Specific: "code-review", Proficiency: 1},
		Evidence: model.Evidence{
			Context: warningContext,
			Artifacts: []string{
				"hash:" + strings.Repeat("ab", 32),
				"hash:" + strings.Repeat("cd", 32),
			},
		},
		Issued:  env.clk.Now(),
		Expires: env.clk.Now().AddDate(1, 0, 0),
	}
	att.Signature = attestor.signDoc(t, att, model.AttestationSignableExclude...)
	return att
}

func TestWarningAndDispute(t *testing.T) {
	env := newTestEnv(t)
	carol, bob := genKey(t), genKey(t)
	env.register(t, carol, "Carol", model.IdentityHuman, "10.0.0.3")
	env.register(t, bob, "Bob", model.IdentityAgent, "10.0.0.2")

	warning := env.makeWarning(t, carol, "Carol", bob, "Bob")
	w := env.do(t, http.MethodPost, "/attestations", warning, "10.0.0.3")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	dispute := model.Dispute{
		ID:        uuid.NewString(),
		WarningID: warning.ID,
		Disputor:  model.Party{Pubkey: bob.id, Name: "Bob"},
		Response:  "the flagged session was a sanctioned red-team exercise run by my operator",
		Issued:    env.clk.Now(),
	}
	dispute.Signature = bob.signDoc(t, dispute, model.DisputeSignableExclude...)
	w = env.do(t, http.MethodPost, "/dispute", dispute, "10.0.0.2")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = env.do(t, http.MethodGet, "/agents/"+bob.id+"/profile", nil, "")
	var p profile.Profile
	decode(t, w, &p)
	require.Len(t, p.Warnings, 1)
	require.Equal(t, 1, p.Warnings[0].DisputeCount)
	require.False(t, p.Warnings[0].IsRevoked)
}

func TestWarningShapeRequirements(t *testing.T) {
	env := newTestEnv(t)
	carol, bob := genKey(t), genKey(t)
	env.register(t, carol, "Carol", model.IdentityHuman, "10.0.0.3")
	env.register(t, bob, "Bob", model.IdentityAgent, "10.0.0.2")

	// Too little context.
	short := env.makeWarning(t, carol, "Carol", bob, "Bob")
	short.Evidence.Context = "bad agent"
	short.Signature = carol.signDoc(t, short, model.AttestationSignableExclude...)
	w := env.do(t, http.MethodPost, "/attestations", short, "10.0.0.3")
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	var envlp errorEnvelope
	decode(t, w, &envlp)
	require.Equal(t, "validation_error", envlp.Error)

	// No forensic artifact.
	noArtifact := env.makeWarning(t, carol, "Carol", bob, "Bob")
	noArtifact.Evidence.Artifacts = []string{"pr:not-forensic"}
	noArtifact.Signature = carol.signDoc(t, noArtifact, model.AttestationSignableExclude...)
	w = env.do(t, http.MethodPost, "/attestations", noArtifact, "10.0.0.3")
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	// Shape-valid but weak evidence falls below the composite floor.
	weak := env.makeWarning(t, carol, "Carol", bob, "Bob")
	weak.Evidence.Context = strings.Repeat("did a good job overall and everyone seemed quite pleased with it ", 2)[:110]
	weak.Evidence.Artifacts = []string{"hash:" + strings.Repeat("ab", 32), "unverifiable", "vague", "unclear"}
	weak.Signature = carol.signDoc(t, weak, model.AttestationSignableExclude...)
	w = env.do(t, http.MethodPost, "/attestations", weak, "10.0.0.3")
	require.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
	decode(t, w, &envlp)
	require.Equal(t, "evidence_insufficient", envlp.Error)
}

func TestRingDetection(t *testing.T) {
	env := newTestEnv(t)
	keys := []keypair{genKey(t), genKey(t), genKey(t)}
	names := []string{"X", "Y", "Z"}
	for i, k := range keys {
		env.register(t, k, names[i], model.IdentityAgent, "10.0.1."+string(rune('1'+i)))
	}

	// Two rounds so no attestor posts twice inside one rate window.
	for round := 0; round < 2; round++ {
		for i := range keys {
			j := (i + 1 + round) % 3
			att := env.makeAttestation(t, keys[i], names[i], keys[j], names[j])
			w := env.do(t, http.MethodPost, "/attestations", att, "10.0.2.1")
			require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		}
		env.clk.Add(61 * time.Second)
	}

	w := env.do(t, http.MethodGet, "/trust/rings", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var ringsBody struct {
		Rings []model.RingFlag `json:"rings"`
	}
	decode(t, w, &ringsBody)
	require.Len(t, ringsBody.Rings, 1)
	require.Equal(t, model.RingClique, ringsBody.Rings[0].RingType)
	require.ElementsMatch(t, []string{keys[0].id, keys[1].id, keys[2].id}, ringsBody.Rings[0].Members)

	for _, k := range keys {
		w := env.do(t, http.MethodGet, "/trust/analysis/"+k.id, nil, "")
		require.Equal(t, http.StatusOK, w.Code)
		var analysis trust.Analysis
		decode(t, w, &analysis)
		require.Len(t, analysis.PerAttestation, 2)
		for _, pa := range analysis.PerAttestation {
			require.Equal(t, 0.3, pa.RingDiscount)
		}
	}
}

func TestOwnershipAndIntegrityGate(t *testing.T) {
	env := newTestEnv(t)
	agent, human := genKey(t), genKey(t)
	env.register(t, agent, "Agent-A", model.IdentityAgent, "10.0.0.1")
	env.register(t, human, "Owner-H", model.IdentityHuman, "10.0.0.2")

	claimPayload := map[string]interface{}{
		"action": "ownership_claim", "claim_id": "claim-e6",
		"agent_pubkey": agent.id, "human_pubkey": human.id,
	}
	w := env.do(t, http.MethodPost, "/ownership/claim", map[string]string{
		"claim_id": "claim-e6", "agent_pubkey": agent.id, "human_pubkey": human.id,
		"signature": agent.signPayload(t, claimPayload),
	}, "10.0.0.1")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var claim model.OwnershipClaim
	decode(t, w, &claim)
	require.Equal(t, model.OwnershipPending, claim.State)

	confirmPayload := map[string]interface{}{
		"action": "ownership_confirm", "claim_id": "claim-e6",
		"agent_pubkey": agent.id, "human_pubkey": human.id,
	}
	w = env.do(t, http.MethodPost, "/ownership/confirm", map[string]string{
		"claim_id": "claim-e6", "signature": human.signPayload(t, confirmPayload),
	}, "10.0.0.2")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &claim)
	require.Equal(t, model.OwnershipActive, claim.State)

	w = env.do(t, http.MethodGet, "/agents/"+agent.id+"/profile", nil, "")
	var p profile.Profile
	decode(t, w, &p)
	require.Equal(t, "human-linked", p.Accountability.Tier)
	require.Equal(t, 1.0, p.Accountability.Multiplier)

	hashes := []model.FileHash{
		{Path: "agent.py", SHA256: strings.Repeat("aa", 32)},
		{Path: "config.yaml", SHA256: strings.Repeat("bb", 32)},
	}
	baselinePayload := map[string]interface{}{
		"action": "integrity_set_baseline", "baseline_id": "base-e6",
		"agent_pubkey": agent.id, "owner_pubkey": human.id, "file_hashes": hashes,
	}
	w = env.do(t, http.MethodPost, "/integrity/baseline/set", map[string]interface{}{
		"baseline_id": "base-e6", "agent_pubkey": agent.id, "owner_pubkey": human.id,
		"file_hashes": hashes, "signature": human.signPayload(t, baselinePayload),
	}, "10.0.0.2")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	checkPayload := map[string]interface{}{
		"action": "integrity_check", "agent_pubkey": agent.id, "file_hashes": hashes,
	}
	w = env.do(t, http.MethodPost, "/integrity/check", map[string]interface{}{
		"agent_pubkey": agent.id, "file_hashes": hashes,
		"signature": agent.signPayload(t, checkPayload),
	}, "10.0.0.1")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var green struct {
		Result                  model.IntegrityResult `json:"result"`
		RecommendedAction       string                `json:"recommended_action"`
		RequiresOwnerReapproval bool                  `json:"requires_owner_reapproval"`
	}
	decode(t, w, &green)
	require.Equal(t, model.LightGreen, green.Result.Status)
	require.Equal(t, "safe_to_run", green.RecommendedAction)
	require.False(t, green.RequiresOwnerReapproval)

	// A changed file flips the gate to red.
	env.clk.Add(61 * time.Second)
	tampered := []model.FileHash{
		{Path: "agent.py", SHA256: strings.Repeat("ff", 32)},
		{Path: "config.yaml", SHA256: strings.Repeat("bb", 32)},
	}
	tamperedPayload := map[string]interface{}{
		"action": "integrity_check", "agent_pubkey": agent.id, "file_hashes": tampered,
	}
	w = env.do(t, http.MethodPost, "/integrity/check", map[string]interface{}{
		"agent_pubkey": agent.id, "file_hashes": tampered,
		"signature": agent.signPayload(t, tamperedPayload),
	}, "10.0.0.1")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var red struct {
		Result            model.IntegrityResult `json:"result"`
		RecommendedAction string                `json:"recommended_action"`
	}
	decode(t, w, &red)
	require.Equal(t, model.LightRed, red.Result.Status)
	require.Equal(t, "block_run", red.RecommendedAction)
	require.Equal(t, []string{"agent.py"}, red.Result.Diff.Changed)

	w = env.do(t, http.MethodGet, "/integrity/status/"+agent.id, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &red)
	require.Equal(t, model.LightRed, red.Result.Status)

	w = env.do(t, http.MethodGet, "/agents/"+agent.id+"/profile", nil, "")
	decode(t, w, &p)
	require.Equal(t, model.LightRed, p.Integrity.TrafficLight)
	require.Zero(t, p.DeployabilityMultiplier)
	require.Zero(t, p.DeployabilityScore)
}

func TestBaselineByNonOwner(t *testing.T) {
	env := newTestEnv(t)
	agent, stranger := genKey(t), genKey(t)
	env.register(t, agent, "Agent-A", model.IdentityAgent, "10.0.0.1")

	hashes := []model.FileHash{{Path: "agent.py", SHA256: strings.Repeat("aa", 32)}}
	payload := map[string]interface{}{
		"action": "integrity_set_baseline", "baseline_id": "base-x",
		"agent_pubkey": agent.id, "owner_pubkey": stranger.id, "file_hashes": hashes,
	}
	w := env.do(t, http.MethodPost, "/integrity/baseline/set", map[string]interface{}{
		"baseline_id": "base-x", "agent_pubkey": agent.id, "owner_pubkey": stranger.id,
		"file_hashes": hashes, "signature": stranger.signPayload(t, payload),
	}, "10.0.0.5")
	require.Equal(t, http.StatusForbidden, w.Code)
	var envlp errorEnvelope
	decode(t, w, &envlp)
	require.Equal(t, "permission_error", envlp.Error)
}

func TestOwnershipConflictAndOutOfOrder(t *testing.T) {
	env := newTestEnv(t)
	agent, human, rival := genKey(t), genKey(t), genKey(t)
	env.register(t, agent, "Agent-A", model.IdentityAgent, "10.0.0.1")

	claimPayload := map[string]interface{}{
		"action": "ownership_claim", "claim_id": "claim-1",
		"agent_pubkey": agent.id, "human_pubkey": human.id,
	}
	w := env.do(t, http.MethodPost, "/ownership/claim", map[string]string{
		"claim_id": "claim-1", "agent_pubkey": agent.id, "human_pubkey": human.id,
		"signature": agent.signPayload(t, claimPayload),
	}, "10.0.0.1")
	require.Equal(t, http.StatusCreated, w.Code)

	confirmPayload := map[string]interface{}{
		"action": "ownership_confirm", "claim_id": "claim-1",
		"agent_pubkey": agent.id, "human_pubkey": human.id,
	}
	w = env.do(t, http.MethodPost, "/ownership/confirm", map[string]string{
		"claim_id": "claim-1", "signature": human.signPayload(t, confirmPayload),
	}, "10.0.0.2")
	require.Equal(t, http.StatusOK, w.Code)

	// A second claim while one is active conflicts.
	env.clk.Add(61 * time.Second)
	rivalPayload := map[string]interface{}{
		"action": "ownership_claim", "claim_id": "claim-2",
		"agent_pubkey": agent.id, "human_pubkey": rival.id,
	}
	w = env.do(t, http.MethodPost, "/ownership/claim", map[string]string{
		"claim_id": "claim-2", "agent_pubkey": agent.id, "human_pubkey": rival.id,
		"signature": agent.signPayload(t, rivalPayload),
	}, "10.0.0.1")
	require.Equal(t, http.StatusConflict, w.Code)
	var envlp errorEnvelope
	decode(t, w, &envlp)
	require.Equal(t, "conflict", envlp.Error)

	// Confirming an already-active claim is out of order.
	env.clk.Add(61 * time.Second)
	w = env.do(t, http.MethodPost, "/ownership/confirm", map[string]string{
		"claim_id": "claim-1", "signature": human.signPayload(t, confirmPayload),
	}, "10.0.0.2")
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestVerifyEndpoint(t *testing.T) {
	env := newTestEnv(t)
	alice, bob := genKey(t), genKey(t)

	att := env.makeAttestation(t, alice, "Alice", bob, "Bob")
	w := env.do(t, http.MethodPost, "/verify", att, "")
	require.Equal(t, http.StatusOK, w.Code)
	var res verifyResponse
	decode(t, w, &res)
	require.True(t, res.Valid)
	require.Equal(t, "attestation", res.Type)

	// Tampering after signing invalidates.
	att.Skill.Proficiency = 5
	w = env.do(t, http.MethodPost, "/verify", att, "")
	decode(t, w, &res)
	require.False(t, res.Valid)

	rev := model.Revocation{
		ID: uuid.NewString(), AttestationID: att.ID,
		Revoker: model.Party{Pubkey: alice.id, Name: "Alice"},
		Reason:  "test", Issued: env.clk.Now(),
	}
	rev.Signature = alice.signDoc(t, rev, model.RevocationSignableExclude...)
	w = env.do(t, http.MethodPost, "/verify", rev, "")
	decode(t, w, &res)
	require.True(t, res.Valid)
	require.Equal(t, "revocation", res.Type)
}

func TestSearchFilters(t *testing.T) {
	env := newTestEnv(t)
	alice, carol, bob := genKey(t), genKey(t), genKey(t)
	env.register(t, alice, "Alice", model.IdentityHuman, "10.0.0.1")
	env.register(t, carol, "Carol", model.IdentityHuman, "10.0.0.3")
	env.register(t, bob, "Bob", model.IdentityAgent, "10.0.0.2")

	att1 := env.makeAttestation(t, alice, "Alice", bob, "Bob")
	w := env.do(t, http.MethodPost, "/attestations", att1, "10.0.0.1")
	require.Equal(t, http.StatusCreated, w.Code)

	att2 := env.makeAttestation(t, carol, "Carol", bob, "Bob")
	att2.Skill = model.Skill{Domain: "data-analysis", Specific: "sql-querying", Proficiency: 2}
	att2.Signature = carol.signDoc(t, att2, model.AttestationSignableExclude...)
	w = env.do(t, http.MethodPost, "/attestations", att2, "10.0.0.3")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var results []model.Attestation
	w = env.do(t, http.MethodGet, "/search?subject="+bob.id, nil, "")
	decode(t, w, &results)
	require.Len(t, results, 2)

	w = env.do(t, http.MethodGet, "/search?subject="+bob.id+"&domain=data-analysis", nil, "")
	decode(t, w, &results)
	require.Len(t, results, 1)
	require.Equal(t, "sql-querying", results[0].Skill.Specific)

	w = env.do(t, http.MethodGet, "/search?subject="+bob.id+"&min_proficiency=3", nil, "")
	decode(t, w, &results)
	require.Len(t, results, 1)
	require.Equal(t, 4, results[0].Skill.Proficiency)

	w = env.do(t, http.MethodGet, "/trust/who-attested/"+bob.id, nil, "")
	decode(t, w, &results)
	require.Len(t, results, 2)
	w = env.do(t, http.MethodGet, "/trust/attested-by/"+alice.id, nil, "")
	decode(t, w, &results)
	require.Len(t, results, 1)
}

func TestTaxonomyMutations(t *testing.T) {
	env := newTestEnv(t)
	admin := genKey(t)

	w := env.do(t, http.MethodGet, "/taxonomy", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var domains struct {
		Domains []string `json:"domains"`
	}
	decode(t, w, &domains)
	require.Len(t, domains.Domains, 7)

	payload := map[string]interface{}{"action": "create_domain", "domain_id": "robotics", "pubkey": admin.id}
	w = env.do(t, http.MethodPost, "/taxonomy/domains", map[string]string{
		"domain_id": "robotics", "pubkey": admin.id, "signature": admin.signPayload(t, payload),
	}, "10.0.0.1")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	env.clk.Add(61 * time.Second)
	skillPayload := map[string]interface{}{
		"action": "create_skill", "domain_id": "robotics", "skill_id": "motion-planning", "pubkey": admin.id,
	}
	w = env.do(t, http.MethodPost, "/taxonomy/skills", map[string]string{
		"domain_id": "robotics", "skill_id": "motion-planning", "pubkey": admin.id,
		"signature": admin.signPayload(t, skillPayload),
	}, "10.0.0.1")
	require.Equal(t, http.StatusCreated, w.Code)

	w = env.do(t, http.MethodGet, "/taxonomy/robotics", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var skills struct {
		Skills []string `json:"skills"`
	}
	decode(t, w, &skills)
	require.Equal(t, []string{"motion-planning"}, skills.Skills)

	// An unsigned or mis-signed mutation never lands.
	env.clk.Add(61 * time.Second)
	w = env.do(t, http.MethodPost, "/taxonomy/domains", map[string]string{
		"domain_id": "forgery", "pubkey": admin.id, "signature": strings.Repeat("ab", 64),
	}, "10.0.0.1")
	require.Equal(t, http.StatusBadRequest, w.Code)

	env.clk.Add(61 * time.Second)
	deletePayload := map[string]interface{}{"action": "delete_domain", "domain_id": "robotics", "pubkey": admin.id}
	w = env.do(t, http.MethodDelete, "/taxonomy/robotics", map[string]string{
		"pubkey": admin.id, "signature": admin.signPayload(t, deletePayload),
	}, "10.0.0.1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, http.MethodGet, "/taxonomy/robotics", nil, "")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestErrorEnvelopeShape(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/attestations/"+uuid.NewString(), nil, "")
	require.Equal(t, http.StatusNotFound, w.Code)
	var envlp errorEnvelope
	decode(t, w, &envlp)
	require.Equal(t, "not_found", envlp.Error)
	require.NotEmpty(t, envlp.Message)

	w = env.do(t, http.MethodGet, "/agents/ed25519:unknown/profile", nil, "")
	require.Equal(t, http.StatusNotFound, w.Code)

	// Unknown taxonomy domain in an otherwise well-signed attestation.
	alice, bob := genKey(t), genKey(t)
	att := env.makeAttestation(t, alice, "Alice", bob, "Bob")
	att.Skill.Domain = "underwater-basketweaving"
	att.Signature = alice.signDoc(t, att, model.AttestationSignableExclude...)
	w = env.do(t, http.MethodPost, "/attestations", att, "10.0.0.1")
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	decode(t, w, &envlp)
	require.Equal(t, "validation_error", envlp.Error)
}

func TestSourceAnomaliesEndpoint(t *testing.T) {
	env := newTestEnv(t)
	shared := "203.0.113.9"
	for i := 0; i < 4; i++ {
		attestor, subject := genKey(t), genKey(t)
		att := env.makeAttestation(t, attestor, "Writer", subject, "Subject")
		w := env.do(t, http.MethodPost, "/attestations", att, shared)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}

	w := env.do(t, http.MethodGet, "/risk/source-anomalies?hours=24&min_events=3&min_unique_actors=3", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Anomalies []store.SourceAnomaly `json:"anomalies"`
	}
	decode(t, w, &body)
	require.Len(t, body.Anomalies, 1)
	require.Equal(t, 4, body.Anomalies[0].UniqueActors)
}
