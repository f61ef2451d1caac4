// Package trust computes Kredo's derived reputation analytics:
// recursive attestor reputation, ring detection, accountability tier,
// and the integrity-gated deployability multiplier. It reads a
// point-in-time snapshot from the store and never writes.
package trust

import (
	"context"
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jmhodges/clock"
	"golang.org/x/sync/errgroup"

	"github.com/kredo-project/kredo/internal/model"
	"github.com/kredo-project/kredo/internal/store"
)

const (
	maxDepth               = 3
	attestorRepFloor       = 0.1
	attestorRepWeight      = 0.9
	accountabilityMultiplierLinked   = 1.0
	accountabilityMultiplierUnlinked = 0.6

	defaultCacheTTL = 30 * time.Second
)

// PerAttestationWeight is one row of the per-attestation weight
// breakdown in a trust analysis.
type PerAttestationWeight struct {
	AttestationID string  `json:"attestation_id"`
	Attestor      string  `json:"attestor_pubkey"`
	Proficiency   int     `json:"proficiency"`
	Composite     float64 `json:"evidence_composite"`
	Decay         float64 `json:"decay"`
	AttestorRep   float64 `json:"attestor_rep"`
	RingDiscount  float64 `json:"ring_discount"`
	Weight        float64 `json:"weight"`
}

// SkillCluster is one (domain, specific) aggregation row.
type SkillCluster struct {
	Domain                 string  `json:"domain"`
	Specific               string  `json:"specific"`
	AvgProficiency         float64 `json:"avg_proficiency"`
	WeightedAvgProficiency float64 `json:"weighted_avg_proficiency"`
	AttestationCount       int     `json:"attestation_count"`
}

// Accountability is the subject's human-link status.
type Accountability struct {
	Tier       string  `json:"tier"`
	Multiplier float64 `json:"multiplier"`
	Owner      *string `json:"owner,omitempty"`
}

// Integrity is the subject's run-gate summary.
type Integrity struct {
	TrafficLight      model.TrafficLight `json:"traffic_light"`
	StatusLabel       string             `json:"status_label"`
	RecommendedAction string             `json:"recommended_action"`
	Multiplier        float64            `json:"multiplier"`
}

// Analysis is the full trust_analysis + accountability + integrity +
// deployability bundle for one subject pubkey.
type Analysis struct {
	ReputationScore       float64                 `json:"reputation_score"`
	RingFlags             []model.RingFlag        `json:"ring_flags"`
	PerAttestation        []PerAttestationWeight  `json:"per_attestation"`
	SkillClusters         []SkillCluster          `json:"skills"`
	Accountability        Accountability          `json:"accountability"`
	Integrity             Integrity               `json:"integrity"`
	DeployabilityMultiplier float64               `json:"deployability_multiplier"`
	DeployabilityScore      float64               `json:"deployability_score"`
}

// Engine computes and short-TTL-caches trust analyses.
type Engine struct {
	st  *store.Store
	clk clock.Clock

	cache       *lru.LRU[string, Analysis]
	globalMu    sync.Mutex
	ringsCache  *ringsCacheEntry
}

type ringsCacheEntry struct {
	at    time.Time
	flags []model.RingFlag
}

// New constructs an Engine and subscribes it to the store's write
// invalidation callbacks.
func New(st *store.Store, clk clock.Clock, ttl time.Duration) *Engine {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	e := &Engine{
		st:    st,
		clk:   clk,
		cache: lru.NewLRU[string, Analysis](4096, nil, ttl),
	}
	st.OnInvalidate(e.invalidate)
	return e
}

// invalidate drops every cached analysis, not only those of the named
// pubkeys: reputation is recursive, so a write can change the analysis
// of any pubkey that an affected pubkey has attested.
func (e *Engine) invalidate(pubkeys ...string) {
	e.cache.Purge()
	e.globalMu.Lock()
	e.ringsCache = nil
	e.globalMu.Unlock()
}

// Analyze returns the cached trust analysis for pubkey, computing it
// fresh on a cache miss.
func (e *Engine) Analyze(pubkey string) (Analysis, error) {
	if cached, ok := e.cache.Get(pubkey); ok {
		return cached, nil
	}

	snapshot, err := e.loadSnapshot()
	if err != nil {
		return Analysis{}, err
	}
	analysis, err := e.analyzeWithSnapshot(pubkey, snapshot)
	if err != nil {
		return Analysis{}, err
	}
	e.cache.Add(pubkey, analysis)
	return analysis, nil
}

// snapshot is a read-only view of every live attestation plus its
// ring classification, shared across a single evaluation pass so
// recursive reputation calls see a consistent graph.
type snapshot struct {
	now              time.Time
	attestations     []model.Attestation
	bySubject        map[string][]model.Attestation
	rings            ringClassification
	memo             map[memoKey]float64
}

type memoKey struct {
	pubkey string
	depth  int
}

func (e *Engine) loadSnapshot() (*snapshot, error) {
	now := e.clk.Now()
	atts, err := e.st.ListAttestationsWithWeight(now.UTC().Format("2006-01-02T15:04:05Z"))
	if err != nil {
		return nil, err
	}
	edges, err := e.st.ListAttestationsForRing()
	if err != nil {
		return nil, err
	}

	bySubject := make(map[string][]model.Attestation)
	for _, a := range atts {
		bySubject[a.Subject.Pubkey] = append(bySubject[a.Subject.Pubkey], a)
	}

	return &snapshot{
		now:          now,
		attestations: atts,
		bySubject:    bySubject,
		rings:        classifyRings(edges),
		memo:         make(map[memoKey]float64),
	}, nil
}

func (e *Engine) analyzeWithSnapshot(pubkey string, snap *snapshot) (Analysis, error) {
	reputation := e.reputation(pubkey, maxDepth, map[string]bool{}, snap)

	perAttestation, ringFlagsForSubject := e.weightBreakdown(pubkey, snap)
	skills := aggregateSkills(snap.bySubject[pubkey], perAttestation)

	accountability, err := e.accountability(pubkey)
	if err != nil {
		return Analysis{}, err
	}
	integrity, err := e.integrity(pubkey)
	if err != nil {
		return Analysis{}, err
	}

	deployMult := accountability.Multiplier * integrity.Multiplier
	return Analysis{
		ReputationScore:         reputation,
		RingFlags:               ringFlagsForSubject,
		PerAttestation:          perAttestation,
		SkillClusters:           skills,
		Accountability:          accountability,
		Integrity:               integrity,
		DeployabilityMultiplier: deployMult,
		DeployabilityScore:      reputation * deployMult,
	}, nil
}

// reputation implements R(p, depth): R(p,0) = 0; R(p,d>0) =
// 1 - exp(-Σ w' over attestations signed for p at depth d-1). A
// per-path visited set breaks cycles; results are memoized for the
// lifetime of one snapshot evaluation.
func (e *Engine) reputation(pubkey string, depth int, visited map[string]bool, snap *snapshot) float64 {
	if depth <= 0 {
		return 0
	}
	if visited[pubkey] {
		return 0
	}
	if v, ok := snap.memo[memoKey{pubkey, depth}]; ok {
		return v
	}

	nextVisited := make(map[string]bool, len(visited)+1)
	for k := range visited {
		nextVisited[k] = true
	}
	nextVisited[pubkey] = true

	var sum float64
	for _, att := range snap.bySubject[pubkey] {
		sum += e.weight(att, depth, nextVisited, snap)
	}
	result := 1 - math.Exp(-sum)
	snap.memo[memoKey{pubkey, depth}] = result
	return result
}

// weight computes w = proficiency × composite × decay × attestor_rep
// × ring_discount for att, where attestor_rep is evaluated at
// depth-1.
func (e *Engine) weight(att model.Attestation, depth int, visited map[string]bool, snap *snapshot) float64 {
	decay := Decay(att.Issued, snap.now)
	attestorRep := attestorRepFloor + attestorRepWeight*e.reputation(att.Attestor.Pubkey, depth-1, visited, snap)
	ringDiscount := snap.rings.discount(att.Attestor.Pubkey, att.Subject.Pubkey)

	composite := 0.0
	if att.EvidenceScore != nil {
		composite = att.EvidenceScore.Composite
	}
	return float64(att.Skill.Proficiency) * composite * decay * attestorRep * ringDiscount
}

func (e *Engine) weightBreakdown(pubkey string, snap *snapshot) ([]PerAttestationWeight, []model.RingFlag) {
	visited := map[string]bool{pubkey: true}
	var breakdown []PerAttestationWeight
	var flags []model.RingFlag
	seen := make(map[string]bool)

	for _, att := range snap.bySubject[pubkey] {
		decay := Decay(att.Issued, snap.now)
		attestorRep := attestorRepFloor + attestorRepWeight*e.reputation(att.Attestor.Pubkey, maxDepth-1, visited, snap)
		ringDiscount := snap.rings.discount(att.Attestor.Pubkey, att.Subject.Pubkey)
		composite := 0.0
		if att.EvidenceScore != nil {
			composite = att.EvidenceScore.Composite
		}
		w := float64(att.Skill.Proficiency) * composite * decay * attestorRep * ringDiscount

		breakdown = append(breakdown, PerAttestationWeight{
			AttestationID: att.ID, Attestor: att.Attestor.Pubkey,
			Proficiency: att.Skill.Proficiency, Composite: composite,
			Decay: decay, AttestorRep: attestorRep, RingDiscount: ringDiscount, Weight: w,
		})
	}

	for _, flag := range snap.rings.flags {
		for _, m := range flag.Members {
			if m == pubkey && !seen[flagKey(flag)] {
				flags = append(flags, flag)
				seen[flagKey(flag)] = true
			}
		}
	}
	return breakdown, flags
}

func flagKey(f model.RingFlag) string {
	s := string(f.RingType)
	for _, m := range f.Members {
		s += "|" + m
	}
	return s
}

func aggregateSkills(attestations []model.Attestation, weights []PerAttestationWeight) []SkillCluster {
	weightByID := make(map[string]float64, len(weights))
	for _, w := range weights {
		weightByID[w.AttestationID] = w.Weight
	}

	type acc struct {
		sumProf       int
		sumWeightedProf float64
		sumWeight     float64
		count         int
	}
	clusters := make(map[[2]string]*acc)
	var order [][2]string

	for _, a := range attestations {
		key := [2]string{a.Skill.Domain, a.Skill.Specific}
		c, ok := clusters[key]
		if !ok {
			c = &acc{}
			clusters[key] = c
			order = append(order, key)
		}
		w := weightByID[a.ID]
		c.sumProf += a.Skill.Proficiency
		c.sumWeightedProf += float64(a.Skill.Proficiency) * w
		c.sumWeight += w
		c.count++
	}

	out := make([]SkillCluster, 0, len(order))
	for _, key := range order {
		c := clusters[key]
		weightedAvg := 0.0
		if c.sumWeight > 0 {
			weightedAvg = c.sumWeightedProf / c.sumWeight
		}
		out = append(out, SkillCluster{
			Domain: key[0], Specific: key[1],
			AvgProficiency:         float64(c.sumProf) / float64(c.count),
			WeightedAvgProficiency: weightedAvg,
			AttestationCount:       c.count,
		})
	}
	return out
}

func (e *Engine) accountability(pubkey string) (Accountability, error) {
	active, err := e.st.GetActiveOwnership(pubkey)
	if err != nil {
		return Accountability{}, err
	}
	if active == nil {
		return Accountability{Tier: "unlinked", Multiplier: accountabilityMultiplierUnlinked}, nil
	}
	owner := active.HumanPubkey
	return Accountability{Tier: "human-linked", Multiplier: accountabilityMultiplierLinked, Owner: &owner}, nil
}

func (e *Engine) integrity(pubkey string) (Integrity, error) {
	check, err := e.st.LatestIntegrityCheck(pubkey)
	if err != nil {
		return Integrity{}, err
	}
	if check == nil {
		return Integrity{
			TrafficLight: model.LightGreen, StatusLabel: "no_check_recorded",
			RecommendedAction: "safe_to_run", Multiplier: 1.0,
		}, nil
	}

	var multiplier float64
	switch check.Result.Status {
	case model.LightGreen:
		multiplier = 1.0
	case model.LightYellow:
		multiplier = 0.5
	default:
		multiplier = 0.0
	}
	return Integrity{
		TrafficLight:      check.Result.Status,
		StatusLabel:       string(check.Result.Status),
		RecommendedAction: store.RecommendedAction(check.Result.Status),
		Multiplier:        multiplier,
	}, nil
}

// Rings returns the current ring flags across the whole graph,
// cached for defaultCacheTTL (30 s) whatever TTL was passed to New,
// and dropped on every store write.
func (e *Engine) Rings() ([]model.RingFlag, error) {
	e.globalMu.Lock()
	if e.ringsCache != nil && e.clk.Now().Sub(e.ringsCache.at) < defaultCacheTTL {
		flags := e.ringsCache.flags
		e.globalMu.Unlock()
		return flags, nil
	}
	e.globalMu.Unlock()

	edges, err := e.st.ListAttestationsForRing()
	if err != nil {
		return nil, err
	}
	classification := classifyRings(edges)

	e.globalMu.Lock()
	e.ringsCache = &ringsCacheEntry{at: e.clk.Now(), flags: classification.flags}
	e.globalMu.Unlock()
	return classification.flags, nil
}

// NetworkHealthSummary aggregates reputation across every known
// pubkey, computed with bounded concurrency.
type NetworkHealthSummary struct {
	PubkeyCount          int     `json:"pubkey_count"`
	AverageReputation    float64 `json:"average_reputation"`
	RingFlagCount        int     `json:"ring_flag_count"`
	HumanLinkedFraction  float64 `json:"human_linked_fraction"`
}

// NetworkHealth computes aggregate reputation statistics across every
// registered pubkey, fanning out per-pubkey analysis with a bounded
// worker pool.
func (e *Engine) NetworkHealth(ctx context.Context) (NetworkHealthSummary, error) {
	agents, err := e.st.ListAgents(200, 0)
	if err != nil {
		return NetworkHealthSummary{}, err
	}
	if len(agents) == 0 {
		return NetworkHealthSummary{}, nil
	}

	snap, err := e.loadSnapshot()
	if err != nil {
		return NetworkHealthSummary{}, err
	}

	var mu sync.Mutex
	var sumRep float64
	var linked int
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(8)

	for _, agent := range agents {
		agent := agent
		g.Go(func() error {
			// Each worker gets its own memo table; the rest of the
			// snapshot is only read.
			local := *snap
			local.memo = make(map[memoKey]float64)
			analysis, err := e.analyzeWithSnapshot(agent.Pubkey, &local)
			if err != nil {
				return err
			}
			mu.Lock()
			sumRep += analysis.ReputationScore
			if analysis.Accountability.Tier == "human-linked" {
				linked++
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return NetworkHealthSummary{}, err
	}

	rings, err := e.Rings()
	if err != nil {
		return NetworkHealthSummary{}, err
	}

	return NetworkHealthSummary{
		PubkeyCount:         len(agents),
		AverageReputation:   sumRep / float64(len(agents)),
		RingFlagCount:       len(rings),
		HumanLinkedFraction: float64(linked) / float64(len(agents)),
	}, nil
}
