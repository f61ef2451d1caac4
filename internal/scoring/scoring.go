// Package scoring computes the evidence-quality sub-scores and
// composite for an attestation's supporting evidence.
package scoring

import (
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/jmhodges/clock"

	"github.com/kredo-project/kredo/internal/model"
)

const (
	weightSpecificity   = 0.3
	weightVerifiability = 0.3
	weightRelevance     = 0.25
	weightRecency       = 0.15

	// BehavioralWarningMinComposite is the Open Question (b) contract:
	// the minimum composite score a behavioral_warning must clear at
	// accept time, else the router rejects with evidence_insufficient.
	BehavioralWarningMinComposite = 0.4

	specificitySaturationChars = 280
	decayHalfLifeDays          = 180.0
)

var (
	namedEntityPattern = regexp.MustCompile(`[a-z]+:[A-Za-z0-9-]+`)
	urlPattern         = regexp.MustCompile(`https?://\S+`)
	digitPattern       = regexp.MustCompile(`[0-9]`)

	verifiableURL      = regexp.MustCompile(`^https?://\S+$`)
	verifiableIPFS     = regexp.MustCompile(`^ipfs:(Qm\S+|bafy\S+)$`)
	verifiableCategory = regexp.MustCompile(`^(chain|log|hash|output|pr|commit|report|post):\S+$`)

	genericFillers = []string{
		"did a good job", "great work", "nice", "good job", "lgtm",
		"looks good", "works fine", "no issues",
	}
)

// Score returns the four sub-scores and their weighted composite for
// an attestation's evidence, per skill domain/specific context and
// issued time.
func Score(clk clock.Clock, ev model.Evidence, skill model.Skill, issued time.Time) model.EvidenceScore {
	spec := specificity(ev)
	verif := verifiability(ev)
	rel := relevance(ev, skill)
	rec := recency(clk, ev, issued)
	composite := weightSpecificity*spec + weightVerifiability*verif + weightRelevance*rel + weightRecency*rec

	return model.EvidenceScore{
		Specificity:   spec,
		Verifiability: verif,
		Relevance:     rel,
		Recency:       rec,
		Composite:     composite,
	}
}

func specificity(ev model.Evidence) float64 {
	context := strings.ToLower(ev.Context)
	lengthScore := 1 - math.Exp(-float64(len(ev.Context))/specificitySaturationChars)

	var signal float64
	if namedEntityPattern.MatchString(ev.Context) || urlPattern.MatchString(ev.Context) || digitPattern.MatchString(ev.Context) {
		signal += 0.15
	}
	if ev.Outcome != "" {
		signal += 0.15
	}

	score := clamp01(0.7*lengthScore + signal)

	for _, filler := range genericFillers {
		if strings.Contains(context, filler) {
			score *= 0.5
			break
		}
	}
	return clamp01(score)
}

func verifiability(ev model.Evidence) float64 {
	if len(ev.Artifacts) == 0 {
		return 0
	}
	matched := 0
	for _, a := range ev.Artifacts {
		if verifiableURL.MatchString(a) || verifiableIPFS.MatchString(a) || verifiableCategory.MatchString(a) {
			matched++
		}
	}
	return float64(matched) / float64(len(ev.Artifacts))
}

func relevance(ev model.Evidence, skill model.Skill) float64 {
	tokens := tokenize(skill.Domain, skill.Specific)
	if len(tokens) == 0 {
		return 0
	}
	haystacks := make([]string, 0, len(ev.Artifacts)+1)
	haystacks = append(haystacks, strings.ToLower(ev.Context))
	for _, a := range ev.Artifacts {
		haystacks = append(haystacks, strings.ToLower(a))
	}

	matched := 0
	for _, tok := range tokens {
		for _, h := range haystacks {
			if strings.Contains(h, tok) {
				matched++
				break
			}
		}
	}
	return float64(matched) / float64(len(tokens))
}

func tokenize(parts ...string) []string {
	var tokens []string
	for _, p := range parts {
		for _, piece := range strings.Split(p, "-") {
			piece = strings.ToLower(strings.TrimSpace(piece))
			if piece != "" {
				tokens = append(tokens, piece)
			}
		}
	}
	return tokens
}

func recency(clk clock.Clock, ev model.Evidence, issued time.Time) float64 {
	ref := issued
	if ev.InteractionDate != nil {
		if t, err := time.Parse(time.RFC3339, *ev.InteractionDate); err == nil {
			ref = t
		}
	}
	days := clk.Now().Sub(ref).Hours() / 24
	if days < 0 {
		days = 0
	}
	return clamp01(math.Pow(2, -days/decayHalfLifeDays))
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
