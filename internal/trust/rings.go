package trust

import (
	"sort"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/kredo-project/kredo/internal/model"
	"github.com/kredo-project/kredo/internal/store"
)

// ringClassification is the per-directed-edge result of ring
// detection: every (attestor, subject) pair's discount, plus the
// flags to report at /trust/rings.
type ringClassification struct {
	discountByEdge map[string]float64       // "attestor|subject" -> discount
	flags          []model.RingFlag
}

func edgeKey(attestor, subject string) string {
	return attestor + "|" + subject
}

// classifyRings builds the undirected mutual-edge graph from edges,
// finds maximal cliques of size >= 3 via Bron-Kerbosch, and flags any
// remaining mutual pair not already covered by a clique. Every edge
// within a clique or mutual pair is discounted; overlapping flags
// take the smaller (more discounted) value, but since cliques
// subsume their member pairs the listing itself never double-reports.
func classifyRings(edges []store.RingEdge) ringClassification {
	directed := make(map[string]bool, len(edges))
	nodeSet := make(map[string]bool)
	for _, e := range edges {
		directed[edgeKey(e.Attestor, e.Subject)] = true
		nodeSet[e.Attestor] = true
		nodeSet[e.Subject] = true
	}

	// Undirected adjacency over mutual edges only.
	adjacency := make(map[string]map[string]bool)
	addMutual := func(a, b string) {
		if adjacency[a] == nil {
			adjacency[a] = make(map[string]bool)
		}
		if adjacency[b] == nil {
			adjacency[b] = make(map[string]bool)
		}
		adjacency[a][b] = true
		adjacency[b][a] = true
	}
	seenPair := make(map[string]bool)
	for _, e := range edges {
		if e.Attestor == e.Subject {
			continue
		}
		if !directed[edgeKey(e.Subject, e.Attestor)] {
			continue
		}
		key := mutualKey(e.Attestor, e.Subject)
		if seenPair[key] {
			continue
		}
		seenPair[key] = true
		addMutual(e.Attestor, e.Subject)
	}

	nodes := make([]string, 0, len(nodeSet))
	for n := range nodeSet {
		nodes = append(nodes, n)
	}
	slices.Sort(nodes)

	cliques := bronKerbosch(adjacency, nodes)

	covered := make(map[string]bool) // mutual pair keys subsumed by a clique
	result := ringClassification{discountByEdge: make(map[string]float64)}

	for _, clique := range cliques {
		if len(clique) < 3 {
			continue
		}
		members := append([]string(nil), clique...)
		slices.Sort(members)
		result.flags = append(result.flags, model.RingFlag{RingType: model.RingClique, Members: members})
		for i := 0; i < len(members); i++ {
			for j := 0; j < len(members); j++ {
				if i == j {
					continue
				}
				if directed[edgeKey(members[i], members[j])] {
					result.discountByEdge[edgeKey(members[i], members[j])] = 0.3
				}
			}
			for k := i + 1; k < len(members); k++ {
				covered[mutualKey(members[i], members[k])] = true
			}
		}
	}

	for pairKey := range seenPair {
		if covered[pairKey] {
			continue
		}
		a, b, _ := strings.Cut(pairKey, "|")
		members := []string{a, b}
		slices.Sort(members)
		result.flags = append(result.flags, model.RingFlag{RingType: model.RingMutualPair, Members: members})
		if _, ok := result.discountByEdge[edgeKey(a, b)]; !ok {
			result.discountByEdge[edgeKey(a, b)] = 0.5
		}
		if _, ok := result.discountByEdge[edgeKey(b, a)]; !ok {
			result.discountByEdge[edgeKey(b, a)] = 0.5
		}
	}

	sort.Slice(result.flags, func(i, j int) bool {
		return strings.Join(result.flags[i].Members, ",") < strings.Join(result.flags[j].Members, ",")
	})
	return result
}

func mutualKey(a, b string) string {
	if a < b {
		return a + "|" + b
	}
	return b + "|" + a
}

func (r ringClassification) discount(attestor, subject string) float64 {
	if d, ok := r.discountByEdge[edgeKey(attestor, subject)]; ok {
		return d
	}
	return 1.0
}

// bronKerbosch finds all maximal cliques in the given undirected
// adjacency using the classic recursive algorithm with pivoting.
func bronKerbosch(adjacency map[string]map[string]bool, nodes []string) [][]string {
	var cliques [][]string
	var recurse func(r, p, x map[string]bool)
	recurse = func(r, p, x map[string]bool) {
		if len(p) == 0 && len(x) == 0 {
			if len(r) > 0 {
				members := make([]string, 0, len(r))
				for n := range r {
					members = append(members, n)
				}
				cliques = append(cliques, members)
			}
			return
		}

		pivot := choosePivot(p, x, adjacency)
		candidates := make([]string, 0, len(p))
		for n := range p {
			if pivot != "" && adjacency[pivot][n] {
				continue
			}
			candidates = append(candidates, n)
		}
		slices.Sort(candidates)

		for _, v := range candidates {
			neighbors := adjacency[v]
			rNext := copySet(r)
			rNext[v] = true
			pNext := intersect(p, neighbors)
			xNext := intersect(x, neighbors)
			recurse(rNext, pNext, xNext)

			delete(p, v)
			x[v] = true
		}
	}

	p := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		p[n] = true
	}
	recurse(make(map[string]bool), p, make(map[string]bool))
	return cliques
}

func choosePivot(p, x map[string]bool, adjacency map[string]map[string]bool) string {
	best := ""
	bestDeg := -1
	for n := range p {
		if len(adjacency[n]) > bestDeg {
			best, bestDeg = n, len(adjacency[n])
		}
	}
	for n := range x {
		if len(adjacency[n]) > bestDeg {
			best, bestDeg = n, len(adjacency[n])
		}
	}
	return best
}

func copySet(s map[string]bool) map[string]bool {
	out := make(map[string]bool, len(s))
	for k := range s {
		out[k] = true
	}
	return out
}

func intersect(s map[string]bool, with map[string]bool) map[string]bool {
	out := make(map[string]bool)
	for k := range s {
		if with[k] {
			out[k] = true
		}
	}
	return out
}
