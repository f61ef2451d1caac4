// Package taxonomy wraps the store's taxonomy tables with the
// embedded seed data and the in-memory, versioned, copy-on-write read
// cache the concurrency model calls for.
package taxonomy

import (
	_ "embed"
	"regexp"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"gopkg.in/yaml.v3"

	"github.com/kredo-project/kredo/internal/kerrors"
	"github.com/kredo-project/kredo/internal/store"
)

// snapshotTTL is the safety-floor lifetime for a cached taxonomy
// snapshot: writes invalidate it immediately, this just bounds
// staleness if invalidation is ever missed.
const snapshotTTL = 5 * time.Minute

//go:embed seed.yaml
var seedYAML []byte

type seedFile struct {
	Domains []struct {
		ID     string   `yaml:"id"`
		Skills []string `yaml:"skills"`
	} `yaml:"domains"`
}

var identifierPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// ValidIdentifier reports whether id is a legal domain or skill
// identifier.
func ValidIdentifier(id string) bool {
	return identifierPattern.MatchString(id)
}

// Seed parses the embedded seed file into (domain list, skills by
// domain), validating every identifier against the taxonomy pattern.
func Seed() ([]string, map[string][]string, error) {
	var f seedFile
	if err := yaml.Unmarshal(seedYAML, &f); err != nil {
		return nil, nil, err
	}
	domains := make([]string, 0, len(f.Domains))
	skills := make(map[string][]string, len(f.Domains))
	for _, d := range f.Domains {
		if !ValidIdentifier(d.ID) {
			return nil, nil, kerrors.ServerErrorError("invalid seed domain id %q", d.ID)
		}
		domains = append(domains, d.ID)
		for _, sk := range d.Skills {
			if !ValidIdentifier(sk) {
				return nil, nil, kerrors.ServerErrorError("invalid seed skill id %q under %q", sk, d.ID)
			}
		}
		skills[d.ID] = append([]string(nil), d.Skills...)
	}
	return domains, skills, nil
}

// snapshot is one immutable copy of the full taxonomy tree, read
// under the registry's lock and replaced wholesale on invalidation.
type snapshot struct {
	domains []string
	skills  map[string][]string
}

// Registry is the read path for taxonomy lookups: it holds a cached
// snapshot behind a mutex and reloads from the store on invalidation,
// rather than re-querying on every read.
type Registry struct {
	st *store.Store

	mu    sync.RWMutex
	snp   *snapshot
	guard *lru.LRU[string, bool] // TTL floor: presence of "live" means snp is still fresh
}

const snapshotKey = "live"

func New(st *store.Store) *Registry {
	r := &Registry{st: st, guard: lru.NewLRU[string, bool](1, nil, snapshotTTL)}
	return r
}

// SeedIfEmpty loads the embedded seed into the store on first boot.
func (r *Registry) SeedIfEmpty() error {
	domains, skills, err := Seed()
	if err != nil {
		return err
	}
	return r.st.SeedTaxonomy(domains, skills)
}

func (r *Registry) load() (*snapshot, error) {
	r.mu.RLock()
	if r.snp != nil {
		if _, fresh := r.guard.Get(snapshotKey); fresh {
			s := r.snp
			r.mu.RUnlock()
			return s, nil
		}
	}
	r.mu.RUnlock()

	domains, err := r.st.ListTaxonomyDomains()
	if err != nil {
		return nil, err
	}
	skills := make(map[string][]string, len(domains))
	for _, d := range domains {
		sk, err := r.st.ListTaxonomySkills(d)
		if err != nil {
			return nil, err
		}
		skills[d] = sk
	}
	snap := &snapshot{domains: domains, skills: skills}

	r.mu.Lock()
	r.snp = snap
	r.mu.Unlock()
	r.guard.Add(snapshotKey, true)
	return snap, nil
}

// invalidate drops the cached snapshot; the next read rebuilds it
// copy-on-write so concurrent readers never observe a torn state.
func (r *Registry) invalidate() {
	r.mu.Lock()
	r.snp = nil
	r.mu.Unlock()
	r.guard.Remove(snapshotKey)
}

// Domains returns every known domain identifier.
func (r *Registry) Domains() ([]string, error) {
	s, err := r.load()
	if err != nil {
		return nil, err
	}
	return s.domains, nil
}

// Skills returns every skill identifier under domainID.
func (r *Registry) Skills(domainID string) ([]string, error) {
	s, err := r.load()
	if err != nil {
		return nil, err
	}
	sk, ok := s.skills[domainID]
	if !ok {
		return nil, kerrors.NotFoundError("unknown domain %s", domainID)
	}
	return sk, nil
}

// CreateDomain persists a new signed domain mutation and invalidates
// the read cache.
func (r *Registry) CreateDomain(domainID string, actx store.AuditContext) error {
	if !ValidIdentifier(domainID) {
		return kerrors.ValidationError("invalid domain id %q", domainID)
	}
	if _, err := r.st.CreateTaxonomyDomain(domainID, actx); err != nil {
		return err
	}
	r.invalidate()
	return nil
}

// CreateSkill persists a new signed skill mutation and invalidates
// the read cache.
func (r *Registry) CreateSkill(domainID, skillID string, actx store.AuditContext) error {
	if !ValidIdentifier(domainID) || !ValidIdentifier(skillID) {
		return kerrors.ValidationError("invalid identifier %q/%q", domainID, skillID)
	}
	if _, err := r.st.CreateTaxonomySkill(domainID, skillID, actx); err != nil {
		return err
	}
	r.invalidate()
	return nil
}

// DeleteDomain removes a signed domain mutation's target and
// invalidates the read cache. Attestations already accepted under the
// domain are unaffected; only future inserts lose the identifier.
func (r *Registry) DeleteDomain(domainID string, actx store.AuditContext) error {
	if err := r.st.DeleteTaxonomyDomain(domainID, actx); err != nil {
		return err
	}
	r.invalidate()
	return nil
}

// DomainExists and SkillExists validate attestation payloads against
// the live taxonomy without going through the cached snapshot, since
// a just-created domain/skill must be immediately attestable.
func (r *Registry) DomainExists(domainID string) (bool, error) {
	return r.st.DomainExists(domainID)
}

func (r *Registry) SkillExists(domainID, skillID string) (bool, error) {
	return r.st.SkillExists(domainID, skillID)
}
