package store

import (
	"database/sql"
	"errors"

	"github.com/kredo-project/kredo/internal/kerrors"
)

// TaxonomyDomainRow is one persisted domain identifier.
type TaxonomyDomainRow struct {
	DomainID string
	Version  int
}

// TaxonomySkillRow is one persisted skill identifier under a domain.
type TaxonomySkillRow struct {
	DomainID string
	SkillID  string
	Version  int
}

// SeedTaxonomy inserts domain/skill rows if the tables are empty. It
// is idempotent: called once at startup with the embedded seed list.
func (s *Store) SeedTaxonomy(domains []string, skills map[string][]string) error {
	var count int
	if err := s.dbmap.SelectOne(&count, `SELECT COUNT(*) FROM taxonomy_domains`); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	now := s.now()
	for _, d := range domains {
		if _, err := s.CreateTaxonomyDomain(d, emptyActx()); err != nil {
			return err
		}
		for _, sk := range skills[d] {
			if _, err := s.CreateTaxonomySkill(d, sk, emptyActx()); err != nil {
				return err
			}
		}
	}
	_ = now
	return nil
}

func emptyActx() AuditContext { return AuditContext{SourceIP: "seed", UserAgent: "seed"} }

// CreateTaxonomyDomain inserts a new domain at version 1, or bumps the
// version of an existing one (signed mutations are append-only at the
// identifier level but versioned for cache invalidation).
func (s *Store) CreateTaxonomyDomain(domainID string, actx AuditContext) (TaxonomyDomainRow, error) {
	var existing TaxonomyDomainRow
	err := s.dbmap.SelectOne(&existing, `SELECT domain_id AS DomainID, version AS Version FROM taxonomy_domains WHERE domain_id = ?`, domainID)
	now := s.now()
	if err == nil {
		existing.Version++
		if _, err := s.dbmap.Exec(`UPDATE taxonomy_domains SET version = ? WHERE domain_id = ?`, existing.Version, domainID); err != nil {
			return TaxonomyDomainRow{}, err
		}
		if err := s.RecordAudit(auditRow(actx, "taxonomy.create_domain", "accepted", nil, domainID)); err != nil {
			return TaxonomyDomainRow{}, err
		}
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return TaxonomyDomainRow{}, err
	}

	if _, err := s.dbmap.Exec(
		`INSERT INTO taxonomy_domains (domain_id, version, created_at) VALUES (?, 1, ?)`, domainID, now,
	); err != nil {
		return TaxonomyDomainRow{}, err
	}
	if err := s.RecordAudit(auditRow(actx, "taxonomy.create_domain", "accepted", nil, domainID)); err != nil {
		return TaxonomyDomainRow{}, err
	}
	return TaxonomyDomainRow{DomainID: domainID, Version: 1}, nil
}

// CreateTaxonomySkill inserts a new skill under domainID. Fails with
// not_found if the domain doesn't exist.
func (s *Store) CreateTaxonomySkill(domainID, skillID string, actx AuditContext) (TaxonomySkillRow, error) {
	var domainCount int
	if err := s.dbmap.SelectOne(&domainCount, `SELECT COUNT(*) FROM taxonomy_domains WHERE domain_id = ?`, domainID); err != nil {
		return TaxonomySkillRow{}, err
	}
	if domainCount == 0 {
		return TaxonomySkillRow{}, kerrors.NotFoundError("unknown domain %s", domainID)
	}

	now := s.now()
	if _, err := s.dbmap.Exec(
		`INSERT OR REPLACE INTO taxonomy_skills (domain_id, skill_id, version, created_at)
		 VALUES (?, ?, COALESCE((SELECT version FROM taxonomy_skills WHERE domain_id = ? AND skill_id = ?) + 1, 1), ?)`,
		domainID, skillID, domainID, skillID, now,
	); err != nil {
		return TaxonomySkillRow{}, err
	}
	if err := s.RecordAudit(auditRow(actx, "taxonomy.create_skill", "accepted", nil, domainID+"/"+skillID)); err != nil {
		return TaxonomySkillRow{}, err
	}
	return TaxonomySkillRow{DomainID: domainID, SkillID: skillID}, nil
}

// DeleteTaxonomyDomain removes a domain and every skill under it.
// Fails with not_found if the domain doesn't exist.
func (s *Store) DeleteTaxonomyDomain(domainID string, actx AuditContext) error {
	var domainCount int
	if err := s.dbmap.SelectOne(&domainCount, `SELECT COUNT(*) FROM taxonomy_domains WHERE domain_id = ?`, domainID); err != nil {
		return err
	}
	if domainCount == 0 {
		return kerrors.NotFoundError("unknown domain %s", domainID)
	}
	if _, err := s.dbmap.Exec(`DELETE FROM taxonomy_skills WHERE domain_id = ?`, domainID); err != nil {
		return err
	}
	if _, err := s.dbmap.Exec(`DELETE FROM taxonomy_domains WHERE domain_id = ?`, domainID); err != nil {
		return err
	}
	return s.RecordAudit(auditRow(actx, "taxonomy.delete_domain", "accepted", nil, domainID))
}

// ListTaxonomyDomains returns every domain identifier.
func (s *Store) ListTaxonomyDomains() ([]string, error) {
	rows, err := s.db.Query(`SELECT domain_id FROM taxonomy_domains ORDER BY domain_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListTaxonomySkills returns every skill identifier under domainID.
// Fails with not_found if the domain itself doesn't exist.
func (s *Store) ListTaxonomySkills(domainID string) ([]string, error) {
	var domainCount int
	if err := s.dbmap.SelectOne(&domainCount, `SELECT COUNT(*) FROM taxonomy_domains WHERE domain_id = ?`, domainID); err != nil {
		return nil, err
	}
	if domainCount == 0 {
		return nil, kerrors.NotFoundError("unknown domain %s", domainID)
	}

	rows, err := s.db.Query(`SELECT skill_id FROM taxonomy_skills WHERE domain_id = ? ORDER BY skill_id`, domainID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var sk string
		if err := rows.Scan(&sk); err != nil {
			return nil, err
		}
		out = append(out, sk)
	}
	return out, rows.Err()
}

// DomainExists reports whether domainID is a known taxonomy domain.
func (s *Store) DomainExists(domainID string) (bool, error) {
	var count int
	if err := s.dbmap.SelectOne(&count, `SELECT COUNT(*) FROM taxonomy_domains WHERE domain_id = ?`, domainID); err != nil {
		return false, err
	}
	return count > 0, nil
}

// SkillExists reports whether skillID exists under domainID.
func (s *Store) SkillExists(domainID, skillID string) (bool, error) {
	var count int
	if err := s.dbmap.SelectOne(&count, `SELECT COUNT(*) FROM taxonomy_skills WHERE domain_id = ? AND skill_id = ?`, domainID, skillID); err != nil {
		return false, err
	}
	return count > 0, nil
}
