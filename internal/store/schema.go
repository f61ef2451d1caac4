package store

import "strings"

// schemaMigrations is the monotonic, versioned migration list per the
// persistence layout: applying version N requires version N-1 to
// already be present. Each entry is plain DDL run inside its own
// transaction.
var schemaMigrations = []string{
	// version 1: identities, attestations, revocations, disputes
	`
	CREATE TABLE schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	);

	CREATE TABLE identities (
		pubkey     TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		type       TEXT NOT NULL,
		first_seen TEXT NOT NULL,
		last_seen  TEXT NOT NULL,
		registered INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE attestations (
		id                TEXT PRIMARY KEY,
		kredo             TEXT NOT NULL,
		type              TEXT NOT NULL,
		subject_pubkey    TEXT NOT NULL,
		subject_json      TEXT NOT NULL,
		attestor_pubkey   TEXT NOT NULL,
		attestor_json     TEXT NOT NULL,
		skill_domain      TEXT NOT NULL,
		skill_specific    TEXT NOT NULL,
		skill_json        TEXT NOT NULL,
		evidence_json     TEXT NOT NULL,
		evidence_score_json TEXT NOT NULL,
		issued            TEXT NOT NULL,
		expires           TEXT NOT NULL,
		signature         TEXT NOT NULL,
		revoked_at        TEXT,
		revoker_pubkey    TEXT
	);
	CREATE INDEX idx_attestations_subject ON attestations(subject_pubkey);
	CREATE INDEX idx_attestations_attestor ON attestations(attestor_pubkey);
	CREATE INDEX idx_attestations_issued ON attestations(issued);

	CREATE TABLE revocations (
		id             TEXT PRIMARY KEY,
		attestation_id TEXT NOT NULL,
		revoker_pubkey TEXT NOT NULL,
		revoker_json   TEXT NOT NULL,
		reason         TEXT NOT NULL,
		issued         TEXT NOT NULL,
		signature      TEXT NOT NULL
	);

	CREATE TABLE disputes (
		id           TEXT PRIMARY KEY,
		warning_id   TEXT NOT NULL,
		disputor_pubkey TEXT NOT NULL,
		disputor_json TEXT NOT NULL,
		response     TEXT NOT NULL,
		issued       TEXT NOT NULL,
		signature    TEXT NOT NULL
	);
	CREATE INDEX idx_disputes_warning ON disputes(warning_id);

	CREATE TABLE audit_events (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp      TEXT NOT NULL,
		action         TEXT NOT NULL,
		outcome        TEXT NOT NULL,
		actor_pubkey   TEXT,
		source_ip      TEXT NOT NULL,
		source_ip_hash TEXT NOT NULL,
		user_agent     TEXT NOT NULL,
		details_json   TEXT NOT NULL
	);
	CREATE INDEX idx_audit_source_hash ON audit_events(source_ip_hash, timestamp);
	`,
	// version 2: ownership claims, integrity baselines/checks
	`
	CREATE TABLE ownership_claims (
		claim_id          TEXT PRIMARY KEY,
		agent_pubkey      TEXT NOT NULL,
		human_pubkey      TEXT NOT NULL,
		claim_signature   TEXT NOT NULL,
		confirm_signature TEXT,
		claimed_at        TEXT NOT NULL,
		confirmed_at      TEXT,
		revoked_at        TEXT,
		revoker           TEXT,
		revoke_reason     TEXT,
		state             TEXT NOT NULL
	);
	CREATE INDEX idx_ownership_agent ON ownership_claims(agent_pubkey, state);

	CREATE TABLE integrity_baselines (
		baseline_id     TEXT PRIMARY KEY,
		agent_pubkey    TEXT NOT NULL,
		owner_pubkey    TEXT NOT NULL,
		file_hashes_json TEXT NOT NULL,
		owner_signature TEXT NOT NULL,
		set_at          TEXT NOT NULL,
		status          TEXT NOT NULL,
		soft_paths_json TEXT
	);
	CREATE INDEX idx_baseline_agent ON integrity_baselines(agent_pubkey, status);

	CREATE TABLE integrity_checks (
		check_id        TEXT PRIMARY KEY,
		agent_pubkey    TEXT NOT NULL,
		file_hashes_json TEXT NOT NULL,
		agent_signature TEXT NOT NULL,
		checked_at      TEXT NOT NULL,
		result_json     TEXT NOT NULL
	);
	CREATE INDEX idx_check_agent ON integrity_checks(agent_pubkey, checked_at);
	`,
	// version 3: taxonomy registry
	`
	CREATE TABLE taxonomy_domains (
		domain_id  TEXT PRIMARY KEY,
		version    INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE taxonomy_skills (
		domain_id  TEXT NOT NULL,
		skill_id   TEXT NOT NULL,
		version    INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (domain_id, skill_id)
	);
	`,
}

// Migrate applies any schemaMigrations not yet recorded in
// schema_migrations, in order, each inside its own transaction.
func (s *Store) Migrate() error {
	var highest int
	row := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`)
	if err := row.Scan(&highest); err != nil {
		// schema_migrations itself doesn't exist yet: version 0.
		highest = 0
	}

	for i, ddl := range schemaMigrations {
		version := i + 1
		if version <= highest {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		for _, stmt := range splitStatements(ddl) {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return err
			}
		}
		if _, err := tx.Exec(
			`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
			version, s.clk.Now().UTC().Format("2006-01-02T15:04:05Z"),
		); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// splitStatements breaks a DDL block into individual statements. The
// sqlite driver executes one statement per Exec call, unlike some
// drivers that accept a whole script.
func splitStatements(ddl string) []string {
	var out []string
	for _, stmt := range strings.Split(ddl, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
