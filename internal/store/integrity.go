package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"sort"

	"github.com/google/uuid"
	"github.com/letsencrypt/borp"

	"github.com/kredo-project/kredo/internal/kerrors"
	"github.com/kredo-project/kredo/internal/model"
)

// RedThreshold is the default composite-change-count at or above which an
// integrity check is red rather than yellow: one or more changed or
// removed files against the baseline.
const RedThreshold = 1

// SetIntegrityBaseline applies an owner-signed baseline. The owner
// must be the currently active owner of agentPubkey; the previous
// active baseline, if any, becomes superseded.
func (s *Store) SetIntegrityBaseline(baselineID, agentPubkey, ownerPubkey string, hashes []model.FileHash, signature string, actx AuditContext) (model.IntegrityBaseline, error) {
	if baselineID == "" {
		baselineID = uuid.NewString()
	}
	sorted := append([]model.FileHash(nil), hashes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	var baseline model.IntegrityBaseline
	err := s.withTransaction(func(tx *borp.Transaction) ([]string, error) {
		active, err := activeClaimForAgent(tx, agentPubkey)
		if err != nil {
			return nil, err
		}
		if active == nil || active.HumanPubkey != ownerPubkey {
			if auditErr := insertAudit(tx, s.now(), auditRow(actx, "integrity.set_baseline", "permission_error", &ownerPubkey, baselineID)); auditErr != nil {
				return nil, auditErr
			}
			return nil, kerrors.PermissionError("owner is not the active owner of this agent")
		}

		now := s.now()
		if _, err := tx.Exec(
			`UPDATE integrity_baselines SET status = ? WHERE agent_pubkey = ? AND status = ?`,
			string(model.BaselineSuperseded), agentPubkey, string(model.BaselineActive),
		); err != nil {
			return nil, err
		}

		hashesJSON, _ := json.Marshal(sorted)
		if _, err := tx.Exec(
			`INSERT INTO integrity_baselines (baseline_id, agent_pubkey, owner_pubkey, file_hashes_json, owner_signature, set_at, status)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			baselineID, agentPubkey, ownerPubkey, string(hashesJSON), signature, now, string(model.BaselineActive),
		); err != nil {
			return nil, err
		}
		if err := insertAudit(tx, now, auditRow(actx, "integrity.set_baseline", "accepted", &ownerPubkey, baselineID)); err != nil {
			return nil, err
		}

		setAt, err := parseTimestamp(now)
		if err != nil {
			return nil, err
		}
		baseline = model.IntegrityBaseline{
			BaselineID: baselineID, AgentPubkey: agentPubkey, OwnerPubkey: ownerPubkey,
			FileHashes: sorted, OwnerSignature: signature, SetAt: setAt, Status: model.BaselineActive,
		}
		return []string{agentPubkey, ownerPubkey}, nil
	})
	return baseline, err
}

// GetActiveBaseline returns the active baseline for agentPubkey, or
// nil if none has been set.
func (s *Store) GetActiveBaseline(agentPubkey string) (*model.IntegrityBaseline, error) {
	return getActiveBaseline(s.dbmap, agentPubkey)
}

func getActiveBaseline(sel OneSelector, agentPubkey string) (*model.IntegrityBaseline, error) {
	var row struct {
		BaselineID     string
		AgentPubkey    string `db:"agent_pubkey"`
		OwnerPubkey    string `db:"owner_pubkey"`
		FileHashesJSON string `db:"file_hashes_json"`
		OwnerSignature string `db:"owner_signature"`
		SetAt          string `db:"set_at"`
		Status         string
		SoftPathsJSON  sql.NullString `db:"soft_paths_json"`
	}
	err := sel.SelectOne(&row,
		`SELECT baseline_id, agent_pubkey, owner_pubkey, file_hashes_json, owner_signature, set_at, status, soft_paths_json
		 FROM integrity_baselines WHERE agent_pubkey = ? AND status = ?`, agentPubkey, string(model.BaselineActive))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var hashes []model.FileHash
	if err := json.Unmarshal([]byte(row.FileHashesJSON), &hashes); err != nil {
		return nil, err
	}
	setAt, err := parseTimestamp(row.SetAt)
	if err != nil {
		return nil, err
	}
	b := &model.IntegrityBaseline{
		BaselineID: row.BaselineID, AgentPubkey: row.AgentPubkey, OwnerPubkey: row.OwnerPubkey,
		FileHashes: hashes, OwnerSignature: row.OwnerSignature, SetAt: setAt, Status: model.BaselineStatus(row.Status),
	}
	if row.SoftPathsJSON.Valid {
		json.Unmarshal([]byte(row.SoftPathsJSON.String), &b.SoftPaths)
	}
	return b, nil
}

// RecordIntegrityCheck applies an agent-signed check, diffing it
// against the active baseline and computing the traffic light.
func (s *Store) RecordIntegrityCheck(checkID, agentPubkey string, hashes []model.FileHash, signature string, actx AuditContext) (model.IntegrityCheck, error) {
	if checkID == "" {
		checkID = uuid.NewString()
	}

	var check model.IntegrityCheck
	err := s.withTransaction(func(tx *borp.Transaction) ([]string, error) {
		baseline, err := getActiveBaseline(tx, agentPubkey)
		if err != nil {
			return nil, err
		}
		var diff model.IntegrityDiff
		var light model.TrafficLight
		if baseline == nil {
			// No baseline yet: nothing to compare against. Treat as green
			// with an empty diff.
			light = model.LightGreen
		} else {
			diff = diffFileHashes(baseline.FileHashes, hashes)
			light = trafficLight(diff, baseline.SoftPaths)
		}

		now := s.now()
		result := model.IntegrityResult{Status: light, Diff: diff}
		hashesJSON, _ := json.Marshal(hashes)
		resultJSON, _ := json.Marshal(result)
		if _, err := tx.Exec(
			`INSERT INTO integrity_checks (check_id, agent_pubkey, file_hashes_json, agent_signature, checked_at, result_json)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			checkID, agentPubkey, string(hashesJSON), signature, now, string(resultJSON),
		); err != nil {
			return nil, err
		}
		if err := insertAudit(tx, now, auditRow(actx, "integrity.check", string(light), &agentPubkey, checkID)); err != nil {
			return nil, err
		}

		checkedAt, err := parseTimestamp(now)
		if err != nil {
			return nil, err
		}
		check = model.IntegrityCheck{
			CheckID: checkID, AgentPubkey: agentPubkey, FileHashes: hashes,
			AgentSignature: signature, CheckedAt: checkedAt, Result: result,
		}
		return []string{agentPubkey}, nil
	})
	return check, err
}

// LatestIntegrityCheck returns the most recent check for agentPubkey.
func (s *Store) LatestIntegrityCheck(agentPubkey string) (*model.IntegrityCheck, error) {
	var row struct {
		CheckID        string
		AgentPubkey    string `db:"agent_pubkey"`
		FileHashesJSON string `db:"file_hashes_json"`
		AgentSignature string `db:"agent_signature"`
		CheckedAt      string `db:"checked_at"`
		ResultJSON     string `db:"result_json"`
	}
	err := s.dbmap.SelectOne(&row,
		`SELECT check_id, agent_pubkey, file_hashes_json, agent_signature, checked_at, result_json
		 FROM integrity_checks WHERE agent_pubkey = ? ORDER BY checked_at DESC LIMIT 1`, agentPubkey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var hashes []model.FileHash
	if err := json.Unmarshal([]byte(row.FileHashesJSON), &hashes); err != nil {
		return nil, err
	}
	var result model.IntegrityResult
	if err := json.Unmarshal([]byte(row.ResultJSON), &result); err != nil {
		return nil, err
	}
	checkedAt, err := parseTimestamp(row.CheckedAt)
	if err != nil {
		return nil, err
	}
	return &model.IntegrityCheck{
		CheckID: row.CheckID, AgentPubkey: row.AgentPubkey, FileHashes: hashes,
		AgentSignature: row.AgentSignature, CheckedAt: checkedAt, Result: result,
	}, nil
}

func diffFileHashes(baseline, current []model.FileHash) model.IntegrityDiff {
	baseIdx := make(map[string]string, len(baseline))
	for _, h := range baseline {
		baseIdx[h.Path] = h.SHA256
	}
	curIdx := make(map[string]string, len(current))
	for _, h := range current {
		curIdx[h.Path] = h.SHA256
	}

	var diff model.IntegrityDiff
	for path, sum := range curIdx {
		baseSum, existed := baseIdx[path]
		if !existed {
			diff.Added = append(diff.Added, path)
		} else if baseSum != sum {
			diff.Changed = append(diff.Changed, path)
		}
	}
	for path := range baseIdx {
		if _, stillPresent := curIdx[path]; !stillPresent {
			diff.Removed = append(diff.Removed, path)
		}
	}
	sort.Strings(diff.Added)
	sort.Strings(diff.Removed)
	sort.Strings(diff.Changed)
	return diff
}

// trafficLight: green on an empty diff; red
// when changed-or-removed files (outside any soft list) reach
// RedThreshold; yellow otherwise (pure additions, or changes/removals
// fully covered by the soft list).
func trafficLight(diff model.IntegrityDiff, softPaths []string) model.TrafficLight {
	if len(diff.Changed) == 0 && len(diff.Removed) == 0 && len(diff.Added) == 0 {
		return model.LightGreen
	}

	soft := make(map[string]bool, len(softPaths))
	for _, p := range softPaths {
		soft[p] = true
	}

	hardCount := 0
	for _, p := range append(append([]string{}, diff.Changed...), diff.Removed...) {
		if !soft[p] {
			hardCount++
		}
	}
	if hardCount >= RedThreshold {
		return model.LightRed
	}
	return model.LightYellow
}

// RecommendedAction maps a traffic light to the run-gate action.
func RecommendedAction(light model.TrafficLight) string {
	switch light {
	case model.LightGreen:
		return "safe_to_run"
	case model.LightYellow:
		return "owner_review_required"
	default:
		return "block_run"
	}
}

// RequiresOwnerReapproval is true whenever the traffic light is not
// green.
func RequiresOwnerReapproval(light model.TrafficLight) bool {
	return light != model.LightGreen
}
