package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"time"

	"github.com/kredo-project/kredo/internal/model"
)

// AuditContext carries the request-derived fields every audit row
// needs, threaded down from the router into each Store write
// operation so the audit row can be inserted in the same transaction
// as the document it describes.
type AuditContext struct {
	SourceIP  string
	UserAgent string
}

func (a AuditContext) hash() string {
	sum := sha256.Sum256([]byte(a.SourceIP))
	return hex.EncodeToString(sum[:])
}

func auditRow(actx AuditContext, action, outcome string, actor *string, details string) model.AuditEvent {
	return model.AuditEvent{
		Action:       action,
		Outcome:      outcome,
		ActorPubkey:  actor,
		SourceIP:     actx.SourceIP,
		SourceIPHash: actx.hash(),
		UserAgent:    actx.UserAgent,
		DetailsJSON:  details,
	}
}

// execer is satisfied by both *borp.DbMap and *borp.Transaction.
type execer interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
}

func insertAudit(ex execer, now string, ev model.AuditEvent) error {
	var actor interface{}
	if ev.ActorPubkey != nil {
		actor = *ev.ActorPubkey
	}
	_, err := ex.ExecContext(context.Background(),
		`INSERT INTO audit_events
			(timestamp, action, outcome, actor_pubkey, source_ip, source_ip_hash, user_agent, details_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		now, ev.Action, ev.Outcome, actor, ev.SourceIP, ev.SourceIPHash, ev.UserAgent, ev.DetailsJSON,
	)
	return err
}

// NewAuditEvent builds an audit row from request context for callers
// outside this package; the source IP hash is derived here so the raw
// IP never has to round-trip through callers.
func NewAuditEvent(actx AuditContext, action, outcome string, actor *string, details string) model.AuditEvent {
	return auditRow(actx, action, outcome, actor, details)
}

// RecordAudit appends a single audit row outside of any document
// transaction. The router uses this for requests that fail before
// reaching a document operation (bad shape, signature_invalid,
// rate_limited) so that every write attempt, successful or not, is
// logged.
func (s *Store) RecordAudit(ev model.AuditEvent) error {
	return insertAudit(s.dbmap, s.now(), ev)
}

// AuditFilter narrows a ListAudit query.
type AuditFilter struct {
	ActorPubkey *string
	Action      *string
	SinceHours  *int
	Limit       int
	Offset      int
}

// ListAudit returns audit rows matching filter, newest first.
func (s *Store) ListAudit(filter AuditFilter) ([]model.AuditEvent, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 200
	}

	query := `SELECT timestamp, action, outcome, actor_pubkey, source_ip, source_ip_hash, user_agent, details_json
	          FROM audit_events WHERE 1=1`
	var args []interface{}

	if filter.ActorPubkey != nil {
		query += ` AND actor_pubkey = ?`
		args = append(args, *filter.ActorPubkey)
	}
	if filter.Action != nil {
		query += ` AND action = ?`
		args = append(args, *filter.Action)
	}
	if filter.SinceHours != nil {
		cutoff := s.clk.Now().UTC().Add(-time.Duration(*filter.SinceHours) * time.Hour).Format("2006-01-02T15:04:05Z")
		query += ` AND timestamp >= ?`
		args = append(args, cutoff)
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AuditEvent
	for rows.Next() {
		var ev model.AuditEvent
		var actor sql.NullString
		var ts string
		if err := rows.Scan(&ts, &ev.Action, &ev.Outcome, &actor, &ev.SourceIP, &ev.SourceIPHash, &ev.UserAgent, &ev.DetailsJSON); err != nil {
			return nil, err
		}
		if parsed, err := time.Parse("2006-01-02T15:04:05Z", ts); err == nil {
			ev.Timestamp = parsed
		}
		if actor.Valid {
			ev.ActorPubkey = &actor.String
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// SourceAnomaly is one row of the /risk/source-anomalies report: a
// source IP hash whose recent traffic looks like it is being used by
// an unusual number of distinct actors.
type SourceAnomaly struct {
	SourceIPHash string `json:"source_ip_hash"`
	UniqueActors int    `json:"unique_actors"`
	EventCount   int    `json:"event_count"`
}

// SourceAnomalies powers the source-anomaly report: group
// audit rows by source_ip_hash over the trailing window, flag any
// hash whose distinct-actor count and event count are both at least
// the given thresholds, sorted by event count descending and capped at
// limit.
func (s *Store) SourceAnomalies(hours, minEvents, minUniqueActors, limit int) ([]SourceAnomaly, error) {
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	cutoff := s.clk.Now().UTC().Add(-time.Duration(hours) * time.Hour).Format("2006-01-02T15:04:05Z")

	rows, err := s.db.Query(`
		SELECT source_ip_hash,
		       COUNT(DISTINCT COALESCE(actor_pubkey, '')) AS unique_actors,
		       COUNT(*) AS event_count
		FROM audit_events
		WHERE timestamp >= ?
		GROUP BY source_ip_hash
		HAVING unique_actors >= ? AND event_count >= ?
		ORDER BY event_count DESC
		LIMIT ?`, cutoff, minUniqueActors, minEvents, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SourceAnomaly
	for rows.Next() {
		var a SourceAnomaly
		if err := rows.Scan(&a.SourceIPHash, &a.UniqueActors, &a.EventCount); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
