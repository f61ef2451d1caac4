package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/letsencrypt/borp"

	"github.com/kredo-project/kredo/internal/kerrors"
	"github.com/kredo-project/kredo/internal/model"
)

// RegistrationView is the public view of an identity row.
type RegistrationView = model.Identity

// RegisterUnsigned upserts an identity on first sight: it creates the
// row if the pubkey is unknown, but never overwrites an existing
// name/type.
func (s *Store) RegisterUnsigned(pubkey, name string, typ model.IdentityType, actx AuditContext) (RegistrationView, bool, error) {
	var view RegistrationView
	created := false

	err := s.withTransaction(func(tx *borp.Transaction) ([]string, error) {
		existing, err := getIdentity(tx, pubkey)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		now := s.now()
		if existing != nil {
			if _, err := tx.ExecContext(context.Background(), `UPDATE identities SET last_seen = ? WHERE pubkey = ?`, now, pubkey); err != nil {
				return nil, err
			}
			view = *existing
			if seen, err := parseTimestamp(now); err == nil {
				view.LastSeen = seen
			}
			if err := insertAudit(tx, now, auditRow(actx, "register", "unchanged", &pubkey, "")); err != nil {
				return nil, err
			}
			return []string{pubkey}, nil
		}

		if _, err := tx.ExecContext(context.Background(),
			`INSERT INTO identities (pubkey, name, type, first_seen, last_seen, registered) VALUES (?, ?, ?, ?, ?, 1)`,
			pubkey, name, string(typ), now, now,
		); err != nil {
			return nil, err
		}
		view = RegistrationView{Pubkey: pubkey, Name: name, Type: typ}
		if seen, err := parseTimestamp(now); err == nil {
			view.FirstSeen = seen
			view.LastSeen = seen
		}
		created = true
		if err := insertAudit(tx, now, auditRow(actx, "register", "created", &pubkey, "")); err != nil {
			return nil, err
		}
		return []string{pubkey}, nil
	})
	return view, created, err
}

// RegisterUpdate applies a signature-verified name/type change. The
// caller is responsible for verifying the signature before calling
// this; RegisterUpdate only enforces that the row exists.
func (s *Store) RegisterUpdate(pubkey, name string, typ model.IdentityType, actx AuditContext) (RegistrationView, error) {
	var view RegistrationView
	err := s.withTransaction(func(tx *borp.Transaction) ([]string, error) {
		existing, err := getIdentity(tx, pubkey)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, kerrors.NotFoundError("unknown pubkey %s", pubkey)
		}
		if err != nil {
			return nil, err
		}
		now := s.now()
		if _, err := tx.ExecContext(context.Background(),
			`UPDATE identities SET name = ?, type = ?, last_seen = ? WHERE pubkey = ?`,
			name, string(typ), now, pubkey,
		); err != nil {
			return nil, err
		}
		view = *existing
		view.Name = name
		view.Type = typ
		if err := insertAudit(tx, now, auditRow(actx, "register_update", "accepted", &pubkey, "")); err != nil {
			return nil, err
		}
		return []string{pubkey}, nil
	})
	return view, err
}

// GetIdentity returns the identity row for pubkey, or a not_found
// kerror.
func (s *Store) GetIdentity(pubkey string) (RegistrationView, error) {
	id, err := getIdentity(s.dbmap, pubkey)
	if errors.Is(err, sql.ErrNoRows) {
		return RegistrationView{}, kerrors.NotFoundError("unknown pubkey %s", pubkey)
	}
	if err != nil {
		return RegistrationView{}, err
	}
	return *id, nil
}

// identityRow is the raw scan target; timestamps are stored as TEXT
// and parsed after the fact like every other table in this package.
type identityRow struct {
	Pubkey    string `db:"pubkey"`
	Name      string `db:"name"`
	Type      string `db:"type"`
	FirstSeen string `db:"first_seen"`
	LastSeen  string `db:"last_seen"`
}

func (r identityRow) view() (*RegistrationView, error) {
	firstSeen, err := parseTimestamp(r.FirstSeen)
	if err != nil {
		return nil, err
	}
	lastSeen, err := parseTimestamp(r.LastSeen)
	if err != nil {
		return nil, err
	}
	return &RegistrationView{
		Pubkey: r.Pubkey, Name: r.Name, Type: model.IdentityType(r.Type),
		FirstSeen: firstSeen, LastSeen: lastSeen,
	}, nil
}

func getIdentity(sel OneSelector, pubkey string) (*RegistrationView, error) {
	var row identityRow
	err := sel.SelectOne(context.Background(), &row,
		`SELECT pubkey, name, type, first_seen, last_seen FROM identities WHERE pubkey = ?`, pubkey)
	if err != nil {
		return nil, err
	}
	return row.view()
}

// EnsureKnownKey records a previously-unseen pubkey in the identity
// table without ever overriding an existing registration. It is
// called inside the same transaction as any document insert that
// references a pubkey (attestor, subject, etc).
func ensureKnownKey(tx *borp.Transaction, now, pubkey, name string, typ model.IdentityType) error {
	existing, err := getIdentity(tx, pubkey)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if existing != nil {
		_, err := tx.ExecContext(context.Background(), `UPDATE identities SET last_seen = ? WHERE pubkey = ?`, now, pubkey)
		return err
	}
	_, err = tx.ExecContext(context.Background(),
		`INSERT INTO identities (pubkey, name, type, first_seen, last_seen, registered) VALUES (?, ?, ?, ?, ?, 0)`,
		pubkey, name, string(typ), now, now,
	)
	return err
}

// ListAgents returns identity rows, newest-registered first.
func (s *Store) ListAgents(limit, offset int) ([]RegistrationView, error) {
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	rowsAny, err := s.dbmap.Select(context.Background(), &identityRow{},
		`SELECT pubkey, name, type, first_seen, last_seen FROM identities ORDER BY first_seen DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, err
	}
	out := make([]RegistrationView, 0, len(rowsAny))
	for _, r := range rowsAny {
		view, err := r.(*identityRow).view()
		if err != nil {
			return nil, err
		}
		out = append(out, *view)
	}
	return out, nil
}
