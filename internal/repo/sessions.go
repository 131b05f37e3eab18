package repo

import (
	"context"
	"database/sql"
	"strings"

	"dealdesk/internal/domain"
)

const sessionColumns = `id,user_id,status,current_round,max_rounds,initial_offer_json,current_offer_json,created_at,updated_at,expires_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (domain.Session, error) {
	var s domain.Session
	var initial, current sql.NullString
	err := row.Scan(&s.ID, &s.UserID, &s.Status, &s.CurrentRound, &s.MaxRounds, &initial, &current, &s.CreatedAt, &s.UpdatedAt, &s.ExpiresAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if err := decodeJSON(initial, &s.InitialOffer); err != nil {
		return s, err
	}
	if err := decodeJSON(current, &s.CurrentOffer); err != nil {
		return s, err
	}
	return s, nil
}

func (r Repo) InsertSession(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	initial, err := encodeJSON(s.InitialOffer)
	if err != nil {
		return err
	}
	current, err := encodeJSON(s.CurrentOffer)
	if err != nil {
		return err
	}
	_, err = r.on(tx).ExecContext(ctx, `INSERT INTO sessions(`+sessionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.UserID, s.Status, s.CurrentRound, s.MaxRounds, initial, current, s.CreatedAt, s.UpdatedAt, s.ExpiresAt)
	return err
}

// UpdateSession persists the mutable fields. Identity, max rounds, the initial snapshot and
// timestamps other than updated_at never change.
func (r Repo) UpdateSession(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	current, err := encodeJSON(s.CurrentOffer)
	if err != nil {
		return err
	}
	return mustAffect(r.on(tx).ExecContext(ctx, `UPDATE sessions SET status=?, current_round=?, current_offer_json=?, updated_at=? WHERE id=?`,
		s.Status, s.CurrentRound, current, s.UpdatedAt, s.ID))
}

func (r Repo) GetSession(ctx context.Context, tx *sql.Tx, id string) (domain.Session, error) {
	return scanSession(r.on(tx).QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=?`, id))
}

type SessionFilters struct {
	UserID string
	Status string
	Limit  int
}

func (r Repo) ListSessions(ctx context.Context, f SessionFilters) ([]domain.Session, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.UserID != "" {
		clauses = append(clauses, "user_id=?")
		args = append(args, f.UserID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// DeleteSession removes the session with its history, validations and active-index row.
func (r Repo) DeleteSession(ctx context.Context, tx *sql.Tx, id string) error {
	q := r.on(tx)
	for _, stmt := range []string{
		`DELETE FROM history WHERE session_id=?`,
		`DELETE FROM validations WHERE session_id=?`,
		`DELETE FROM active_sessions WHERE session_id=?`,
	} {
		if _, err := q.ExecContext(ctx, stmt, id); err != nil {
			return err
		}
	}
	return mustAffect(q.ExecContext(ctx, `DELETE FROM sessions WHERE id=?`, id))
}

// ActiveSessionID looks up the user's open session through the secondary index.
func (r Repo) ActiveSessionID(ctx context.Context, tx *sql.Tx, userID string) (string, error) {
	var id string
	err := r.on(tx).QueryRowContext(ctx, `SELECT session_id FROM active_sessions WHERE user_id=?`, userID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return id, err
}

// SetActiveSession points the user's slot at sessionID, replacing any previous entry.
func (r Repo) SetActiveSession(ctx context.Context, tx *sql.Tx, userID, sessionID string) error {
	q := r.on(tx)
	if _, err := q.ExecContext(ctx, `DELETE FROM active_sessions WHERE user_id=?`, userID); err != nil {
		return err
	}
	_, err := q.ExecContext(ctx, `INSERT INTO active_sessions(user_id,session_id) VALUES (?,?)`, userID, sessionID)
	return err
}

// ClearActiveSession frees the slot only if it still points at sessionID.
func (r Repo) ClearActiveSession(ctx context.Context, tx *sql.Tx, userID, sessionID string) error {
	_, err := r.on(tx).ExecContext(ctx, `DELETE FROM active_sessions WHERE user_id=? AND session_id=?`, userID, sessionID)
	return err
}

// ExpiredOpenSessionIDs returns open sessions whose expires_at is at or before now.
func (r Repo) ExpiredOpenSessionIDs(ctx context.Context, now string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM sessions WHERE status IN (?,?) AND expires_at<=? ORDER BY expires_at LIMIT ?`,
		domain.StatusActive, domain.StatusMaxRoundsReached, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
