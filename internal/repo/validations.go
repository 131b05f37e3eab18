package repo

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"dealdesk/internal/domain"
)

func (r Repo) InsertValidation(ctx context.Context, tx *sql.Tx, v domain.ValidationRecord) (domain.ValidationRecord, error) {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	violations, err := encodeJSON(nonNil(v.Violations))
	if err != nil {
		return v, err
	}
	warnings, err := encodeJSON(nonNil(v.Warnings))
	if err != nil {
		return v, err
	}
	audit, err := encodeJSON(nonNil(v.AuditTrail))
	if err != nil {
		return v, err
	}
	approved := 0
	if v.IsApproved {
		approved = 1
	}
	_, err = r.on(tx).ExecContext(ctx, `INSERT INTO validations(id,session_id,round,approved,violations_json,warnings_json,audit_json,confidence,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		v.ID, v.SessionID, v.Round, approved, violations, warnings, audit, v.ConfidenceScore, v.CreatedAt)
	return v, err
}

// ListValidations returns policy runs for a session, oldest first.
func (r Repo) ListValidations(ctx context.Context, sessionID string) ([]domain.ValidationRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,session_id,round,approved,violations_json,warnings_json,audit_json,confidence,created_at FROM validations WHERE session_id=? ORDER BY created_at ASC, round ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.ValidationRecord{}
	for rows.Next() {
		var v domain.ValidationRecord
		var approved int
		var violations, warnings, audit sql.NullString
		if err := rows.Scan(&v.ID, &v.SessionID, &v.Round, &approved, &violations, &warnings, &audit, &v.ConfidenceScore, &v.CreatedAt); err != nil {
			return nil, err
		}
		v.IsApproved = approved == 1
		v.Violations, v.Warnings, v.AuditTrail = []string{}, []string{}, []string{}
		for _, pair := range []struct {
			raw sql.NullString
			dst *[]string
		}{{violations, &v.Violations}, {warnings, &v.Warnings}, {audit, &v.AuditTrail}} {
			if err := decodeJSON(pair.raw, pair.dst); err != nil {
				return nil, err
			}
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
