package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/oklog/ulid/v2"

	"dealdesk/internal/domain"
)

// AppendHistory writes one transcript entry. IDs are ULIDs so lexical order is append order.
func (r Repo) AppendHistory(ctx context.Context, tx *sql.Tx, e domain.HistoryEntry) (domain.HistoryEntry, error) {
	switch e.Speaker {
	case domain.SpeakerClient, domain.SpeakerAgent:
	default:
		return e, fmt.Errorf("invalid speaker %q", e.Speaker)
	}
	switch e.Action {
	case domain.ActionPropose, domain.ActionCounter, domain.ActionAccept, domain.ActionReject:
	default:
		return e, fmt.Errorf("invalid action %q", e.Action)
	}
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	var offer any
	if e.Offer != nil {
		raw, err := encodeJSON(e.Offer)
		if err != nil {
			return e, err
		}
		offer = raw
	}
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO history(id,session_id,round,speaker,action,message,offer_json,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		e.ID, e.SessionID, e.Round, e.Speaker, e.Action, e.Message, offer, e.CreatedAt)
	return e, err
}

// ListHistory returns the full transcript in append order.
func (r Repo) ListHistory(ctx context.Context, tx *sql.Tx, sessionID string) ([]domain.HistoryEntry, error) {
	return r.queryHistory(ctx, r.on(tx), `SELECT id,session_id,round,speaker,action,message,offer_json,created_at FROM history WHERE session_id=? ORDER BY id ASC`, sessionID)
}

// RecentHistory returns the last n entries, oldest first.
func (r Repo) RecentHistory(ctx context.Context, tx *sql.Tx, sessionID string, n int) ([]domain.HistoryEntry, error) {
	entries, err := r.queryHistory(ctx, r.on(tx), `SELECT id,session_id,round,speaker,action,message,offer_json,created_at FROM history WHERE session_id=? ORDER BY id DESC LIMIT ?`, sessionID, n)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

func (r Repo) queryHistory(ctx context.Context, q dbtx, query string, args ...any) ([]domain.HistoryEntry, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.HistoryEntry{}
	for rows.Next() {
		var e domain.HistoryEntry
		var offer sql.NullString
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Round, &e.Speaker, &e.Action, &e.Message, &offer, &e.CreatedAt); err != nil {
			return nil, err
		}
		if offer.Valid {
			var t domain.Terms
			if err := decodeJSON(offer, &t); err != nil {
				return nil, err
			}
			e.Offer = &t
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
