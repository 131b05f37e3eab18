package repo

import (
	"context"
	"database/sql"
	"strings"

	"dealdesk/internal/domain"
)

type EventFilters struct {
	Type       string
	EntityKind string
	EntityID   string
	// Before pages backwards: only events with a smaller id are returned.
	Before int64
	Limit  int
}

// LatestEvents returns events newest first.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Before > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Before)
	}
	args = append(args, f.Limit)
	return r.queryEvents(ctx, `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events WHERE `+strings.Join(clauses, " AND ")+` ORDER BY id DESC LIMIT ?`, args...)
}

// EventsAfter returns events with ids greater than cursor, oldest first.
func (r Repo) EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

// LatestEventID returns the highest event id, or 0 on an empty log.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Event{}
	for rows.Next() {
		var e domain.Event
		var entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		e.EntityID = entityID.String
		e.Payload = payload.String
		res = append(res, e)
	}
	return res, rows.Err()
}
