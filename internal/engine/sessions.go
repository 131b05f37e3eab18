package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"dealdesk/internal/domain"
	"dealdesk/internal/events"
)

const reapBatch = 100

// Get returns the session, expiring it first when its TTL has passed.
func (e Engine) Get(ctx context.Context, sessionID string) (domain.Session, error) {
	s, err := e.Repo.GetSession(ctx, nil, sessionID)
	if err != nil {
		return s, err
	}
	if !domain.Open(s.Status) || !e.due(s) {
		return s, nil
	}
	unlock := e.lock("session:" + sessionID)
	defer unlock()
	if s, err = e.Repo.GetSession(ctx, nil, sessionID); err != nil {
		return s, err
	}
	return e.expireIfDue(ctx, s, s.UserID)
}

// ActiveForUser resolves the user's open session through the active index.
func (e Engine) ActiveForUser(ctx context.Context, userID string) (domain.Session, error) {
	id, err := e.Repo.ActiveSessionID(ctx, nil, userID)
	if err != nil {
		return domain.Session{}, err
	}
	s, err := e.Get(ctx, id)
	if err != nil {
		return s, err
	}
	if !domain.Open(s.Status) {
		return domain.Session{}, ErrNotFound
	}
	return s, nil
}

func (e Engine) History(ctx context.Context, sessionID string) ([]domain.HistoryEntry, error) {
	if _, err := e.Repo.GetSession(ctx, nil, sessionID); err != nil {
		return nil, err
	}
	return e.Repo.ListHistory(ctx, nil, sessionID)
}

func (e Engine) Validations(ctx context.Context, sessionID string) ([]domain.ValidationRecord, error) {
	if _, err := e.Repo.GetSession(ctx, nil, sessionID); err != nil {
		return nil, err
	}
	return e.Repo.ListValidations(ctx, sessionID)
}

// Delete removes the session and everything recorded under it.
func (e Engine) Delete(ctx context.Context, sessionID, actorID string) error {
	unlock := e.lock("session:" + sessionID)
	defer unlock()
	s, err := e.Repo.GetSession(ctx, nil, sessionID)
	if err != nil {
		return err
	}
	if actorID == "" {
		actorID = s.UserID
	}
	err = e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.DeleteSession(ctx, tx, sessionID); err != nil {
			return err
		}
		return e.emit(ctx, tx, events.NegotiationDeleted, sessionID, actorID, events.EventPayload{
			"user_id": s.UserID, "status": s.Status,
		})
	})
	if err != nil {
		return err
	}
	e.log().Info("negotiation deleted", "session_id", sessionID, "actor_id", actorID)
	return nil
}

// ReapExpired moves every open session past its TTL to expired and reports how many moved.
func (e Engine) ReapExpired(ctx context.Context) (int, error) {
	total := 0
	for {
		ids, err := e.Repo.ExpiredOpenSessionIDs(ctx, e.stamp(), reapBatch)
		if err != nil {
			return total, err
		}
		moved := 0
		for _, id := range ids {
			ok, err := e.reapOne(ctx, id)
			if err != nil {
				return total, err
			}
			if ok {
				moved++
			}
		}
		total += moved
		if len(ids) < reapBatch || moved == 0 {
			break
		}
	}
	if total > 0 {
		e.log().Info("expired negotiations reaped", "count", total)
	}
	return total, nil
}

func (e Engine) reapOne(ctx context.Context, id string) (bool, error) {
	unlock := e.lock("session:" + id)
	defer unlock()
	s, err := e.Repo.GetSession(ctx, nil, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !domain.Open(s.Status) || !e.due(s) {
		return false, nil
	}
	err = e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		return e.expireTx(ctx, tx, s, "system", "ttl")
	})
	return err == nil, err
}

func (e Engine) due(s domain.Session) bool {
	exp, err := time.Parse(time.RFC3339, s.ExpiresAt)
	if err != nil {
		return false
	}
	return !e.now().Before(exp)
}

// expireIfDue lazily applies the TTL. Callers hold the session lock.
func (e Engine) expireIfDue(ctx context.Context, s domain.Session, actorID string) (domain.Session, error) {
	if !domain.Open(s.Status) || !e.due(s) {
		return s, nil
	}
	err := e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		return e.expireTx(ctx, tx, s, actorID, "ttl")
	})
	if err != nil {
		return s, err
	}
	s.Status = domain.StatusExpired
	return s, nil
}

func (e Engine) expireTx(ctx context.Context, tx *sql.Tx, s domain.Session, actorID, reason string) error {
	s.Status = domain.StatusExpired
	s.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateSession(ctx, tx, s); err != nil {
		return err
	}
	if err := e.Repo.ClearActiveSession(ctx, tx, s.UserID, s.ID); err != nil {
		return err
	}
	if err := e.emit(ctx, tx, events.NegotiationExpired, s.ID, actorID, events.EventPayload{
		"user_id": s.UserID, "round": s.CurrentRound, "reason": reason,
	}); err != nil {
		return err
	}
	e.log().Info("negotiation expired", "session_id", s.ID, "reason", reason)
	return nil
}
