package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"dealdesk/internal/db"
	"dealdesk/internal/migrate"
)

func TestAppendCommitsWithTx(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn, "sqlite"); err != nil {
		t.Fatal(err)
	}
	w := Writer{DB: conn, Now: func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }}
	ctx := context.Background()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Append(ctx, tx, NegotiationStarted, "session", "s1", "u1", EventPayload{"round": 1}); err != nil {
		t.Fatal(err)
	}
	_ = tx.Rollback()

	var n int
	_ = conn.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n)
	if n != 0 {
		t.Fatalf("rolled back event must not persist")
	}

	tx, _ = conn.BeginTx(ctx, nil)
	if err := w.Append(ctx, tx, NegotiationStarted, "session", "s1", "u1", EventPayload{"round": 1}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	var ts, payload string
	if err := conn.QueryRow(`SELECT ts, payload_json FROM events`).Scan(&ts, &payload); err != nil {
		t.Fatal(err)
	}
	if ts != "2026-01-02T03:04:05Z" {
		t.Fatalf("unexpected ts %s", ts)
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil || decoded["round"].(float64) != 1 {
		t.Fatalf("unexpected payload %s", payload)
	}
}
