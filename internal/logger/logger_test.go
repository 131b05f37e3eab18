package logger

import "testing"

func TestSanitizeRedactsSecrets(t *testing.T) {
	out := sanitize([]any{"session_id", "s1", "api_key", "abc", "Authorization", "Bearer x", "dangling"})
	if len(out) != 7 {
		t.Fatalf("unexpected length %d", len(out))
	}
	if out[1] != "s1" {
		t.Fatalf("session id should pass through, got %v", out[1])
	}
	if out[3] != "[REDACTED]" || out[5] != "[REDACTED]" {
		t.Fatalf("expected redaction, got %v", out)
	}
	if out[6] != "dangling" {
		t.Fatalf("expected dangling key preserved")
	}
}

func TestNopLoggerIsSafe(t *testing.T) {
	l := Nop().With("component", "test")
	l.Info("hello", "token", "x")
	l.Sync()
}
