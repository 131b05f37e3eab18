package auth

import (
	"errors"
	"testing"
	"time"
)

func TestIssueAndParseToken(t *testing.T) {
	cfg := TokenConfig{Secret: "s3cret", Issuer: "dealdesk", Audience: "dealdesk-api"}
	now := time.Now()
	tok, err := IssueToken(cfg, "u1", "", time.Hour, now)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	p, err := ParseToken(cfg, tok)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.ActorID != "u1" || p.Role != RoleClient || p.Source != "jwt" {
		t.Fatalf("unexpected principal %+v", p)
	}

	if _, err := ParseToken(TokenConfig{Secret: "other", Issuer: "dealdesk", Audience: "dealdesk-api"}, tok); err == nil {
		t.Fatalf("expected signature failure")
	}
	if _, err := ParseToken(TokenConfig{Secret: "s3cret", Issuer: "dealdesk", Audience: "crm"}, tok); err == nil {
		t.Fatalf("expected audience failure")
	}
	expired, _ := IssueToken(cfg, "u1", RoleService, time.Minute, now.Add(-time.Hour))
	if _, err := ParseToken(cfg, expired); err == nil {
		t.Fatalf("expected expiry failure")
	}
}

func TestIssueTokenRequiresSecret(t *testing.T) {
	if _, err := IssueToken(TokenConfig{}, "u1", "", time.Hour, time.Now()); err == nil {
		t.Fatalf("expected error without secret")
	}
}

func TestCanActFor(t *testing.T) {
	if err := CanActFor(Principal{ActorID: "u1", Role: RoleClient}, "u1"); err != nil {
		t.Fatalf("owner should pass: %v", err)
	}
	if err := CanActFor(Principal{ActorID: "crm", Role: RoleService}, "u1"); err != nil {
		t.Fatalf("service should pass: %v", err)
	}
	err := CanActFor(Principal{ActorID: "u2", Role: RoleClient}, "u1")
	var fe ForbiddenError
	if !errors.As(err, &fe) || fe.UserID != "u1" {
		t.Fatalf("expected forbidden, got %v", err)
	}
}
