package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"dealdesk/internal/config"
	"dealdesk/internal/offer"
)

func TestOpenWithDefaults(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(context.Background(), Options{Workspace: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()
	if a.Config.Dealer.ID != "dealdesk" {
		t.Fatalf("expected default config, got %+v", a.Config.Dealer)
	}
	if _, ok := a.Engine.Generator.(offer.Heuristic); !ok {
		t.Fatalf("expected heuristic generator, got %T", a.Engine.Generator)
	}
	if _, err := os.Stat(filepath.Join(dir, ".dealdesk", "dealdesk.db")); err != nil {
		t.Fatalf("database not created: %v", err)
	}
}

func TestOpenReadsWorkspaceConfig(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(config.Path(dir), []byte(config.GenerateDefault("atlas-motors")), 0o644); err != nil {
		t.Fatal(err)
	}
	a, err := Open(context.Background(), Options{Workspace: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()
	if a.Config.Dealer.ID != "atlas-motors" {
		t.Fatalf("workspace config not loaded: %s", a.Config.Dealer.ID)
	}
}

func TestGeminiRequiresKey(t *testing.T) {
	dir := t.TempDir()
	yml := "dealer: {id: d1}\ngenerator: {provider: gemini, api_key_env: DEALDESK_TEST_MISSING_KEY}\n"
	if err := os.WriteFile(config.Path(dir), []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DEALDESK_TEST_MISSING_KEY", "")
	if _, err := Open(context.Background(), Options{Workspace: dir}); err == nil {
		t.Fatalf("expected missing key error")
	}
}

func TestResolveDir(t *testing.T) {
	if got := resolveDir("/ws", "contracts"); got != filepath.Join("/ws", "contracts") {
		t.Fatalf("relative dir: %s", got)
	}
	if got := resolveDir("/ws", "/srv/contracts"); got != "/srv/contracts" {
		t.Fatalf("absolute dir: %s", got)
	}
}
