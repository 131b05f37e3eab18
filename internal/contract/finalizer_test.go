package contract

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"dealdesk/internal/domain"
)

func TestFinalizeWritesDocument(t *testing.T) {
	dir := t.TempDir()
	f := FileFinalizer{Dir: dir, Prefix: "DD", Now: func() time.Time { return time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC) }}
	ref, err := f.Finalize(context.Background(), Request{
		SessionID: "s1",
		UserID:    "u1",
		Terms:     domain.Terms{OfferPrice: 150000, DiscountAmount: 20000, PaymentMethod: "Cash"},
	})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if !regexp.MustCompile(`^DD-20260304-[0-9A-F]{6}$`).MatchString(ref.ContractID) {
		t.Fatalf("unexpected contract id %s", ref.ContractID)
	}
	if !strings.HasSuffix(ref.DocumentRef, ref.ContractID+".json") {
		t.Fatalf("unexpected document ref %s", ref.DocumentRef)
	}
	doc, err := f.Load(ref.ContractID + ".json")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if doc.SessionID != "s1" || doc.Terms.OfferPrice != 150000 {
		t.Fatalf("unexpected document %+v", doc)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("temp file left behind: %v", entries)
	}
}

func TestLoadRejectsTraversal(t *testing.T) {
	f := FileFinalizer{Dir: t.TempDir()}
	for _, name := range []string{"../etc/passwd", "x.json", "DD-20260304-ABCDEF.json/../../a"} {
		if _, err := f.Load(name); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("%s: expected not-exist, got %v", name, err)
		}
	}
}

func TestFinalizeFailsOnUnwritableDir(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	f := FileFinalizer{Dir: filepath.Join(blocker, "contracts")}
	if _, err := f.Finalize(context.Background(), Request{}); err == nil {
		t.Fatalf("expected error when dir cannot be created")
	}
}
