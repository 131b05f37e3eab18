// Package contract turns approved deals into persisted contract documents.
package contract

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"dealdesk/internal/domain"
)

type Request struct {
	SessionID  string
	UserID     string
	DealerID   string
	Currency   string
	Terms      domain.Terms
	Context    domain.OfferContext
	Validation domain.BusinessValidation
}

type Ref struct {
	ContractID  string `json:"contract_id"`
	DocumentRef string `json:"document_ref"`
}

type Finalizer interface {
	Finalize(ctx context.Context, req Request) (Ref, error)
}

// Document is the stored contract body.
type Document struct {
	ContractID string                    `json:"contract_id"`
	IssuedAt   string                    `json:"issued_at"`
	DealerID   string                    `json:"dealer_id"`
	Currency   string                    `json:"currency"`
	SessionID  string                    `json:"session_id"`
	UserID     string                    `json:"user_id"`
	Client     domain.UserProfile        `json:"client"`
	Vehicle    string                    `json:"vehicle,omitempty"`
	TradeIn    *domain.Valuation         `json:"trade_in,omitempty"`
	Terms      domain.Terms              `json:"terms"`
	Validation domain.BusinessValidation `json:"validation"`
}

// FileFinalizer writes one JSON document per contract under Dir.
type FileFinalizer struct {
	Dir       string
	Prefix    string
	URLPrefix string
	Now       func() time.Time
}

func (f FileFinalizer) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

// NewContractID formats PREFIX-YYYYMMDD-XXXXXX.
func NewContractID(prefix string, at time.Time) string {
	if prefix == "" {
		prefix = "DD"
	}
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:6]
	return fmt.Sprintf("%s-%s-%s", prefix, at.UTC().Format("20060102"), suffix)
}

var contractFile = regexp.MustCompile(`^[A-Za-z0-9]+-\d{8}-[0-9A-F]{6}\.json$`)

// ValidFileName guards document lookups against path traversal.
func ValidFileName(name string) bool {
	return contractFile.MatchString(name)
}

func (f FileFinalizer) Finalize(ctx context.Context, req Request) (Ref, error) {
	if err := ctx.Err(); err != nil {
		return Ref{}, err
	}
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return Ref{}, fmt.Errorf("create contracts dir: %w", err)
	}
	now := f.now()
	id := NewContractID(f.Prefix, now)
	doc := Document{
		ContractID: id,
		IssuedAt:   now.UTC().Format(time.RFC3339),
		DealerID:   req.DealerID,
		Currency:   req.Currency,
		SessionID:  req.SessionID,
		UserID:     req.UserID,
		Client:     req.Context.Profile,
		Vehicle:    req.Context.Profile.DesiredModel,
		TradeIn:    req.Context.Valuation,
		Terms:      req.Terms,
		Validation: req.Validation,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return Ref{}, err
	}
	name := id + ".json"
	tmp := filepath.Join(f.Dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return Ref{}, fmt.Errorf("write contract: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(f.Dir, name)); err != nil {
		_ = os.Remove(tmp)
		return Ref{}, fmt.Errorf("write contract: %w", err)
	}
	urlPrefix := f.URLPrefix
	if urlPrefix == "" {
		urlPrefix = "/v0/contracts/"
	}
	return Ref{ContractID: id, DocumentRef: urlPrefix + name}, nil
}

// Load reads a stored document by file name.
func (f FileFinalizer) Load(name string) (Document, error) {
	var doc Document
	if !ValidFileName(name) {
		return doc, os.ErrNotExist
	}
	data, err := os.ReadFile(filepath.Join(f.Dir, name))
	if err != nil {
		return doc, err
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("decode contract: %w", err)
	}
	return doc, nil
}
