package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"dealdesk/internal/concession"
	"dealdesk/internal/config"
	"dealdesk/internal/contract"
	"dealdesk/internal/events"
	"dealdesk/internal/logger"
	"dealdesk/internal/market"
	"dealdesk/internal/offer"
	"dealdesk/internal/policy"
	"dealdesk/internal/repo"
	"dealdesk/internal/valuation"
)

const entityNegotiation = "negotiation"

var (
	ErrNotFound       = repo.ErrNotFound
	ErrStatusConflict = errors.New("status conflict")
	ErrInvalidInput   = errors.New("invalid input")
)

// StatusError reports an action the session's current status does not allow.
type StatusError struct {
	Status string
	Action string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("cannot %s a negotiation in status %s", e.Action, e.Status)
}

func (e *StatusError) Unwrap() error { return ErrStatusConflict }

// GenerationError wraps an offer generator failure that prevented any state change.
type GenerationError struct {
	Err error
}

func (e GenerationError) Error() string { return "offer generation failed: " + e.Err.Error() }

func (e GenerationError) Unwrap() error { return e.Err }

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Policy    policy.Engine
	Schedule  concession.Schedule
	Generator offer.Generator
	Finalizer contract.Finalizer
	Appraiser valuation.Appraiser
	Market    market.Analyzer
	Log       *logger.Logger
	Now       func() time.Time

	locks *keyedLocks
}

// New wires the default collaborators for cfg: heuristic offers, in-memory appraisal cache and
// file-backed contracts. Callers may swap any of them before use.
func New(db *sql.DB, cfg *config.Config, log *logger.Logger) Engine {
	if log == nil {
		log = logger.Nop()
	}
	rules := policy.New(cfg.Policy)
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Policy:   rules,
		Schedule: concession.New(cfg.Negotiation.Tiers),
		Generator: offer.Heuristic{
			Policy:               rules,
			ListPrice:            cfg.Market.ReferencePrice,
			MaxConcessionPercent: cfg.Negotiation.MaxConcessionPercent,
		},
		Finalizer: contract.FileFinalizer{Dir: cfg.Contracts.Dir, Prefix: cfg.Contracts.Prefix},
		Appraiser: valuation.Appraiser{
			Cache:  valuation.NewMemoryCache(cfg.Valuation.CacheSize, cfg.Valuation.CacheTTL),
			Config: cfg.Valuation,
			Log:    log,
		},
		Market: market.Analyzer{Config: cfg.Market},
		Log:    log,
		Now:    time.Now,
		locks:  newKeyedLocks(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) log() *logger.Logger {
	if e.Log == nil {
		return logger.Nop()
	}
	return e.Log
}

// lock serializes work on one key. Engines built without New share no locks.
func (e Engine) lock(key string) func() {
	if e.locks == nil {
		return func() {}
	}
	return e.locks.lock(key)
}

func (e Engine) emit(ctx context.Context, tx *sql.Tx, typ, sessionID, actorID string, payload events.EventPayload) error {
	if err := e.Events.Append(ctx, tx, typ, entityNegotiation, sessionID, actorID, payload); err != nil {
		return fmt.Errorf("append %s event: %w", typ, err)
	}
	return nil
}

type keyedLocks struct {
	mu   sync.Mutex
	held map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{held: map[string]*keyedLock{}}
}

func (k *keyedLocks) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.held[key]
	if !ok {
		l = &keyedLock{}
		k.held[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.held, key)
		}
		k.mu.Unlock()
	}
}
