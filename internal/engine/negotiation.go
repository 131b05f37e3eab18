package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"dealdesk/internal/contract"
	"dealdesk/internal/domain"
	"dealdesk/internal/events"
	"dealdesk/internal/offer"
	"dealdesk/internal/profile"
)

const fallbackResponse = "Sorry, I could not prepare a revised offer just now. Your current offer is unchanged, please try again."

// StartInput opens a negotiation for UserID.
type StartInput struct {
	UserID    string
	Profile   domain.UserProfile
	Deltas    []domain.ProfileDelta
	MaxRounds int
	Message   string
	ActorID   string
}

type StartResult struct {
	Session         domain.Session `json:"session"`
	AgentResponse   string         `json:"agent_response"`
	Offer           domain.Terms   `json:"offer"`
	RemainingRounds int            `json:"remaining_rounds"`
	ExpiredSession  string         `json:"expired_session_id,omitempty"`
}

// ActInput is one client turn on an open session.
type ActInput struct {
	Action  string
	Message string
	Counter *domain.CounterOffer
	ActorID string
}

// Reply is what the client sees after a turn.
type Reply struct {
	SessionID       string                     `json:"session_id"`
	AgentResponse   string                     `json:"agent_response"`
	Offer           *domain.Terms              `json:"offer,omitempty"`
	Round           int                        `json:"round"`
	RemainingRounds int                        `json:"remaining_rounds"`
	Status          string                     `json:"status"`
	Validation      *domain.BusinessValidation `json:"validation,omitempty"`
	Contract        *contract.Ref              `json:"contract,omitempty"`
	Retry           bool                       `json:"retry,omitempty"`
}

func replyFor(s domain.Session, text string) Reply {
	return Reply{
		SessionID:       s.ID,
		AgentResponse:   text,
		Round:           s.CurrentRound,
		RemainingRounds: s.RemainingRounds(),
		Status:          s.Status,
	}
}

// Start creates a session with its round 1 offer already generated. A still-open session of the
// same user is expired in the same transaction.
func (e Engine) Start(ctx context.Context, in StartInput) (StartResult, error) {
	in.UserID = strings.TrimSpace(in.UserID)
	if in.UserID == "" {
		return StartResult{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if in.MaxRounds == 0 {
		in.MaxRounds = e.Config.Negotiation.MaxRounds
	}
	if in.MaxRounds < 0 {
		return StartResult{}, fmt.Errorf("%w: max_rounds must be positive", ErrInvalidInput)
	}
	if in.ActorID == "" {
		in.ActorID = in.UserID
	}
	unlock := e.lock("user:" + in.UserID)
	defer unlock()

	p := profile.Merge(in.Profile, in.Deltas...)
	p.UserID = in.UserID
	if p.RiskLevel == "" {
		p.RiskLevel = profile.AssessRisk(p)
	}
	octx := e.gatherContext(ctx, p)

	tier := e.Schedule.Factor(1, in.MaxRounds)
	terms, err := e.Generator.Generate(ctx, offer.Request{
		Profile:       p,
		Valuation:     octx.Valuation,
		Market:        octx.Market,
		Round:         1,
		MaxRounds:     in.MaxRounds,
		Tier:          tier,
		ClientMessage: in.Message,
	})
	if err != nil {
		e.log().Warn("initial offer generation failed", "user_id", in.UserID, "error", err)
		return StartResult{}, GenerationError{Err: err}
	}
	octx.Offer = terms

	now := e.now()
	ts := now.UTC().Format(time.RFC3339)
	s := domain.Session{
		ID:           uuid.NewString(),
		UserID:       in.UserID,
		Status:       domain.StatusActive,
		CurrentRound: 1,
		MaxRounds:    in.MaxRounds,
		InitialOffer: octx,
		CurrentOffer: terms,
		CreatedAt:    ts,
		UpdatedAt:    ts,
		ExpiresAt:    now.Add(e.Config.Negotiation.SessionTTL).UTC().Format(time.RFC3339),
	}

	res := StartResult{Session: s, Offer: terms, AgentResponse: agentText(terms), RemainingRounds: s.RemainingRounds()}
	staleID, err := e.Repo.ActiveSessionID(ctx, nil, in.UserID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return StartResult{}, err
	}
	if staleID != "" {
		unlockStale := e.lock("session:" + staleID)
		defer unlockStale()
	}
	err = e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		if staleID != "" {
			stale, err := e.Repo.GetSession(ctx, tx, staleID)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			if err == nil && domain.Open(stale.Status) {
				if err := e.expireTx(ctx, tx, stale, in.ActorID, "replaced"); err != nil {
					return err
				}
				res.ExpiredSession = stale.ID
			}
		}
		if err := e.Repo.InsertSession(ctx, tx, s); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		if err := e.Repo.SetActiveSession(ctx, tx, s.UserID, s.ID); err != nil {
			return fmt.Errorf("index active session: %w", err)
		}
		if _, err := e.Repo.AppendHistory(ctx, tx, domain.HistoryEntry{
			SessionID: s.ID, Round: 1, Speaker: domain.SpeakerAgent, Action: domain.ActionPropose,
			Message: res.AgentResponse, Offer: &terms, CreatedAt: ts,
		}); err != nil {
			return err
		}
		return e.emit(ctx, tx, events.NegotiationStarted, s.ID, in.ActorID, events.EventPayload{
			"user_id": s.UserID, "max_rounds": s.MaxRounds, "offer_price": terms.OfferPrice,
		})
	})
	if err != nil {
		return StartResult{}, err
	}
	e.log().Info("negotiation started", "session_id", s.ID, "user_id", s.UserID, "max_rounds", s.MaxRounds, "replaced", res.ExpiredSession)
	return res, nil
}

// gatherContext runs valuation and market analysis concurrently. Either may fail without
// blocking the negotiation.
func (e Engine) gatherContext(ctx context.Context, p domain.UserProfile) domain.OfferContext {
	octx := domain.OfferContext{Profile: p}
	g, gctx := errgroup.WithContext(ctx)
	if p.TradeIn != nil && strings.TrimSpace(p.TradeIn.Model) != "" {
		g.Go(func() error {
			v, err := e.Appraiser.Appraise(gctx, *p.TradeIn)
			if err != nil {
				e.log().Warn("trade-in appraisal skipped", "user_id", p.UserID, "error", err)
				return nil
			}
			octx.Valuation = &v
			return nil
		})
	}
	g.Go(func() error {
		m, err := e.Market.Analyze(gctx, p.DesiredModel, p.Budget)
		if err != nil {
			e.log().Warn("market analysis skipped", "user_id", p.UserID, "error", err)
			return nil
		}
		octx.Market = &m
		return nil
	})
	_ = g.Wait()
	return octx
}

// Act applies one client action. Generator failures leave the session untouched and come back
// as a Reply with Retry set.
func (e Engine) Act(ctx context.Context, sessionID string, in ActInput) (Reply, error) {
	unlock := e.lock("session:" + sessionID)
	defer unlock()

	s, err := e.Repo.GetSession(ctx, nil, sessionID)
	if err != nil {
		return Reply{}, err
	}
	if in.ActorID == "" {
		in.ActorID = s.UserID
	}
	if s, err = e.expireIfDue(ctx, s, in.ActorID); err != nil {
		return Reply{}, err
	}
	if !domain.Open(s.Status) {
		return Reply{}, &StatusError{Status: s.Status, Action: in.Action}
	}
	switch in.Action {
	case domain.ActionCounter:
		return e.counter(ctx, s, in)
	case domain.ActionAccept:
		return e.accept(ctx, s, in)
	case domain.ActionReject:
		return e.reject(ctx, s, in)
	}
	return Reply{}, fmt.Errorf("%w: unknown action %q", ErrInvalidInput, in.Action)
}

func (e Engine) counter(ctx context.Context, s domain.Session, in ActInput) (Reply, error) {
	if s.Status == domain.StatusMaxRoundsReached {
		return Reply{}, &StatusError{Status: s.Status, Action: in.Action}
	}
	next := s.CurrentRound + 1
	ts := e.stamp()
	clientEntry := domain.HistoryEntry{
		SessionID: s.ID, Round: next, Speaker: domain.SpeakerClient, Action: domain.ActionCounter,
		Message: in.Message, Offer: counterTerms(in.Counter), CreatedAt: ts,
	}

	if next > s.MaxRounds {
		s.Status = domain.StatusMaxRoundsReached
		s.CurrentRound = s.MaxRounds + 1
		s.UpdatedAt = ts
		clientEntry.Round = s.CurrentRound
		err := e.Repo.InTx(ctx, func(tx *sql.Tx) error {
			if _, err := e.Repo.AppendHistory(ctx, tx, clientEntry); err != nil {
				return err
			}
			if err := e.Repo.UpdateSession(ctx, tx, s); err != nil {
				return err
			}
			return e.emit(ctx, tx, events.NegotiationMaxRoundsReached, s.ID, in.ActorID, events.EventPayload{"round": s.CurrentRound})
		})
		if err != nil {
			return Reply{}, err
		}
		e.log().Info("negotiation rounds exhausted", "session_id", s.ID, "round", s.CurrentRound)
		final := s.CurrentOffer
		r := replyFor(s, fmt.Sprintf("We have reached the last round. Our final offer stands at %.0f %s; you can still accept it.", final.OfferPrice, e.currency()))
		r.Offer = &final
		return r, nil
	}

	recent, err := e.Repo.RecentHistory(ctx, nil, s.ID, e.Config.Negotiation.HistoryWindow)
	if err != nil {
		return Reply{}, err
	}
	prior := s.CurrentOffer
	initial := s.InitialOffer.Offer
	terms, err := e.Generator.Generate(ctx, offer.Request{
		Profile:       s.InitialOffer.Profile,
		Valuation:     s.InitialOffer.Valuation,
		Market:        s.InitialOffer.Market,
		Round:         next,
		MaxRounds:     s.MaxRounds,
		Tier:          e.Schedule.Factor(next, s.MaxRounds),
		Initial:       &initial,
		Prior:         &prior,
		ClientMessage: in.Message,
		Counter:       in.Counter,
		History:       recent,
	})
	if err != nil {
		return e.generationFallback(ctx, s, in, err), nil
	}

	s.CurrentRound = next
	s.CurrentOffer = terms
	s.UpdatedAt = ts
	text := agentText(terms)
	err = e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.Repo.AppendHistory(ctx, tx, clientEntry); err != nil {
			return err
		}
		if _, err := e.Repo.AppendHistory(ctx, tx, domain.HistoryEntry{
			SessionID: s.ID, Round: next, Speaker: domain.SpeakerAgent, Action: domain.ActionCounter,
			Message: text, Offer: &terms, CreatedAt: ts,
		}); err != nil {
			return err
		}
		if err := e.Repo.UpdateSession(ctx, tx, s); err != nil {
			return err
		}
		return e.emit(ctx, tx, events.NegotiationCountered, s.ID, in.ActorID, events.EventPayload{
			"round": next, "offer_price": terms.OfferPrice, "discount_amount": terms.DiscountAmount,
		})
	})
	if err != nil {
		return Reply{}, err
	}
	e.log().Info("negotiation countered", "session_id", s.ID, "round", next, "status", s.Status)
	r := replyFor(s, text)
	r.Offer = &terms
	return r, nil
}

func (e Engine) reject(ctx context.Context, s domain.Session, in ActInput) (Reply, error) {
	ts := e.stamp()
	round := s.CurrentRound
	s.Status = domain.StatusRejected
	s.UpdatedAt = ts
	err := e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.Repo.AppendHistory(ctx, tx, domain.HistoryEntry{
			SessionID: s.ID, Round: round, Speaker: domain.SpeakerClient, Action: domain.ActionReject,
			Message: in.Message, CreatedAt: ts,
		}); err != nil {
			return err
		}
		if err := e.Repo.UpdateSession(ctx, tx, s); err != nil {
			return err
		}
		if err := e.Repo.ClearActiveSession(ctx, tx, s.UserID, s.ID); err != nil {
			return err
		}
		return e.emit(ctx, tx, events.NegotiationRejected, s.ID, in.ActorID, events.EventPayload{"round": round})
	})
	if err != nil {
		return Reply{}, err
	}
	e.log().Info("negotiation rejected by client", "session_id", s.ID, "round", round)
	return replyFor(s, "Understood, the negotiation is closed. You are welcome to start a new one at any time."), nil
}

// accept gates finalization on the policy engine. A rejected deal is repaired with a fresh offer
// while rounds remain; once they are exhausted the violations are reported as-is.
func (e Engine) accept(ctx context.Context, s domain.Session, in ActInput) (Reply, error) {
	validation := e.Policy.Validate(s.CurrentOffer, s.InitialOffer.Profile, s.InitialOffer.Market)
	ts := e.stamp()
	clientEntry := domain.HistoryEntry{
		SessionID: s.ID, Round: s.CurrentRound, Speaker: domain.SpeakerClient, Action: domain.ActionAccept,
		Message: in.Message, CreatedAt: ts,
	}
	record := domain.ValidationRecord{SessionID: s.ID, Round: s.CurrentRound, BusinessValidation: validation, CreatedAt: ts}
	validatedEvent := func(ctx context.Context, tx *sql.Tx) error {
		if _, err := e.Repo.InsertValidation(ctx, tx, record); err != nil {
			return err
		}
		return e.emit(ctx, tx, events.PolicyValidated, s.ID, in.ActorID, events.EventPayload{
			"round": record.Round, "approved": validation.IsApproved, "violations": validation.Violations,
		})
	}

	if validation.IsApproved {
		return e.finalize(ctx, s, in, validation, clientEntry, validatedEvent)
	}
	e.log().Info("accepted offer failed policy", "session_id", s.ID, "round", s.CurrentRound, "violations", len(validation.Violations))

	next := s.CurrentRound + 1
	if s.Status == domain.StatusMaxRoundsReached || next > s.MaxRounds {
		transition := s.Status != domain.StatusMaxRoundsReached
		s.Status = domain.StatusMaxRoundsReached
		s.CurrentRound = s.MaxRounds + 1
		s.UpdatedAt = ts
		err := e.Repo.InTx(ctx, func(tx *sql.Tx) error {
			if _, err := e.Repo.AppendHistory(ctx, tx, clientEntry); err != nil {
				return err
			}
			if err := validatedEvent(ctx, tx); err != nil {
				return err
			}
			if err := e.Repo.UpdateSession(ctx, tx, s); err != nil {
				return err
			}
			if !transition {
				return nil
			}
			return e.emit(ctx, tx, events.NegotiationMaxRoundsReached, s.ID, in.ActorID, events.EventPayload{"round": s.CurrentRound})
		})
		if err != nil {
			return Reply{}, err
		}
		current := s.CurrentOffer
		r := replyFor(s, "This offer cannot be approved and no negotiation rounds remain: "+strings.Join(validation.Violations, "; "))
		r.Offer = &current
		r.Validation = &validation
		return r, nil
	}

	recent, err := e.Repo.RecentHistory(ctx, nil, s.ID, e.Config.Negotiation.HistoryWindow)
	if err != nil {
		return Reply{}, err
	}
	prior := s.CurrentOffer
	initial := s.InitialOffer.Offer
	terms, err := e.Generator.Generate(ctx, offer.Request{
		Profile:        s.InitialOffer.Profile,
		Valuation:      s.InitialOffer.Valuation,
		Market:         s.InitialOffer.Market,
		Round:          next,
		MaxRounds:      s.MaxRounds,
		Tier:           e.Schedule.Factor(next, s.MaxRounds),
		Initial:        &initial,
		Prior:          &prior,
		ClientMessage:  "The client accepted but the offer failed validation: " + strings.Join(validation.Violations, "; "),
		History:        recent,
		PolicyFeedback: validation.Violations,
	})
	if err != nil {
		return e.generationFallback(ctx, s, in, err), nil
	}

	s.CurrentRound = next
	s.CurrentOffer = terms
	s.UpdatedAt = ts
	text := agentText(terms)
	err = e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.Repo.AppendHistory(ctx, tx, clientEntry); err != nil {
			return err
		}
		if err := validatedEvent(ctx, tx); err != nil {
			return err
		}
		if _, err := e.Repo.AppendHistory(ctx, tx, domain.HistoryEntry{
			SessionID: s.ID, Round: next, Speaker: domain.SpeakerAgent, Action: domain.ActionCounter,
			Message: text, Offer: &terms, CreatedAt: ts,
		}); err != nil {
			return err
		}
		if err := e.Repo.UpdateSession(ctx, tx, s); err != nil {
			return err
		}
		return e.emit(ctx, tx, events.NegotiationRepaired, s.ID, in.ActorID, events.EventPayload{
			"round": next, "violations": validation.Violations, "offer_price": terms.OfferPrice,
		})
	})
	if err != nil {
		return Reply{}, err
	}
	e.log().Info("negotiation repaired after policy rejection", "session_id", s.ID, "round", next)
	r := replyFor(s, text)
	r.Offer = &terms
	r.Validation = &validation
	return r, nil
}

func (e Engine) finalize(ctx context.Context, s domain.Session, in ActInput, validation domain.BusinessValidation, clientEntry domain.HistoryEntry, validated func(context.Context, *sql.Tx) error) (Reply, error) {
	s.Status = domain.StatusValidating
	s.UpdatedAt = clientEntry.CreatedAt
	err := e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.Repo.AppendHistory(ctx, tx, clientEntry); err != nil {
			return err
		}
		if err := validated(ctx, tx); err != nil {
			return err
		}
		return e.Repo.UpdateSession(ctx, tx, s)
	})
	if err != nil {
		return Reply{}, err
	}
	// From here the session is in validating and must be settled even if the
	// caller goes away.
	settle := context.WithoutCancel(ctx)

	var ref *contract.Ref
	if e.Finalizer != nil {
		r, err := e.Finalizer.Finalize(ctx, contract.Request{
			SessionID:  s.ID,
			UserID:     s.UserID,
			DealerID:   e.Config.Dealer.ID,
			Currency:   e.currency(),
			Terms:      s.CurrentOffer,
			Context:    s.InitialOffer,
			Validation: validation,
		})
		if err != nil {
			e.log().Warn("contract finalization failed", "session_id", s.ID, "error", err)
		} else {
			ref = &r
			s.CurrentOffer.ContractID = r.ContractID
			s.CurrentOffer.DocumentRef = r.DocumentRef
		}
	}

	ts := e.stamp()
	s.Status = domain.StatusCompleted
	s.UpdatedAt = ts
	text := fmt.Sprintf("Deal confirmed at %.0f %s.", s.CurrentOffer.OfferPrice, e.currency())
	if ref != nil {
		text += " Contract " + ref.ContractID + " is ready."
	}
	final := s.CurrentOffer
	err = e.Repo.InTx(settle, func(tx *sql.Tx) error {
		if _, err := e.Repo.AppendHistory(settle, tx, domain.HistoryEntry{
			SessionID: s.ID, Round: s.CurrentRound, Speaker: domain.SpeakerAgent, Action: domain.ActionAccept,
			Message: text, Offer: &final, CreatedAt: ts,
		}); err != nil {
			return err
		}
		if err := e.Repo.UpdateSession(settle, tx, s); err != nil {
			return err
		}
		if err := e.Repo.ClearActiveSession(settle, tx, s.UserID, s.ID); err != nil {
			return err
		}
		payload := events.EventPayload{"round": s.CurrentRound, "offer_price": final.OfferPrice}
		if ref != nil {
			payload["contract_id"] = ref.ContractID
		}
		return e.emit(settle, tx, events.NegotiationCompleted, s.ID, in.ActorID, payload)
	})
	if err != nil {
		e.log().Error("completing negotiation failed", "session_id", s.ID, "error", err)
		e.markError(settle, s, in.ActorID, err)
		return Reply{}, fmt.Errorf("complete negotiation %s: %w", s.ID, err)
	}
	e.log().Info("negotiation completed", "session_id", s.ID, "round", s.CurrentRound, "contract_id", final.ContractID)
	r := replyFor(s, text)
	r.Offer = &final
	r.Validation = &validation
	r.Contract = ref
	return r, nil
}

// markError parks a session whose final write failed so it does not stay in validating.
func (e Engine) markError(ctx context.Context, s domain.Session, actorID string, cause error) {
	ctx = context.WithoutCancel(ctx)
	s.Status = domain.StatusError
	s.UpdatedAt = e.stamp()
	err := e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.UpdateSession(ctx, tx, s); err != nil {
			return err
		}
		if err := e.Repo.ClearActiveSession(ctx, tx, s.UserID, s.ID); err != nil {
			return err
		}
		return e.emit(ctx, tx, events.NegotiationFailed, s.ID, actorID, events.EventPayload{"error": cause.Error()})
	})
	if err != nil {
		e.log().Error("marking negotiation as failed", "session_id", s.ID, "error", err)
	}
}

func (e Engine) generationFallback(ctx context.Context, s domain.Session, in ActInput, cause error) Reply {
	e.log().Warn("offer generation failed", "session_id", s.ID, "round", s.CurrentRound, "action", in.Action, "error", cause)
	current := s.CurrentOffer
	r := replyFor(s, fallbackResponse)
	r.Offer = &current
	r.Retry = true
	return r
}

func (e Engine) currency() string {
	if e.Config.Dealer.Currency == "" {
		return "MAD"
	}
	return e.Config.Dealer.Currency
}

func agentText(t domain.Terms) string {
	if t.MarketingMessage != "" {
		return t.MarketingMessage
	}
	return fmt.Sprintf("Our offer: %.0f with a %.0f discount, paid by %s.", t.OfferPrice, t.DiscountAmount, t.PaymentMethod)
}

func counterTerms(c *domain.CounterOffer) *domain.Terms {
	if c == nil {
		return nil
	}
	t := domain.Terms{TradeInValue: c.TradeInValue, PaymentMethod: c.PaymentMethod}
	if c.OfferPrice != nil {
		t.OfferPrice = *c.OfferPrice
	}
	if c.DiscountAmount != nil {
		t.DiscountAmount = *c.DiscountAmount
	}
	return &t
}
