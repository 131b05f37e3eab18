package domain

const (
	StatusActive           = "active"
	StatusValidating       = "validating"
	StatusCompleted        = "completed"
	StatusRejected         = "rejected"
	StatusExpired          = "expired"
	StatusMaxRoundsReached = "max_rounds_reached"
	StatusError            = "error"
)

const (
	ActionPropose = "propose"
	ActionCounter = "counter"
	ActionAccept  = "accept"
	ActionReject  = "reject"
)

const (
	SpeakerClient = "client"
	SpeakerAgent  = "agent"
)

// Open reports whether a session in this status still belongs to its user's active slot.
func Open(status string) bool {
	return status == StatusActive || status == StatusMaxRoundsReached
}

// Terminal reports whether no further client action is accepted.
func Terminal(status string) bool {
	switch status {
	case StatusCompleted, StatusRejected, StatusExpired, StatusError:
		return true
	}
	return false
}

type Session struct {
	ID           string       `json:"session_id"`
	UserID       string       `json:"user_id"`
	Status       string       `json:"status" enum:"active,validating,completed,rejected,expired,max_rounds_reached,error"`
	CurrentRound int          `json:"current_round"`
	MaxRounds    int          `json:"max_rounds"`
	InitialOffer OfferContext `json:"initial_offer_data"`
	CurrentOffer Terms        `json:"current_offer_data"`
	CreatedAt    string       `json:"created_at" format:"date-time"`
	UpdatedAt    string       `json:"updated_at" format:"date-time"`
	ExpiresAt    string       `json:"expires_at" format:"date-time"`
}

// RemainingRounds counts client counters still allowed.
func (s Session) RemainingRounds() int {
	left := s.MaxRounds - s.CurrentRound
	if left < 0 || !Open(s.Status) {
		return 0
	}
	return left
}

// OfferContext is captured once at session creation.
type OfferContext struct {
	Profile   UserProfile `json:"user_profile"`
	Valuation *Valuation  `json:"trade_in_valuation,omitempty"`
	Market    *MarketData `json:"market_data,omitempty"`
	Offer     Terms       `json:"offer"`
}

type Terms struct {
	OfferPrice       float64      `json:"offer_price"`
	DiscountAmount   float64      `json:"discount_amount"`
	TradeInValue     *float64     `json:"trade_in_value,omitempty"`
	MonthlyPayment   *float64     `json:"monthly_payment,omitempty"`
	PaymentMethod    string       `json:"payment_method"`
	PersuasionPoints []string     `json:"persuasion_points,omitempty"`
	MarketingMessage string       `json:"marketing_message,omitempty"`
	LeverageUsed     string       `json:"leverage_used,omitempty"`
	FlexibilityLevel string       `json:"flexibility_level,omitempty"`
	TradeInYear      *LooseNumber `json:"trade_in_year,omitempty"`
	TradeInExcluded  bool         `json:"trade_in_excluded,omitempty"`
	ContractID       string       `json:"contract_id,omitempty"`
	DocumentRef      string       `json:"document_ref,omitempty"`
}

// CounterOffer is the structured part of a client counter.
type CounterOffer struct {
	OfferPrice     *float64 `json:"offer_price,omitempty"`
	DiscountAmount *float64 `json:"discount_amount,omitempty"`
	TradeInValue   *float64 `json:"trade_in_value,omitempty"`
	PaymentMethod  string   `json:"payment_method,omitempty"`
}

type UserProfile struct {
	UserID              string   `json:"user_id,omitempty"`
	Name                string   `json:"name,omitempty"`
	MonthlyIncome       float64  `json:"monthly_income,omitempty"`
	MonthlyDebt         float64  `json:"monthly_debt,omitempty"`
	Budget              float64  `json:"budget,omitempty"`
	FinancingPreference string   `json:"financing_preference,omitempty"`
	ContractType        string   `json:"contract_type,omitempty"`
	Blacklisted         bool     `json:"blacklisted,omitempty"`
	BankSeniorityMonths int      `json:"bank_seniority_months,omitempty"`
	RiskLevel           string   `json:"risk_level,omitempty"`
	DesiredModel        string   `json:"desired_model,omitempty"`
	TradeIn             *TradeIn `json:"trade_in,omitempty"`
}

type TradeIn struct {
	Model     string       `json:"model,omitempty"`
	Year      *LooseNumber `json:"year,omitempty"`
	Mileage   float64      `json:"mileage,omitempty"`
	Condition string       `json:"condition,omitempty"`
}

// ProfileDelta is one partial extraction of profile fields; nil means "not mentioned".
type ProfileDelta struct {
	Name                *string       `json:"name,omitempty"`
	MonthlyIncome       *float64      `json:"monthly_income,omitempty"`
	MonthlyDebt         *float64      `json:"monthly_debt,omitempty"`
	Budget              *float64      `json:"budget,omitempty"`
	FinancingPreference *string       `json:"financing_preference,omitempty"`
	ContractType        *string       `json:"contract_type,omitempty"`
	Blacklisted         *bool         `json:"blacklisted,omitempty"`
	BankSeniorityMonths *int          `json:"bank_seniority_months,omitempty"`
	RiskLevel           *string       `json:"risk_level,omitempty"`
	DesiredModel        *string       `json:"desired_model,omitempty"`
	TradeIn             *TradeInDelta `json:"trade_in,omitempty"`
}

type TradeInDelta struct {
	Model     *string      `json:"model,omitempty"`
	Year      *LooseNumber `json:"year,omitempty"`
	Mileage   *float64     `json:"mileage,omitempty"`
	Condition *string      `json:"condition,omitempty"`
}

type MarketData struct {
	Model          string  `json:"model,omitempty"`
	ReferencePrice float64 `json:"reference_price,omitempty"`
	Stock          int     `json:"stock,omitempty"`
	StockLevel     string  `json:"stock_level,omitempty"`
	DemandLevel    string  `json:"demand_level,omitempty"`
	Leverage       float64 `json:"leverage,omitempty"`
	PricePressure  string  `json:"price_pressure,omitempty"`
	Flexibility    string  `json:"flexibility,omitempty"`
	Urgency        string  `json:"urgency,omitempty"`
	BudgetFit      string  `json:"budget_fit,omitempty"`
}

type Valuation struct {
	Model          string  `json:"model"`
	Year           int     `json:"year"`
	Mileage        float64 `json:"mileage"`
	EstimatedValue float64 `json:"estimated_value"`
	Source         string  `json:"source" enum:"cache,source,heuristic"`
	CachedAt       string  `json:"cached_at,omitempty" format:"date-time"`
}

type HistoryEntry struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Round     int    `json:"round_number"`
	Speaker   string `json:"speaker" enum:"client,agent"`
	Action    string `json:"action" enum:"propose,counter,accept,reject"`
	Message   string `json:"message"`
	Offer     *Terms `json:"offer_data,omitempty"`
	CreatedAt string `json:"timestamp" format:"date-time"`
}

type BusinessValidation struct {
	IsApproved      bool     `json:"is_approved"`
	Violations      []string `json:"violations"`
	Warnings        []string `json:"warnings"`
	AuditTrail      []string `json:"audit_trail"`
	ConfidenceScore float64  `json:"confidence_score"`
}

// ValidationRecord is a persisted policy run against a session's offer.
type ValidationRecord struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Round     int    `json:"round_number"`
	BusinessValidation
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
