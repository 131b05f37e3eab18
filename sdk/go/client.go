package dealdesksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Dealdesk HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// Terms is an offer as the API returns it (partial).
type Terms struct {
	OfferPrice       float64  `json:"offer_price"`
	DiscountAmount   float64  `json:"discount_amount"`
	TradeInValue     *float64 `json:"trade_in_value,omitempty"`
	MonthlyPayment   *float64 `json:"monthly_payment,omitempty"`
	PaymentMethod    string   `json:"payment_method"`
	PersuasionPoints []string `json:"persuasion_points,omitempty"`
	MarketingMessage string   `json:"marketing_message,omitempty"`
	ContractID       string   `json:"contract_id,omitempty"`
	DocumentRef      string   `json:"document_ref,omitempty"`
}

// Profile carries the client details used to price an offer.
type Profile struct {
	Name                string   `json:"name,omitempty"`
	MonthlyIncome       float64  `json:"monthly_income,omitempty"`
	MonthlyDebt         float64  `json:"monthly_debt,omitempty"`
	Budget              float64  `json:"budget,omitempty"`
	FinancingPreference string   `json:"financing_preference,omitempty"`
	ContractType        string   `json:"contract_type,omitempty"`
	BankSeniorityMonths int      `json:"bank_seniority_months,omitempty"`
	RiskLevel           string   `json:"risk_level,omitempty"`
	DesiredModel        string   `json:"desired_model,omitempty"`
	TradeIn             *TradeIn `json:"trade_in,omitempty"`
}

type TradeIn struct {
	Model     string  `json:"model,omitempty"`
	Year      int     `json:"year,omitempty"`
	Mileage   float64 `json:"mileage,omitempty"`
	Condition string  `json:"condition,omitempty"`
}

// Session represents a negotiation (partial).
type Session struct {
	ID              string `json:"session_id"`
	UserID          string `json:"user_id"`
	Status          string `json:"status"`
	CurrentRound    int    `json:"current_round"`
	MaxRounds       int    `json:"max_rounds"`
	CurrentOffer    Terms  `json:"current_offer_data"`
	RemainingRounds int    `json:"remaining_rounds"`
	ExpiresAt       string `json:"expires_at"`
}

type StartRequest struct {
	UserID      string   `json:"user_id,omitempty"`
	UserProfile *Profile `json:"user_profile,omitempty"`
	MaxRounds   int      `json:"max_rounds,omitempty"`
	Message     string   `json:"message,omitempty"`
}

type StartResult struct {
	Session         Session `json:"session"`
	AgentResponse   string  `json:"agent_response"`
	Offer           Terms   `json:"offer"`
	RemainingRounds int     `json:"remaining_rounds"`
}

// CounterOffer is the structured part of a counter.
type CounterOffer struct {
	OfferPrice     *float64 `json:"offer_price,omitempty"`
	DiscountAmount *float64 `json:"discount_amount,omitempty"`
	TradeInValue   *float64 `json:"trade_in_value,omitempty"`
	PaymentMethod  string   `json:"payment_method,omitempty"`
}

type BusinessValidation struct {
	IsApproved      bool     `json:"is_approved"`
	Violations      []string `json:"violations"`
	Warnings        []string `json:"warnings"`
	AuditTrail      []string `json:"audit_trail"`
	ConfidenceScore float64  `json:"confidence_score"`
}

// Reply is the agent's answer to a client turn.
type Reply struct {
	SessionID       string              `json:"session_id"`
	AgentResponse   string              `json:"agent_response"`
	Offer           *Terms              `json:"offer,omitempty"`
	Round           int                 `json:"round"`
	RemainingRounds int                 `json:"remaining_rounds"`
	Status          string              `json:"status"`
	Validation      *BusinessValidation `json:"validation,omitempty"`
	Contract        *struct {
		ContractID  string `json:"contract_id"`
		DocumentRef string `json:"document_ref"`
	} `json:"contract,omitempty"`
	Retry bool `json:"retry,omitempty"`
}

// HistoryEntry is one transcript line.
type HistoryEntry struct {
	ID        string `json:"id"`
	Round     int    `json:"round_number"`
	Speaker   string `json:"speaker"`
	Action    string `json:"action"`
	Message   string `json:"message"`
	Offer     *Terms `json:"offer_data,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsConflict reports whether err is a status_conflict answer.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

// Start opens a negotiation.
func (c *Client) Start(ctx context.Context, req StartRequest) (StartResult, error) {
	var resp StartResult
	err := c.do(ctx, http.MethodPost, "negotiations/start", req, &resp)
	return resp, err
}

// Counter asks for a better offer. counter may be nil.
func (c *Client) Counter(ctx context.Context, sessionID, message string, counter *CounterOffer) (Reply, error) {
	body := map[string]any{"action": "counter", "message": message}
	if counter != nil {
		body["counter_offer"] = counter
	}
	return c.message(ctx, sessionID, body)
}

func (c *Client) Accept(ctx context.Context, sessionID, message string) (Reply, error) {
	return c.message(ctx, sessionID, map[string]any{"action": "accept", "message": message})
}

func (c *Client) Reject(ctx context.Context, sessionID, message string) (Reply, error) {
	return c.message(ctx, sessionID, map[string]any{"action": "reject", "message": message})
}

func (c *Client) message(ctx context.Context, sessionID string, body map[string]any) (Reply, error) {
	var resp Reply
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("negotiations/%s/message", url.PathEscape(sessionID)), body, &resp)
	return resp, err
}

// Get fetches a negotiation by id.
func (c *Client) Get(ctx context.Context, sessionID string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodGet, "negotiations/"+url.PathEscape(sessionID), nil, &resp)
	return resp, err
}

// Active returns the open negotiation of a user.
func (c *Client) Active(ctx context.Context, userID string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("users/%s/negotiation", url.PathEscape(userID)), nil, &resp)
	return resp, err
}

// History returns the transcript of a negotiation.
func (c *Client) History(ctx context.Context, sessionID string) ([]HistoryEntry, error) {
	var resp struct {
		Items []HistoryEntry `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("negotiations/%s/history", url.PathEscape(sessionID)), nil, &resp)
	return resp.Items, err
}

// Delete removes a negotiation with its transcript and reports whether the server
// confirmed it.
func (c *Client) Delete(ctx context.Context, sessionID string) (bool, error) {
	var resp struct {
		Success bool `json:"success"`
	}
	err := c.do(ctx, http.MethodDelete, "negotiations/"+url.PathEscape(sessionID), nil, &resp)
	return resp.Success, err
}

// ValidateTerms runs the dealer policy on terms without a session.
func (c *Client) ValidateTerms(ctx context.Context, terms Terms, profile Profile, model string) (BusinessValidation, error) {
	body := map[string]any{"terms": terms, "user_profile": profile}
	if model != "" {
		body["model"] = model
	}
	var resp BusinessValidation
	err := c.do(ctx, http.MethodPost, "policy/validate", body, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing. Service credentials only.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
