package server

import (
	"encoding/json"

	"dealdesk/internal/domain"
)

// Request payloads

type StartNegotiationRequest struct {
	UserID         string                `json:"user_id,omitempty" doc:"Defaults to the authenticated caller"`
	UserProfile    *domain.UserProfile   `json:"user_profile,omitempty"`
	ProfileUpdates []domain.ProfileDelta `json:"profile_updates,omitempty" doc:"Partial extractions merged in order, later values win"`
	MaxRounds      int                   `json:"max_rounds,omitempty" minimum:"0"`
	Message        string                `json:"message,omitempty"`
}

type NegotiationMessageRequest struct {
	Action       string               `json:"action,omitempty" enum:"counter,accept,reject" doc:"Defaults to counter"`
	Message      string               `json:"message,omitempty"`
	CounterOffer *domain.CounterOffer `json:"counter_offer,omitempty"`
}

type ValidateTermsRequest struct {
	Terms       domain.Terms       `json:"terms"`
	UserProfile domain.UserProfile `json:"user_profile"`
	MarketData  *domain.MarketData `json:"market_data,omitempty"`
	Model       string             `json:"model,omitempty" doc:"Analyze this model when market_data is absent"`
}

type DevLoginRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role,omitempty" enum:"client,service"`
}

// Response payloads

type NegotiationResponse struct {
	domain.Session
	RemainingRounds int `json:"remaining_rounds"`
}

type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedNegotiations struct {
	Items []NegotiationResponse `json:"items"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type deleteResponse struct {
	SessionID string `json:"session_id"`
	Success   bool   `json:"success"`
}

type historyResponse struct {
	SessionID string                `json:"session_id"`
	Items     []domain.HistoryEntry `json:"items"`
}

type validationsResponse struct {
	SessionID string                    `json:"session_id"`
	Items     []domain.ValidationRecord `json:"items"`
}

func negotiationResponse(s domain.Session) NegotiationResponse {
	return NegotiationResponse{Session: s, RemainingRounds: s.RemainingRounds()}
}

func eventResponse(evt domain.Event) EventResponse {
	payload := map[string]any{}
	if evt.Payload != "" {
		_ = json.Unmarshal([]byte(evt.Payload), &payload)
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}
