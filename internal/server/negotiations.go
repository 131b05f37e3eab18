package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"dealdesk/internal/domain"
	"dealdesk/internal/engine"
	"dealdesk/internal/repo"
)

// sessionFor loads a session and checks that the caller may act for its user.
func sessionFor(ctx context.Context, e engine.Engine, id string) (domain.Session, string, huma.StatusError) {
	s, err := e.Get(ctx, id)
	if err != nil {
		return s, "", engineError(e, err)
	}
	p, se := authorize(ctx, s.UserID)
	if se != nil {
		return s, "", se
	}
	return s, p.ActorID, nil
}

func registerNegotiations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-negotiation",
		Method:        http.MethodPost,
		Path:          "/negotiations/start",
		Summary:       "Start negotiation",
		Description:   "Opens a session with its first offer. A still-open session of the same user is expired.",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusBadGateway,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body StartNegotiationRequest `json:"body"`
	}) (*struct {
		Body engine.StartResult `json:"body"`
	}, error) {
		p, se := principalFromContext(ctx)
		if se != nil {
			return nil, se
		}
		userID := strings.TrimSpace(input.Body.UserID)
		if userID == "" {
			userID = p.ActorID
		}
		if _, se := authorize(ctx, userID); se != nil {
			return nil, se
		}
		in := engine.StartInput{
			UserID:    userID,
			Deltas:    input.Body.ProfileUpdates,
			MaxRounds: input.Body.MaxRounds,
			Message:   input.Body.Message,
			ActorID:   p.ActorID,
		}
		if input.Body.UserProfile != nil {
			in.Profile = *input.Body.UserProfile
		}
		res, err := e.Start(ctx, in)
		if err != nil {
			return nil, engineError(e, err)
		}
		return &struct {
			Body engine.StartResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "send-negotiation-message",
		Method:      http.MethodPost,
		Path:        "/negotiations/{id}/message",
		Summary:     "Send a client turn",
		Description: "Counter, accept or reject the current offer.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                    `path:"id"`
		Body NegotiationMessageRequest `json:"body"`
	}) (*struct {
		Body engine.Reply `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "validation_error", "body required", nil)
		}
		_, actorID, se := sessionFor(ctx, e, input.ID)
		if se != nil {
			return nil, se
		}
		action := input.Body.Action
		if action == "" {
			action = domain.ActionCounter
		}
		reply, err := e.Act(ctx, input.ID, engine.ActInput{
			Action:  action,
			Message: input.Body.Message,
			Counter: input.Body.CounterOffer,
			ActorID: actorID,
		})
		if err != nil {
			return nil, engineError(e, err)
		}
		return &struct {
			Body engine.Reply `json:"body"`
		}{Body: reply}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-negotiations",
		Method:      http.MethodGet,
		Path:        "/negotiations",
		Summary:     "List negotiations",
		Description: "Clients only see their own sessions.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		UserID string `query:"user_id"`
		Status string `query:"status" enum:"active,validating,completed,rejected,expired,max_rounds_reached,error"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedNegotiations `json:"body"`
	}, error) {
		p, se := principalFromContext(ctx)
		if se != nil {
			return nil, se
		}
		userID := input.UserID
		if !p.IsService() {
			if userID == "" {
				userID = p.ActorID
			}
			if _, se := authorize(ctx, userID); se != nil {
				return nil, se
			}
		}
		sessions, err := e.Repo.ListSessions(ctx, repo.SessionFilters{
			UserID: userID,
			Status: input.Status,
			Limit:  normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, engineError(e, err)
		}
		resp := paginatedNegotiations{Items: []NegotiationResponse{}}
		for _, s := range sessions {
			resp.Items = append(resp.Items, negotiationResponse(s))
		}
		return &struct {
			Body paginatedNegotiations `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-negotiation",
		Method:      http.MethodGet,
		Path:        "/negotiations/{id}",
		Summary:     "Get negotiation",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body NegotiationResponse `json:"body"`
	}, error) {
		s, _, se := sessionFor(ctx, e, input.ID)
		if se != nil {
			return nil, se
		}
		return &struct {
			Body NegotiationResponse `json:"body"`
		}{Body: negotiationResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "negotiation-history",
		Method:      http.MethodGet,
		Path:        "/negotiations/{id}/history",
		Summary:     "Negotiation transcript",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body historyResponse `json:"body"`
	}, error) {
		if _, _, se := sessionFor(ctx, e, input.ID); se != nil {
			return nil, se
		}
		items, err := e.History(ctx, input.ID)
		if err != nil {
			return nil, engineError(e, err)
		}
		if items == nil {
			items = []domain.HistoryEntry{}
		}
		return &struct {
			Body historyResponse `json:"body"`
		}{Body: historyResponse{SessionID: input.ID, Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "negotiation-validations",
		Method:      http.MethodGet,
		Path:        "/negotiations/{id}/validations",
		Summary:     "Policy runs recorded for a negotiation",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body validationsResponse `json:"body"`
	}, error) {
		if _, _, se := sessionFor(ctx, e, input.ID); se != nil {
			return nil, se
		}
		items, err := e.Validations(ctx, input.ID)
		if err != nil {
			return nil, engineError(e, err)
		}
		if items == nil {
			items = []domain.ValidationRecord{}
		}
		return &struct {
			Body validationsResponse `json:"body"`
		}{Body: validationsResponse{SessionID: input.ID, Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-negotiation",
		Method:      http.MethodDelete,
		Path:        "/negotiations/{id}",
		Summary:     "Delete negotiation",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body deleteResponse `json:"body"`
	}, error) {
		_, actorID, se := sessionFor(ctx, e, input.ID)
		if se != nil {
			return nil, se
		}
		if err := e.Delete(ctx, input.ID, actorID); err != nil {
			return nil, engineError(e, err)
		}
		return &struct {
			Body deleteResponse `json:"body"`
		}{Body: deleteResponse{SessionID: input.ID, Success: true}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "active-negotiation",
		Method:      http.MethodGet,
		Path:        "/users/{user_id}/negotiation",
		Summary:     "Active negotiation of a user",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UserID string `path:"user_id"`
	}) (*struct {
		Body NegotiationResponse `json:"body"`
	}, error) {
		if _, se := authorize(ctx, input.UserID); se != nil {
			return nil, se
		}
		s, err := e.ActiveForUser(ctx, input.UserID)
		if err != nil {
			return nil, engineError(e, err)
		}
		return &struct {
			Body NegotiationResponse `json:"body"`
		}{Body: negotiationResponse(s)}, nil
	})
}
