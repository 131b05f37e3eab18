package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"dealdesk/internal/contract"
	"dealdesk/internal/domain"
	"dealdesk/internal/engine"
	"dealdesk/internal/engine/auth"
	"dealdesk/internal/repo"
)

const devTokenTTL = 12 * time.Hour

func registerTools(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "validate-terms",
		Method:      http.MethodPost,
		Path:        "/policy/validate",
		Summary:     "Validate terms against dealer policy",
		Description: "Runs the policy engine without touching any session.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body ValidateTermsRequest `json:"body"`
	}) (*struct {
		Body domain.BusinessValidation `json:"body"`
	}, error) {
		if _, se := principalFromContext(ctx); se != nil {
			return nil, se
		}
		m := input.Body.MarketData
		if m == nil && strings.TrimSpace(input.Body.Model) != "" {
			md, err := e.AnalyzeMarket(ctx, input.Body.Model, input.Body.UserProfile.Budget)
			if err != nil {
				return nil, engineError(e, err)
			}
			m = &md
		}
		return &struct {
			Body domain.BusinessValidation `json:"body"`
		}{Body: e.ValidateTerms(input.Body.Terms, input.Body.UserProfile, m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "appraise-trade-in",
		Method:      http.MethodPost,
		Path:        "/appraisals",
		Summary:     "Appraise a trade-in vehicle",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body domain.TradeIn `json:"body"`
	}) (*struct {
		Body domain.Valuation `json:"body"`
	}, error) {
		if _, se := principalFromContext(ctx); se != nil {
			return nil, se
		}
		v, err := e.Appraise(ctx, input.Body)
		if err != nil {
			return nil, engineError(e, err)
		}
		return &struct {
			Body domain.Valuation `json:"body"`
		}{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "analyze-market",
		Method:      http.MethodGet,
		Path:        "/market/{model}",
		Summary:     "Market position of a model",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Model  string  `path:"model"`
		Budget float64 `query:"budget" minimum:"0"`
	}) (*struct {
		Body domain.MarketData `json:"body"`
	}, error) {
		if _, se := principalFromContext(ctx); se != nil {
			return nil, se
		}
		m, err := e.AnalyzeMarket(ctx, input.Model, input.Budget)
		if err != nil {
			return nil, engineError(e, err)
		}
		return &struct {
			Body domain.MarketData `json:"body"`
		}{Body: m}, nil
	})
}

func registerContracts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-contract",
		Method:      http.MethodGet,
		Path:        "/contracts/{file}",
		Summary:     "Read a finalized contract document",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		File string `path:"file"`
	}) (*struct {
		Body contract.Document `json:"body"`
	}, error) {
		if _, se := principalFromContext(ctx); se != nil {
			return nil, se
		}
		doc, err := e.Contract(input.File)
		if err != nil {
			return nil, engineError(e, err)
		}
		if _, se := authorize(ctx, doc.UserID); se != nil {
			return nil, se
		}
		return &struct {
			Body contract.Document `json:"body"`
		}{Body: doc}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Description: "Service callers only. Pages backwards with next_cursor.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Type     string `query:"type"`
		EntityID string `query:"entity_id"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		p, se := principalFromContext(ctx)
		if se != nil {
			return nil, se
		}
		if !p.IsService() {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "events are restricted to service callers", nil)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "validation_error", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
			Type:     input.Type,
			EntityID: input.EntityID,
			Before:   cursorID,
			Limit:    limit + 1,
		})
		if err != nil {
			return nil, engineError(e, err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerDevAuth(api huma.API, cfg AuthConfig) {
	if !cfg.AllowDevLogin {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "Issue a development token",
		Description: "Only registered when auth.allow_dev_login is set.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body TokenResponse `json:"body"`
	}, error) {
		userID := strings.TrimSpace(input.Body.UserID)
		if userID == "" {
			return nil, newAPIError(http.StatusBadRequest, "validation_error", "user_id is required", nil)
		}
		now := time.Now().UTC()
		token, err := auth.IssueToken(cfg.Token, userID, input.Body.Role, devTokenTTL, now)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "validation_error", err.Error(), nil)
		}
		return &struct {
			Body TokenResponse `json:"body"`
		}{Body: TokenResponse{Token: token, ExpiresAt: now.Add(devTokenTTL).Format(time.RFC3339)}}, nil
	})
}
