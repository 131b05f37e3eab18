package offer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"dealdesk/internal/domain"
)

type contentGenerator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// Gemini asks a Gemini model for the next term set as JSON.
type Gemini struct {
	Model   contentGenerator
	Retries int
	Timeout time.Duration

	client *genai.Client
}

func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is empty")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	m := client.GenerativeModel(model)
	m.ResponseMIMEType = "application/json"
	return &Gemini{Model: m, Retries: 1, client: client}, nil
}

func (g *Gemini) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}

func (g *Gemini) Generate(ctx context.Context, req Request) (domain.Terms, error) {
	prompt := buildPrompt(req)
	var lastErr error
	for attempt := 0; attempt <= g.Retries; attempt++ {
		terms, err := g.once(ctx, prompt)
		if err == nil {
			return terms, nil
		}
		lastErr = err
		if !errors.Is(err, ErrMalformedOutput) {
			break
		}
	}
	return domain.Terms{}, lastErr
}

func (g *Gemini) once(ctx context.Context, prompt string) (domain.Terms, error) {
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}
	resp, err := g.Model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return domain.Terms{}, err
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return domain.Terms{}, fmt.Errorf("%w: empty response", ErrMalformedOutput)
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			sb.WriteString(string(t))
		}
	}
	return ParseTerms(sb.String())
}

func buildPrompt(req Request) string {
	ctxJSON := func(v any) string {
		if v == nil {
			return "null"
		}
		data, err := json.Marshal(v)
		if err != nil {
			return "null"
		}
		return string(data)
	}
	var history strings.Builder
	for _, h := range req.History {
		fmt.Fprintf(&history, "- round %d %s (%s): %s\n", h.Round, h.Speaker, h.Action, h.Message)
	}
	if history.Len() == 0 {
		history.WriteString("(none)\n")
	}
	feedback := "(none)"
	if len(req.PolicyFeedback) > 0 {
		feedback = strings.Join(req.PolicyFeedback, "; ")
	}
	return fmt.Sprintf(`You are the sales agent of a car dealership negotiating with a client in Moroccan dirhams (MAD).
Produce the next offer for round %d of %d.

Concession budget: factor %.2f (%s flexibility). Do not concede more than this tier allows.

Client profile: %s
Trade-in valuation: %s
Market context: %s
Initial offer: %s
Previous offer: %s
Client counter-offer: %s
Client message: %q
Recent conversation:
%s
Policy problems to fix in this offer: %s

Set trade_in_year from the valuation. If a policy problem concerns the trade-in age, or the previous offer already excluded the trade-in, set trade_in_excluded to true and trade_in_value and trade_in_year to null.

Respond with a single JSON object and nothing else:
{
  "offer_price": number,
  "discount_amount": number,
  "trade_in_value": number or null,
  "trade_in_year": number or null,
  "trade_in_excluded": boolean,
  "monthly_payment": number or null,
  "payment_method": "Cash" | "Financing" | "Leasing" | "LLD",
  "persuasion_points": [string],
  "marketing_message": string,
  "leverage_used": string,
  "flexibility_level": string
}
`, req.Round, req.MaxRounds, req.Tier.Factor, req.Tier.Label,
		ctxJSON(req.Profile), ctxJSON(req.Valuation), ctxJSON(req.Market), ctxJSON(req.Initial), ctxJSON(req.Prior),
		ctxJSON(req.Counter), req.ClientMessage, history.String(), feedback)
}
