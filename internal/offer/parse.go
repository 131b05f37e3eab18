package offer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"

	"dealdesk/internal/domain"
)

var requiredFields = []string{"offer_price", "discount_amount", "payment_method"}

// ParseTerms decodes generator output. A strict decode is tried first; if it fails, the
// first balanced JSON object found after stripping markdown fences gets one more strict
// attempt. Anything else is ErrMalformedOutput.
func ParseTerms(raw string) (domain.Terms, error) {
	terms, err := decodeStrict(raw)
	if err == nil {
		return terms, nil
	}
	candidate := extractObject(stripCodeFences(raw))
	if candidate == "" {
		return domain.Terms{}, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	terms, err = decodeStrict(candidate)
	if err != nil {
		return domain.Terms{}, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return terms, nil
}

func decodeStrict(raw string) (domain.Terms, error) {
	data := []byte(strings.TrimSpace(raw))
	if len(data) == 0 || data[0] != '{' {
		return domain.Terms{}, fmt.Errorf("not a json object")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return domain.Terms{}, err
	}
	for _, name := range requiredFields {
		v, ok := fields[name]
		if !ok || bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			return domain.Terms{}, fmt.Errorf("missing field %s", name)
		}
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var terms domain.Terms
	if err := dec.Decode(&terms); err != nil {
		return domain.Terms{}, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return domain.Terms{}, fmt.Errorf("trailing data after object")
	}
	if err := checkTerms(terms); err != nil {
		return domain.Terms{}, err
	}
	return terms, nil
}

func checkTerms(t domain.Terms) error {
	if strings.TrimSpace(t.PaymentMethod) == "" {
		return fmt.Errorf("payment_method is empty")
	}
	nums := map[string]*float64{
		"offer_price":     &t.OfferPrice,
		"discount_amount": &t.DiscountAmount,
		"trade_in_value":  t.TradeInValue,
		"monthly_payment": t.MonthlyPayment,
	}
	for name, v := range nums {
		if v == nil {
			continue
		}
		if math.IsNaN(*v) || math.IsInf(*v, 0) || *v < 0 {
			return fmt.Errorf("%s must be a non-negative number", name)
		}
	}
	return nil
}

func stripCodeFences(src string) string {
	s := strings.TrimSpace(src)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) < 2 {
		return s
	}
	body := lines[1:]
	if strings.TrimSpace(lines[len(lines)-1]) == "```" {
		body = lines[1 : len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(body, "\n"))
}

// extractObject returns the first balanced {...} span, honoring JSON string escapes.
func extractObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
