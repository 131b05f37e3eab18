package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
)

// LooseNumber accepts a JSON number or a string. Values that do not parse are kept raw
// so callers can report them instead of failing the whole decode.
type LooseNumber struct {
	Raw   string
	Value float64
	Valid bool
}

// Num builds a valid LooseNumber.
func Num(v float64) *LooseNumber {
	return &LooseNumber{Raw: strconv.FormatFloat(v, 'f', -1, 64), Value: v, Valid: true}
}

// Int returns the integer value and whether it is usable.
func (n *LooseNumber) Int() (int, error) {
	if n == nil {
		return 0, fmt.Errorf("missing")
	}
	if !n.Valid {
		return 0, fmt.Errorf("not a number: %q", n.Raw)
	}
	if n.Value != float64(int(n.Value)) {
		return 0, fmt.Errorf("not an integer: %v", n.Value)
	}
	return int(n.Value), nil
}

func (n *LooseNumber) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*n = LooseNumber{}
		return nil
	}
	raw := string(data)
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
	}
	*n = LooseNumber{Raw: raw}
	if v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
		n.Value = v
		n.Valid = true
	}
	return nil
}

func (n LooseNumber) MarshalJSON() ([]byte, error) {
	if n.Valid {
		return []byte(strconv.FormatFloat(n.Value, 'f', -1, 64)), nil
	}
	return json.Marshal(n.Raw)
}

// Schema lets request validation accept either representation.
func (n LooseNumber) Schema(r huma.Registry) *huma.Schema {
	return &huma.Schema{
		Description: "number or numeric string",
		OneOf: []*huma.Schema{
			{Type: huma.TypeNumber},
			{Type: huma.TypeString},
		},
	}
}
