package openfda

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TermCount is one row of a count query.
type TermCount struct {
	Term  string `json:"term"`
	Count int    `json:"count"`
}

// UnmarshalJSON accepts the term as a string or a number. Counts over date
// fields carry the value in "time" instead of "term".
func (tc *TermCount) UnmarshalJSON(data []byte) error {
	var raw struct {
		Term  json.RawMessage `json:"term"`
		Time  json.RawMessage `json:"time"`
		Count int             `json:"count"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	value := raw.Term
	if len(value) == 0 {
		value = raw.Time
	}

	term, err := scalarString(value)
	if err != nil {
		return fmt.Errorf("term: %w", err)
	}

	tc.Term = term
	tc.Count = raw.Count
	return nil
}

func scalarString(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		err := json.Unmarshal(raw, &s)
		return s, err
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("unsupported value %s", raw)
	}
	return n.String(), nil
}

// dateLayout is the openFDA date format.
const dateLayout = "20060102"

// DateRange formats an inclusive range as "[YYYYMMDD+TO+YYYYMMDD]".
func DateRange(start, end time.Time) string {
	return "[" + start.Format(dateLayout) + "+TO+" + end.Format(dateLayout) + "]"
}

// DateSearch builds a search clause matching field within the date range.
func DateSearch(field string, start, end time.Time) string {
	return field + ":" + DateRange(start, end)
}

// And joins search clauses with the openFDA AND operator, skipping empty ones.
func And(clauses ...string) string {
	parts := make([]string, 0, len(clauses))
	for _, c := range clauses {
		if c = strings.TrimSpace(c); c != "" {
			parts = append(parts, c)
		}
	}
	return strings.Join(parts, "+AND+")
}
