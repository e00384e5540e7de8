package oracle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Category is a ledger-bound score dimension.
type Category string

const (
	CategoryFinancial    Category = "financial"
	CategoryProfessional Category = "professional"
	CategorySocial       Category = "social"
)

var categoryKeys = map[string]Category{
	"financial_score":    CategoryFinancial,
	"professional_score": CategoryProfessional,
	"social_score":       CategorySocial,
}

// ScoreReport is the normalized oracle output. Categories the oracle did not
// evaluate are absent from Categories rather than zero.
type ScoreReport struct {
	Overall    *float64             `json:"overall,omitempty"`
	Categories map[Category]float64 `json:"categories"`
	Details    json.RawMessage      `json:"details,omitempty"`
}

// Score returns the category value and whether it was evaluated.
func (r *ScoreReport) Score(c Category) (float64, bool) {
	if r == nil {
		return 0, false
	}
	v, ok := r.Categories[c]
	return v, ok
}

// HasDetails reports whether Details holds anything worth anchoring.
func (r *ScoreReport) HasDetails() bool {
	if r == nil {
		return false
	}
	trimmed := bytes.TrimSpace(r.Details)
	switch string(trimmed) {
	case "", "null", "{}", "[]":
		return false
	}
	return true
}

type rawReport struct {
	Success      *bool                      `json:"success"`
	Overall      *float64                   `json:"overall"`
	OverallScore *float64                   `json:"overall_score"`
	Details      map[string]json.RawMessage `json:"details"`
	Errors       []string                   `json:"errors"`
}

func parseReport(body []byte) (*ScoreReport, error) {
	var raw rawReport
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, rejected(fmt.Sprintf("malformed oracle response: %v", err))
	}
	for _, e := range raw.Errors {
		if strings.TrimSpace(e) != "" {
			return nil, rejected(e)
		}
	}
	if raw.Success != nil && !*raw.Success {
		return nil, rejected("oracle reported failure")
	}

	report := &ScoreReport{Categories: make(map[Category]float64)}
	overall := raw.Overall
	if overall == nil {
		overall = raw.OverallScore
	}
	if overall != nil {
		if err := checkRange("overall", *overall); err != nil {
			return nil, err
		}
		v := *overall
		report.Overall = &v
	}

	for key, category := range categoryKeys {
		value, ok := raw.Details[key]
		if !ok {
			continue
		}
		var score *float64
		if err := json.Unmarshal(value, &score); err != nil {
			return nil, rejected(fmt.Sprintf("malformed %s: %v", key, err))
		}
		if score == nil {
			continue
		}
		if err := checkRange(key, *score); err != nil {
			return nil, err
		}
		report.Categories[category] = *score
	}

	if len(raw.Details) > 0 {
		details, err := json.Marshal(raw.Details)
		if err != nil {
			return nil, fmt.Errorf("encode details: %w", err)
		}
		report.Details = details
	}
	if report.Overall == nil && len(report.Categories) == 0 {
		return nil, rejected("oracle response carries no scores")
	}
	return report, nil
}

func checkRange(name string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || v > 100 {
		return rejected(fmt.Sprintf("%s out of range: %v", name, v))
	}
	return nil
}
