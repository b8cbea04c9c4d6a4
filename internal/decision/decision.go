// Package decision turns a similarity score into a match verdict.
package decision

import (
	"golang.org/x/text/message"

	"github.com/example/face-verify/internal/messages"
	"github.com/example/face-verify/internal/similarity"
)

// DefaultThreshold is the cosine similarity a pair must exceed to match.
const DefaultThreshold = 0.4

// ReportedPrecision is the number of decimals similarity is reported with.
const ReportedPrecision = 4

// Rule is a fixed threshold comparison.
type Rule struct {
	Threshold float64
}

// NewRule returns a rule using threshold.
func NewRule(threshold float64) Rule {
	return Rule{Threshold: threshold}
}

// Verdict is the locale independent outcome of a comparison.
type Verdict struct {
	IsMatch    bool
	Similarity float64
	Threshold  float64
}

// Result is the payload returned to clients.
type Result struct {
	IsMatch    bool    `json:"is_match"`
	Similarity float64 `json:"similarity"`
	Threshold  float64 `json:"threshold"`
	Message    string  `json:"message"`
}

// Evaluate compares the unrounded similarity against the threshold. A score
// equal to the threshold does not match.
func (r Rule) Evaluate(sim float64) Verdict {
	return Verdict{
		IsMatch:    sim > r.Threshold,
		Similarity: sim,
		Threshold:  r.Threshold,
	}
}

// Describe renders the verdict with a message from p.
func (v Verdict) Describe(p *message.Printer) Result {
	key := messages.KeyNotVerified
	if v.IsMatch {
		key = messages.KeyVerified
	}
	return Result{
		IsMatch:    v.IsMatch,
		Similarity: similarity.Round(v.Similarity, ReportedPrecision),
		Threshold:  v.Threshold,
		Message:    p.Sprintf(key),
	}
}
