package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/wesm/mailtriage/internal/llm"
	"github.com/wesm/mailtriage/internal/textutil"
)

// Actions are the mailbox changes the classifier asks for.
type Actions struct {
	MarkSpam bool `json:"mark_spam"`
	Star     bool `json:"star"`
	Archive  bool `json:"archive"`
	MarkRead bool `json:"mark_read"`
}

// Decision is a validated classifier verdict.
type Decision struct {
	IsSpam      bool    `json:"is_spam"`
	IsImportant bool    `json:"is_important"`
	Confidence  float64 `json:"confidence"`
	Reason      string  `json:"reason"`
	Actions     Actions `json:"actions"`
}

// FallbackReason is the reason carried by FallbackDecision.
const FallbackReason = "Failed to classify"

// FallbackDecision is substituted whenever a classifier response cannot
// be parsed or validated. It changes nothing except the processed label.
func FallbackDecision() Decision {
	return Decision{Confidence: 0.5, Reason: FallbackReason}
}

// ErrInvalidDecision wraps every parse and validation failure.
var ErrInvalidDecision = errors.New("invalid classifier response")

// wireActions and wireDecision use pointers so absent fields can be told
// apart from false and zero.
type wireActions struct {
	MarkSpam *bool `json:"mark_spam"`
	Star     *bool `json:"star"`
	Archive  *bool `json:"archive"`
	MarkRead *bool `json:"mark_read"`
}

type wireDecision struct {
	IsSpam      *bool        `json:"is_spam"`
	IsImportant *bool        `json:"is_important"`
	Confidence  *float64     `json:"confidence"`
	Reason      *string      `json:"reason"`
	Actions     *wireActions `json:"actions"`
}

// ParseDecision decodes and validates a raw classifier response. The
// response must be a JSON object and nothing else; surrounding whitespace
// is the only slack. Every field of the schema must be present with the
// right type, and confidence must lie in [0, 1].
func ParseDecision(raw string) (Decision, error) {
	var w wireDecision
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &w); err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrInvalidDecision, err)
	}

	var missing []string
	for name, present := range map[string]bool{
		"is_spam":      w.IsSpam != nil,
		"is_important": w.IsImportant != nil,
		"confidence":   w.Confidence != nil,
		"reason":       w.Reason != nil,
		"actions":      w.Actions != nil,
	} {
		if !present {
			missing = append(missing, name)
		}
	}
	if w.Actions != nil {
		for name, present := range map[string]bool{
			"actions.mark_spam": w.Actions.MarkSpam != nil,
			"actions.star":      w.Actions.Star != nil,
			"actions.archive":   w.Actions.Archive != nil,
			"actions.mark_read": w.Actions.MarkRead != nil,
		} {
			if !present {
				missing = append(missing, name)
			}
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return Decision{}, fmt.Errorf("%w: missing %s", ErrInvalidDecision, strings.Join(missing, ", "))
	}
	if c := *w.Confidence; c < 0 || c > 1 {
		return Decision{}, fmt.Errorf("%w: confidence %v outside [0, 1]", ErrInvalidDecision, c)
	}

	return Decision{
		IsSpam:      *w.IsSpam,
		IsImportant: *w.IsImportant,
		Confidence:  *w.Confidence,
		Reason:      *w.Reason,
		Actions: Actions{
			MarkSpam: *w.Actions.MarkSpam,
			Star:     *w.Actions.Star,
			Archive:  *w.Actions.Archive,
			MarkRead: *w.Actions.MarkRead,
		},
	}, nil
}

// Result is the outcome of one classification. When Fallback is set,
// Decision is FallbackDecision and Problem says why.
type Result struct {
	Decision Decision
	Fallback bool
	Problem  error
}

// Gateway sends normalized messages to the classifier and validates
// its answers.
type Gateway struct {
	completer llm.Completer
	logger    *slog.Logger
}

// NewGateway creates a gateway. A nil logger uses slog.Default().
func NewGateway(c llm.Completer, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{completer: c, logger: logger}
}

// Classify asks the classifier about one message. Malformed responses
// are replaced by FallbackDecision and are not errors; only failures
// of the call itself are returned.
func (g *Gateway) Classify(ctx context.Context, in Input) (Result, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return Result{}, fmt.Errorf("marshal input: %w", err)
	}
	raw, err := g.completer.Complete(ctx, SystemPrompt, string(payload))
	if err != nil {
		return Result{}, err
	}
	d, err := ParseDecision(raw)
	if err != nil {
		g.logger.Warn("classifier response rejected, using fallback",
			"error", err,
			"response", textutil.Truncate(raw, 200))
		return Result{Decision: FallbackDecision(), Fallback: true, Problem: err}, nil
	}
	return Result{Decision: d}, nil
}
