package weft

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/everydev1618/weft/ledger"
)

// Category is an error's place in the retry taxonomy.
type Category string

const (
	CategoryTransient   Category = "transient"
	CategoryRateLimited Category = "rate_limited"
	CategoryQuota       Category = "quota"
	CategoryPermanent   Category = "permanent"
	CategoryLimitHit    Category = "limit_hit"
	CategoryBudget      Category = "budget"
	CategoryCancelled   Category = "cancelled"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryTransient, CategoryRateLimited, CategoryQuota, CategoryPermanent,
		CategoryLimitHit, CategoryBudget, CategoryCancelled:
		return true
	}
	return false
}

// Retryable reports whether errors of this category may be retried locally.
func (c Category) Retryable() bool {
	switch c {
	case CategoryTransient, CategoryRateLimited, CategoryQuota:
		return true
	}
	return false
}

// ClassPattern maps errors whose context matches Match to Category. Patterns
// are tried in order and the first match wins.
type ClassPattern struct {
	ID       string    `yaml:"id"`
	Category Category  `yaml:"category"`
	Match    Condition `yaml:"match"`
}

// Classification is the result of classifying one error.
type Classification struct {
	Category   Category
	PatternID  string
	StatusCode int
	Type       string
	Message    string
	RetryAfter time.Duration
}

// Retryable reports whether the category allows a local retry.
func (c Classification) Retryable() bool {
	return c.Category.Retryable()
}

// Classifier assigns categories to errors.
type Classifier struct {
	patterns []ClassPattern
}

// NewClassifier validates patterns and builds a classifier.
func NewClassifier(patterns []ClassPattern) (*Classifier, error) {
	for i, p := range patterns {
		if !p.Category.Valid() {
			return nil, fmt.Errorf("%w: classification pattern %q: unknown category %q", ErrInvalidConfig, p.ID, p.Category)
		}
		if err := p.Match.Validate(); err != nil {
			return nil, fmt.Errorf("%w: classification pattern %d (%s): %v", ErrInvalidConfig, i, p.ID, err)
		}
	}
	return &Classifier{patterns: patterns}, nil
}

// DefaultClassifier classifies with DefaultClassPatterns.
func DefaultClassifier() *Classifier {
	return &Classifier{patterns: DefaultClassPatterns()}
}

// DefaultClassPatterns covers common provider and network failures.
func DefaultClassPatterns() []ClassPattern {
	return []ClassPattern{
		{
			ID:       "quota",
			Category: CategoryQuota,
			Match: Condition{Any: []Condition{
				{Path: "error.type", Op: OpRegex, Value: `(?i)quota|billing`},
				{Path: "error.message", Op: OpRegex, Value: `(?i)quota|credit balance|billing`},
			}},
		},
		{
			ID:       "rate_limited",
			Category: CategoryRateLimited,
			Match:    Condition{Path: "error.status_code", Op: OpIn, Value: []any{429}},
		},
		{
			ID:       "overloaded",
			Category: CategoryTransient,
			Match:    Condition{Path: "error.status_code", Op: OpIn, Value: []any{500, 502, 503, 504, 529}},
		},
		{
			ID:       "network",
			Category: CategoryTransient,
			Match: Condition{
				Path:  "error.message",
				Op:    OpRegex,
				Value: `(?i)connection (reset|refused)|timeout|temporar|unexpected EOF|broken pipe|no such host|stream ended before`,
			},
		},
		{
			ID:       "request_rejected",
			Category: CategoryPermanent,
			Match:    Condition{Path: "error.status_code", Op: OpIn, Value: []any{400, 401, 403, 404, 413, 422}},
		},
	}
}

// Classify assigns a category to err. Cancellation, budget and limit errors
// are recognised structurally; everything else goes through the patterns,
// then falls back to the error's own Retryable method, then to permanent.
func (c *Classifier) Classify(err error) Classification {
	cls := Classification{Category: CategoryPermanent}
	if err == nil {
		return cls
	}
	cls.Message = err.Error()
	cls.Type = errorType(err)

	var status interface{ HTTPStatus() int }
	if errors.As(err, &status) {
		cls.StatusCode = status.HTTPStatus()
	}
	var delay interface{ RetryDelay() time.Duration }
	if errors.As(err, &delay) {
		cls.RetryAfter = delay.RetryDelay()
	}
	var typed interface{ ErrorType() string }
	if errors.As(err, &typed) && typed.ErrorType() != "" {
		cls.Type = typed.ErrorType()
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, ErrCancelled):
		cls.Category = CategoryCancelled
		return cls
	case errors.Is(err, ledger.ErrOverspend), errors.Is(err, ledger.ErrInsufficientBudget):
		cls.Category = CategoryBudget
		return cls
	case errors.Is(err, ErrLimitExceeded):
		cls.Category = CategoryLimitHit
		return cls
	}

	doc := map[string]any{"error": cls.doc(false)}
	for _, p := range c.patterns {
		if p.Match.Matches(doc) {
			cls.Category = p.Category
			cls.PatternID = p.ID
			return cls
		}
	}

	var retryable interface{ Retryable() bool }
	if errors.As(err, &retryable) && retryable.Retryable() {
		cls.Category = CategoryTransient
		return cls
	}
	if errors.Is(err, context.DeadlineExceeded) {
		cls.Category = CategoryTransient
	}
	return cls
}

// doc is the error context hooks and patterns see under "error".
func (c Classification) doc(withCategory bool) map[string]any {
	m := map[string]any{
		"message":     c.Message,
		"type":        c.Type,
		"status_code": c.StatusCode,
	}
	if c.RetryAfter > 0 {
		m["retry_after_seconds"] = c.RetryAfter.Seconds()
	}
	if withCategory {
		m["category"] = string(c.Category)
		m["retryable"] = c.Retryable()
		if c.PatternID != "" {
			m["pattern"] = c.PatternID
		}
	}
	return m
}

// errorType names the innermost typed error, e.g. "APIError".
func errorType(err error) string {
	for isFmtWrap(err) {
		next := errors.Unwrap(err)
		if next == nil {
			break
		}
		err = next
	}
	name := fmt.Sprintf("%T", err)
	name = strings.TrimLeft(name, "*")
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return name
}

func isFmtWrap(err error) bool {
	return strings.HasPrefix(fmt.Sprintf("%T", err), "*fmt.")
}
