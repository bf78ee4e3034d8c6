// Package moderation decides whether an inbound message may reach the
// conversation engine.
package moderation

import (
	"context"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	errx "github.com/allthriveai/allthriveai-sub004/internal/core/error"
)

// Validator returns a validation_rejected error for text that must not be
// processed. Any other error means the check itself failed.
type Validator interface {
	Validate(ctx context.Context, text string) error
}

// Chain runs validators in order and stops at the first rejection.
type Chain []Validator

func (c Chain) Validate(ctx context.Context, text string) error {
	for _, v := range c {
		if err := v.Validate(ctx, text); err != nil {
			return err
		}
	}
	return nil
}

// ContentValidator rejects empty text, invalid UTF-8 and control characters
// other than ordinary whitespace.
type ContentValidator struct{}

func (ContentValidator) Validate(_ context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return errx.ValidationRejected("message is empty")
	}
	if !utf8.ValidString(text) {
		return errx.ValidationRejected("message is not valid UTF-8")
	}
	for _, r := range text {
		if r == '\n' || r == '\t' || r == '\r' {
			continue
		}
		if unicode.IsControl(r) {
			return errx.ValidationRejected("message contains control characters")
		}
	}
	return nil
}

// TermFilter rejects text containing any blocked term as a whole word,
// ignoring case.
type TermFilter struct {
	pattern *regexp.Regexp
}

func NewTermFilter(terms []string) *TermFilter {
	var quoted []string
	for _, t := range terms {
		t = strings.TrimSpace(t)
		if t != "" {
			quoted = append(quoted, regexp.QuoteMeta(t))
		}
	}
	if len(quoted) == 0 {
		return &TermFilter{}
	}
	return &TermFilter{pattern: regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)}
}

func (f *TermFilter) Validate(_ context.Context, text string) error {
	if f.pattern != nil && f.pattern.MatchString(text) {
		return errx.ValidationRejected("message violates content policy")
	}
	return nil
}

// DefaultTerms is a placeholder block list; deployments supply their own
// through MODERATION_BLOCKED_TERMS.
var DefaultTerms = []string{
	"ignore previous instructions",
	"ignore all previous instructions",
}

// NewDefault returns the content checks followed by a term filter.
func NewDefault(terms []string) Validator {
	if terms == nil {
		terms = DefaultTerms
	}
	return Chain{ContentValidator{}, NewTermFilter(terms)}
}
