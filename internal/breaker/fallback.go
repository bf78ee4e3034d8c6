package breaker

import (
	"strings"
)

// Fallback produces the answer a client receives when the engine cannot be
// reached. It never fails.
type Fallback interface {
	Respond(text string) string
}

// CannedAnswer is one FAQ-style entry matched by keyword.
type CannedAnswer struct {
	Keywords []string
	Answer   string
}

// CannedFallback answers from a static FAQ table and falls back to a generic
// apology when nothing matches.
type CannedFallback struct {
	answers []CannedAnswer
	generic string
}

const defaultGenericAnswer = "Our assistant is temporarily unavailable. Your message was received; please try again in a minute."

// DefaultAnswers is the FAQ table served while the engine is degraded.
var DefaultAnswers = []CannedAnswer{
	{
		Keywords: []string{"project", "portfolio", "upload"},
		Answer:   "You can still create and edit projects from your profile page while the assistant recovers.",
	},
	{
		Keywords: []string{"billing", "subscription", "payment", "invoice"},
		Answer:   "Billing questions can be handled from Settings > Billing, or by emailing support.",
	},
	{
		Keywords: []string{"points", "level", "streak", "badge"},
		Answer:   "Points and streaks are recorded as usual; they will show up once the assistant is back.",
	},
}

func NewCannedFallback(answers []CannedAnswer, generic string) *CannedFallback {
	if generic == "" {
		generic = defaultGenericAnswer
	}
	return &CannedFallback{answers: answers, generic: generic}
}

func (f *CannedFallback) Respond(text string) string {
	lower := strings.ToLower(text)
	for _, a := range f.answers {
		for _, kw := range a.Keywords {
			if strings.Contains(lower, kw) {
				return a.Answer
			}
		}
	}
	return f.generic
}

var _ Fallback = (*CannedFallback)(nil)
