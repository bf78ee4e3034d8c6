package engine

import (
	"strings"
)

// Mode selects how the assistant frames its answer.
type Mode string

const (
	// ModeSupport answers questions about the product and the user's account.
	ModeSupport Mode = "support"
	// ModeTask helps the user build or change something, such as a project.
	ModeTask Mode = "task"
)

var taskKeywords = []string{
	"create", "build", "make", "add", "generate", "write", "draft", "update", "edit", "publish",
}

var supportKeywords = []string{
	"how do", "how can", "what is", "why", "help", "where", "can't", "cannot", "error", "billing", "account",
}

// ClassifyMode picks the mode of a message. Messages matching neither keyword
// set keep the previous mode so follow-ups stay in context.
func ClassifyMode(text string, previous Mode) Mode {
	lower := strings.ToLower(text)
	taskHits := countHits(lower, taskKeywords)
	supportHits := countHits(lower, supportKeywords)

	switch {
	case taskHits > supportHits:
		return ModeTask
	case supportHits > taskHits:
		return ModeSupport
	case previous != "":
		return previous
	default:
		return ModeSupport
	}
}

func countHits(text string, keywords []string) int {
	n := 0
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			n++
		}
	}
	return n
}
