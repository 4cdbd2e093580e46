package gateway

import "strings"

// delegationThreshold is the default complexity score at or above which a
// request is fanned out to sub-agents.
const delegationThreshold = 2

// longRequestTokens marks a request as long enough to score for length.
const longRequestTokens = 55

var conjunctions = []string{" and ", " then ", " after that ", " while "}

var delegationKeywords = []string{
	"research", "compare", "analyze", "analyse", "investigate",
	"summarize", "summarise", "plan", "steps", "report", "break down",
}

// complexityScore estimates how much a request would benefit from
// delegation. Scoring: +1 when the request is long, +1 when it chains
// clauses with a conjunction, +1 per task keyword.
func complexityScore(text string) int {
	lower := strings.ToLower(text)
	score := 0

	if len(strings.Fields(text)) >= longRequestTokens {
		score++
	}

	for _, c := range conjunctions {
		if strings.Contains(lower, c) {
			score++
			break
		}
	}

	for _, k := range delegationKeywords {
		if strings.Contains(lower, k) {
			score++
		}
	}

	return score
}
