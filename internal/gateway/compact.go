package gateway

import (
	"fmt"
	"regexp"
	"strings"

	"relay/internal/config"
	"relay/internal/storage"
)

// provenancePattern matches [#n] labels injected by memory recall. The
// summarizer carries them through compaction so provenance survives.
var provenancePattern = regexp.MustCompile(`\[#\d+\]`)

// estimateTokens approximates the token cost of a string. Four characters
// per token plus per-message overhead is close enough for budgeting.
func estimateTokens(s string) int {
	return len(s)/4 + 4
}

func messagesTokens(msgs []*storage.Message) int {
	total := 0
	for _, m := range msgs {
		total += estimateTokens(m.Content)
		for _, tc := range m.ToolCalls {
			total += estimateTokens(string(tc.Function))
		}
	}
	return total
}

// compact applies the tiered context policy. The newest turns stay verbatim
// inside the hot window; the middle tier collapses into a warm summary; the
// oldest tier collapses into a terser archive line. Returns the compacted
// slice and whether anything changed.
func compact(msgs []*storage.Message, cfg config.GatewayConfig) ([]*storage.Message, bool) {
	budget := cfg.HotWindowTokens + cfg.WarmSummaryTokens + cfg.ArchiveTokens
	if budget <= 0 || messagesTokens(msgs) <= budget {
		return msgs, false
	}

	// Walk backwards filling the hot window.
	hotStart := len(msgs)
	used := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		t := estimateTokens(msgs[i].Content)
		if used+t > cfg.HotWindowTokens && hotStart < len(msgs) {
			break
		}
		used += t
		hotStart = i
	}

	// Never let the hot window open on an orphaned tool turn.
	for hotStart > 0 && hotStart < len(msgs) && msgs[hotStart].Role == "tool" {
		hotStart--
	}

	if hotStart == 0 {
		return msgs, false
	}

	older := msgs[:hotStart]

	// The oldest half of the older tier goes to the archive, the rest to the
	// warm summary.
	split := len(older) / 2
	archive := summarize(older[:split], cfg.ArchiveTokens, true)
	warm := summarize(older[split:], cfg.WarmSummaryTokens, false)

	var out []*storage.Message
	if archive != "" {
		out = append(out, &storage.Message{
			Role:    "system",
			Content: "Archived context:\n" + archive,
		})
	}
	if warm != "" {
		out = append(out, &storage.Message{
			Role:    "system",
			Content: "Earlier conversation summary:\n" + warm,
		})
	}
	out = append(out, msgs[hotStart:]...)

	return out, true
}

// summarize produces a deterministic digest of the given turns within a token
// budget. Provenance labels present in a turn are always carried into its
// summary line.
func summarize(msgs []*storage.Message, budgetTokens int, terse bool) string {
	if len(msgs) == 0 || budgetTokens <= 0 {
		return ""
	}

	excerptLen := 120
	if terse {
		excerptLen = 40
	}

	var b strings.Builder
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}

		line := fmt.Sprintf("- %s: %s", m.Role, excerpt(m.Content, excerptLen))
		for _, label := range provenancePattern.FindAllString(m.Content, -1) {
			if !strings.Contains(line, label) {
				line += " " + label
			}
		}

		if estimateTokens(b.String())+estimateTokens(line) > budgetTokens {
			break
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}

	return strings.TrimRight(b.String(), "\n")
}

func excerpt(s string, max int) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	runes := []rune(s)
	if len(runes) > max {
		s = string(runes[:max]) + "..."
	}
	return s
}
