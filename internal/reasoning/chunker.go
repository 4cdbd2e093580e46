package reasoning

import "strings"

// maxChunkRunes bounds one embedded chunk. Long paragraphs are split on
// sentence boundaries; tiny fragments are merged forward.
const maxChunkRunes = 400

// Chunk splits text into embedding-sized pieces. Paragraph boundaries are
// preferred, then sentence boundaries. Whitespace-only input yields no chunks.
func Chunk(text string) []string {
	var chunks []string

	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if len([]rune(para)) <= maxChunkRunes {
			chunks = append(chunks, para)
			continue
		}
		chunks = append(chunks, splitSentences(para)...)
	}

	return mergeSmall(chunks)
}

func splitSentences(para string) []string {
	var out []string
	var current strings.Builder

	flush := func() {
		s := strings.TrimSpace(current.String())
		if s != "" {
			out = append(out, s)
		}
		current.Reset()
	}

	runes := []rune(para)
	for i, r := range runes {
		current.WriteRune(r)
		boundary := (r == '.' || r == '!' || r == '?') &&
			(i+1 >= len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n')
		if boundary || current.Len() >= maxChunkRunes {
			flush()
		}
	}
	flush()

	return out
}

// mergeSmall joins adjacent fragments until they approach the chunk cap, so a
// burst of short sentences does not produce one embedding per sentence.
func mergeSmall(chunks []string) []string {
	if len(chunks) <= 1 {
		return chunks
	}

	var out []string
	var current strings.Builder
	for _, c := range chunks {
		if current.Len() > 0 && current.Len()+len(c)+1 > maxChunkRunes {
			out = append(out, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(c)
	}
	if current.Len() > 0 {
		out = append(out, current.String())
	}

	return out
}
