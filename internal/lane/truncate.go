package lane

import (
	"fmt"
	"regexp"
)

const (
	// DefaultMaxToolResultBytes bounds tool output before it enters the
	// conversation context. 64 KB covers most useful output while keeping
	// huge HTTP responses from bloating the context.
	DefaultMaxToolResultBytes = 65536
)

var (
	// base64Pattern matches inline data URIs: data:...;base64,...
	base64Pattern = regexp.MustCompile(`data:[a-zA-Z0-9+/=\-]+;base64,[A-Za-z0-9+/=]{64,}`)

	// hexBlobPattern matches contiguous hex strings longer than 256 characters.
	hexBlobPattern = regexp.MustCompile(`[0-9a-fA-F]{256,}`)
)

// TruncateToolResult truncates an oversized tool result to fit within
// maxBytes. Processing order:
//  1. Strip inline base64 data URIs
//  2. Strip large hex blobs
//  3. If still oversized, keep head + tail and insert a truncation marker
//
// Returns the content unchanged if it fits within maxBytes.
func TruncateToolResult(content string, maxBytes int) string {
	if len(content) <= maxBytes {
		return content
	}

	content = stripBase64Blocks(content)
	if len(content) <= maxBytes {
		return content
	}

	content = stripHexBlobs(content)
	if len(content) <= maxBytes {
		return content
	}

	headLen := maxBytes * 2 / 5
	tailLen := maxBytes * 2 / 5
	if headLen+tailLen >= len(content) {
		return content
	}

	removed := len(content) - headLen - tailLen
	return content[:headLen] +
		fmt.Sprintf("\n\n[... %d bytes truncated ...]\n\n", removed) +
		content[len(content)-tailLen:]
}

func stripBase64Blocks(s string) string {
	return base64Pattern.ReplaceAllStringFunc(s, func(match string) string {
		return fmt.Sprintf("[base64 data removed, %d bytes]", len(match))
	})
}

func stripHexBlobs(s string) string {
	return hexBlobPattern.ReplaceAllStringFunc(s, func(match string) string {
		return fmt.Sprintf("[hex data removed, %d bytes]", len(match))
	})
}
