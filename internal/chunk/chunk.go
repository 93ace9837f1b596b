package chunk

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
)

const (
	// DefaultSize and DefaultOverlap match the chunking used when the
	// corpus was first embedded. Changing them re-chunks everything on
	// the next forced run.
	DefaultSize    = 1000
	DefaultOverlap = 150

	minChunkChars = 50
	hashHexLen    = 12
)

// Split cuts text into overlapping windows of roughly size bytes. Each window
// prefers to end at a sentence boundary when one falls past 60% of the
// window; consecutive windows overlap so no sentence is orphaned at a cut.
// Trimmed fragments shorter than 50 chars are dropped.
func Split(text string, size, overlap int) []string {
	if size <= 0 {
		size = DefaultSize
	}
	if overlap < 0 || overlap >= size {
		overlap = DefaultOverlap
		if overlap >= size {
			overlap = size / 4
		}
	}

	var chunks []string
	start := 0
	for start < len(text) {
		end := start + size
		if end > len(text) {
			end = len(text)
		}

		window := text[start:end]
		if end < len(text) {
			if idx := strings.LastIndex(window, ". "); idx > size*60/100 {
				end = start + idx + 1
				window = text[start:end]
			}
		}

		if c := strings.TrimSpace(window); len(c) > minChunkChars {
			chunks = append(chunks, c)
		}

		if end >= len(text) {
			break
		}
		// A sentence cut plus a large configured overlap can move the next
		// start at or before the current one; give up the overlap rather
		// than stall.
		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

// ContentHash fingerprints a unit of source text for change detection. The
// short md5 prefix is enough to distinguish revisions of the same unit.
func ContentHash(text string) string {
	sum := md5.Sum([]byte(text))
	return hex.EncodeToString(sum[:])[:hashHexLen]
}
