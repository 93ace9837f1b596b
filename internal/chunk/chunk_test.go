package chunk

import (
	"strings"
	"testing"
)

func TestSplitShortText(t *testing.T) {
	if got := Split("too short", DefaultSize, DefaultOverlap); got != nil {
		t.Fatalf("fragments under the minimum should be dropped, got %v", got)
	}

	one := strings.Repeat("solid content here ", 10)
	got := Split(one, DefaultSize, DefaultOverlap)
	if len(got) != 1 {
		t.Fatalf("expected a single chunk, got %d", len(got))
	}
}

func TestSplitCoversText(t *testing.T) {
	// Sentences of a known shape so boundaries are predictable.
	var b strings.Builder
	for i := 0; i < 40; i++ {
		b.WriteString("The quick brown fox jumps over the lazy dog near the river bend. ")
	}
	text := b.String()

	chunks := Split(text, DefaultSize, DefaultOverlap)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks for %d chars, got %d", len(text), len(chunks))
	}

	for i, c := range chunks {
		if len(c) <= 50 {
			t.Fatalf("chunk %d is %d chars, below the minimum", i, len(c))
		}
		if len(c) > DefaultSize {
			t.Fatalf("chunk %d is %d chars, above the window size", i, len(c))
		}
	}

	// Every chunk after the first starts inside its predecessor's tail.
	for i := 1; i < len(chunks); i++ {
		if !strings.Contains(text, chunks[i]) {
			t.Fatalf("chunk %d is not a substring of the input", i)
		}
		head := chunks[i]
		if len(head) > 60 {
			head = head[:60]
		}
		if !strings.Contains(chunks[i-1], head) {
			t.Fatalf("chunk %d does not overlap its predecessor", i)
		}
	}
}

func TestSplitPrefersSentenceBoundary(t *testing.T) {
	// One sentence ends at 70% of the window; the cut should land there
	// rather than mid-sentence at the window edge.
	sentence := strings.Repeat("a", 698) + ". "
	text := sentence + strings.Repeat("b", 600)

	chunks := Split(text, 1000, 150)
	if len(chunks) == 0 {
		t.Fatalf("no chunks")
	}
	if !strings.HasSuffix(chunks[0], ".") {
		t.Fatalf("first chunk should end at the sentence boundary, got tail %q", chunks[0][len(chunks[0])-10:])
	}
}

func TestSplitTerminatesWithLargeOverlap(t *testing.T) {
	// Overlap close to the window size combined with a sentence cut would
	// move the next start backwards; the split must drop the overlap and
	// still make progress.
	sentence := strings.Repeat("a", 63) + ". "
	text := strings.Repeat(sentence, 4)

	chunks := Split(text, 100, 90)
	if len(chunks) != 4 {
		t.Fatalf("chunks = %d, want 4", len(chunks))
	}
	for i, c := range chunks {
		if !strings.HasSuffix(c, ".") {
			t.Fatalf("chunk %d should end at a sentence boundary, got %q", i, c)
		}
	}
}

func TestContentHash(t *testing.T) {
	h := ContentHash("some content")
	if len(h) != 12 {
		t.Fatalf("hash length = %d, want 12", len(h))
	}
	if h != ContentHash("some content") {
		t.Fatalf("hash not stable")
	}
	if h == ContentHash("other content") {
		t.Fatalf("distinct content should hash differently")
	}
}
