package services

import (
	"strings"

	"github.com/syntax-sensei/kuboid/internal/platform/envutil"
)

const (
	defaultChunkSize    = 1000
	defaultChunkOverlap = 200
)

// SplitIntoChunks slices text into fixed-size character windows with overlap
// so sentences cut at a boundary survive in the neighboring chunk. Window
// geometry comes from CHUNK_SIZE and CHUNK_OVERLAP.
func SplitIntoChunks(text string) []string {
	chunkSize := envutil.Int("CHUNK_SIZE", defaultChunkSize)
	chunkOverlap := envutil.Int("CHUNK_OVERLAP", defaultChunkOverlap)
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	if chunkOverlap < 0 || chunkOverlap >= chunkSize {
		// A window must always advance.
		chunkOverlap = chunkSize / 5
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	runes := []rune(text)
	if len(runes) <= chunkSize {
		return []string{text}
	}

	var chunks []string
	start := 0
	for start < len(runes) {
		end := min(start+chunkSize, len(runes))
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
		start = end - chunkOverlap
	}
	return chunks
}
