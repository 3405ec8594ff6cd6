// Package chunker splits document text into bounded, overlapping chunks.
// Splitting prefers sentence boundaries and falls back to word boundaries
// for sentences longer than a whole chunk.
package chunker

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"pdfrag/internal/models"
)

// sentenceRe matches runs ending in sentence punctuation, plus a trailing
// run without a terminator.
var sentenceRe = regexp.MustCompile(`[^.!?]+[.!?]+|[^.!?]+$`)

// SentenceSplitter is a deterministic chunker. The same input always
// produces the same chunks.
type SentenceSplitter struct {
	chunkSize int
	overlap   int
}

// New returns a splitter producing chunks of at most chunkSize bytes with
// roughly overlap bytes repeated between consecutive chunks.
func New(chunkSize, overlap int) (*SentenceSplitter, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", models.ErrInvalidInput, chunkSize)
	}
	if overlap < 0 || overlap >= chunkSize {
		return nil, fmt.Errorf("%w: overlap %d must be in [0, %d)", models.ErrInvalidInput, overlap, chunkSize)
	}
	return &SentenceSplitter{chunkSize: chunkSize, overlap: overlap}, nil
}

// Split breaks text into chunks. Whitespace is collapsed first, so two
// texts differing only in formatting chunk identically. Blank input yields
// no chunks.
func (s *SentenceSplitter) Split(text string) []string {
	clean := strings.Join(strings.Fields(text), " ")
	if clean == "" {
		return nil
	}
	if len(clean) <= s.chunkSize {
		return []string{clean}
	}

	var pieces []string
	for _, sent := range sentenceRe.FindAllString(clean, -1) {
		sent = strings.TrimSpace(sent)
		if sent == "" {
			continue
		}
		if len(sent) > s.chunkSize {
			pieces = append(pieces, hardSplit(sent, s.chunkSize)...)
			continue
		}
		pieces = append(pieces, sent)
	}

	var (
		chunks []string
		window []string
		size   int
	)
	for _, p := range pieces {
		cost := len(p)
		if size > 0 {
			cost++ // joining space
		}
		if len(window) > 0 && size+cost > s.chunkSize {
			chunks = append(chunks, strings.Join(window, " "))
			window = s.tail(window)
			size = joinedLen(window)
			cost = len(p)
			if size > 0 {
				cost++
			}
			// the carried tail plus this piece may still overflow
			if size+cost > s.chunkSize {
				window = window[:0]
				size = 0
				cost = len(p)
			}
		}
		window = append(window, p)
		size += cost
	}
	if len(window) > 0 {
		chunks = append(chunks, strings.Join(window, " "))
	}
	return chunks
}

// ChunkSize reports the configured maximum chunk length in bytes.
func (s *SentenceSplitter) ChunkSize() int { return s.chunkSize }

// Overlap reports the configured overlap budget in bytes.
func (s *SentenceSplitter) Overlap() int { return s.overlap }

// tail returns the trailing pieces of window whose joined length fits the
// overlap budget. These are carried into the next chunk.
func (s *SentenceSplitter) tail(window []string) []string {
	if s.overlap == 0 {
		return nil
	}
	size := 0
	i := len(window)
	for i > 0 {
		cost := len(window[i-1])
		if size > 0 {
			cost++
		}
		if size+cost > s.overlap {
			break
		}
		size += cost
		i--
	}
	return append([]string(nil), window[i:]...)
}

// hardSplit cuts a sentence longer than limit into fragments of at most
// limit bytes, cutting at the last space before the limit when one exists
// and never inside a multi-byte rune.
func hardSplit(sent string, limit int) []string {
	var out []string
	for len(sent) > limit {
		cut := strings.LastIndex(sent[:limit+1], " ")
		if cut > 0 {
			out = append(out, sent[:cut])
			sent = sent[cut+1:]
			continue
		}
		cut = limit
		for cut > 0 && !utf8.RuneStart(sent[cut]) {
			cut--
		}
		if cut == 0 {
			_, cut = utf8.DecodeRuneInString(sent)
		}
		out = append(out, sent[:cut])
		sent = sent[cut:]
	}
	if sent != "" {
		out = append(out, sent)
	}
	return out
}

func joinedLen(parts []string) int {
	if len(parts) == 0 {
		return 0
	}
	n := len(parts) - 1
	for _, p := range parts {
		n += len(p)
	}
	return n
}
