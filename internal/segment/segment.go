package segment

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Piece is one emitted chunk plus the whitespace run dropped right after it.
// Concatenating Text+Boundary over all pieces reproduces the input.
type Piece struct {
	Text     string
	Boundary string
}

// Split returns the chunk texts of Pieces(text, limit).
func Split(text string, limit int) []string {
	pieces := Pieces(text, limit)
	out := make([]string, len(pieces))
	for i, p := range pieces {
		out[i] = p.Text
	}
	return out
}

// Pieces cuts text into chunks of at most limit runes. Each cut happens at
// the last whitespace rune within the first limit+1 runes of the remainder,
// or exactly at limit runes when no such boundary exists. Leading
// whitespace of the next chunk is trimmed into the previous piece's
// Boundary. A limit <= 0 disables splitting.
func Pieces(text string, limit int) []Piece {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []Piece{{Text: text}}
	}

	var pieces []Piece
	rest := text
	for utf8.RuneCountInString(rest) > limit {
		cut, next := boundary(rest, limit)
		after := strings.TrimLeftFunc(rest[next:], unicode.IsSpace)
		pieces = append(pieces, Piece{
			Text:     rest[:cut],
			Boundary: rest[cut : len(rest)-len(after)],
		})
		rest = after
	}
	if rest != "" {
		pieces = append(pieces, Piece{Text: rest})
	}
	return pieces
}

// Join reassembles the original text from pieces.
func Join(pieces []Piece) string {
	var b strings.Builder
	for _, p := range pieces {
		b.WriteString(p.Text)
		b.WriteString(p.Boundary)
	}
	return b.String()
}

// boundary returns the byte offset to cut at and the byte offset where the
// remainder starts. For a whitespace cut the separator rune lies between the
// two; for a hard cut they are equal.
func boundary(s string, limit int) (cut, next int) {
	lastSpace, lastSpaceEnd := -1, -1
	hard := len(s)
	n := 0
	for i, r := range s {
		if n == limit {
			hard = i
		}
		if n > limit {
			break
		}
		if n > 0 && unicode.IsSpace(r) {
			lastSpace, lastSpaceEnd = i, i+utf8.RuneLen(r)
		}
		n++
	}
	if lastSpace > 0 {
		return lastSpace, lastSpaceEnd
	}
	return hard, hard
}
