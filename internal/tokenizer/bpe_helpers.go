package tokenizer

import (
	"slices"
	"strings"
	"unicode/utf8"
)

// Pair is an adjacent pair of BPE symbols, as listed in the merges table.
type Pair struct {
	A string
	B string
}

// segment is a run of input text that is either an added token matched
// verbatim or plain text to pre-tokenize.
type segment struct {
	text  string
	added bool
}

// symbols splits a byte-encoded word into its runes, the starting point of
// the merge loop.
func symbols(word string) []string {
	out := make([]string, 0, utf8.RuneCountInString(word))
	for i, r := range word {
		out = append(out, word[i:i+utf8.RuneLen(r)])
	}
	return out
}

// lowestRankPair returns the index of the adjacent pair with the lowest
// merge rank, or -1 when no pair is mergeable.
func lowestRankPair(word []string, ranks map[Pair]int) int {
	best, bestRank := -1, 0
	for i := 0; i+1 < len(word); i++ {
		rank, ok := ranks[Pair{A: word[i], B: word[i+1]}]
		if ok && (best < 0 || rank < bestRank) {
			best, bestRank = i, rank
		}
	}
	return best
}

// merge joins every non-overlapping occurrence of p, left to right, in place.
func merge(word []string, p Pair) []string {
	out := word[:0]
	for i := 0; i < len(word); i++ {
		if i+1 < len(word) && word[i] == p.A && word[i+1] == p.B {
			out = append(out, p.A+p.B)
			i++
			continue
		}
		out = append(out, word[i])
	}
	return out
}

// collectSpecials returns the added tokens that must be matched verbatim
// before BPE, longest first.
func collectSpecials(tokens []string) []string {
	out := slices.DeleteFunc(slices.Clone(tokens), func(s string) bool { return s == "" })
	slices.SortStableFunc(out, func(a, b string) int { return len(b) - len(a) })
	return out
}

// isChatMarker reports whether s looks like a <|...|> control token.
func isChatMarker(s string) bool {
	return len(s) >= 4 && strings.HasPrefix(s, "<|") && strings.HasSuffix(s, "|>")
}

// splitAdded cuts text around occurrences of the added tokens. specials
// must be sorted longest first so the longest token wins at a position.
func splitAdded(text string, specials []string) []segment {
	var out []segment
	for text != "" {
		at, match := -1, ""
		for _, sp := range specials {
			i := strings.Index(text, sp)
			if i >= 0 && (at < 0 || i < at) {
				at, match = i, sp
			}
		}
		if at < 0 {
			out = append(out, segment{text: text})
			break
		}
		if at > 0 {
			out = append(out, segment{text: text[:at]})
		}
		out = append(out, segment{text: match, added: true})
		text = text[at+len(match):]
	}
	return out
}

// byteLevelTables builds the GPT-2 byte to printable-rune mapping that makes
// byte-level BPE reversible. Printable Latin-1 bytes map to themselves; the
// rest are shifted past U+00FF in byte order.
func byteLevelTables() (map[byte]string, map[string]byte) {
	printable := func(b int) bool {
		return (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
	}
	enc := make(map[byte]string, 256)
	dec := make(map[string]byte, 256)
	shift := 0
	for b := 0; b < 256; b++ {
		r := rune(b)
		if !printable(b) {
			r = rune(256 + shift)
			shift++
		}
		enc[byte(b)] = string(r)
		dec[string(r)] = byte(b)
	}
	return enc, dec
}
