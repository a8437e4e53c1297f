package channels

import (
	"strings"
	"unicode/utf8"
)

const fence = "```"

// fenceReserve leaves room for the fence lines added around a split code
// block.
const fenceReserve = 12

// Split breaks text into parts of at most limit characters. Code fences cut
// by a split are closed at the end of one part and reopened at the start of
// the next.
func Split(text string, limit int) []string {
	if runeLen(text) <= limit {
		return []string{text}
	}
	if !strings.Contains(text, fence) {
		return splitText(text, limit)
	}

	var out []string
	blocks := 0
	for _, part := range splitText(text, limit-fenceReserve) {
		n := strings.Count(part, fence)
		if blocks%2 != 0 {
			part = fence + "json\n" + part
		}
		blocks += n
		if blocks%2 != 0 {
			part = strings.TrimRight(part, "\n")
			if strings.HasSuffix(part, fence) || strings.HasSuffix(part, fence+"json") {
				// The block opens at the very end; move it to the next part.
				part = strings.TrimRight(strings.TrimSuffix(part, "json"), "`\n")
			} else {
				part += "\n" + fence
			}
		}
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// splitText packs paragraphs, then lines, then words into parts of at most
// limit characters.
func splitText(text string, limit int) []string {
	if runeLen(text) <= limit {
		return []string{text}
	}

	var out []string
	for _, para := range strings.Split(text, "\n\n") {
		switch {
		case runeLen(para) > limit:
			out = append(out, splitLines(para, limit)...)
		case len(out) > 0 && runeLen(out[len(out)-1])+runeLen(para)+2 <= limit:
			out[len(out)-1] += "\n\n" + para
		default:
			out = append(out, para)
		}
	}
	return out
}

func splitLines(para string, limit int) []string {
	var out []string
	for _, line := range strings.Split(para, "\n") {
		if runeLen(line) > limit {
			words := splitWords(line, limit)
			line = words[len(words)-1]
			out = append(out, words[:len(words)-1]...)
		}
		if len(out) > 0 && runeLen(out[len(out)-1])+runeLen(line)+1 <= limit {
			out[len(out)-1] += "\n" + line
		} else {
			out = append(out, line)
		}
	}
	return out
}

func splitWords(line string, limit int) []string {
	var out []string
	for _, word := range strings.Split(line, " ") {
		for runeLen(word) > limit {
			cut := runeOffset(word, limit)
			out = append(out, word[:cut])
			word = word[cut:]
		}
		if len(out) > 0 && runeLen(out[len(out)-1])+runeLen(word)+1 <= limit {
			out[len(out)-1] += " " + word
		} else {
			out = append(out, word)
		}
	}
	return out
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }

// runeOffset returns the byte offset of the n-th rune of s.
func runeOffset(s string, n int) int {
	i := 0
	for off := range s {
		if i == n {
			return off
		}
		i++
	}
	return len(s)
}
