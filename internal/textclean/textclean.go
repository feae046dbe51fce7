// Package textclean turns raw OCR lines into readable prose: junk tokens
// dropped, soft hyphens joined and wrapped lines reflowed into paragraphs.
package textclean

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/lehigh-university-libraries/scanmarks/internal/models"
	"golang.org/x/text/unicode/norm"
)

var (
	spaceRE           = regexp.MustCompile(`\s+`)
	pipeOnlyRE        = regexp.MustCompile(`^\|(?:\s*\|)*$`)
	junkOnlyRE        = regexp.MustCompile("^[\\s|\\\\\"'`.:;,_\\-–—()\\[\\]{}!]+$")
	yearLineRE        = regexp.MustCompile(`^\d{3,4}\s`)
	listMarkerRE      = regexp.MustCompile(`^[-*\x{2022}]\s`)
	headingRE         = regexp.MustCompile(`^#{1,6}\s`)
	headingishRE      = regexp.MustCompile(`(?i)^(CHAPTER|PART|APPENDIX)\b`)
	lowerStartRE      = regexp.MustCompile(`^[a-z]`)
	upperStartRE      = regexp.MustCompile(`^[A-Z]`)
	punctArtifactRE   = regexp.MustCompile("^[(\\[][\\s|\\\\\"'`.:;,_\\-–—()\\[\\]{}!]*$")
	strongEndRE       = regexp.MustCompile(`[.!?]["')\]]*$`)
	leadingPipeRE     = regexp.MustCompile(`^\|+\s*`)
	trailingPipeRE    = regexp.MustCompile(`\s*\|+$`)
	hyphenTailRE      = regexp.MustCompile("-\\s*[)\\]}\"'`.:;,_!]*$")
	leadingPunctRE    = regexp.MustCompile("^[\\s|\\\\\"'`.:;,_\\-–—()\\[\\]{}<>!]+")
	listLineRE        = regexp.MustCompile(`^(?:\d{3,4}\s|[-*\x{2022}]\s)`)
	lowConfidenceSpew = map[string]bool{"fi": true, "fl": true, "hl": true, "hh": true, "th": true, "th!": true, "i|": true, "|i": true, "l|": true, "il": true}
	standaloneLetters = map[string]bool{"I": true, "A": true, "a": true}
)

// Normalize collapses whitespace and applies Unicode NFC.
func Normalize(s string) string {
	return strings.TrimSpace(spaceRE.ReplaceAllString(norm.NFC.String(s), " "))
}

// CleanLines drops pipe-only and punctuation-only lines and strips stray
// table pipes left by the OCR engine.
func CleanLines(lines []string) []string {
	var out []string
	for _, raw := range lines {
		line := Normalize(raw)
		if line == "" || pipeOnlyRE.MatchString(line) {
			continue
		}
		line = strings.ReplaceAll(line, " | ", " ")
		line = leadingPipeRE.ReplaceAllString(line, "")
		line = trailingPipeRE.ReplaceAllString(line, "")
		line = Normalize(line)
		if line == "" || pipeOnlyRE.MatchString(line) || junkOnlyRE.MatchString(line) {
			continue
		}
		n := utf8.RuneCountInString(line)
		if n <= 6 && float64(countFunc(line, isAlnum))/float64(n) < 0.2 {
			continue
		}
		out = append(out, line)
	}
	return out
}

func blockStart(line string) bool {
	return yearLineRE.MatchString(line) || listMarkerRE.MatchString(line) ||
		headingRE.MatchString(line) || punctArtifactRE.MatchString(line)
}

// Dehyphenate joins a line ending in a hyphen with a following lowercase
// line, unless that line starts a new block such as a dated entry.
func Dehyphenate(lines []string) []string {
	var out []string
	for i := 0; i < len(lines); i++ {
		cur := lines[i]
		if i+1 < len(lines) {
			next := lines[i+1]
			if strings.HasSuffix(cur, "-") && lowerStartRE.MatchString(next) && !blockStart(next) {
				out = append(out, cur[:len(cur)-1]+strings.TrimLeft(next, " \t"))
				i++
				continue
			}
		}
		out = append(out, cur)
	}
	return out
}

func breakAfter(cur, next string) bool {
	switch {
	case yearLineRE.MatchString(next), listMarkerRE.MatchString(next),
		headingRE.MatchString(next), headingishRE.MatchString(next):
		return true
	}
	return strongEndRE.MatchString(cur) && upperStartRE.MatchString(next)
}

// Reflow joins wrapped lines into paragraphs separated by blank lines.
// Lines starting with a year stay paragraphs of their own.
func Reflow(lines []string) string {
	var (
		blocks []string
		parts  []string
	)
	flush := func() {
		if len(parts) > 0 {
			blocks = append(blocks, strings.TrimSpace(strings.Join(parts, " ")))
			parts = parts[:0]
		}
	}
	for i, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" {
			flush()
			continue
		}
		if yearLineRE.MatchString(line) {
			flush()
			blocks = append(blocks, line)
			continue
		}
		parts = append(parts, line)
		if i+1 >= len(lines) {
			flush()
			continue
		}
		next := strings.TrimSpace(lines[i+1])
		if next == "" || breakAfter(line, next) {
			flush()
		}
	}
	flush()
	return joinBlocks(blocks)
}

// RenderLines renders canonical lines as quote text. Word confidences, when
// present, decide which short tokens are OCR noise.
func RenderLines(lines []models.Line) string {
	var cleaned []string
	for _, l := range lines {
		if s := cleanLine(l); s != "" {
			cleaned = append(cleaned, s)
		}
	}
	if len(cleaned) == 0 {
		return ""
	}
	cleaned = mergeHyphenBreaks(cleaned)

	var blocks []string
	paragraph := cleaned[0]
	for _, next := range cleaned[1:] {
		if continues(paragraph, next) {
			paragraph = Normalize(paragraph + " " + next)
			continue
		}
		blocks = append(blocks, paragraph)
		paragraph = next
	}
	blocks = append(blocks, paragraph)
	return joinBlocks(blocks)
}

type token struct {
	text string
	conf float64
}

func lineTokens(l models.Line) []token {
	if len(l.Words) > 0 {
		out := make([]token, len(l.Words))
		for i, w := range l.Words {
			out[i] = token{w.Text, w.Confidence}
		}
		return out
	}
	var out []token
	for _, f := range strings.Fields(l.Text) {
		out = append(out, token{f, 100})
	}
	return out
}

func cleanLine(l models.Line) string {
	var kept []string
	for _, t := range lineTokens(l) {
		text := strings.Trim(Normalize(t.text), "|\\()")
		if text == "" || junkToken(text, t.conf) {
			continue
		}
		kept = append(kept, text)
	}
	text := Normalize(strings.Join(kept, " "))
	if text == "" || pipeOnlyRE.MatchString(text) {
		return ""
	}
	if r, n := utf8.DecodeRuneInString(text); n == len(text) && !isAlnum(r) {
		return ""
	}
	return text
}

func junkToken(value string, conf float64) bool {
	n := utf8.RuneCountInString(value)
	switch {
	case value == "", pipeOnlyRE.MatchString(value):
		return true
	case strings.Contains(value, "|") && conf < 85:
		return true
	case strings.Contains(value, "\\") && conf < 85:
		return true
	case n == 1 && countFunc(value, isAlnum) == 0:
		return true
	case n <= 2 && lowConfidenceSpew[strings.ToLower(value)] && conf < 85:
		return true
	case n <= 2 && countFunc(value, unicode.IsLetter) == n && !standaloneLetters[value] && conf < 55:
		return true
	case float64(countFunc(value, unicode.IsLetter))/float64(n) < 0.4 && n < 5 && conf < 70:
		return true
	}
	return false
}

func mergeHyphenBreaks(lines []string) []string {
	var out []string
	for i := 0; i < len(lines); i++ {
		cur := lines[i]
		if i+1 < len(lines) && hyphenTailRE.MatchString(cur) && lowerStartRE.MatchString(lines[i+1]) {
			left := strings.TrimRight(hyphenTailRE.ReplaceAllString(cur, ""), " \t")
			right := leadingPunctRE.ReplaceAllString(lines[i+1], "")
			out = append(out, Normalize(left+right))
			i++
			continue
		}
		out = append(out, cur)
	}
	return out
}

func continues(cur, next string) bool {
	if listLineRE.MatchString(cur) || listLineRE.MatchString(next) || strongEndRE.MatchString(cur) {
		return false
	}
	return lowerStartRE.MatchString(next)
}

func joinBlocks(blocks []string) string {
	out := blocks[:0:0]
	for _, b := range blocks {
		if b = Normalize(b); b != "" {
			out = append(out, b)
		}
	}
	return strings.Join(out, "\n\n")
}

func isAlnum(r rune) bool { return unicode.IsLetter(r) || unicode.IsNumber(r) }

func countFunc(s string, f func(rune) bool) int {
	n := 0
	for _, r := range s {
		if f(r) {
			n++
		}
	}
	return n
}
