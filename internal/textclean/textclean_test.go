package textclean

import (
	"testing"

	"github.com/lehigh-university-libraries/scanmarks/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestDehyphenate(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		want  []string
	}{
		{name: "soft line break", lines: []string{"published pos-", "thumously."}, want: []string{"published posthumously."}},
		{name: "year block kept apart", lines: []string{"con-", "1770 Rousseau returns to Paris."}, want: []string{"con-", "1770 Rousseau returns to Paris."}},
		{name: "capitalized continuation kept", lines: []string{"New-", "York"}, want: []string{"New-", "York"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Dehyphenate(tt.lines))
		})
	}
}

func TestCleanLines(t *testing.T) {
	cleaned := CleanLines([]string{"|", "i|", "\\", "foo | bar", " | | "})
	assert.Contains(t, cleaned, "i")
	assert.Contains(t, cleaned, "foo bar")
	assert.NotContains(t, cleaned, "|")
	assert.NotContains(t, cleaned, "\\")
}

func TestReflow(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		want  string
	}{
		{
			name:  "soft wrapped sentence",
			lines: []string{"This is a sentence", "broken across OCR", "lines for reading."},
			want:  "This is a sentence broken across OCR lines for reading.",
		},
		{
			name:  "year entries",
			lines: []string{"1759 Rousseau moves to Montmorency.", "1761 Publishes Julie, which becomes a best seller."},
			want:  "1759 Rousseau moves to Montmorency.\n\n1761 Publishes Julie, which becomes a best seller.",
		},
		{
			name:  "sentence end before capital",
			lines: []string{"It ended.", "Then another began"},
			want:  "It ended.\n\nThen another began",
		},
		{name: "empty", lines: nil, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Reflow(tt.lines))
		})
	}
}

func wordLine(words ...models.Word) models.Line {
	return models.Line{Words: words}
}

func w(text string, conf float64) models.Word {
	return models.Word{Text: text, Confidence: conf}
}

func TestRenderLines(t *testing.T) {
	tests := []struct {
		name  string
		lines []models.Line
		want  string
	}{
		{
			name: "junk lines removed",
			lines: []models.Line{
				wordLine(w("|", 90)),
				wordLine(w("a", 95)),
				wordLine(w("i", 40)),
				wordLine(w("hello", 95), w("world", 95)),
			},
			want: "a hello world",
		},
		{
			name: "hyphenated break joined",
			lines: []models.Line{
				wordLine(w("con-", 90)),
				wordLine(w("demned", 90), w("in", 90), w("Geneva.", 90)),
			},
			want: "condemned in Geneva.",
		},
		{
			name: "wrapped paragraph",
			lines: []models.Line{
				wordLine(w("This", 95), w("is", 95), w("a", 95), w("line", 95)),
				wordLine(w("continued", 95), w("with", 95), w("lowercase", 95)),
			},
			want: "This is a line continued with lowercase",
		},
		{
			name:  "text only lines",
			lines: []models.Line{{Text: "First sentence."}, {Text: "Second one"}},
			want:  "First sentence.\n\nSecond one",
		},
		{name: "nothing left", lines: []models.Line{wordLine(w("|", 99))}, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RenderLines(tt.lines))
		})
	}
}

func TestNormalizeComposes(t *testing.T) {
	assert.Equal(t, "caf\u00e9 au lait", Normalize("cafe\u0301   au\tlait "))
}
