package ocr

import (
	"testing"

	"github.com/lehigh-university-libraries/scanmarks/internal/config"
	"github.com/lehigh-university-libraries/scanmarks/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lineOf(id string, words ...models.Word) models.Line {
	l := models.Line{LineID: id, Words: words}
	for i, w := range words {
		l.BBox = l.BBox.Union(w.BBox)
		if i > 0 {
			l.Text += " "
		}
		l.Text += w.Text
	}
	return l
}

func defaultPrinted() PrintedOptions {
	return PrintedOptionsFrom(config.DefaultPipeline().OCR.PrintedPage)
}

func TestRomanToInt(t *testing.T) {
	tests := []struct {
		in   string
		want int
		ok   bool
	}{
		{"xiv", 14, true},
		{"XXXV", 35, true},
		{"xc", 90, true},
		{"iix", 0, false},
		{"vx", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := RomanToInt(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInferSide(t *testing.T) {
	assert.Equal(t, SideLeft, InferSide("scans/scan_0005_L.png"))
	assert.Equal(t, SideRight, InferSide("scan_0005_r.tif"))
	assert.Equal(t, SideNeutral, InferSide("scan_0005.png"))
}

func TestDetectPrintedPage(t *testing.T) {
	tests := []struct {
		name     string
		words    []models.Word
		height   int
		side     Side
		wantVal  int
		wantText string
		wantKind string
	}{
		{
			name:     "roman line tail",
			words:    []models.Word{word("Introduction", 180, 20, 360, 56, 92), word("xiv", 930, 20, 980, 56, 89)},
			height:   1400,
			side:     SideNeutral,
			wantVal:  14,
			wantText: "xiv",
			wantKind: KindRoman,
		},
		{
			name: "embedded roman terminal",
			words: []models.Word{
				word("Chronology", 100, 24, 330, 60, 93),
				word("...", 340, 24, 430, 60, 88),
				word("XXXV", 910, 24, 980, 60, 91),
			},
			height:   1400,
			side:     SideNeutral,
			wantVal:  35,
			wantText: "XXXV",
			wantKind: KindRoman,
		},
		{
			name:     "arabic top right",
			words:    []models.Word{word("122", 940, 20, 990, 52, 95)},
			height:   1200,
			side:     InferSide("scan_0003_R.png"),
			wantVal:  122,
			wantText: "122",
			wantKind: KindArabic,
		},
		{
			name:   "single letter roman rejected",
			words:  []models.Word{word("m", 960, 30, 990, 60, 99)},
			height: 1200,
			side:   SideNeutral,
		},
		{
			name:   "below top band ignored",
			words:  []models.Word{word("17", 940, 900, 990, 940, 95)},
			height: 1200,
			side:   SideNeutral,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lines := []models.Line{lineOf("p1_l1", tt.words...)}
			got := DetectPrintedPage(tt.words, lines, 1000, tt.height, tt.side, defaultPrinted())
			if tt.wantKind == "" {
				assert.Nil(t, got.Value)
				assert.Empty(t, got.Kind)
				return
			}
			require.NotNil(t, got.Value)
			assert.Equal(t, tt.wantVal, *got.Value)
			assert.Equal(t, tt.wantText, got.Text)
			assert.Equal(t, tt.wantKind, got.Kind)
		})
	}
}

func TestDetectPrintedPagePrefersOuterEdge(t *testing.T) {
	words := []models.Word{word("14", 40, 20, 90, 52, 90), word("15", 900, 20, 950, 52, 90)}
	lines := []models.Line{lineOf("p1_l1", words...)}

	left := DetectPrintedPage(words, lines, 1000, 1200, SideLeft, defaultPrinted())
	require.NotNil(t, left.Value)
	assert.Equal(t, 14, *left.Value)

	right := DetectPrintedPage(words, lines, 1000, 1200, SideRight, defaultPrinted())
	require.NotNil(t, right.Value)
	assert.Equal(t, 15, *right.Value)

	again := DetectPrintedPage(words, lines, 1000, 1200, SideRight, defaultPrinted())
	assert.Equal(t, right, again)
}

func TestPageNumberingIgnoresRomanAfterSwitch(t *testing.T) {
	n := &PageNumbering{SwitchMin: 10}
	twelve, fourteen := 12, 14

	got := n.Apply(PrintedPage{Value: &twelve, Text: "12", Kind: KindArabic})
	assert.Equal(t, 12, *got.Value)
	assert.True(t, n.Arabic())

	got = n.Apply(PrintedPage{Value: &fourteen, Text: "xiv", Kind: KindRoman})
	assert.Nil(t, got.Value)
	assert.True(t, n.Arabic())
}

func TestPageNumberingKeepsRomanBeforeSwitch(t *testing.T) {
	n := &PageNumbering{SwitchMin: 10}
	three, nine := 3, 9
	got := n.Apply(PrintedPage{Value: &nine, Text: "9", Kind: KindArabic})
	assert.False(t, n.Arabic())
	got = n.Apply(PrintedPage{Value: &three, Text: "iii", Kind: KindRoman})
	require.NotNil(t, got.Value)
	assert.Equal(t, 3, *got.Value)
}
