package sweep

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lehigh-university-libraries/scanmarks/internal/config"
	"github.com/lehigh-university-libraries/scanmarks/internal/corpus"
	"github.com/lehigh-university-libraries/scanmarks/internal/models"
	"github.com/lehigh-university-libraries/scanmarks/internal/notes"
	"github.com/lehigh-university-libraries/scanmarks/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaults() Thresholds {
	return ThresholdsFrom(config.DefaultPipeline().QA)
}

func confLine(id, text string, conf float64) models.Line {
	var words []models.Word
	for _, f := range strings.Fields(text) {
		words = append(words, models.Word{Text: f, Confidence: conf})
	}
	return models.Line{LineID: id, Text: text, Words: words}
}

func TestSpanMetrics(t *testing.T) {
	m := SpanMetrics([]models.Line{
		confLine("l1", "ab|c", 80),
		confLine("l2", "de", 60),
	})
	assert.Equal(t, 7, m.CharCount)
	assert.Equal(t, 2, m.LineCount)
	assert.InDelta(t, 5.0/6.0, m.AlphaRatio, 1e-6)
	assert.InDelta(t, 1.0/6.0, m.GarbageRatio, 1e-6)
	assert.InDelta(t, 1.0/6.0, m.PipeRatio, 1e-6)
	require.NotNil(t, m.AvgWordConf)
	assert.Equal(t, 70.0, *m.AvgWordConf)

	empty := SpanMetrics(nil)
	assert.Zero(t, empty.AlphaRatio)
	assert.Nil(t, empty.AvgWordConf)
}

func TestVerdict(t *testing.T) {
	conf := func(v float64) *float64 { return &v }
	tests := []struct {
		name    string
		m       Metrics
		want    string
		reasons int
	}{
		{name: "clean", m: Metrics{CharCount: 40, LineCount: 2, AlphaRatio: 0.9, AvgWordConf: conf(90)}, want: VerdictPass},
		{name: "long span", m: Metrics{CharCount: 2500, LineCount: 30, AlphaRatio: 0.9}, want: VerdictWarn, reasons: 2},
		{name: "pipes", m: Metrics{CharCount: 40, LineCount: 2, AlphaRatio: 0.9, PipeRatio: 0.05}, want: VerdictWarn, reasons: 1},
		{name: "low confidence", m: Metrics{CharCount: 40, LineCount: 2, AlphaRatio: 0.9, AvgWordConf: conf(40)}, want: VerdictFail, reasons: 1},
		{name: "garbage and warn", m: Metrics{CharCount: 40, LineCount: 30, AlphaRatio: 0.5, GarbageRatio: 0.2}, want: VerdictFail, reasons: 3},
		{name: "unknown confidence ignored", m: Metrics{CharCount: 40, LineCount: 2, AlphaRatio: 0.9}, want: VerdictPass},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reasons := Verdict(tt.m, defaults())
			assert.Equal(t, tt.want, got)
			assert.Len(t, reasons, tt.reasons)
		})
	}
}

func TestVerdictFailReasonsFirst(t *testing.T) {
	_, reasons := Verdict(Metrics{CharCount: 40, LineCount: 30, AlphaRatio: 0.1}, defaults())
	require.Len(t, reasons, 2)
	assert.True(t, strings.HasPrefix(reasons[0], "alpha_ratio"))
	assert.True(t, strings.HasPrefix(reasons[1], "line_count"))
}

func TestPageSuspect(t *testing.T) {
	qa := config.DefaultPipeline().QA
	tests := []struct {
		name  string
		lines []models.Line
		want  bool
	}{
		{name: "empty page", lines: nil, want: true},
		{name: "prose", lines: []models.Line{confLine("l1", "It was a dark and stormy night.", 92)}, want: false},
		{name: "short symbols", lines: []models.Line{confLine("l1", "|| ~ 1", 90)}, want: true},
		{name: "pipe soup", lines: []models.Line{confLine("l1", "| | 1 2 | 3 | 4 a", 90)}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CheckPage(tt.lines, qa).Suspect)
		})
	}
}

func TestLoadThresholds(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "t.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("# strict\nfail_conf_min: 80\nwarn_line_max: 10\n"), 0644))
	got, err := LoadThresholds(yamlPath, defaults())
	require.NoError(t, err)
	assert.Equal(t, 80.0, got.FailConfMin)
	assert.Equal(t, 10, got.WarnLineMax)
	assert.Equal(t, 0.65, got.FailAlphaMin)

	jsonPath := filepath.Join(dir, "t.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"warn_pipe_max": 0.5}`), 0644))
	got, err = LoadThresholds(jsonPath, defaults())
	require.NoError(t, err)
	assert.Equal(t, 0.5, got.WarnPipeMax)

	_, err = LoadThresholds(filepath.Join(dir, "absent.yaml"), defaults())
	require.ErrorIs(t, err, config.ErrInvalid)
}

type fixture struct {
	corpusRoot string
	vault      string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	root := t.TempDir()
	f := fixture{corpusRoot: filepath.Join(root, "corpus"), vault: filepath.Join(root, "vault")}

	store := storage.New(models.RunMeta{RunID: "run1", BookID: "b1"}, false, f.corpusRoot)
	w, err := corpus.OpenWriter(store, f.corpusRoot, "b1")
	require.NoError(t, err)
	good := []models.Line{
		confLine("p1_l1", "It was a dark", 95),
		confLine("p1_l2", "and stormy night.", 91),
	}
	good[0].ScanRelPath = "scan_001.png"
	_, err = w.AddPage(1, good, storage.PolicyNever)
	require.NoError(t, err)
	bad := []models.Line{confLine("p2_l1", "|{}| ~~ [] <>", 30)}
	_, err = w.AddPage(2, bad, storage.PolicyNever)
	require.NoError(t, err)

	writeSidecar(t, filepath.Join(f.vault, "b1", "b1_p1_s1.span.json"), notes.Sidecar{
		BookID: "b1", PageNum: 1, SpanID: "p1_s1", LineIDs: []string{"p1_l1", "p1_l2"},
	})
	require.NoError(t, os.WriteFile(filepath.Join(f.vault, "b1", "b1_p1_s1.md"), []byte("note"), 0644))
	writeSidecar(t, filepath.Join(f.vault, "b1", "b1_p2_s1.span.json"), notes.Sidecar{
		BookID: "b1", PageNum: 2, SpanID: "p2_s1", LineIDs: []string{"p2_l1"},
	})
	writeSidecar(t, filepath.Join(f.vault, "b1", "b1_p9_s1.span.json"), notes.Sidecar{
		BookID: "b1", PageNum: 9, SpanID: "p9_s1", LineIDs: []string{"p9_l1"},
	})
	return f
}

func writeSidecar(t *testing.T, path string, sc notes.Sidecar) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	data, err := json.Marshal(sc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))
}

func TestRun(t *testing.T) {
	f := newFixture(t)
	records, err := Run(Options{CorpusRoot: f.corpusRoot, SidecarsDir: f.vault, Thresholds: defaults()})
	require.NoError(t, err)
	require.Len(t, records, 3)

	good := records[0]
	assert.Equal(t, "p1_s1", good.SpanID)
	assert.Equal(t, VerdictPass, good.Verdict)
	assert.Equal(t, "It was a dark\nand stormy night.", good.Preview)
	assert.Equal(t, "scan_001.png", good.ScanRelPath)
	assert.Equal(t, 7, good.ConfidencesUsedCount)
	require.NotNil(t, good.NotePath)
	assert.Equal(t, filepath.Join(f.vault, "b1", "b1_p1_s1.md"), *good.NotePath)

	garbage := records[1]
	assert.Equal(t, VerdictFail, garbage.Verdict)
	assert.Nil(t, garbage.NotePath)

	missing := records[2]
	assert.Equal(t, VerdictFail, missing.Verdict)
	assert.Contains(t, missing.Reasons[0], "canonical page missing for b1 page_num=9")
}

func TestRunMaxItemsAndNoMatches(t *testing.T) {
	f := newFixture(t)
	records, err := Run(Options{CorpusRoot: f.corpusRoot, SidecarsDir: f.vault, MaxItems: 1, Thresholds: defaults()})
	require.NoError(t, err)
	assert.Len(t, records, 1)

	_, err = Run(Options{CorpusRoot: f.corpusRoot, SidecarsDir: f.vault, Glob: "*.span.json", Thresholds: defaults()})
	require.ErrorIs(t, err, ErrNoSidecars)
}

func TestWriteReports(t *testing.T) {
	f := newFixture(t)
	records, err := Run(Options{CorpusRoot: f.corpusRoot, SidecarsDir: f.vault, Thresholds: defaults()})
	require.NoError(t, err)

	out := t.TempDir()
	store := storage.New(models.RunMeta{RunID: "qa"}, false, f.corpusRoot)
	jsonPath, mdPath, err := WriteReports(store, out, records, storage.PolicyNever)
	require.NoError(t, err)

	data, err := os.ReadFile(jsonPath)
	require.NoError(t, err)
	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Len(t, decoded, 3)

	md, err := os.ReadFile(mdPath)
	require.NoError(t, err)
	text := string(md)
	assert.True(t, strings.HasPrefix(text, "# QA Sweep Report\n\nTotal spans: 3\n"))
	assert.Less(t, strings.Index(text, "## FAIL (2)"), strings.Index(text, "## PASS (1)"))
	assert.Contains(t, text, "### b1:p1_s1")

	_, _, err = WriteReports(store, out, records, storage.PolicyNever)
	require.ErrorIs(t, err, storage.ErrOverwriteDenied)
}
