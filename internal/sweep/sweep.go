// Package sweep scores emitted excerpt notes against their canonical OCR
// lines and writes a PASS/WARN/FAIL report.
package sweep

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/lehigh-university-libraries/scanmarks/internal/config"
	"github.com/lehigh-university-libraries/scanmarks/internal/corpus"
	"github.com/lehigh-university-libraries/scanmarks/internal/models"
	"github.com/lehigh-university-libraries/scanmarks/internal/notes"
	"github.com/lehigh-university-libraries/scanmarks/internal/storage"
	"gopkg.in/yaml.v3"
)

const (
	DefaultGlob     = "**/*.span.json"
	sidecarSuffix   = ".span.json"
	previewMaxChars = 300
)

// ErrNoSidecars is returned when the glob matches nothing.
var ErrNoSidecars = errors.New("no sidecars found")

// Options configures one sweep.
type Options struct {
	CorpusRoot  string
	SidecarsDir string
	// NotesDir is searched for notes that are not beside their sidecar.
	NotesDir   string
	Glob       string
	MaxItems   int
	Thresholds Thresholds
}

// Record is one line of the QA report.
type Record struct {
	BookID               string   `json:"book_id"`
	PageNum              int      `json:"page_num"`
	PrintedPage          *int     `json:"printed_page,omitempty"`
	ScanRelPath          string   `json:"scan_relpath"`
	SpanID               string   `json:"span_id"`
	LineIDs              []string `json:"line_ids"`
	NotePath             *string  `json:"note_path"`
	SidecarPath          string   `json:"sidecar_path"`
	Metrics              Metrics  `json:"metrics"`
	Verdict              string   `json:"verdict"`
	Reasons              []string `json:"reasons"`
	Preview              string   `json:"preview"`
	ConfidencesUsedCount int      `json:"confidences_used_count"`
}

// LoadThresholds overlays a YAML or JSON mapping on base. Keys that are
// absent or null keep their base value.
func LoadThresholds(path string, base Thresholds) (Thresholds, error) {
	if path == "" {
		return base, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("%w: thresholds file not found: %s", config.ErrInvalid, path)
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	out := base
	// JSON is a subset of YAML, so one decoder serves both.
	if err := yaml.Unmarshal(data, &out); err != nil {
		return base, fmt.Errorf("%w: invalid thresholds in %s: %v", config.ErrInvalid, path, err)
	}
	return out, nil
}

// LoadSidecars returns the sidecars matched by pattern under dir, ordered by
// lower-cased path.
func LoadSidecars(dir, pattern string) ([]string, []notes.Sidecar, error) {
	if pattern == "" {
		pattern = DefaultGlob
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, nil, fmt.Errorf("%w: sidecars directory does not exist: %s", config.ErrInvalid, dir)
	}
	matches, err := doublestar.Glob(os.DirFS(dir), pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, nil, fmt.Errorf("invalid sidecar glob %q: %w", pattern, err)
	}
	var paths []string
	for _, m := range matches {
		if strings.HasSuffix(strings.ToLower(m), sidecarSuffix) {
			paths = append(paths, filepath.Join(dir, filepath.FromSlash(m)))
		}
	}
	sort.Slice(paths, func(i, j int) bool {
		return strings.ToLower(filepath.ToSlash(paths[i])) < strings.ToLower(filepath.ToSlash(paths[j]))
	})

	sidecars := make([]notes.Sidecar, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read sidecar %s: %w", p, err)
		}
		var sc notes.Sidecar
		if err := json.Unmarshal(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf")), &sc); err != nil {
			return nil, nil, fmt.Errorf("invalid JSON in sidecar %s: %w", p, err)
		}
		if strings.TrimSpace(sc.BookID) == "" {
			return nil, nil, fmt.Errorf("missing book_id in sidecar: %s", p)
		}
		sidecars = append(sidecars, sc)
	}
	return paths, sidecars, nil
}

// Run scores every sidecar. A missing canonical corpus is an error; a
// missing page fails only the spans on it.
func Run(opts Options) ([]Record, error) {
	paths, sidecars, err := LoadSidecars(opts.SidecarsDir, opts.Glob)
	if err != nil {
		return nil, err
	}
	if len(sidecars) == 0 {
		return nil, fmt.Errorf("%w for pattern %s under %s", ErrNoSidecars, opts.Glob, opts.SidecarsDir)
	}
	if opts.MaxItems > 0 && len(sidecars) > opts.MaxItems {
		paths, sidecars = paths[:opts.MaxItems], sidecars[:opts.MaxItems]
	}

	notesIndex, err := indexNotes(opts.NotesDir)
	if err != nil {
		return nil, err
	}

	readers := map[string]*corpus.Reader{}
	records := make([]Record, 0, len(sidecars))
	for i, sc := range sidecars {
		r, ok := readers[sc.BookID]
		if !ok {
			r, err = corpus.Load(corpus.BookPath(opts.CorpusRoot, sc.BookID))
			if err != nil {
				return nil, err
			}
			readers[sc.BookID] = r
		}
		records = append(records, score(paths[i], sc, r, notesIndex, opts.Thresholds))
	}
	return records, nil
}

func score(path string, sc notes.Sidecar, r *corpus.Reader, notesIndex map[string][]string, t Thresholds) Record {
	rec := Record{
		BookID:      sc.BookID,
		PageNum:     sc.PageNum,
		PrintedPage: sc.PrintedPage,
		ScanRelPath: sc.ScanRelPath,
		SpanID:      sc.SpanID,
		LineIDs:     sc.LineIDs,
		SidecarPath: path,
		NotePath:    findNote(path, notesIndex),
	}
	if rec.LineIDs == nil {
		rec.LineIDs = []string{}
	}

	pageLines, err := r.Lines(sc.PageNum)
	if err != nil {
		rec.Metrics = SpanMetrics(nil)
		_, reasons := Verdict(rec.Metrics, t)
		rec.Verdict = VerdictFail
		rec.Reasons = append([]string{fmt.Sprintf("canonical page missing for %s page_num=%d", sc.BookID, sc.PageNum)}, reasons...)
		return rec
	}

	byID := make(map[string]models.Line, len(pageLines))
	for _, l := range pageLines {
		byID[l.LineID] = l
	}
	var selected []models.Line
	var texts []string
	for _, id := range sc.LineIDs {
		l, ok := byID[id]
		if !ok {
			continue
		}
		selected = append(selected, l)
		rec.ConfidencesUsedCount += len(l.Words)
		if l.Text != "" {
			texts = append(texts, l.Text)
		}
	}
	if rec.ScanRelPath == "" && len(pageLines) > 0 {
		rec.ScanRelPath = pageLines[0].ScanRelPath
	}

	rec.Metrics = SpanMetrics(selected)
	rec.Verdict, rec.Reasons = Verdict(rec.Metrics, t)
	rec.Preview = preview(strings.Join(texts, "\n"))
	return rec
}

// indexNotes maps lower-cased note stems to their paths.
func indexNotes(dir string) (map[string][]string, error) {
	index := map[string][]string{}
	if dir == "" {
		return index, nil
	}
	matches, err := doublestar.Glob(os.DirFS(dir), "**/*.md", doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("failed to list notes in %s: %w", dir, err)
	}
	sort.Slice(matches, func(i, j int) bool { return strings.ToLower(matches[i]) < strings.ToLower(matches[j]) })
	for _, m := range matches {
		stem := strings.ToLower(strings.TrimSuffix(filepath.Base(m), filepath.Ext(m)))
		index[stem] = append(index[stem], filepath.Join(dir, filepath.FromSlash(m)))
	}
	return index, nil
}

func findNote(sidecarPath string, index map[string][]string) *string {
	base := filepath.Base(sidecarPath)
	stem := base[:len(base)-len(sidecarSuffix)]
	sibling := filepath.Join(filepath.Dir(sidecarPath), stem+".md")
	if _, err := os.Stat(sibling); err == nil {
		return &sibling
	}
	if found := index[strings.ToLower(stem)]; len(found) > 0 {
		p := found[0]
		return &p
	}
	return nil
}

func preview(text string) string {
	runes := []rune(text)
	if len(runes) <= previewMaxChars {
		return text
	}
	return strings.TrimRight(string(runes[:previewMaxChars]), " \t\n") + "..."
}

// Markdown renders the report grouped by verdict, worst first.
func Markdown(records []Record) string {
	grouped := map[string][]Record{}
	for _, r := range records {
		grouped[r.Verdict] = append(grouped[r.Verdict], r)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# QA Sweep Report\n\nTotal spans: %d\n\n", len(records))
	for _, verdict := range []string{VerdictFail, VerdictWarn, VerdictPass} {
		entries := grouped[verdict]
		fmt.Fprintf(&b, "## %s (%d)\n\n", verdict, len(entries))
		for _, e := range entries {
			reasons := "(none)"
			if len(e.Reasons) > 0 {
				reasons = strings.Join(e.Reasons, "; ")
			}
			printed := ""
			if e.PrintedPage != nil {
				printed = fmt.Sprintf(", printed_page=%d", *e.PrintedPage)
			}
			notePath := "None"
			if e.NotePath != nil {
				notePath = *e.NotePath
			}
			conf := "None"
			if e.Metrics.AvgWordConf != nil {
				conf = fmt.Sprintf("%g", *e.Metrics.AvgWordConf)
			}

			fmt.Fprintf(&b, "### %s:%s\n", e.BookID, e.SpanID)
			fmt.Fprintf(&b, "- sidecar_path: %s\n", e.SidecarPath)
			fmt.Fprintf(&b, "- note_path: %s\n", notePath)
			fmt.Fprintf(&b, "- scan_relpath: %s\n", e.ScanRelPath)
			fmt.Fprintf(&b, "- page_num=%d%s\n", e.PageNum, printed)
			fmt.Fprintf(&b, "- line_ids: %s\n", strings.Join(e.LineIDs, ", "))
			fmt.Fprintf(&b, "- verdict: %s\n", e.Verdict)
			fmt.Fprintf(&b, "- reasons: %s\n", reasons)
			fmt.Fprintf(&b, "- metrics: char_count=%d, line_count=%d, avg_word_conf=%s, alpha_ratio=%g, garbage_ratio=%g, pipe_ratio=%g\n",
				e.Metrics.CharCount, e.Metrics.LineCount, conf, e.Metrics.AlphaRatio, e.Metrics.GarbageRatio, e.Metrics.PipeRatio)
			b.WriteString("- preview:\n```text\n")
			b.WriteString(strings.ReplaceAll(e.Preview, "```", "'''"))
			b.WriteString("\n```\n\n")
		}
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

// WriteReports stores qa_report.json and qa_report.md under outDir.
func WriteReports(store *storage.Store, outDir string, records []Record, policy storage.Policy) (string, string, error) {
	jsonPath := filepath.Join(outDir, "qa_report.json")
	mdPath := filepath.Join(outDir, "qa_report.md")
	if records == nil {
		records = []Record{}
	}
	if _, err := store.WriteJSON(jsonPath, records, policy); err != nil {
		return "", "", err
	}
	if _, err := store.Write(mdPath, []byte(Markdown(records)), policy); err != nil {
		return "", "", err
	}
	counts := map[string]int{}
	for _, r := range records {
		counts[r.Verdict]++
	}
	slog.Info("Sweep report written", "json", jsonPath, "md", mdPath,
		"fail", counts[VerdictFail], "warn", counts[VerdictWarn], "pass", counts[VerdictPass])
	return jsonPath, mdPath, nil
}
