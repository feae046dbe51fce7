package corpus

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lehigh-university-libraries/scanmarks/internal/models"
	"github.com/lehigh-university-libraries/scanmarks/internal/storage"
	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T, root, runID string, dryRun bool) *storage.Store {
	t.Helper()
	return storage.New(models.RunMeta{RunID: runID, BookID: "book1", ConfigHash: "abc"}, dryRun, root)
}

func linesFor(page int, texts ...string) []models.Line {
	out := make([]models.Line, len(texts))
	for i, text := range texts {
		out[i] = models.Line{
			LineID:      "p" + string(rune('0'+page)) + "_l" + string(rune('1'+i)),
			Text:        text,
			BBox:        models.BBox{X: 10, Y: 10 + 30*i, W: 300, H: 20},
			ScanRelPath: "scan_000" + string(rune('0'+page)) + ".png",
		}
	}
	return out
}

func TestWriterAddPageKeepsPageOrder(t *testing.T) {
	root := t.TempDir()
	w, err := OpenWriter(newStore(t, root, "run1", false), root, "book1")
	require.NoError(t, err)

	_, err = w.AddPage(2, linesFor(2, "second page"), storage.PolicyNever)
	require.NoError(t, err)
	_, err = w.AddPage(1, linesFor(1, "first", "page"), storage.PolicyNever)
	require.NoError(t, err)

	r, err := Load(BookPath(root, "book1"))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, r.Pages())
	assert.Equal(t, "book1", r.BookID())

	lines, err := r.Lines(1)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, 1, lines[1].Index)
	assert.Equal(t, "page", lines[1].Text)
	assert.Equal(t, "book1", lines[1].BookID)

	data, err := os.ReadFile(BookPath(root, "book1"))
	require.NoError(t, err)
	first, _, _ := strings.Cut(string(data), "\n")
	assert.Contains(t, first, `"page_index":1`)
}

func TestWriterExistingPagePolicies(t *testing.T) {
	tests := []struct {
		name     string
		policy   storage.Policy
		wantErr  error
		wantText string
	}{
		{name: "never", policy: storage.PolicyNever, wantErr: storage.ErrOverwriteDenied, wantText: "original"},
		{name: "if same run", policy: storage.PolicyIfSameRun, wantErr: ErrPageExists, wantText: "original"},
		{name: "always", policy: storage.PolicyAlways, wantText: "replacement"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			w, err := OpenWriter(newStore(t, root, "run1", false), root, "book1")
			require.NoError(t, err)
			_, err = w.AddPage(1, linesFor(1, "original"), storage.PolicyNever)
			require.NoError(t, err)

			// A later run reopens the corpus.
			w2, err := OpenWriter(newStore(t, root, "run2", false), root, "book1")
			require.NoError(t, err)
			assert.True(t, w2.HasPage(1))
			if tt.wantErr != nil {
				require.ErrorIs(t, w2.CheckPage(1, tt.policy), tt.wantErr)
			} else {
				require.NoError(t, w2.CheckPage(1, tt.policy))
			}
			require.NoError(t, w2.CheckPage(2, tt.policy))
			_, err = w2.AddPage(1, linesFor(1, "replacement"), tt.policy)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}

			r, err := Load(BookPath(root, "book1"))
			require.NoError(t, err)
			lines, err := r.Lines(1)
			require.NoError(t, err)
			assert.Equal(t, tt.wantText, lines[0].Text)
		})
	}
}

func TestWriterNeverReportsOwningRun(t *testing.T) {
	root := t.TempDir()
	w, err := OpenWriter(newStore(t, root, "runA", false), root, "book1")
	require.NoError(t, err)
	_, err = w.AddPage(1, linesFor(1, "x"), storage.PolicyNever)
	require.NoError(t, err)

	w2, err := OpenWriter(newStore(t, root, "runB", false), root, "book1")
	require.NoError(t, err)
	_, err = w2.AddPage(1, linesFor(1, "y"), storage.PolicyIfSameRun)
	require.ErrorIs(t, err, ErrPageExists)
	_, err = w2.AddPage(1, linesFor(1, "y"), storage.PolicyNever)
	var oe *storage.OverwriteError
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, "runA", oe.OwnerRunID)
	assert.Equal(t, "runB", oe.CurrentRunID)
}

func TestWriterDryRun(t *testing.T) {
	root := t.TempDir()
	store := newStore(t, root, "run1", true)
	w, err := OpenWriter(store, root, "book1")
	require.NoError(t, err)

	d, err := w.AddPage(1, linesFor(1, "x"), storage.PolicyNever)
	require.NoError(t, err)
	assert.True(t, d.DryRun)
	assert.Equal(t, storage.ActionCreate, d.Action)

	_, err = os.Stat(BookPath(root, "book1"))
	assert.True(t, os.IsNotExist(err))
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGeneralWriteRefusesCanonicalPath(t *testing.T) {
	root := t.TempDir()
	store := newStore(t, root, "run1", false)
	_, err := store.Write(BookPath(root, "book1"), []byte("{}\n"), storage.PolicyAlways)
	require.ErrorIs(t, err, storage.ErrCanonicalPath)
}

func writeCorpus(t *testing.T, records ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pages.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(records, "\n")+"\n"), 0644))
	return path
}

func TestLoadIntegrity(t *testing.T) {
	good := `{"book_id":"b","page_index":1,"line_id":"p1_l1","line_index":0,"text":"ok","bbox":[0,0,10,10]}`

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "pages.jsonl"))
		require.ErrorIs(t, err, ErrIntegrity)
	})

	t.Run("broken page is scoped", func(t *testing.T) {
		path := writeCorpus(t, good,
			`{"book_id":"b","page_index":2,"line_id":"p2_l1","line_index":0,"text":"x","bbox":[0,0,10]}`)
		r, err := Load(path)
		require.NoError(t, err)
		_, err = r.Lines(1)
		require.NoError(t, err)
		_, err = r.Lines(2)
		require.ErrorIs(t, err, ErrIntegrity)
		var ie *IntegrityError
		require.True(t, errors.As(err, &ie))
		assert.Equal(t, 2, ie.Page)
	})

	t.Run("gap in line indexes", func(t *testing.T) {
		path := writeCorpus(t, good,
			`{"book_id":"b","page_index":1,"line_id":"p1_l3","line_index":2,"text":"y","bbox":[0,0,10,10]}`)
		r, err := Load(path)
		require.NoError(t, err)
		_, err = r.Lines(1)
		require.ErrorIs(t, err, ErrIntegrity)
	})

	t.Run("unattributable record", func(t *testing.T) {
		_, err := Load(writeCorpus(t, good, `not json`))
		require.ErrorIs(t, err, ErrIntegrity)
	})

	t.Run("missing page", func(t *testing.T) {
		r, err := Load(writeCorpus(t, good))
		require.NoError(t, err)
		_, err = r.Lines(7)
		require.ErrorIs(t, err, ErrIntegrity)
	})
}

func TestOpenWriterRefusesCorruptCorpus(t *testing.T) {
	root := t.TempDir()
	path := BookPath(root, "book1")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("garbage\n"), 0644))

	_, err := OpenWriter(newStore(t, root, "run1", false), root, "book1")
	require.ErrorIs(t, err, ErrIntegrity)
}

func exportFixture(t *testing.T) *Reader {
	t.Helper()
	root := t.TempDir()
	w, err := OpenWriter(newStore(t, root, "run1", false), root, "book1")
	require.NoError(t, err)
	p1 := linesFor(1, "Title page")
	twelve := 12
	p2 := linesFor(2, "It was a dark", "and stormy night.")
	for i := range p2 {
		p2[i].PrintedPage = &twelve
	}
	_, err = w.AddPage(1, p1, storage.PolicyNever)
	require.NoError(t, err)
	_, err = w.AddPage(2, p2, storage.PolicyNever)
	require.NoError(t, err)

	r, err := Load(BookPath(root, "book1"))
	require.NoError(t, err)
	return r
}

func TestExport(t *testing.T) {
	r := exportFixture(t)

	txt, err := Export(r, "", FormatTxt)
	require.NoError(t, err)
	assert.Equal(t, "# Page 1\nTitle page\n\n# Page 2\nIt was a dark\nand stormy night.\n", string(txt))

	md, err := Export(r, "A Novel", FormatMD)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(md), "# A Novel\n\n"))
	assert.Contains(t, string(md), "## Page 12 (scan: scan_0002.png)")
	assert.Contains(t, string(md), "## Page 1 (scan: scan_0001.png)")

	jsonl, err := Export(r, "", FormatJSONL)
	require.NoError(t, err)
	recs := strings.Split(strings.TrimSpace(string(jsonl)), "\n")
	require.Len(t, recs, 2)
	var rec PageRecord
	require.NoError(t, json.Unmarshal([]byte(recs[1]), &rec))
	assert.Equal(t, 2, rec.PageIndex)
	require.NotNil(t, rec.PrintedPage)
	assert.Equal(t, 12, *rec.PrintedPage)
}

func TestExportParquet(t *testing.T) {
	data, err := Export(exportFixture(t), "", FormatParquet)
	require.NoError(t, err)

	pf, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, int64(3), pf.NumRows())

	reader := parquet.NewGenericReader[LineRow](pf)
	defer reader.Close()
	rows := make([]LineRow, 3)
	n, _ := reader.Read(rows)
	require.Equal(t, 3, n)
	assert.Equal(t, "Title page", rows[0].Text)
	assert.Nil(t, rows[0].PrintedPage)
	require.NotNil(t, rows[2].PrintedPage)
	assert.Equal(t, int64(12), *rows[2].PrintedPage)
	assert.Equal(t, int64(1), rows[2].LineIndex)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("MD")
	require.NoError(t, err)
	assert.Equal(t, FormatMD, f)
	_, err = ParseFormat("docx")
	require.Error(t, err)
}

func TestWriterPrintedPage(t *testing.T) {
	root := t.TempDir()
	w, err := OpenWriter(newStore(t, root, "runA", false), root, "book1")
	require.NoError(t, err)

	seven := 7
	lines := linesFor(2, "heading", "body")
	for i := range lines {
		lines[i].PrintedPage = &seven
		lines[i].PrintedPageText = "7"
		lines[i].PrintedPageKind = "arabic"
	}
	_, err = w.AddPage(2, lines, storage.PolicyNever)
	require.NoError(t, err)

	// a reopened writer sees the recorded number
	w, err = OpenWriter(newStore(t, root, "runB", false), root, "book1")
	require.NoError(t, err)
	p, ok := w.Printed(2)
	require.True(t, ok)
	require.NotNil(t, p.Value)
	assert.Equal(t, 7, *p.Value)
	assert.Equal(t, "arabic", p.Kind)

	_, ok = w.Printed(3)
	assert.False(t, ok)
}
