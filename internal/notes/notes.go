// Package notes renders highlight spans into Obsidian notes with a fixed
// frontmatter schema, plus an optional JSON sidecar per note.
package notes

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/lehigh-university-libraries/scanmarks/internal/config"
	"github.com/lehigh-university-libraries/scanmarks/internal/models"
	"github.com/lehigh-university-libraries/scanmarks/internal/textclean"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/text"
	"gopkg.in/yaml.v3"
)

//go:embed default_note.md
var DefaultTemplate string

var (
	// ErrInvalidNote is returned when a rendered note breaks the frontmatter schema.
	ErrInvalidNote = errors.New("invalid note")
	// ErrEmptyQuote marks a span whose lines render to no text.
	ErrEmptyQuote = errors.New("span has no quotable text")
)

// AllowedKeys is the closed set of frontmatter keys a note may carry.
var AllowedKeys = map[string]bool{
	"uuid":                true,
	"note_version":        true,
	"YAML_schema_version": true,
	"note_type":           true,
	"note_status":         true,
	"tags":                true,
	"format":              true,
	"title":               true,
	"creator":             true,
	"year":                true,
	"publisher_studio":    true,
	"register":            true,
}

// Placeholders are the only {{key}} names a template may use.
var Placeholders = []string{
	"uuid", "note_version", "YAML_schema_version", "note_type", "note_status",
	"tags_block", "format", "title", "creator", "year", "publisher_studio",
	"register", "quote_text", "source_block",
}

var (
	placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z_]+)\s*\}\}`)
	unsafeNameRe  = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
	namespace     = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/lehigh-university-libraries/scanmarks/notes"))
)

// LoadTemplate reads a template file, or returns the embedded default for
// an empty path.
func LoadTemplate(path string) (string, error) {
	if path == "" {
		return DefaultTemplate, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: template file not found: %s", config.ErrInvalid, path)
	}
	return string(data), nil
}

// Sidecar is the machine-readable provenance written next to a note.
type Sidecar struct {
	BookID        string        `json:"book_id"`
	PageNum       int           `json:"page_num"`
	PrintedPage   *int          `json:"printed_page,omitempty"`
	SpanID        string        `json:"span_id"`
	LineIDs       []string      `json:"line_ids"`
	TriggerBBoxes []models.BBox `json:"trigger_bboxes"`
	SpanBBox      models.BBox   `json:"span_bbox"`
	RunID         string        `json:"run_id"`
	ConfigHash    string        `json:"config_hash"`
	ScanRelPath   string        `json:"scan_relpath"`
}

// Note is one rendered note ready to be written.
type Note struct {
	// Name is the sanitized file stem, without extension.
	Name     string
	Markdown []byte
	Sidecar  Sidecar
}

func (n Note) FileName() string        { return n.Name + ".md" }
func (n Note) SidecarFileName() string { return n.Name + ".span.json" }

// SidecarJSON encodes the sidecar the way every other artifact is encoded.
func (n Note) SidecarJSON() ([]byte, error) {
	data, err := json.MarshalIndent(n.Sidecar, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Emitter renders notes for one book and run.
type Emitter struct {
	template string
	book     config.Book
	run      models.RunMeta
}

// NewEmitter checks the template by rendering a sample note before any span
// is processed.
func NewEmitter(template string, book config.Book, run models.RunMeta) (*Emitter, error) {
	if err := CheckTemplate(template); err != nil {
		return nil, err
	}
	return &Emitter{template: template, book: book, run: run}, nil
}

// Render builds the note for span from the page's canonical lines. The uuid
// is derived from the book, run and span, so rendering twice gives the same
// bytes.
func (e *Emitter) Render(span models.Span, pageLines []models.Line) (Note, error) {
	byID := make(map[string]models.Line, len(pageLines))
	for _, l := range pageLines {
		byID[l.LineID] = l
	}
	selected := make([]models.Line, 0, len(span.LineIDs))
	for _, id := range span.LineIDs {
		if l, ok := byID[id]; ok {
			selected = append(selected, l)
		}
	}
	quote := textclean.RenderLines(selected)
	if strings.TrimSpace(quote) == "" {
		return Note{}, fmt.Errorf("%s: %w", span.SpanID, ErrEmptyQuote)
	}

	sidecar := Sidecar{
		BookID:        e.book.BookID,
		PageNum:       span.PageStart,
		SpanID:        span.SpanID,
		LineIDs:       span.LineIDs,
		TriggerBBoxes: span.TriggerBBoxes,
		SpanBBox:      span.SpanBBox,
		RunID:         e.run.RunID,
		ConfigHash:    e.run.ConfigHash,
	}
	if len(selected) > 0 {
		sidecar.ScanRelPath = selected[0].ScanRelPath
		sidecar.PrintedPage = selected[0].PrintedPage
	}

	title := e.book.Title
	if title == "" {
		title = e.book.BookID
	}
	title = fmt.Sprintf("%s p%d %s", title, span.PageStart, span.SpanID)

	tags := append([]string{"book/" + e.book.BookID, "ingest/highlight_excerpt"}, e.book.Tags...)
	values := map[string]string{
		"uuid":                NoteUUID(e.book.BookID, e.run.RunID, span.SpanID),
		"note_version":        e.book.NoteVersion,
		"YAML_schema_version": e.book.YAMLSchemaVersion,
		"note_type":           e.book.NoteType,
		"note_status":         e.book.NoteStatus,
		"tags_block":          TagsBlock(tags),
		"format":              e.book.Format,
		"title":               title,
		"creator":             e.book.Creator,
		"year":                e.book.Year,
		"publisher_studio":    e.book.PublisherStudio,
		"register":            e.book.Register,
		"quote_text":          blockquote(quote),
		"source_block":        sourceBlock(sidecar),
	}

	content := []byte(render(e.template, values))
	if err := Validate(content); err != nil {
		return Note{}, fmt.Errorf("%s: %w", span.SpanID, err)
	}
	return Note{
		Name:     SanitizeFilename(e.book.BookID + "_" + span.SpanID),
		Markdown: content,
		Sidecar:  sidecar,
	}, nil
}

// NoteUUID is a name-based uuid, stable for the same book, run and span.
func NoteUUID(bookID, runID, spanID string) string {
	return uuid.NewSHA1(namespace, []byte(bookID+"|"+runID+"|"+spanID)).String()
}

// SanitizeFilename keeps letters, digits, dot, underscore and dash.
func SanitizeFilename(s string) string {
	out := strings.Trim(unsafeNameRe.ReplaceAllString(s, "_"), "._")
	if out == "" {
		return "note"
	}
	return out
}

// TagsBlock renders a YAML list body, first occurrence wins.
func TagsBlock(tags []string) string {
	seen := map[string]bool{}
	var lines []string
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		lines = append(lines, "  - "+scalar(t))
	}
	if len(lines) == 0 {
		return "  - " + scalar("ingest/highlight_excerpt")
	}
	return strings.Join(lines, "\n")
}

// render substitutes every known placeholder. Frontmatter values are quoted
// so titles with colons or leading symbols stay valid YAML.
func render(template string, values map[string]string) string {
	head, body, hasFront := splitFrontmatter(template)
	subst := func(src string, quote bool) string {
		return placeholderRe.ReplaceAllStringFunc(src, func(m string) string {
			key := placeholderRe.FindStringSubmatch(m)[1]
			v, ok := values[key]
			if !ok {
				return m
			}
			if quote && key != "tags_block" {
				return scalar(v)
			}
			return v
		})
	}
	if !hasFront {
		return subst(template, false)
	}
	return "---\n" + subst(head, true) + "\n---\n" + subst(body, false)
}

// scalar returns v as a double-quoted YAML scalar.
func scalar(v string) string {
	return strconv.Quote(v)
}

func blockquote(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		if l == "" {
			lines[i] = ">"
		} else {
			lines[i] = "> " + l
		}
	}
	return strings.Join(lines, "\n")
}

func sourceBlock(s Sidecar) string {
	return strings.Join([]string{
		"- book_id: " + s.BookID,
		"- page_num: " + strconv.Itoa(s.PageNum),
		"- scan_relpath: " + s.ScanRelPath,
		"- span_id: " + s.SpanID,
		"- line_ids: " + strings.Join(s.LineIDs, ", "),
		"- run_id: " + s.RunID,
		"- config_hash: " + s.ConfigHash,
	}, "\n")
}

// splitFrontmatter returns the text between the opening and closing "---"
// lines and everything after the closing line.
func splitFrontmatter(doc string) (head, body string, ok bool) {
	doc = strings.TrimPrefix(doc, "\ufeff")
	doc = strings.ReplaceAll(doc, "\r\n", "\n")
	if !strings.HasPrefix(doc, "---\n") {
		return "", doc, false
	}
	rest := doc[len("---\n"):]
	end := strings.Index(rest, "\n---\n")
	if end < 0 {
		if strings.HasSuffix(rest, "\n---") {
			return rest[:len(rest)-len("\n---")], "", true
		}
		return "", doc, false
	}
	return rest[:end], rest[end+len("\n---\n"):], true
}

// Validate parses the frontmatter and body of a rendered note. The
// frontmatter must be a YAML mapping using only AllowedKeys, with a uuid and
// a title, and the markdown body must not be empty.
func Validate(content []byte) error {
	head, body, ok := splitFrontmatter(string(content))
	if !ok {
		return fmt.Errorf("%w: missing frontmatter block", ErrInvalidNote)
	}
	if m := placeholderRe.FindString(head); m != "" {
		return fmt.Errorf("%w: unresolved placeholder %s in frontmatter", ErrInvalidNote, m)
	}

	front := map[string]any{}
	if err := yaml.Unmarshal([]byte(head), &front); err != nil {
		return fmt.Errorf("%w: frontmatter is not valid YAML: %v", ErrInvalidNote, err)
	}
	var unknown []string
	for k := range front {
		if !AllowedKeys[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("%w: unexpected frontmatter keys %s", ErrInvalidNote, strings.Join(unknown, ", "))
	}
	for _, k := range []string{"uuid", "title"} {
		if s, _ := front[k].(string); strings.TrimSpace(s) == "" {
			return fmt.Errorf("%w: frontmatter %s is empty", ErrInvalidNote, k)
		}
	}
	if _, ok := front["tags"].([]any); !ok {
		return fmt.Errorf("%w: frontmatter tags must be a list", ErrInvalidNote)
	}

	src := []byte(body)
	doc := goldmark.New().Parser().Parse(text.NewReader(src))
	if !doc.HasChildren() || len(bytes.TrimSpace(src)) == 0 {
		return fmt.Errorf("%w: note body is empty", ErrInvalidNote)
	}
	return nil
}

// CheckTemplate renders the template with sample values and validates the
// result. Unknown placeholders are rejected.
func CheckTemplate(template string) error {
	known := map[string]bool{}
	for _, k := range Placeholders {
		known[k] = true
	}
	for _, m := range placeholderRe.FindAllStringSubmatch(template, -1) {
		if !known[m[1]] {
			return fmt.Errorf("%w: unknown template placeholder %s", config.ErrInvalid, m[0])
		}
	}
	sample := map[string]string{
		"tags_block":   TagsBlock([]string{"book/sample"}),
		"quote_text":   blockquote("Sample quoted text."),
		"source_block": "- book_id: sample",
	}
	for _, k := range Placeholders {
		if _, ok := sample[k]; !ok {
			sample[k] = "sample " + k
		}
	}
	if err := Validate([]byte(render(template, sample))); err != nil {
		return fmt.Errorf("%w: template check failed: %v", config.ErrInvalid, err)
	}
	return nil
}
