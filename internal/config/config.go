package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every configuration problem.
var ErrInvalid = errors.New("invalid config")

// Book is the per-book YAML configuration.
type Book struct {
	BookID            string         `json:"book_id"`
	ScansPath         string         `json:"scans_path"`
	VaultOutPath      string         `json:"vault_out_path,omitempty"`
	Title             string         `json:"title"`
	Creator           string         `json:"creator"`
	Year              string         `json:"year"`
	Format            string         `json:"format"`
	PublisherStudio   string         `json:"publisher_studio"`
	NoteType          string         `json:"note_type"`
	NoteStatus        string         `json:"note_status"`
	NoteVersion       string         `json:"note_version"`
	YAMLSchemaVersion string         `json:"YAML_schema_version"`
	Register          string         `json:"register"`
	Tags              []string       `json:"tags"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// Color is one target highlight color. Hue uses the 0-180 scale, saturation
// and value 0-255.
type Color struct {
	Name          string  `yaml:"name" json:"name"`
	HSVLow        [3]int  `yaml:"hsv_low" json:"hsv_low"`
	HSVHigh       [3]int  `yaml:"hsv_high" json:"hsv_high"`
	MinArea       int     `yaml:"min_area" json:"min_area"`
	KernelSize    int     `yaml:"kernel_size" json:"kernel_size"`
	MinConfidence float64 `yaml:"min_confidence" json:"min_confidence"`
}

type OCR struct {
	Engine           string        `yaml:"engine" json:"engine"`
	Language         string        `yaml:"language" json:"language"`
	PSM              int           `yaml:"psm" json:"psm"`
	LineYTolerancePx int           `yaml:"line_y_tolerance_px" json:"line_y_tolerance_px"`
	Timeout          time.Duration `yaml:"timeout" json:"timeout"`
	Retries          int           `yaml:"retries" json:"retries"`
	Model            string        `yaml:"model" json:"model,omitempty"`
	PrintedPage      PrintedPage   `yaml:"printed_page" json:"printed_page"`
}

type PrintedPage struct {
	Detect          bool    `yaml:"detect" json:"detect"`
	TopBandFrac     float64 `yaml:"top_band_frac" json:"top_band_frac"`
	MinConf         float64 `yaml:"min_conf" json:"min_conf"`
	RomanMax        int     `yaml:"roman_max" json:"roman_max"`
	RomanMinLen     int     `yaml:"roman_min_len" json:"roman_min_len"`
	ArabicSwitchMin int     `yaml:"arabic_switch_min" json:"arabic_switch_min"`
}

type Highlights struct {
	Colors        []Color `yaml:"colors" json:"colors"`
	HSVLow        [3]int  `yaml:"hsv_low" json:"hsv_low"`
	HSVHigh       [3]int  `yaml:"hsv_high" json:"hsv_high"`
	MinArea       int     `yaml:"min_area" json:"min_area"`
	KernelSize    int     `yaml:"kernel_size" json:"kernel_size"`
	EdgeMarginPx  int     `yaml:"edge_margin_px" json:"edge_margin_px"`
	MaxHWRatio    float64 `yaml:"max_hw_ratio" json:"max_hw_ratio"`
	MaxHeightFrac float64 `yaml:"max_height_frac" json:"max_height_frac"`
	FrameCropFrac float64 `yaml:"frame_crop_frac" json:"frame_crop_frac"`
}

type Spans struct {
	KBefore         int     `yaml:"k_before" json:"k_before"`
	KAfter          int     `yaml:"k_after" json:"k_after"`
	MinOverlapFrac  float64 `yaml:"min_overlap_frac" json:"min_overlap_frac"`
	MinXOverlapPx   int     `yaml:"min_x_overlap_px" json:"min_x_overlap_px"`
	MaxOverlapLines int     `yaml:"max_overlap_lines" json:"max_overlap_lines"`
	Separator       string  `yaml:"separator" json:"separator"`
}

type EmitObsidian struct {
	SidecarJSONDefault bool `yaml:"sidecar_json_default" json:"sidecar_json_default"`
}

type QA struct {
	FailAlphaMin   float64 `yaml:"fail_alpha_min" json:"fail_alpha_min"`
	FailConfMin    float64 `yaml:"fail_conf_min" json:"fail_conf_min"`
	FailGarbageMax float64 `yaml:"fail_garbage_max" json:"fail_garbage_max"`
	WarnLineMax    int     `yaml:"warn_line_max" json:"warn_line_max"`
	WarnCharMax    int     `yaml:"warn_char_max" json:"warn_char_max"`
	WarnPipeMax    float64 `yaml:"warn_pipe_max" json:"warn_pipe_max"`

	// Page-level thresholds used to flag suspect OCR pages.
	MinAvgWordConf  float64 `yaml:"min_avg_word_conf" json:"min_avg_word_conf"`
	MaxGarbageRatio float64 `yaml:"max_garbage_ratio" json:"max_garbage_ratio"`
	MaxPipeRatio    float64 `yaml:"max_pipe_ratio" json:"max_pipe_ratio"`
	MinAlphaRatio   float64 `yaml:"min_alpha_ratio" json:"min_alpha_ratio"`
}

// Pipeline holds every tunable of the processing phases.
type Pipeline struct {
	OCR          OCR          `yaml:"ocr" json:"ocr"`
	Highlights   Highlights   `yaml:"highlights" json:"highlights"`
	Spans        Spans        `yaml:"spans" json:"spans"`
	EmitObsidian EmitObsidian `yaml:"emit_obsidian" json:"emit_obsidian"`
	QA           QA           `yaml:"qa" json:"qa"`
	Workers      int          `yaml:"workers" json:"workers"`
}

// DefaultPipeline returns the configuration used when no pipeline file is given.
func DefaultPipeline() Pipeline {
	return Pipeline{
		OCR: OCR{
			Engine:           "tesseract",
			Language:         "eng",
			PSM:              6,
			LineYTolerancePx: 14,
			Timeout:          60 * time.Second,
			Retries:          1,
			PrintedPage: PrintedPage{
				Detect:          true,
				TopBandFrac:     0.12,
				MinConf:         40,
				RomanMax:        80,
				RomanMinLen:     2,
				ArabicSwitchMin: 10,
			},
		},
		Highlights: Highlights{
			HSVLow:        [3]int{15, 20, 80},
			HSVHigh:       [3]int{95, 255, 255},
			MinArea:       120,
			KernelSize:    5,
			EdgeMarginPx:  25,
			MaxHWRatio:    3.0,
			MaxHeightFrac: 0.15,
			FrameCropFrac: 0.02,
		},
		Spans: Spans{
			KBefore:   2,
			KAfter:    2,
			Separator: "\n",
		},
		EmitObsidian: EmitObsidian{SidecarJSONDefault: true},
		QA: QA{
			FailAlphaMin:   0.65,
			FailConfMin:    65,
			FailGarbageMax: 0.08,
			WarnLineMax:    25,
			WarnCharMax:    2000,
			WarnPipeMax:    0.02,

			MinAvgWordConf:  58,
			MaxGarbageRatio: 0.22,
			MaxPipeRatio:    0.04,
			MinAlphaRatio:   0.45,
		},
		Workers: 1,
	}
}

// ColorList returns the configured colors in order. A config without an
// explicit list yields a single "yellow" entry built from the flat fields.
func (h Highlights) ColorList() []Color {
	if len(h.Colors) > 0 {
		out := make([]Color, len(h.Colors))
		copy(out, h.Colors)
		for i := range out {
			if out[i].Name == "" {
				out[i].Name = fmt.Sprintf("color%d", i+1)
			}
			if out[i].MinArea == 0 {
				out[i].MinArea = h.MinArea
			}
			if out[i].KernelSize == 0 {
				out[i].KernelSize = h.KernelSize
			}
		}
		return out
	}
	return []Color{{
		Name:       "yellow",
		HSVLow:     h.HSVLow,
		HSVHigh:    h.HSVHigh,
		MinArea:    h.MinArea,
		KernelSize: h.KernelSize,
	}}
}

// Loaded is the result of reading a book and pipeline configuration.
type Loaded struct {
	Book       Book
	Pipeline   Pipeline
	ConfigHash string

	raw map[string]any
}

// Override applies fn to the pipeline, validates the result and recomputes
// ConfigHash so the hash covers command line overrides.
func (l *Loaded) Override(fn func(*Pipeline)) error {
	p := l.Pipeline
	fn(&p)
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	hash, err := Hash(l.raw, p)
	if err != nil {
		return err
	}
	l.Pipeline, l.ConfigHash = p, hash
	return nil
}

// LoadPipeline reads path over the defaults. An empty path, or a path that
// does not exist when allowMissing is set, yields the defaults.
func LoadPipeline(path string, allowMissing bool) (Pipeline, error) {
	cfg := DefaultPipeline()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if allowMissing && errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("%w: config file not found: %s", ErrInvalid, path)
	}
	// Decoding into the populated struct keeps every default the file omits.
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: invalid YAML in %s: %v", ErrInvalid, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
	}
	return cfg, nil
}

// Validate checks values the phases cannot work with.
func (p Pipeline) Validate() error {
	if p.Spans.KBefore < 0 || p.Spans.KAfter < 0 {
		return fmt.Errorf("spans.k_before and spans.k_after must be non-negative")
	}
	if p.Spans.MinOverlapFrac < 0 || p.Spans.MinOverlapFrac > 1 {
		return fmt.Errorf("spans.min_overlap_frac must be within [0, 1]")
	}
	for _, c := range p.Highlights.ColorList() {
		for i := 0; i < 3; i++ {
			if c.HSVLow[i] > c.HSVHigh[i] {
				return fmt.Errorf("highlights color %q: hsv_low exceeds hsv_high", c.Name)
			}
		}
		if c.KernelSize < 0 || c.MinArea < 0 {
			return fmt.Errorf("highlights color %q: kernel_size and min_area must be non-negative", c.Name)
		}
	}
	if p.OCR.Timeout < 0 || p.OCR.Retries < 0 {
		return fmt.Errorf("ocr.timeout and ocr.retries must be non-negative")
	}
	return nil
}

var knownBookKeys = map[string]bool{
	"book_id": true, "title": true, "creator": true, "year": true, "format": true,
	"scans_path": true, "vault_out_path": true, "publisher_studio": true, "note_type": true,
	"note_status": true, "note_version": true, "YAML_schema_version": true, "register": true,
	"tags": true,
}

// Load reads the book YAML and the pipeline YAML and computes the config hash.
func Load(bookPath, pipelinePath string, allowMissingPipeline bool) (*Loaded, error) {
	pipeline, err := LoadPipeline(pipelinePath, allowMissingPipeline)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(bookPath)
	if err != nil {
		return nil, fmt.Errorf("%w: config file not found: %s", ErrInvalid, bookPath)
	}
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: invalid YAML in %s: %v", ErrInvalid, bookPath, err)
	}

	book, err := bookFromRaw(raw, bookPath)
	if err != nil {
		return nil, err
	}

	hash, err := Hash(raw, pipeline)
	if err != nil {
		return nil, err
	}
	return &Loaded{Book: book, Pipeline: pipeline, ConfigHash: hash, raw: raw}, nil
}

// Hash digests the raw book mapping and the effective pipeline.
func Hash(book map[string]any, pipeline Pipeline) (string, error) {
	// encoding/json sorts map keys, which makes the digest stable.
	packed, err := json.Marshal(map[string]any{"book": book, "pipeline": pipeline})
	if err != nil {
		return "", fmt.Errorf("failed to hash config: %w", err)
	}
	sum := sha256.Sum256(packed)
	return hex.EncodeToString(sum[:])[:16], nil
}

func bookFromRaw(raw map[string]any, bookPath string) (Book, error) {
	str := func(key, def string) string {
		v, ok := raw[key]
		if !ok || v == nil {
			return def
		}
		return strings.TrimSpace(fmt.Sprint(v))
	}

	book := Book{
		BookID:            str("book_id", ""),
		Title:             str("title", ""),
		Creator:           str("creator", ""),
		Year:              str("year", ""),
		Format:            str("format", "book"),
		PublisherStudio:   str("publisher_studio", ""),
		NoteType:          str("note_type", "literature_review"),
		NoteStatus:        str("note_status", "inbox"),
		NoteVersion:       str("note_version", "v0.1.3"),
		YAMLSchemaVersion: str("YAML_schema_version", "v0.1.2"),
		Register:          str("register", "public"),
		Metadata:          map[string]any{},
	}
	if book.BookID == "" {
		return book, fmt.Errorf("%w: book_id is required in %s", ErrInvalid, bookPath)
	}

	book.ScansPath = resolvePath(bookPath, str("scans_path", ""))
	if book.ScansPath == "" {
		return book, fmt.Errorf("%w: scans_path is required in %s", ErrInvalid, bookPath)
	}
	book.VaultOutPath = resolvePath(bookPath, str("vault_out_path", ""))

	if tags, ok := raw["tags"]; ok && tags != nil {
		list, ok := tags.([]any)
		if !ok {
			return book, fmt.Errorf("%w: tags must be a list in %s", ErrInvalid, bookPath)
		}
		for _, t := range list {
			book.Tags = append(book.Tags, fmt.Sprint(t))
		}
	}

	for k, v := range raw {
		if !knownBookKeys[k] {
			book.Metadata[k] = v
		}
	}
	return book, nil
}

// resolvePath makes value absolute relative to the directory of configPath.
func resolvePath(configPath, value string) string {
	if value == "" {
		return ""
	}
	if filepath.IsAbs(value) {
		return value
	}
	abs, err := filepath.Abs(filepath.Join(filepath.Dir(configPath), value))
	if err != nil {
		return filepath.Join(filepath.Dir(configPath), value)
	}
	return abs
}
