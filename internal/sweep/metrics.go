package sweep

import (
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/lehigh-university-libraries/scanmarks/internal/config"
	"github.com/lehigh-university-libraries/scanmarks/internal/models"
)

const garbageChars = "|{}[]<>_~^"

// Metrics describes the quality of a piece of OCR text.
type Metrics struct {
	CharCount    int      `json:"char_count"`
	LineCount    int      `json:"line_count"`
	AvgWordConf  *float64 `json:"avg_word_conf"`
	AlphaRatio   float64  `json:"alpha_ratio"`
	GarbageRatio float64  `json:"garbage_ratio"`
	PipeRatio    float64  `json:"pipe_ratio"`
}

// Verdicts, worst first.
const (
	VerdictFail = "FAIL"
	VerdictWarn = "WARN"
	VerdictPass = "PASS"
)

// Thresholds decide a span's verdict.
type Thresholds struct {
	FailAlphaMin   float64 `yaml:"fail_alpha_min" json:"fail_alpha_min"`
	FailConfMin    float64 `yaml:"fail_conf_min" json:"fail_conf_min"`
	FailGarbageMax float64 `yaml:"fail_garbage_max" json:"fail_garbage_max"`
	WarnLineMax    int     `yaml:"warn_line_max" json:"warn_line_max"`
	WarnCharMax    int     `yaml:"warn_char_max" json:"warn_char_max"`
	WarnPipeMax    float64 `yaml:"warn_pipe_max" json:"warn_pipe_max"`
}

func ThresholdsFrom(qa config.QA) Thresholds {
	return Thresholds{
		FailAlphaMin:   qa.FailAlphaMin,
		FailConfMin:    qa.FailConfMin,
		FailGarbageMax: qa.FailGarbageMax,
		WarnLineMax:    qa.WarnLineMax,
		WarnCharMax:    qa.WarnCharMax,
		WarnPipeMax:    qa.WarnPipeMax,
	}
}

// SpanMetrics measures the selected lines of a span. Ratios are taken over
// non-space characters; the average confidence covers every word that has one.
func SpanMetrics(lines []models.Line) Metrics {
	texts := make([]string, 0, len(lines))
	var confs []float64
	for _, l := range lines {
		if l.Text != "" {
			texts = append(texts, l.Text)
		}
		for _, w := range l.Words {
			confs = append(confs, w.Confidence)
		}
	}
	text := strings.Join(texts, "\n")

	var nonSpace, alpha, garbage, pipes int
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		nonSpace++
		if unicode.IsLetter(r) {
			alpha++
		}
		if strings.ContainsRune(garbageChars, r) {
			garbage++
		}
		if r == '|' {
			pipes++
		}
	}

	m := Metrics{CharCount: len([]rune(text)), LineCount: len(lines)}
	if nonSpace > 0 {
		m.AlphaRatio = round(float64(alpha)/float64(nonSpace), 6)
		m.GarbageRatio = round(float64(garbage)/float64(nonSpace), 6)
		m.PipeRatio = round(float64(pipes)/float64(nonSpace), 6)
	}
	if len(confs) > 0 {
		sum := 0.0
		for _, c := range confs {
			sum += c
		}
		avg := round(sum/float64(len(confs)), 3)
		m.AvgWordConf = &avg
	}
	return m
}

// Verdict applies the thresholds. Every failing or warning check adds a
// reason; fail reasons come first.
func Verdict(m Metrics, t Thresholds) (string, []string) {
	var fails, warns []string
	if m.AlphaRatio < t.FailAlphaMin {
		fails = append(fails, fmt.Sprintf("alpha_ratio %.6f < fail_alpha_min %.6f", m.AlphaRatio, t.FailAlphaMin))
	}
	if m.AvgWordConf != nil && *m.AvgWordConf < t.FailConfMin {
		fails = append(fails, fmt.Sprintf("avg_word_conf %.3f < fail_conf_min %.3f", *m.AvgWordConf, t.FailConfMin))
	}
	if m.GarbageRatio > t.FailGarbageMax {
		fails = append(fails, fmt.Sprintf("garbage_ratio %.6f > fail_garbage_max %.6f", m.GarbageRatio, t.FailGarbageMax))
	}
	if m.LineCount > t.WarnLineMax {
		warns = append(warns, fmt.Sprintf("line_count %d > warn_line_max %d", m.LineCount, t.WarnLineMax))
	}
	if m.CharCount > t.WarnCharMax {
		warns = append(warns, fmt.Sprintf("char_count %d > warn_char_max %d", m.CharCount, t.WarnCharMax))
	}
	if m.PipeRatio > t.WarnPipeMax {
		warns = append(warns, fmt.Sprintf("pipe_ratio %.6f > warn_pipe_max %.6f", m.PipeRatio, t.WarnPipeMax))
	}

	switch {
	case len(fails) > 0:
		return VerdictFail, append(fails, warns...)
	case len(warns) > 0:
		return VerdictWarn, warns
	}
	return VerdictPass, []string{}
}

// PageQA is the quality summary stored with each OCR page.
type PageQA struct {
	Metrics
	Suspect bool `json:"suspect"`
}

// PageMetrics measures a whole OCR page. Unlike SpanMetrics, the alpha ratio
// is taken over alphanumerics, garbage counts every symbol, and negative
// (unknown) confidences are ignored.
func PageMetrics(lines []models.Line) Metrics {
	var texts []string
	var confs []float64
	for _, l := range lines {
		text := strings.TrimSpace(l.Text)
		if len(l.Words) > 0 {
			var words []string
			for _, w := range l.Words {
				if strings.TrimSpace(w.Text) != "" {
					words = append(words, w.Text)
				}
			}
			text = strings.TrimSpace(strings.Join(words, " "))
		}
		if text == "" {
			continue
		}
		texts = append(texts, text)
		for _, w := range l.Words {
			if w.Confidence >= 0 {
				confs = append(confs, w.Confidence)
			}
		}
	}
	content := strings.Join(texts, "\n")

	var alpha, alnum, nonSpace, garbage, pipes int
	for _, r := range content {
		letter, digit := unicode.IsLetter(r), unicode.IsNumber(r)
		if letter {
			alpha++
		}
		if letter || digit {
			alnum++
		}
		if unicode.IsSpace(r) {
			continue
		}
		nonSpace++
		if !letter && !digit {
			garbage++
		}
		if r == '|' {
			pipes++
		}
	}

	m := Metrics{CharCount: len([]rune(content)), LineCount: len(texts)}
	if alnum > 0 {
		m.AlphaRatio = round(float64(alpha)/float64(alnum), 6)
	}
	if nonSpace > 0 {
		m.GarbageRatio = round(float64(garbage)/float64(nonSpace), 6)
		m.PipeRatio = round(float64(pipes)/float64(nonSpace), 6)
	}
	if len(confs) > 0 {
		sum := 0.0
		for _, c := range confs {
			sum += c
		}
		avg := round(sum/float64(len(confs)), 3)
		m.AvgWordConf = &avg
	}
	return m
}

// Suspect reports pages that are empty or obviously OCR garbage.
func Suspect(m Metrics, qa config.QA) bool {
	switch {
	case m.LineCount == 0 || m.CharCount == 0:
		return true
	case m.CharCount < 12 && m.AlphaRatio < 0.35:
		return true
	case m.PipeRatio > qa.MaxPipeRatio && m.AlphaRatio < qa.MinAlphaRatio:
		return true
	case m.GarbageRatio > qa.MaxGarbageRatio && m.AlphaRatio < qa.MinAlphaRatio:
		return true
	case m.AvgWordConf != nil && *m.AvgWordConf < qa.MinAvgWordConf && m.GarbageRatio > qa.MaxGarbageRatio*0.75:
		return true
	}
	return false
}

// CheckPage computes PageMetrics and the suspect flag together.
func CheckPage(lines []models.Line, qa config.QA) PageQA {
	m := PageMetrics(lines)
	return PageQA{Metrics: m, Suspect: Suspect(m, qa)}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
