package images

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/lehigh-university-libraries/scanmarks/internal/models"
	_ "golang.org/x/image/tiff"
)

// DefaultPattern matches the scan formats the pipeline can decode.
const DefaultPattern = "*.{png,jpg,jpeg,tif,tiff}"

// ErrMissingPath is returned when the scans directory is absent or empty.
var ErrMissingPath = errors.New("missing path")

// Discover lists the page images under scansPath in natural order
// (page2 before page10) and numbers them from 1.
func Discover(scansPath, pattern string) ([]models.Page, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	info, err := os.Stat(scansPath)
	if err != nil {
		return nil, fmt.Errorf("%w: scan path does not exist: %s", ErrMissingPath, scansPath)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: scan path is not a directory: %s", ErrMissingPath, scansPath)
	}

	entries, err := os.ReadDir(scansPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read scan directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		// match case-insensitively so PAGE_001.TIF is found too
		ok, err := doublestar.Match(strings.ToLower(pattern), strings.ToLower(entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("invalid scan pattern %q: %w", pattern, err)
		}
		if ok {
			names = append(names, entry.Name())
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: no supported image files found in: %s", ErrMissingPath, scansPath)
	}

	NaturalSort(names)
	pages := make([]models.Page, 0, len(names))
	for i, name := range names {
		pages = append(pages, models.Page{
			Index:      i + 1,
			SourcePath: filepath.Join(scansPath, name),
			RelPath:    filepath.ToSlash(name),
		})
	}
	slog.Debug("Discovered scans", "path", scansPath, "pages", len(pages))
	return pages, nil
}

var digitRun = regexp.MustCompile(`\d+|\D+`)

// NaturalSort orders names so that embedded numbers compare numerically.
func NaturalSort(names []string) {
	sort.SliceStable(names, func(i, j int) bool {
		return naturalLess(strings.ToLower(names[i]), strings.ToLower(names[j]))
	})
}

func naturalLess(a, b string) bool {
	pa := digitRun.FindAllString(a, -1)
	pb := digitRun.FindAllString(b, -1)
	for k := 0; k < len(pa) && k < len(pb); k++ {
		x, y := pa[k], pb[k]
		if x == y {
			continue
		}
		nx, errX := strconv.Atoi(x)
		ny, errY := strconv.Atoi(y)
		if errX == nil && errY == nil {
			if nx != ny {
				return nx < ny
			}
			return len(x) < len(y)
		}
		return x < y
	}
	return len(pa) < len(pb)
}

// Load decodes a page image (png, jpeg, gif or tiff).
func Load(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image %s: %w", path, err)
	}
	return img, nil
}

// Dimensions reads only the image header.
func Dimensions(path string) (int, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer file.Close()

	cfg, _, err := image.DecodeConfig(file)
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}

// RelPath returns path relative to root in slash form, or the base name
// when path is outside root.
func RelPath(path, root string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return filepath.Base(path)
	}
	return filepath.ToSlash(rel)
}
