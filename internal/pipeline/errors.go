package pipeline

import (
	"context"
	"errors"

	"github.com/lehigh-university-libraries/scanmarks/internal/config"
	"github.com/lehigh-university-libraries/scanmarks/internal/corpus"
	"github.com/lehigh-university-libraries/scanmarks/internal/highlights"
	"github.com/lehigh-university-libraries/scanmarks/internal/images"
	"github.com/lehigh-university-libraries/scanmarks/internal/ocr"
	"github.com/lehigh-university-libraries/scanmarks/internal/spans"
	"github.com/lehigh-university-libraries/scanmarks/internal/storage"
)

// Each sentinel is owned by the package that raises it and re-exported here
// so callers classify every failure from one place.
var (
	ErrDependencyMissing    = ocr.ErrDependencyMissing
	ErrOcrTimeout           = ocr.ErrTimeout
	ErrOcrFailure           = ocr.ErrFailure
	ErrOverwriteDenied      = storage.ErrOverwriteDenied
	ErrCanonicalPath        = storage.ErrCanonicalPath
	ErrCorpusIntegrity      = corpus.ErrIntegrity
	ErrConfig               = config.ErrInvalid
	ErrMissingPath          = images.ErrMissingPath
	ErrNoHighlightFound     = highlights.ErrNoHighlightFound
	ErrSpanAssociationEmpty = spans.ErrSpanAssociationEmpty
)

// Kind is a coarse error class used for the run summary and exit codes.
type Kind string

const (
	KindNone       Kind = ""
	KindDependency Kind = "dependency_missing"
	KindTimeout    Kind = "ocr_timeout"
	KindOcr        Kind = "ocr_failure"
	KindOverwrite  Kind = "overwrite_denied"
	KindIntegrity  Kind = "corpus_integrity"
	KindConfig     Kind = "config"
	KindCancel     Kind = "cancelled"
	KindUnknown    Kind = "unknown"
)

// Classify maps err to its Kind using sentinel errors only.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrDependencyMissing):
		return KindDependency
	case errors.Is(err, ErrOcrTimeout):
		return KindTimeout
	case errors.Is(err, ErrOcrFailure):
		return KindOcr
	case errors.Is(err, ErrOverwriteDenied), errors.Is(err, ErrCanonicalPath):
		return KindOverwrite
	case errors.Is(err, ErrCorpusIntegrity):
		return KindIntegrity
	case errors.Is(err, ErrConfig), errors.Is(err, ErrMissingPath):
		return KindConfig
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancel
	}
	return KindUnknown
}

// Retryable reports whether re-invoking the failed page may succeed.
func Retryable(err error) bool {
	return errors.Is(err, ErrOcrTimeout) || errors.Is(err, ErrOcrFailure)
}

// ExitCode returns the process exit code for err.
func ExitCode(err error) int {
	switch Classify(err) {
	case KindNone:
		return 0
	case KindConfig:
		return 3
	case KindOverwrite:
		return 4
	case KindDependency:
		return 5
	case KindIntegrity:
		return 6
	case KindTimeout, KindOcr:
		return 7
	case KindCancel:
		return 130
	}
	return 1
}
