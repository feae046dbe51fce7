package phases

import (
	"log/slog"

	"github.com/lehigh-university-libraries/scanmarks/internal/corpus"
)

// ExportBookText writes the book's corpus in format and returns the path.
// Exports are derived from the corpus alone; only always replaces one.
func ExportBookText(env *Env, format corpus.Format) (string, error) {
	reader, err := corpus.Load(corpus.BookPath(env.CorpusRoot, env.Book.BookID))
	if err != nil {
		return "", err
	}
	title := env.Book.Title
	if title == "" {
		title = env.Book.BookID
	}
	content, err := corpus.Export(reader, title, format)
	if err != nil {
		return "", err
	}
	path := corpus.ExportPath(env.CorpusRoot, env.Book.BookID, format)
	d, err := env.Store.WriteCanonical(path, content, env.Policy)
	if err != nil {
		return "", err
	}
	slog.Info("Book text exported", "book_id", env.Book.BookID, "format", format, "path", path, "action", d.Action, "dry_run", d.DryRun)
	return path, nil
}
