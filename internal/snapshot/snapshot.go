// Package snapshot persists batch-level CSV progress artifacts to a blob store.
package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/JakeFAU/marketplace-scraper/internal/csvio"
	"github.com/JakeFAU/marketplace-scraper/internal/scraper"
)

const csvContentType = "text/csv; charset=utf-8"

// Writer uploads progress and final result CSVs under <prefix>/<jobID>/.
type Writer struct {
	blobs  scraper.BlobStore
	prefix string
}

// NewWriter constructs a Writer. A nil blob store disables snapshots.
func NewWriter(blobs scraper.BlobStore, prefix string) *Writer {
	return &Writer{blobs: blobs, prefix: strings.Trim(prefix, "/")}
}

// Progress writes the rows collected so far to progress.csv.
func (w *Writer) Progress(ctx context.Context, jobID string, rows []csvio.Row) (string, error) {
	return w.put(ctx, jobID, "progress.csv", rows)
}

// Results writes the final rows to results.csv.
func (w *Writer) Results(ctx context.Context, jobID string, rows []csvio.Row) (string, error) {
	return w.put(ctx, jobID, "results.csv", rows)
}

// Path returns the object path for name within a job's snapshot folder.
func (w *Writer) Path(jobID, name string) string {
	return path.Join(w.prefix, jobID, name)
}

func (w *Writer) put(ctx context.Context, jobID, name string, rows []csvio.Row) (string, error) {
	if w == nil || w.blobs == nil {
		return "", nil
	}
	var buf bytes.Buffer
	if err := csvio.WriteRows(&buf, rows); err != nil {
		return "", err
	}
	uri, err := w.blobs.PutObject(ctx, w.Path(jobID, name), csvContentType, &buf)
	if err != nil {
		return "", fmt.Errorf("write %s snapshot: %w", name, err)
	}
	return uri, nil
}
