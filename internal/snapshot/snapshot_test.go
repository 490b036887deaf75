package snapshot

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/marketplace-scraper/internal/csvio"
	"github.com/JakeFAU/marketplace-scraper/internal/storage/memory"
)

type failingBlobs struct{}

func (failingBlobs) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("bucket unavailable")
}

func TestWriterProgressAndResults(t *testing.T) {
	t.Parallel()
	blobs := memory.NewBlobStore()
	w := NewWriter(blobs, "/snapshots/")
	rows := []csvio.Row{{SearchCriteria: "red lipstick", Description: "Red Lipstick Matte", Similarity: 100}}

	uri, err := w.Progress(context.Background(), "job-1", rows)
	require.NoError(t, err)
	require.Equal(t, "memory://snapshots/job-1/progress.csv", uri)

	uri, err = w.Results(context.Background(), "job-1", rows)
	require.NoError(t, err)
	require.Equal(t, "memory://snapshots/job-1/results.csv", uri)

	data, ok := blobs.Object("snapshots/job-1/results.csv")
	require.True(t, ok)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	require.Equal(t, strings.Join(csvio.Header, ","), lines[0])
	require.True(t, strings.HasPrefix(lines[1], "red lipstick,Red Lipstick Matte,"))
}

func TestWriterWithoutBlobStore(t *testing.T) {
	t.Parallel()
	uri, err := NewWriter(nil, "").Progress(context.Background(), "job-1", nil)
	require.NoError(t, err)
	require.Empty(t, uri)

	var w *Writer
	uri, err = w.Results(context.Background(), "job-1", nil)
	require.NoError(t, err)
	require.Empty(t, uri)
}

func TestWriterPropagatesErrors(t *testing.T) {
	t.Parallel()
	_, err := NewWriter(failingBlobs{}, "").Progress(context.Background(), "job-1", nil)
	require.ErrorContains(t, err, "write progress.csv snapshot")
}

func TestWriterPath(t *testing.T) {
	t.Parallel()
	require.Equal(t, "job-1/results.csv", NewWriter(nil, "").Path("job-1", "results.csv"))
	require.Equal(t, "a/b/job-1/progress.csv", NewWriter(nil, "a/b").Path("job-1", "progress.csv"))
}
