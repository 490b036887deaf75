package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/marketplace-scraper/internal/extract"
	"github.com/JakeFAU/marketplace-scraper/internal/lifecycle"
	"github.com/JakeFAU/marketplace-scraper/internal/scraper"
	"github.com/JakeFAU/marketplace-scraper/internal/snapshot"
	"github.com/JakeFAU/marketplace-scraper/internal/storage/memory"
)

const baseURL = "https://example.test/search?q="

type fakeClock struct{}

func (fakeClock) Now() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }

type fakeIDGen struct {
	mu   sync.Mutex
	next int
}

func (g *fakeIDGen) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("id-%d", g.next), nil
}

type fakeSession struct {
	mu         sync.Mutex
	pages      map[string]string
	errs       map[string]error
	navigated  []string
	closes     int
	onNavigate func(n int)
}

func (s *fakeSession) Navigate(_ context.Context, url string) (string, error) {
	s.mu.Lock()
	s.navigated = append(s.navigated, url)
	n := len(s.navigated)
	hook := s.onNavigate
	s.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	if err, ok := s.errs[url]; ok {
		return "", err
	}
	if html, ok := s.pages[url]; ok {
		return html, nil
	}
	return "", errors.New("net::ERR_NAME_NOT_RESOLVED")
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *fakeSession) visits() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.navigated...)
}

type fakeLauncher struct {
	session  *fakeSession
	err      error
	launches int
}

func (l *fakeLauncher) Launch(context.Context, string) (scraper.Session, error) {
	l.launches++
	if l.err != nil {
		return nil, l.err
	}
	return l.session, nil
}

type fakeExtractor struct {
	err error
}

func (e fakeExtractor) Extract(context.Context, string) ([]scraper.Candidate, error) {
	return nil, e.err
}

type harness struct {
	store     *memory.Store
	blobs     *memory.BlobStore
	manager   *lifecycle.Manager
	launcher  *fakeLauncher
	session   *fakeSession
	processor *Processor
	sleeps    []time.Duration
}

func card(code, name string) string {
	return fmt.Sprintf(`<div data-scroll-id="%s"><a href="/p/%s"><span itemprop="name">%s</span></a>`+
		`<meta itemprop="price" content="199.90"></div>`, code, code, name)
}

func page(cards ...string) string {
	return "<html><body>" + strings.Join(cards, "") + "</body></html>"
}

func newHarness(t *testing.T, cfg Config, ext scraper.Extractor) *harness {
	t.Helper()
	h := &harness{
		store:   memory.NewStore(),
		blobs:   memory.NewBlobStore(),
		session: &fakeSession{pages: map[string]string{}, errs: map[string]error{}},
	}
	h.launcher = &fakeLauncher{session: h.session}
	ids := &fakeIDGen{}
	h.manager = lifecycle.New(h.store, nil, ids, fakeClock{}, lifecycle.Config{}, zap.NewNop())
	if ext == nil {
		ext = extract.NewSelectorExtractor(extract.Selectors{})
	}
	h.processor = NewProcessor(h.launcher, ext, h.store, h.manager,
		snapshot.NewWriter(h.blobs, "snapshots"), ids, fakeClock{}, cfg, zap.NewNop())
	h.processor.sleep = func(_ context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return nil
	}
	return h
}

func (h *harness) submit(t *testing.T, terms ...string) scraper.Job {
	t.Helper()
	job, err := h.manager.Submit(context.Background(), lifecycle.SubmitRequest{
		Terms:               terms,
		BaseURL:             baseURL,
		UserID:              "user-1",
		MarketplaceConfigID: "cfg-1",
	})
	require.NoError(t, err)
	return job
}

func (h *harness) job(t *testing.T, id string) scraper.Job {
	t.Helper()
	job, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func TestProcessor_EndToEnd(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Throttle: 10 * time.Second}, nil)
	h.session.pages[baseURL+"red%20lipstick"] = page(card("11", "Blue Mascara Volume"), card("12", "Red Lipstick Matte"))
	h.session.pages[baseURL+"blue%20mascara"] = page(card("21", "Blue Mascara Volume"))
	job := h.submit(t, "red lipstick", "blue mascara")

	require.NoError(t, h.processor.Run(context.Background(), job.ID))

	final := h.job(t, job.ID)
	require.Equal(t, scraper.JobStatusCompleted, final.Status)
	require.Equal(t, 2, final.Checkpoint)

	products, err := h.store.ListProducts(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, products, 2)
	require.Equal(t, "red lipstick", products[0].SearchTerm)
	require.Equal(t, "Red Lipstick Matte", products[0].Name)
	require.Equal(t, "12", products[0].Code)
	require.Equal(t, "RUB", products[0].Currency)
	require.Equal(t, "https://example.test/p/12", products[0].Link)
	require.Equal(t, "Blue Mascara Volume", products[1].Name)
	require.Greater(t, products[0].Similarity, 50.0)

	require.Equal(t, []time.Duration{10 * time.Second, 10 * time.Second}, h.sleeps)
	require.Equal(t, 1, h.session.closes)

	results, ok := h.blobs.Object("snapshots/" + job.ID + "/results.csv")
	require.True(t, ok)
	// Header plus the top candidates of both terms.
	require.Len(t, strings.Split(strings.TrimSpace(string(results)), "\n"), 4)

	logs, err := h.store.ListLogs(context.Background(), job.ID)
	require.NoError(t, err)
	var messages []string
	for _, l := range logs {
		messages = append(messages, l.Message)
	}
	require.Contains(t, strings.Join(messages, "\n"), `red lipstick: saved "Red Lipstick Matte"`)
}

func TestProcessor_EmptyListCompletes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, nil)
	job := h.submit(t)

	require.NoError(t, h.processor.Run(context.Background(), job.ID))
	require.Equal(t, scraper.JobStatusCompleted, h.job(t, job.ID).Status)
	require.Zero(t, h.launcher.launches)

	products, err := h.store.ListProducts(context.Background(), job.ID)
	require.NoError(t, err)
	require.Empty(t, products)
}

func TestProcessor_NavigationFailuresAreIsolated(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Throttle: time.Second}, nil)
	job := h.submit(t, "a", "b", "c")

	require.NoError(t, h.processor.Run(context.Background(), job.ID))
	require.Equal(t, scraper.JobStatusCompleted, h.job(t, job.ID).Status)
	require.Len(t, h.session.visits(), 3)
	require.Empty(t, h.sleeps)

	logs, err := h.store.ListLogs(context.Background(), job.ID)
	require.NoError(t, err)
	require.Contains(t, logs[2].Message, "a: navigation failed")
}

func TestProcessor_ExtractionErrorMeansNoData(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, fakeExtractor{err: errors.New("content service status 502")})
	h.session.pages[baseURL+"a"] = page(card("1", "A"))
	job := h.submit(t, "a")

	require.NoError(t, h.processor.Run(context.Background(), job.ID))
	require.Equal(t, scraper.JobStatusCompleted, h.job(t, job.ID).Status)

	logs, err := h.store.ListLogs(context.Background(), job.ID)
	require.NoError(t, err)
	require.Contains(t, logs[2].Message, "a: no data found")
}

func TestProcessor_LaunchFailureFailsJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, nil)
	h.launcher.err = errors.New("chrome not found")
	job := h.submit(t, "a")

	require.NoError(t, h.processor.Run(context.Background(), job.ID))
	final := h.job(t, job.ID)
	require.Equal(t, scraper.JobStatusFailed, final.Status)
	require.Equal(t, "launch browser: chrome not found", final.ErrorMessage)
}

func TestProcessor_SessionLostFailsJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, nil)
	h.session.errs[baseURL+"b"] = fmt.Errorf("navigate: %w", scraper.ErrSessionLost)
	h.session.pages[baseURL+"a"] = page(card("1", "a"))
	job := h.submit(t, "a", "b", "c")

	require.NoError(t, h.processor.Run(context.Background(), job.ID))
	final := h.job(t, job.ID)
	require.Equal(t, scraper.JobStatusFailed, final.Status)
	require.Contains(t, final.ErrorMessage, "browser session lost")
	require.Equal(t, 1, final.Checkpoint)
	require.Len(t, h.session.visits(), 2)
	require.Equal(t, 1, h.session.closes)
}

func TestProcessor_CancelBetweenItems(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, nil)
	h.session.pages[baseURL+"a"] = page(card("1", "a"))
	job := h.submit(t, "a", "b", "c")

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	h.session.onNavigate = func(n int) {
		if n == 1 {
			cancel(scraper.ErrJobCanceled)
		}
	}

	require.NoError(t, h.processor.Run(ctx, job.ID))
	final := h.job(t, job.ID)
	require.Equal(t, scraper.JobStatusFailed, final.Status)
	require.Equal(t, lifecycle.CanceledMessage, final.ErrorMessage)
	require.Len(t, h.session.visits(), 1)
	require.Equal(t, 1, h.session.closes)
}

func TestProcessor_ShutdownLeavesJobResumable(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, nil)
	h.session.pages[baseURL+"a"] = page(card("1", "a"))
	h.session.pages[baseURL+"b"] = page(card("2", "b"))
	job := h.submit(t, "a", "b", "c")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.session.onNavigate = func(n int) {
		if n == 2 {
			cancel()
		}
	}

	err := h.processor.Run(ctx, job.ID)
	require.ErrorIs(t, err, context.Canceled)
	final := h.job(t, job.ID)
	require.Equal(t, scraper.JobStatusRunning, final.Status)
	require.Equal(t, 1, final.Checkpoint)
}

func TestProcessor_ResumesFromCheckpoint(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, nil)
	h.session.pages[baseURL+"b"] = page(card("2", "b"))
	job := h.submit(t, "a", "b")
	_, err := h.manager.Start(context.Background(), job.ID)
	require.NoError(t, err)
	require.NoError(t, h.store.SaveCheckpoint(context.Background(), job.ID, 1, time.Now()))

	require.NoError(t, h.processor.Run(context.Background(), job.ID))
	require.Equal(t, []string{baseURL + "b"}, h.session.visits())
	require.Equal(t, scraper.JobStatusCompleted, h.job(t, job.ID).Status)
}

func TestProcessor_ResumeSeedsOnlyFinishedTerms(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, nil)
	h.session.pages[baseURL+"b"] = page(card("2", "b"))
	job := h.submit(t, "a", "b")
	_, err := h.manager.Start(context.Background(), job.ID)
	require.NoError(t, err)
	for _, term := range []string{"a", "b"} {
		_, err = h.store.UpsertProduct(context.Background(), scraper.Product{
			ID: "old-" + term, JobID: job.ID, SearchTerm: term, Name: term + " before restart",
		})
		require.NoError(t, err)
	}
	require.NoError(t, h.store.SaveCheckpoint(context.Background(), job.ID, 1, time.Now()))

	require.NoError(t, h.processor.Run(context.Background(), job.ID))

	results, ok := h.blobs.Object("snapshots/" + job.ID + "/results.csv")
	require.True(t, ok)
	lines := strings.Split(strings.TrimSpace(string(results)), "\n")
	require.Len(t, lines, 3)
	require.True(t, strings.HasPrefix(lines[1], "a,a before restart,"), lines[1])
	require.True(t, strings.HasPrefix(lines[2], "b,b,"), lines[2])
}

func TestProcessor_StopsWhenJobFinalizedMidRun(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, nil)
	for _, term := range []string{"a", "b", "c"} {
		h.session.pages[baseURL+term] = page(card(term, strings.ToUpper(term)))
	}
	job := h.submit(t, "a", "b", "c")
	h.session.onNavigate = func(n int) {
		if n == 2 {
			_, err := h.manager.ApplyExternalCompletion(context.Background(), job.ID, []scraper.Product{
				{SearchTerm: "a", Name: "from webhook"},
			})
			require.NoError(t, err)
		}
	}

	require.NoError(t, h.processor.Run(context.Background(), job.ID))

	require.Equal(t, scraper.JobStatusCompleted, h.job(t, job.ID).Status)
	require.Equal(t, []string{baseURL + "a", baseURL + "b"}, h.session.visits())
	products, err := h.store.ListProducts(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, products, 1)
	require.Equal(t, "from webhook", products[0].Name)
}

func TestEscapeTerm(t *testing.T) {
	t.Parallel()
	require.Equal(t, "red%20lipstick", escapeTerm("red lipstick"))
	require.Equal(t, "a%2Bb%26c%2Fd", escapeTerm("a+b&c/d"))
	require.Equal(t, "%D0%BF%D0%BE%D0%BC%D0%B0%D0%B4%D0%B0", escapeTerm("помада"))
}

func TestProcessor_SnapshotEveryTenItems(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, nil)
	terms := make([]string, 10)
	for i := range terms {
		terms[i] = fmt.Sprintf("term%d", i)
		h.session.pages[baseURL+terms[i]] = page(card(fmt.Sprint(i), terms[i]))
	}
	job := h.submit(t, terms...)

	require.NoError(t, h.processor.Run(context.Background(), job.ID))

	progress, ok := h.blobs.Object("snapshots/" + job.ID + "/progress.csv")
	require.True(t, ok)
	lines := strings.Split(strings.TrimSpace(string(progress)), "\n")
	require.Len(t, lines, 11)
	require.Equal(t, "Search Criteria,Item Description,Brand,Rating,Similarity,Price,Price Currency,Product URL,Product ID", lines[0])
	require.Equal(t, 10, h.job(t, job.ID).Checkpoint)
}

func TestProcessor_RepeatedTermUpsertsOneRow(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, nil)
	h.session.pages[baseURL+"a"] = page(card("1", "a"))
	job := h.submit(t, "a", "a")

	require.NoError(t, h.processor.Run(context.Background(), job.ID))
	products, err := h.store.ListProducts(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, products, 1)
}

func TestProcessor_SkipsFinalizedJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, nil)
	job := h.submit(t, "a")
	_, err := h.manager.Fail(context.Background(), job.ID, "canceled by request")
	require.NoError(t, err)

	require.NoError(t, h.processor.Run(context.Background(), job.ID))
	require.Zero(t, h.launcher.launches)
}

func TestProductLink(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		c    scraper.Candidate
		want string
	}{
		{"relative link", scraper.Candidate{Link: "/p/1"}, "https://example.test/p/1"},
		{"absolute link", scraper.Candidate{Link: "https://cdn.example.test/x"}, "https://cdn.example.test/x"},
		{"code and name", scraper.Candidate{Code: "123", Description: "Red  Lipstick"}, "https://example.test/123-red-lipstick"},
		{"code only", scraper.Candidate{Code: "123"}, "https://example.test/123"},
		{"nothing", scraper.Candidate{}, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, productLink(baseURL, tc.c))
		})
	}
}
