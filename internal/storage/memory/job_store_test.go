package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/marketplace-scraper/internal/scraper"
)

func newJob(id string, created time.Time) scraper.Job {
	return scraper.Job{
		ID:          id,
		Status:      scraper.JobStatusQueued,
		UserID:      "user-1",
		BaseURL:     "https://example.test/search?q=",
		ProductList: []string{"red lipstick", "blue mascara"},
		CreatedAt:   created,
		UpdatedAt:   created,
	}
}

func TestStoreJobLifecycle(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	job := newJob("job-1", now)

	require.NoError(t, store.CreateJob(ctx, job))
	require.ErrorIs(t, store.CreateJob(ctx, job), scraper.ErrAlreadyExists)

	_, err := store.TransitionJob(ctx, job.ID, scraper.Transition{To: scraper.JobStatusRunning, At: now})
	require.NoError(t, err)
	require.NoError(t, store.SaveCheckpoint(ctx, job.ID, 1, now))

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.Checkpoint)
	require.Equal(t, []string{"blue mascara"}, got.Remaining())

	got.ProductList[0] = "modified"
	again, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, "red lipstick", again.ProductList[0])

	final, err := store.TransitionJob(ctx, job.ID, scraper.Transition{To: scraper.JobStatusCompleted, At: now.Add(time.Minute)})
	require.NoError(t, err)
	require.Equal(t, scraper.JobStatusCompleted, final.Status)
	require.NotNil(t, final.LastRunAt)

	_, err = store.GetJob(ctx, "missing")
	require.ErrorIs(t, err, scraper.ErrNotFound)
}

func TestStoreRejectsLeavingTerminalStatus(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, newJob("job-1", time.Now())))
	_, err := store.TransitionJob(ctx, "job-1", scraper.Transition{To: scraper.JobStatusCompleted})
	require.NoError(t, err)

	for _, to := range []scraper.JobStatus{scraper.JobStatusRunning, scraper.JobStatusFailed, scraper.JobStatusCompleted} {
		_, err = store.TransitionJob(ctx, "job-1", scraper.Transition{
			To:      to,
			Results: []scraper.Product{{ID: "p", SearchTerm: "red lipstick", Name: "x"}},
		})
		require.ErrorIs(t, err, scraper.ErrInvalidTransition)
	}
	_, err = store.UpsertProduct(ctx, scraper.Product{ID: "p", JobID: "job-1", SearchTerm: "red lipstick", Name: "late"})
	require.ErrorIs(t, err, scraper.ErrInvalidTransition)
	products, err := store.ListProducts(ctx, "job-1")
	require.NoError(t, err)
	require.Empty(t, products)
	require.ErrorIs(t, store.SaveCheckpoint(ctx, "job-1", 1, time.Now()), scraper.ErrInvalidTransition)
}

func TestStoreUpsertKeyedByJobAndTerm(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, newJob("job-1", time.Now())))

	first, err := store.UpsertProduct(ctx, scraper.Product{ID: "p1", JobID: "job-1", SearchTerm: "red lipstick", Name: "Old"})
	require.NoError(t, err)
	second, err := store.UpsertProduct(ctx, scraper.Product{ID: "p2", JobID: "job-1", SearchTerm: "red lipstick", Name: "New"})
	require.NoError(t, err)
	_, err = store.UpsertProduct(ctx, scraper.Product{ID: "p3", JobID: "job-1", SearchTerm: "blue mascara", Name: "Blue"})
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)
	products, err := store.ListProducts(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, products, 2)
	require.Equal(t, "New", products[0].Name)

	_, err = store.UpsertProduct(ctx, scraper.Product{JobID: "missing", SearchTerm: "x"})
	require.ErrorIs(t, err, scraper.ErrNotFound)
}

func TestStoreTransitionWritesResults(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, newJob("job-1", time.Now())))
	_, err := store.UpsertProduct(ctx, scraper.Product{ID: "p1", JobID: "job-1", SearchTerm: "red lipstick", Name: "Old"})
	require.NoError(t, err)

	_, err = store.TransitionJob(ctx, "job-1", scraper.Transition{
		To: scraper.JobStatusCompleted,
		Results: []scraper.Product{
			{ID: "w1", SearchTerm: "red lipstick", Name: "Red Lipstick Matte"},
			{ID: "w2", SearchTerm: "blue mascara", Name: "Blue Mascara Volume"},
		},
	})
	require.NoError(t, err)

	products, err := store.ListProducts(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, products, 2)
	require.Equal(t, "p1", products[0].ID)
	require.Equal(t, "Red Lipstick Matte", products[0].Name)
	require.Equal(t, "job-1", products[1].JobID)
}

func TestStoreListJobs(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		job := newJob(id, base.Add(time.Duration(i)*time.Hour))
		if id == "b" {
			job.UserID = "user-2"
		}
		require.NoError(t, store.CreateJob(ctx, job))
	}
	_, err := store.TransitionJob(ctx, "a", scraper.Transition{To: scraper.JobStatusFailed, Message: "boom"})
	require.NoError(t, err)

	all, err := store.ListJobs(ctx, scraper.JobFilter{})
	require.NoError(t, err)
	require.Equal(t, []string{"c", "b", "a"}, ids(all))

	byUser, err := store.ListJobs(ctx, scraper.JobFilter{UserID: "user-2"})
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, ids(byUser))

	paged, err := store.ListJobs(ctx, scraper.JobFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, ids(paged))

	unfinished, err := store.ListUnfinishedJobs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c"}, ids(unfinished))
}

func TestStoreConcurrentTerminalTransitions(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, newJob("job-1", time.Now())))

	var wg sync.WaitGroup
	results := make(chan error, 20)
	for i := 0; i < 20; i++ {
		to := scraper.JobStatusCompleted
		if i%2 == 0 {
			to = scraper.JobStatusFailed
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.TransitionJob(ctx, "job-1", scraper.Transition{To: to})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		} else {
			require.ErrorIs(t, err, scraper.ErrInvalidTransition)
		}
	}
	require.Equal(t, 1, succeeded)
}

func TestStoreLogs(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, newJob("job-1", time.Now())))
	require.NoError(t, store.AppendLog(ctx, scraper.JobLog{ID: "l1", JobID: "job-1", Message: "first"}))
	require.NoError(t, store.AppendLog(ctx, scraper.JobLog{ID: "l2", JobID: "job-1", Message: "second"}))
	require.ErrorIs(t, store.AppendLog(ctx, scraper.JobLog{JobID: "missing"}), scraper.ErrNotFound)

	logs, err := store.ListLogs(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	require.Equal(t, "first", logs[0].Message)
	require.NoError(t, store.Ping(ctx))
}

func ids(jobs []scraper.Job) []string {
	out := make([]string, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.ID)
	}
	return out
}
