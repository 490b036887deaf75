package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	if jobsTotal == nil || itemsTotal == nil || httpRequestsTotal == nil || webhookEventsTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveHelpers(t *testing.T) {
	before := testutil.ToFloat64(jobsTotalFor("COMPLETED"))
	ObserveJob("COMPLETED")
	if got := testutil.ToFloat64(jobsTotalFor("COMPLETED")); got != before+1 {
		t.Errorf("expected job counter to grow by 1, got %f -> %f", before, got)
	}

	ObserveItem("saved")
	if got := testutil.ToFloat64(itemsTotal.WithLabelValues("saved")); got < 1 {
		t.Errorf("expected saved items counter, got %f", got)
	}

	ObserveWebhook("", "rejected")
	if got := testutil.ToFloat64(webhookEventsTotal.WithLabelValues("unknown", "rejected")); got < 1 {
		t.Errorf("expected unknown webhook counter, got %f", got)
	}

	IncActiveSessions()
	IncActiveSessions()
	DecActiveSessions()
	if got := testutil.ToFloat64(activeSessions); got != 1 {
		t.Errorf("expected 1 active session, got %f", got)
	}
	DecActiveSessions()

	ObserveNavigation("https://shop.example/search?q=x", 2*time.Second)
	if got := testutil.CollectAndCount(navigationDurationSeconds); got == 0 {
		t.Error("expected navigation histogram to be observed")
	}
}

func jobsTotalFor(status string) prometheus.Counter {
	Init()
	return jobsTotal.WithLabelValues(status)
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
