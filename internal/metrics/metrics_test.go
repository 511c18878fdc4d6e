package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeHost(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard https", "https://Opendata.DWD.de/climate_environment/", "opendata.dwd.de"},
		{"no scheme", "opendata.dwd.de/path", "opendata.dwd.de"},
		{"host with port", "localhost:8080", "localhost"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeHost(tc.input); got != tc.expected {
				t.Errorf("SanitizeHost(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if submissionsTotal == nil || rasterCacheTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObservers(t *testing.T) {
	before := testutil.ToFloat64(submissionsTotal.WithLabelValues("JobAlreadyRunning"))
	ObserveSubmission("JobAlreadyRunning")
	if got := testutil.ToFloat64(submissionsTotal.WithLabelValues("JobAlreadyRunning")); got != before+1 {
		t.Errorf("expected submissions to grow by one, got %f -> %f", before, got)
	}

	IncActiveJobs()
	IncActiveJobs()
	DecActiveJobs()
	if got := testutil.ToFloat64(activeJobs); got < 1 {
		t.Errorf("expected at least one active job, got %f", got)
	}
	DecActiveJobs()

	hits := testutil.ToFloat64(rasterCacheTotal.WithLabelValues("hit"))
	ObserveCache("hit")
	if got := testutil.ToFloat64(rasterCacheTotal.WithLabelValues("hit")); got != hits+1 {
		t.Errorf("expected cache hits to grow by one, got %f", got)
	}

	evicted := testutil.ToFloat64(runsEvictedTotal)
	AddRunsEvicted(0)
	AddRunsEvicted(3)
	if got := testutil.ToFloat64(runsEvictedTotal); got != evicted+3 {
		t.Errorf("expected three evictions, got %f", got-evicted)
	}

	ObserveStage("zonal", 2*time.Second)
	ObserveThrottle("opendata.dwd.de", time.Second)
	ObserveDownload("frost_days", "ok")
	ObserveAdmissionRejection("RateLimited")
	if val := testutil.CollectAndCount(stageDurationSeconds); val <= 0 {
		t.Errorf("expected stage durations to be observed, got %d", val)
	}
}

// Fuzz test for SanitizeHost.
func FuzzSanitizeHost(f *testing.F) {
	testcases := []string{"http://example.com", "https://opendata.dwd.de", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeHost(orig) == "" {
			t.Errorf("SanitizeHost(%q) returned an empty string", orig)
		}
	})
}
