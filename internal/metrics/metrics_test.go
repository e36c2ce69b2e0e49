package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/jobs", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, SanitizeSite(tc.input))
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	first := cyclesTotal
	Init()
	require.Same(t, first, cyclesTotal)
}

func TestObserveHelpers(t *testing.T) {
	Init()

	before := testutil.ToFloat64(cyclesTotal.WithLabelValues("completed"))
	ObserveCycle("completed", 2*time.Second)
	require.InDelta(t, before+1, testutil.ToFloat64(cyclesTotal.WithLabelValues("completed")), 0.001)

	before = testutil.ToFloat64(newLinksTotal.WithLabelValues("jobs.example.com"))
	ObserveNewLinks("https://Jobs.Example.com/list", 3)
	ObserveNewLinks("https://jobs.example.com/list", 0)
	require.InDelta(t, before+3, testutil.ToFloat64(newLinksTotal.WithLabelValues("jobs.example.com")), 0.001)

	SetCycleRunning(true)
	require.InDelta(t, 1, testutil.ToFloat64(cycleRunning), 0.001)
	SetCycleRunning(false)
	require.InDelta(t, 0, testutil.ToFloat64(cycleRunning), 0.001)

	before = testutil.ToFloat64(notificationsTotal.WithLabelValues("dropped"))
	ObserveNotification("dropped")
	require.InDelta(t, before+1, testutil.ToFloat64(notificationsTotal.WithLabelValues("dropped")), 0.001)

	before = testutil.ToFloat64(targetsTotal.WithLabelValues("ok"))
	ObserveTarget("ok")
	require.InDelta(t, before+1, testutil.ToFloat64(targetsTotal.WithLabelValues("ok")), 0.001)

	ObserveFetchWait("slow.example.com", 300*time.Millisecond)
	require.Positive(t, testutil.CollectAndCount(fetchWaitSeconds, "linkwatch_fetch_wait_seconds"))
}

func TestMiddleware(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/probe", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "418"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/probe", nil))

	require.Equal(t, http.StatusTeapot, rec.Code)
	require.InDelta(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "418")), 0.001)
	require.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}

func FuzzSanitizeSite(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://jobs.example.org", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
