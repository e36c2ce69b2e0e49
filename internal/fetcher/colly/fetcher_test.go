package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/linkwatch/internal/linkwatch"
)

func TestFetchReturnsBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.UserAgent() != "linkwatch-test" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<a href="/jobs/1">Engineer</a>`))
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "linkwatch-test", Timeout: time.Second})
	target := linkwatch.Target{URL: srv.URL + "/jobs"}

	body, err := f.Fetch(context.Background(), target)
	require.NoError(t, err)
	require.Contains(t, string(body), "Engineer")

	// Revisiting the same URL in a later cycle must fetch again.
	body, err = f.Fetch(context.Background(), target)
	require.NoError(t, err)
	require.NotEmpty(t, body)
}

func TestFetchStatusClassification(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		status    int
		transient bool
	}{
		{"not found", http.StatusNotFound, false},
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusBadGateway, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			_, err := New(Config{Timeout: time.Second}).Fetch(context.Background(), linkwatch.Target{URL: srv.URL})
			var fe *linkwatch.FetchError
			require.True(t, errors.As(err, &fe), "got %v", err)
			require.Equal(t, tc.status, fe.StatusCode)
			require.Equal(t, tc.transient, fe.Transient)
		})
	}
}

func TestFetchMalformedURLIsPermanent(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}).Fetch(context.Background(), linkwatch.Target{URL: "ftp://example.com/x"})
	var fe *linkwatch.FetchError
	require.True(t, errors.As(err, &fe))
	require.False(t, fe.Transient)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	var (
		body     []byte
		status   int
		fetchErr error
	)
	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, &body, &status, &fetchErr)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	hooks.onResponse(&colly.Response{StatusCode: http.StatusOK, Body: []byte("body")})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "body", string(body))

	hooks.onError(&colly.Response{StatusCode: http.StatusForbidden}, errors.New("boom"))
	require.Equal(t, http.StatusForbidden, status)
	require.EqualError(t, fetchErr, "boom")
}

func TestClassifyTimeoutIsTransient(t *testing.T) {
	t.Parallel()

	fe := classify("https://example.com", 0, context.DeadlineExceeded)
	require.True(t, fe.Transient)
	require.True(t, linkwatch.IsTransient(fe))
}

type stubHooks struct {
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
