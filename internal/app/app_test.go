package app_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkwatch/internal/app"
	"github.com/JakeFAU/linkwatch/internal/collection"
	"github.com/JakeFAU/linkwatch/internal/config"
	"github.com/JakeFAU/linkwatch/internal/notify"
	"github.com/JakeFAU/linkwatch/internal/notify/memory"
	"github.com/JakeFAU/linkwatch/internal/notify/pushover"
)

func baseConfig(url string) *config.Config {
	return &config.Config{
		Interval: time.Hour,
		Database: config.DatabaseConfig{Driver: config.DriverMemory},
		HTTP:     config.HTTPConfig{Timeout: 5 * time.Second, UserAgent: "linkwatch-test"},
		Targets:  []config.TargetConfig{{Name: "jobs", URL: url, Kind: "css", Selector: "a.job"}},
		Notifier: config.NotifierConfig{
			Sink:           config.SinkNone,
			QueueDepth:     16,
			MaxRetries:     1,
			BackoffInitial: time.Millisecond,
			BackoffMax:     time.Millisecond,
		},
	}
}

func TestAppRunsCycleEndToEnd(t *testing.T) {
	t.Parallel()

	var page atomic.Value
	page.Store(`<a class="job" href="/jobs/1">Engineer</a><a class="job" href="/jobs/2">Designer</a>`)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(page.Load().(string)))
	}))
	defer srv.Close()

	cfg := baseConfig(srv.URL + "/jobs")
	sink := memory.New()
	a, err := app.New(context.Background(), cfg, zap.NewNop(), app.WithSink(sink))
	require.NoError(t, err)

	targets, err := cfg.LinkTargets()
	require.NoError(t, err)

	res, err := a.Engine().Run(context.Background(), targets, nil)
	require.NoError(t, err)
	require.Equal(t, collection.StateCompleted, res.State)
	require.Equal(t, int64(2), res.Stats.NewLinks)

	page.Store(`<a class="job" href="/jobs/2">Designer</a><a class="job" href="/jobs/3">Analyst</a>`)
	res, err = a.Engine().Run(context.Background(), targets, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), res.Stats.NewLinks)

	active, err := a.Store().ActiveLinks(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, active, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Close(ctx))

	msgs := sink.Messages()
	require.Len(t, msgs, 3)
	require.Equal(t, "New link on jobs", msgs[0].Title)
	require.Equal(t, srv.URL+"/jobs/3", msgs[2].URL)
}

func TestNewRejectsNilConfig(t *testing.T) {
	t.Parallel()

	_, err := app.New(context.Background(), nil, nil)
	require.Error(t, err)
}

func TestNewSinkSelection(t *testing.T) {
	t.Parallel()

	cfg := baseConfig("https://example.com")

	tests := []struct {
		sink string
		want string
	}{
		{config.SinkNone, "none"},
		{config.SinkLog, "log"},
		{config.SinkPushover, "pushover"},
	}
	for _, tc := range tests {
		c := *cfg
		c.Notifier.Sink = tc.sink
		c.Pushover = config.PushoverConfig{Token: "t", User: "u", Endpoint: pushover.DefaultEndpoint}
		sink, err := app.NewSink(context.Background(), &c, zap.NewNop())
		require.NoError(t, err, tc.sink)
		require.Equal(t, tc.want, sink.Name())
	}

	c := *cfg
	c.Notifier.Sink = "carrier-pigeon"
	_, err := app.NewSink(context.Background(), &c, zap.NewNop())
	require.Error(t, err)
}

func TestOpenStoreRejectsUnknownDriver(t *testing.T) {
	t.Parallel()

	_, err := app.OpenStore(context.Background(), config.DatabaseConfig{Driver: "sqlite"}, zap.NewNop())
	require.ErrorContains(t, err, "unknown database driver")
}

func TestSwapSink(t *testing.T) {
	t.Parallel()

	cfg := baseConfig("https://example.com")
	a, err := app.New(context.Background(), cfg, zap.NewNop(), app.WithSink(memory.New()))
	require.NoError(t, err)
	defer func() { _ = a.Close(context.Background()) }()

	next := *cfg
	next.Notifier.Sink = config.SinkLog
	require.NoError(t, a.SwapSink(context.Background(), &next))
	require.IsType(t, &notify.LogSink{}, a.Dispatcher().Sink())

	bad := *cfg
	bad.Notifier.Sink = config.SinkPushover
	require.Error(t, a.SwapSink(context.Background(), &bad))
	require.IsType(t, &notify.LogSink{}, a.Dispatcher().Sink(), "failed swap keeps the current sink")
}
