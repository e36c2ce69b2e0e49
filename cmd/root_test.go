package cmd

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkwatch/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "linkwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	prev := newLogger
	newLogger = func(*config.Config) (*zap.Logger, error) { return zap.NewNop(), nil }
	t.Cleanup(func() { newLogger = prev })

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCollectCommandRunsOneCycle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<ul><li><a class="job" href="/1">One</a></li><li><a class="job" href="/2">Two</a></li></ul>`))
	}))
	defer srv.Close()

	path := writeConfig(t, fmt.Sprintf(`
database:
  driver: memory
targets:
  - name: board
    url: %s/jobs
    selector: a.job
notifier:
  sink: none
  digest: true
`, srv.URL))

	out, err := execute(t, "--config", path, "collect")
	require.NoError(t, err)
	require.Contains(t, out, "collection 1 completed: 1 pages, 2 links, 2 new, 0 skipped")
	require.Contains(t, out, "board: 2 links, 2 new")
}

func TestCollectCommandReportsSkippedTargets(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	path := writeConfig(t, fmt.Sprintf(`
database:
  driver: memory
targets:
  - name: gone
    url: %s/missing
    selector: a
notifier:
  sink: none
`, srv.URL))

	out, err := execute(t, "--config", path, "collect")
	require.NoError(t, err)
	require.Contains(t, out, "0 pages, 0 links, 0 new, 1 skipped")
	require.Contains(t, out, "gone: fetch_failed")
}

func TestMigrateWithMemoryDriverIsNoOp(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: memory
targets:
  - url: https://example.com
    selector: a
`)

	out, err := execute(t, "--config", path, "migrate")
	require.NoError(t, err)
	require.Contains(t, out, `driver "memory" has no schema to apply`)
}

func TestInvalidConfigFailsBeforeCommand(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: memory
targets: []
`)

	_, err := execute(t, "--config", path, "collect")
	require.ErrorContains(t, err, "at least one target")
}

func TestResolveRuntimeRequiresInit(t *testing.T) {
	_, err := resolveRuntime(context.Background())
	require.Error(t, err)
}
