package cli

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rtloftin/discrete-bam/internal/devservice"
	"github.com/rtloftin/discrete-bam/internal/logger"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

// isolate keeps user config files and BAM_* variables out of a test.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	for _, kv := range os.Environ() {
		if name, _, _ := strings.Cut(kv, "="); strings.HasPrefix(name, "BAM_") {
			t.Setenv(name, "")
			require.NoError(t, os.Unsetenv(name))
		}
	}
	t.Chdir(dir)
	t.Cleanup(func() { logger.SetOutput(os.Stderr) })
	return dir
}

// syncBuffer is written by the terminal renderer while the test reads it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// keyboard replays keys into a pipe until the test ends.
func keyboard(t *testing.T, pause time.Duration, keys ...string) io.Reader {
	t.Helper()
	pr, pw := io.Pipe()
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			for _, k := range keys {
				select {
				case <-stop:
					return
				case <-time.After(pause):
				}
				if _, err := pw.Write([]byte(k)); err != nil {
					return
				}
			}
		}
	}()
	t.Cleanup(func() {
		close(stop)
		_ = pw.Close()
		wg.Wait()
	})
	return pr
}

type service struct {
	url   string
	store *devservice.Store
}

func startService(t *testing.T) service {
	t.Helper()
	store, err := devservice.OpenStore(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ts := httptest.NewServer(devservice.NewServer(devservice.Config{Seed: 7}, store).Handler())
	t.Cleanup(ts.Close)
	return service{url: "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws", store: store}
}

func (s service) eventTypes(t *testing.T) []string {
	t.Helper()
	sessions, err := s.store.Sessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	events, err := s.store.Events(context.Background(), sessions[0].ID)
	require.NoError(t, err)

	var types []string
	for _, e := range events {
		types = append(types, e.Type)
	}
	return types
}

func execute(t *testing.T, cmd func(Streams) *cobra.Command, in io.Reader, args ...string) (int, *syncBuffer, *syncBuffer) {
	t.Helper()
	out, errOut := &syncBuffer{}, &syncBuffer{}
	c := cmd(Streams{In: in, Out: out, ErrOut: errOut})
	c.SetArgs(args)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	return Execute(ctx, c), out, errOut
}

func TestClientCommandTree(t *testing.T) {
	cmd := NewClientCommand(Streams{})

	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	require.Subset(t, names, []string{"run", "tutorial"})

	for _, flag := range []string{"config", "log-level", "log-file", "server"} {
		require.NotNil(t, cmd.PersistentFlags().Lookup(flag), flag)
	}
	run, _, err := cmd.Find([]string{"run"})
	require.NoError(t, err)
	require.NotNil(t, run.Flags().Lookup("start"))
}

func TestTutorialRequiresScript(t *testing.T) {
	isolate(t)

	code, _, errOut := execute(t, NewClientCommand, strings.NewReader(""), "tutorial")
	require.Equal(t, 1, code)
	require.Contains(t, errOut.String(), "accepts 1 arg")
}

func TestBadLogLevelFails(t *testing.T) {
	isolate(t)

	code, _, errOut := execute(t, NewClientCommand, strings.NewReader(""),
		"tutorial", "missing.yaml", "--log-level", "loud")
	require.Equal(t, 1, code)
	require.Contains(t, errOut.String(), "log.level")
}

func TestTutorialAgainstService(t *testing.T) {
	dir := isolate(t)
	svc := startService(t)

	path := filepath.Join(dir, "press-r.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: press r
start:
  condition: {domain: grid world, environment: tutorial}
steps:
  - say: Press r.
  - await-control: reset
  - set-state: {x: 1, y: 1}
  - await-state: {x: 1, y: 1}
`), 0o644))

	code, out, errOut := execute(t, NewClientCommand, keyboard(t, 20*time.Millisecond, "r"),
		"tutorial", path, "--server", svc.url)
	require.Equal(t, 0, code, errOut.String())
	require.Contains(t, out.String(), "Press r.")

	types := svc.eventTypes(t)
	require.Equal(t, "start", types[0])
	require.Contains(t, types, "set-state")
	require.Equal(t, "end", types[len(types)-1])
}

func TestRunTeachesAndFinishes(t *testing.T) {
	dir := isolate(t)
	svc := startService(t)
	t.Setenv("BAM_SESSION_LEARN_FLOOR", "1ms")

	start := filepath.Join(dir, "start.yaml")
	require.NoError(t, os.WriteFile(start, []byte(`
condition: {domain: grid world}
layout:
  width: 3
  height: 3
  depth: 10
  goals:
    - {name: Only, x: 1, y: 0}
`), 0o644))

	// Demonstrate one step, stop, then try to finish. The cycle repeats
	// until the session ends.
	keys := keyboard(t, 30*time.Millisecond, "d", "l", "D", "f")
	code, out, errOut := execute(t, NewClientCommand, keys, "run", "--server", svc.url, "--start", start)
	require.Equal(t, 0, code, errOut.String())
	require.Contains(t, out.String(), "Putting robot away")

	types := svc.eventTypes(t)
	require.Contains(t, types, "take-action")
	require.Contains(t, types, "integrate")
	require.Equal(t, "end", types[len(types)-1])
}

func TestServiceCommandServesUntilCancelled(t *testing.T) {
	dir := isolate(t)
	db := filepath.Join(dir, "bamd.db")

	errOut := &syncBuffer{}
	cmd := NewServiceCommand(Streams{Out: io.Discard, ErrOut: errOut})
	cmd.SetArgs([]string{"--addr", "127.0.0.1:0", "--database", db, "--debug"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int, 1)
	go func() { done <- Execute(ctx, cmd) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(db)
		return err == nil && strings.Contains(errOut.String(), "listening")
	}, waitFor, 10*time.Millisecond)
	cancel()

	select {
	case code := <-done:
		require.Equal(t, 0, code, errOut.String())
	case <-time.After(waitFor):
		t.Fatal("bamd ignored cancellation")
	}
}
