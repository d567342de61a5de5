package initd

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/dillendev/up/internal/event"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh/sleep on Unix-like systems")
	}
}

type result struct {
	code int
	err  error
}

func run(c *Controller) <-chan result {
	out := make(chan result, 1)
	go func() {
		code, err := c.Run()
		out <- result{code, err}
	}()
	return out
}

func wait(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("controller did not return")
		return result{}
	}
}

func TestMirrorsExitCode(t *testing.T) {
	requireUnix(t)
	events := make(chan event.Event, 4)
	c, _ := New(events, Options{Argv: []string{"/bin/sh", "-c", "exit 3"}, Poll: 20 * time.Millisecond})

	r := wait(t, run(c))
	require.NoError(t, r.err)
	assert.Equal(t, 3, r.code)
}

func TestMirrorsSignalDeath(t *testing.T) {
	requireUnix(t)
	events := make(chan event.Event, 4)
	c, _ := New(events, Options{Argv: []string{"/bin/sh", "-c", "kill -KILL $$"}, Poll: 20 * time.Millisecond})

	r := wait(t, run(c))
	require.NoError(t, r.err)
	assert.Equal(t, 128+int(unix.SIGKILL), r.code)
}

func TestChildExitedEventReapsPromptly(t *testing.T) {
	requireUnix(t)
	events := make(chan event.Event, 4)
	c, _ := New(events, Options{Argv: []string{"/bin/sh", "-c", "exit 0"}, Poll: time.Hour})
	ch := run(c)

	// stand in for the signal proxy
	go func() {
		for i := 0; i < 50; i++ {
			select {
			case events <- event.ChildExited{}:
			default:
			}
			time.Sleep(20 * time.Millisecond)
		}
	}()
	r := wait(t, ch)
	require.NoError(t, r.err)
	assert.Equal(t, 0, r.code)
}

func TestShutdownStopsCommand(t *testing.T) {
	requireUnix(t)
	events := make(chan event.Event, 4)
	c, h := New(events, Options{
		Argv:        []string{"/bin/sh", "-c", "trap '' TERM; sleep 30"},
		StopTimeout: 200 * time.Millisecond,
		Poll:        20 * time.Millisecond,
	})
	ch := run(c)
	time.Sleep(100 * time.Millisecond)

	h.Stop()
	r := wait(t, ch)
	require.NoError(t, r.err)
	assert.Equal(t, 0, r.code, "requested shutdown exits cleanly")
}

func TestReaperOnlyUntilShutdown(t *testing.T) {
	events := make(chan event.Event, 4)
	c, h := New(events, Options{Poll: 10 * time.Millisecond})
	ch := run(c)
	time.Sleep(30 * time.Millisecond)

	h.Stop()
	r := wait(t, ch)
	require.NoError(t, r.err)
	assert.Equal(t, 0, r.code)
}

func TestLaunchFailure(t *testing.T) {
	events := make(chan event.Event, 1)
	c, _ := New(events, Options{Argv: []string{"/definitely/not/here"}})
	code, err := c.Run()
	require.Error(t, err)
	assert.Equal(t, ExitLaunchFailed, code)
}
