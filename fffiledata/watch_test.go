package fffiledata

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/launchdarkly/go-sdk-common/v3/ldlog"
	th "github.com/launchdarkly/go-test-helpers/v3"

	"github.com/stretchr/testify/require"
)

const watchTimeout = 5 * time.Second

func TestWatchReloadsOnStartAndOnChange(t *testing.T) {
	path := writeFile(t, t.TempDir(), "flags.yaml", "flagValues:\n  a: true\n")
	reloads := make(chan struct{}, 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, watch(ctx, []string{path}, ldlog.NewDisabledLoggers(), func() { reloads <- struct{}{} },
		10*time.Millisecond))
	th.RequireValue(t, reloads, watchTimeout)

	require.NoError(t, os.WriteFile(path, []byte("flagValues:\n  a: false\n"), 0o600))
	th.RequireValue(t, reloads, watchTimeout)
}

func TestWatchNoticesFileCreatedLater(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flags.yaml")
	reloads := make(chan struct{}, 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, watch(ctx, []string{path}, ldlog.NewDisabledLoggers(), func() { reloads <- struct{}{} },
		10*time.Millisecond))
	th.RequireValue(t, reloads, watchTimeout)

	require.NoError(t, os.WriteFile(path, []byte("flagValues:\n  a: true\n"), 0o600))
	th.RequireValue(t, reloads, watchTimeout)
}

func TestWatchStopsWhenContextIsDone(t *testing.T) {
	path := writeFile(t, t.TempDir(), "flags.yaml", "flagValues:\n  a: true\n")
	reloads := make(chan struct{}, 100)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, watch(ctx, []string{path}, ldlog.NewDisabledLoggers(), func() { reloads <- struct{}{} },
		10*time.Millisecond))
	th.RequireValue(t, reloads, watchTimeout)
	cancel()
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("flagValues:\n  a: false\n"), 0o600))
	th.AssertNoMoreValues(t, reloads, 300*time.Millisecond)
}
