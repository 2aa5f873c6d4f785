package main

import (
	"context"
	"math"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/autofocus/internal/camera"
	"github.com/banshee-data/autofocus/internal/config"
	"github.com/banshee-data/autofocus/internal/monitoring"
	"github.com/banshee-data/autofocus/internal/testutil"
)

func init() { monitoring.SetLogger(nil) }

func TestApplyFlags(t *testing.T) {
	cfg := config.DefaultConfig()
	applyFlags(cfg, "", "", "")
	assert.Equal(t, ":8080", cfg.GetListen())
	assert.Equal(t, "/dev/ttyUSB0", cfg.GetStagePort())

	applyFlags(cfg, "127.0.0.1:9000", "/dev/ttyS3", "/tmp/focus.db")
	assert.Equal(t, "127.0.0.1:9000", cfg.GetListen())
	assert.Equal(t, "/dev/ttyS3", cfg.GetStagePort())
	assert.Equal(t, "/tmp/focus.db", cfg.GetDBPath())
}

// startDevSystem builds a simulated system with its stage line running.
func startDevSystem(t *testing.T, dbPath string) *system {
	t.Helper()
	cfg := config.DefaultConfig()
	applyFlags(cfg, "", "", dbPath)
	require.NoError(t, cfg.Validate())

	sys, err := newSystem(cfg, true)
	require.NoError(t, err)

	lineCtx, closeLine := context.WithCancel(context.Background())
	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		sys.devices.mux.Monitor(lineCtx)
	}()
	t.Cleanup(func() {
		sys.shutdown()
		closeLine()
		<-monitorDone
		sys.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sys.connect(ctx))
	return sys
}

func TestDevSystemEndToEnd(t *testing.T) {
	sys := startDevSystem(t, filepath.Join(t.TempDir(), "focus.db"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st := sys.jog.State()
	assert.True(t, st.LampOn)
	assert.Equal(t, 1, st.LightPath)

	require.NoError(t, sys.loop.SampleOnce(ctx))
	snap := sys.loop.Snapshot()
	require.NotNil(t, snap)
	assert.Len(t, snap.Profile, camera.ImageSamples)
	assert.InDelta(t, camera.ImageSamples/2, snap.Peak, 10)

	// Ask for focus 40 pixels lower; the stage must move down.
	sys.loop.SetSetpoint(float64(snap.Peak) - 40)
	tick, err := sys.loop.FeedbackOnce(ctx)
	require.NoError(t, err)
	assert.Negative(t, tick.Moved)

	pos, err := sys.stage.GetPosition(ctx)
	require.NoError(t, err)
	assert.Equal(t, tick.Moved, pos)

	ticks, err := sys.focus.RecentFeedback(10)
	require.NoError(t, err)
	require.Len(t, ticks, 1)
	assert.Equal(t, tick.Moved, ticks[0].Moved)
}

func TestDevSystemFocusConverges(t *testing.T) {
	sys := startDevSystem(t, "-")
	assert.Nil(t, sys.focus)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, sys.loop.SampleOnce(ctx))
	target := float64(sys.loop.Snapshot().Peak) + 30
	sys.loop.SetSetpoint(target)

	// Sample and correct in lockstep until the peak settles near the target.
	var last int
	for i := 0; i < 40; i++ {
		for j := 0; j < sys.cfg.GetOversamples(); j++ {
			require.NoError(t, sys.loop.SampleOnce(ctx))
		}
		_, err := sys.loop.FeedbackOnce(ctx)
		require.NoError(t, err)
		last = sys.loop.Snapshot().Peak
	}
	assert.LessOrEqual(t, math.Abs(float64(last)-target), 8.0)
}

func TestDevSystemHandler(t *testing.T) {
	sys := startDevSystem(t, filepath.Join(t.TempDir(), "focus.db"))
	h := sys.handler()

	w := testutil.Serve(h, testutil.NewRequest(http.MethodGet, "/api/status", ""))
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)

	w = testutil.Serve(h, testutil.NewRequest(http.MethodGet, "/api/jog", ""))
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	assert.Contains(t, w.Body.String(), `"lamp_on":true`)

	for _, path := range []string{"/debug/serial-pending", "/debug/focus-log"} {
		w = testutil.Serve(h, testutil.DebugRequest(path))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestShutdownStopsActuation(t *testing.T) {
	sys := startDevSystem(t, "-")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, sys.jog.HandleButton(ctx, 2))
	assert.NotZero(t, sys.jog.Speed())

	sys.shutdown()
	assert.Zero(t, sys.jog.Speed())
	assert.False(t, sys.loop.Status().Sampling)

	// the line is still usable after shutdown
	_, err := sys.stage.GetPosition(ctx)
	require.NoError(t, err)
}
